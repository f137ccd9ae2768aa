package field

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind enumerates the supported field value shapes.
type Kind string

const (
	KindString Kind = "string"
	KindNumber Kind = "number"
	KindBool   Kind = "boolean"
	KindRecord Kind = "record"
)

// Value is a tagged union over the closed set of field value shapes.
// Payloads arriving from peers are decoded into a Value at the transport
// boundary so the merge engine never sees untyped data.
type Value struct {
	Kind   Kind
	Str    string
	Num    float64
	Bool   bool
	Record map[string]any
}

func String(s string) Value  { return Value{Kind: KindString, Str: s} }
func Number(n float64) Value { return Value{Kind: KindNumber, Num: n} }
func Boolean(b bool) Value   { return Value{Kind: KindBool, Bool: b} }

func RecordOf(m map[string]any) Value {
	return Value{Kind: KindRecord, Record: m}
}

// FromAny converts a decoded JSON value into a Value.
func FromAny(v any) (Value, error) {
	switch t := v.(type) {
	case string:
		return String(t), nil
	case float64:
		return Number(t), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("unsupported number %q: %w", t.String(), err)
		}
		return Number(f), nil
	case bool:
		return Boolean(t), nil
	case map[string]any:
		return RecordOf(t), nil
	default:
		return Value{}, fmt.Errorf("unsupported field value type %T", v)
	}
}

// Equal reports whether two values carry the same payload. Records compare
// by canonical JSON encoding (object keys are emitted sorted).
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == other.Str
	case KindNumber:
		return v.Num == other.Num
	case KindBool:
		return v.Bool == other.Bool
	case KindRecord:
		a, errA := json.Marshal(v.Record)
		b, errB := json.Marshal(other.Record)
		if errA != nil || errB != nil {
			return false
		}
		return bytes.Equal(a, b)
	}
	return false
}

// IsZero reports whether the value is the unset zero Value.
func (v Value) IsZero() bool {
	return v.Kind == ""
}

// MarshalJSON encodes the bare JSON value, so a string field serializes as
// "abc" on the wire, not as a wrapper object.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindString:
		return json.Marshal(v.Str)
	case KindNumber:
		return json.Marshal(v.Num)
	case KindBool:
		return json.Marshal(v.Bool)
	case KindRecord:
		if v.Record == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.Record)
	default:
		return nil, fmt.Errorf("cannot marshal value of kind %q", v.Kind)
	}
}

// UnmarshalJSON decodes a bare JSON value into the tagged union.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
