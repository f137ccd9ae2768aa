package channel

import (
	"errors"
	"fmt"

	"github.com/fieldsync/fieldsync/internal/domain/field"
)

var (
	ErrMissingUserID   = errors.New("payload missing user id")
	ErrMissingMapID    = errors.New("payload missing map id")
	ErrMissingField    = errors.New("payload missing field name")
	ErrMissingPosition = errors.New("cursor payload missing position")
)

// FormUpdate carries a batch of field updates from one writer.
type FormUpdate struct {
	Type      string                 `json:"type"` // always "field_update"
	UserID    string                 `json:"user_id"`
	MapID     string                 `json:"map_id"`
	Updates   map[string]field.State `json:"updates"`
	Timestamp int64                  `json:"timestamp"`
}

func (p *FormUpdate) Validate() error {
	if p.UserID == "" {
		return ErrMissingUserID
	}
	if p.MapID == "" {
		return ErrMissingMapID
	}
	if len(p.Updates) == 0 {
		return errors.New("form update carries no fields")
	}
	for name, st := range p.Updates {
		if st.Value.IsZero() {
			return fmt.Errorf("field %q carries no value", name)
		}
	}
	return nil
}

// Lock actions.
const (
	LockActionLock   = "lock"
	LockActionUnlock = "unlock"
)

// FieldLock announces an advisory lock transition.
type FieldLock struct {
	Action    string `json:"action"`
	FieldName string `json:"fieldName"`
	UserID    string `json:"user_id"`
}

func (p *FieldLock) Validate() error {
	if p.UserID == "" {
		return ErrMissingUserID
	}
	if p.FieldName == "" {
		return ErrMissingField
	}
	if p.Action != LockActionLock && p.Action != LockActionUnlock {
		return fmt.Errorf("unknown lock action %q", p.Action)
	}
	return nil
}

// UserProfile is the display identity attached to activity events. The
// engine treats these as opaque strings supplied by the identity provider.
type UserProfile struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Activity kinds.
const (
	ActivityFocus = "focus"
	ActivityBlur  = "blur"
	ActivityEdit  = "edit"
)

// FieldActivity is an ephemeral focus/blur/edit signal for one field.
type FieldActivity struct {
	Type        string      `json:"type"`
	UserID      string      `json:"user_id"`
	MapID       string      `json:"map_id"`
	FieldName   string      `json:"field_name"`
	NodeID      string      `json:"node_id,omitempty"`
	Timestamp   int64       `json:"timestamp"`
	UserProfile UserProfile `json:"user_profile"`
}

func (p *FieldActivity) Validate() error {
	if p.UserID == "" {
		return ErrMissingUserID
	}
	if p.FieldName == "" {
		return ErrMissingField
	}
	if p.Type != ActivityFocus && p.Type != ActivityBlur && p.Type != ActivityEdit {
		return fmt.Errorf("unknown activity type %q", p.Type)
	}
	return nil
}

// Position is a cursor location in canvas coordinates.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// CursorUser identifies the cursor owner.
type CursorUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CursorMove is one self-contained cursor position event.
type CursorMove struct {
	Position  *Position  `json:"position"`
	User      CursorUser `json:"user"`
	Color     string     `json:"color"`
	Timestamp int64      `json:"timestamp"`
}

func (p *CursorMove) Validate() error {
	if p.User.ID == "" {
		return ErrMissingUserID
	}
	if p.Position == nil {
		return ErrMissingPosition
	}
	return nil
}

// PresenceMeta is the payload tracked on the presence stream: the owner's
// display identity plus their full form snapshot, so a peer that reconnects
// picks up the latest state even when broadcast messages were lost.
type PresenceMeta struct {
	UserID   string         `json:"user_id"`
	Name     string         `json:"name"`
	Color    string         `json:"color"`
	OnlineAt int64          `json:"online_at"`
	Snapshot field.Snapshot `json:"snapshot"`
}

func (p *PresenceMeta) Validate() error {
	if p.UserID == "" {
		return ErrMissingUserID
	}
	return nil
}
