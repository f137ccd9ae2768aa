package field

import (
	"fmt"
	"sort"
)

// Strategy selects how concurrent states for the same field are reconciled.
type Strategy string

const (
	// StrategyLastWriterWins picks the state with the larger timestamp,
	// falling back to version and writer id on ties.
	StrategyLastWriterWins Strategy = "last-writer-wins"
	// StrategyNewestTimestamp is a synonym for StrategyLastWriterWins.
	StrategyNewestTimestamp Strategy = "newest-timestamp"
	// StrategyFieldLevel applies last-writer-wins independently per field
	// name, never at snapshot granularity. Concurrent edits to different
	// fields always merge cleanly. This is the default.
	StrategyFieldLevel Strategy = "field-level"
	// StrategyManual never overwrites a diverged local value; it records a
	// Conflict for the UI to resolve instead.
	StrategyManual Strategy = "manual"
)

// DefaultStrategy is used when no strategy is configured.
const DefaultStrategy = StrategyFieldLevel

// Valid reports whether s names a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyLastWriterWins, StrategyNewestTimestamp, StrategyFieldLevel, StrategyManual:
		return true
	}
	return false
}

// Conflict records a divergence the manual strategy refused to auto-resolve.
// It persists until resolved by picking one side; there is no implicit expiry.
type Conflict struct {
	FieldName       string `json:"fieldName"`
	LocalValue      Value  `json:"localValue"`
	RemoteValue     Value  `json:"remoteValue"`
	LocalTimestamp  int64  `json:"localTimestamp"`
	RemoteTimestamp int64  `json:"remoteTimestamp"`
	LocalUser       string `json:"localUser"`
	RemoteUser      string `json:"remoteUser"`

	// RemoteState is the full remote entry, kept so resolving toward the
	// remote side adopts exactly what the peer holds.
	RemoteState State `json:"-"`
}

// Merge folds a remote snapshot into local under the given strategy and
// returns the applied field names plus any new conflicts. Remote entries
// authored by the local snapshot's owner are skipped: the transport filters
// own echoes upstream, so seeing one here is a defensive no-op.
//
// Merge is idempotent: folding the same remote snapshot twice leaves local
// unchanged after the first application, because the per-field comparison is
// pure and a tied comparison never favors the remote side.
func Merge(local *Snapshot, remote Snapshot, strategy Strategy) ([]string, []Conflict, error) {
	if !strategy.Valid() {
		return nil, nil, fmt.Errorf("unknown merge strategy %q", strategy)
	}

	var applied []string
	var conflicts []Conflict

	for name, remoteState := range remote.Fields {
		if remoteState.LastModifiedBy == local.UserID {
			continue
		}
		localState, exists := local.Fields[name]
		if !exists {
			// Nothing to conflict with; adopt unconditionally.
			local.Fields[name] = remoteState
			applied = append(applied, name)
			continue
		}

		switch strategy {
		case StrategyManual:
			if !localState.Value.Equal(remoteState.Value) {
				conflicts = append(conflicts, Conflict{
					FieldName:       name,
					LocalValue:      localState.Value,
					RemoteValue:     remoteState.Value,
					LocalTimestamp:  localState.LastModified,
					RemoteTimestamp: remoteState.LastModified,
					LocalUser:       localState.LastModifiedBy,
					RemoteUser:      remoteState.LastModifiedBy,
					RemoteState:     remoteState,
				})
			}
		default:
			if remoteState.Supersedes(localState) {
				local.Fields[name] = remoteState
				applied = append(applied, name)
			}
		}
	}

	sort.Strings(applied)
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].FieldName < conflicts[j].FieldName })
	return applied, conflicts, nil
}
