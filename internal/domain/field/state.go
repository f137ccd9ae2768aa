package field

// State is one field's value and provenance.
type State struct {
	Value          Value  `json:"value"`
	LastModified   int64  `json:"lastModified"` // milliseconds since epoch, writer clock
	LastModifiedBy string `json:"lastModifiedBy"`
	Version        int    `json:"version"` // incremented by the owning writer per mutation
}

// Supersedes reports whether s wins over other under last-writer-wins
// comparison: larger timestamp, then larger version, then lexicographically
// larger writer id. The final tiebreaker is arbitrary but consistent, so all
// peers converge on the same winner given the same inputs.
func (s State) Supersedes(other State) bool {
	if s.LastModified != other.LastModified {
		return s.LastModified > other.LastModified
	}
	if s.Version != other.Version {
		return s.Version > other.Version
	}
	return s.LastModifiedBy > other.LastModifiedBy
}

// Metadata is snapshot-level bookkeeping, currently informational.
type Metadata struct {
	LastSyncedAt int64 `json:"lastSyncedAt"`
	Version      int   `json:"version"`
}

// Snapshot is one participant's complete view of the document's fields,
// exchanged as the unit of synchronization.
type Snapshot struct {
	UserID     string           `json:"userId"`
	DocumentID string           `json:"documentId"`
	Fields     map[string]State `json:"fields"`
	Metadata   Metadata         `json:"metadata"`
}

// NewSnapshot creates an empty snapshot owned by userID for documentID.
func NewSnapshot(userID, documentID string) *Snapshot {
	return &Snapshot{
		UserID:     userID,
		DocumentID: documentID,
		Fields:     make(map[string]State),
	}
}

// Apply records a local mutation: the field version is incremented and the
// write is stamped with the writer id and timestamp. The update is visible
// to the caller immediately; broadcasting it is the caller's concern.
func (s *Snapshot) Apply(name string, value Value, writerID string, nowMillis int64) State {
	prev := s.Fields[name]
	next := State{
		Value:          value,
		LastModified:   nowMillis,
		LastModifiedBy: writerID,
		Version:        prev.Version + 1,
	}
	s.Fields[name] = next
	s.Metadata.Version++
	return next
}

// Get returns the state for a field, if present.
func (s *Snapshot) Get(name string) (State, bool) {
	st, ok := s.Fields[name]
	return st, ok
}

// Reset clears all fields and restarts version counters. Used when the
// document context changes.
func (s *Snapshot) Reset(userID, documentID string) {
	s.UserID = userID
	s.DocumentID = documentID
	s.Fields = make(map[string]State)
	s.Metadata = Metadata{}
}

// Clone returns a deep-enough copy for handing to other goroutines; field
// values are treated as immutable once stored.
func (s *Snapshot) Clone() Snapshot {
	fields := make(map[string]State, len(s.Fields))
	for k, v := range s.Fields {
		fields[k] = v
	}
	return Snapshot{
		UserID:     s.UserID,
		DocumentID: s.DocumentID,
		Fields:     fields,
		Metadata:   s.Metadata,
	}
}
