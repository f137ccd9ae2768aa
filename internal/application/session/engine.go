package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldsync/fieldsync/internal/domain/channel"
	"github.com/fieldsync/fieldsync/internal/domain/field"
)

// Engine defaults.
const (
	DefaultDebounceWindow = 300 * time.Millisecond
	DefaultCursorThrottle = 50 * time.Millisecond
	DefaultSweepInterval  = 5 * time.Second
	DefaultStaleAfter     = 10 * time.Second
)

var (
	ErrNoConflict        = errors.New("no conflict recorded for field")
	ErrUnknownResolution = errors.New("resolution must be local or remote")
)

// Resolution picks one side of a recorded conflict.
type Resolution string

const (
	ResolutionLocal  Resolution = "local"
	ResolutionRemote Resolution = "remote"
)

// Identity is the local participant as supplied by the identity provider.
type Identity struct {
	UserID string
	Name   string
	Color  string
}

// Participant is one currently-connected member of the room, derived from
// the channel's presence table.
type Participant struct {
	UserID   string `json:"user_id"`
	Name     string `json:"name"`
	Color    string `json:"color"`
	OnlineAt int64  `json:"online_at"`
}

// Options configures an Engine. Channel may be nil, in which case the engine
// runs offline: local edits apply but nothing is broadcast.
type Options struct {
	Identity   Identity
	DocumentID string
	Channel    channel.Channel
	Strategy   field.Strategy

	DebounceWindow time.Duration
	CursorThrottle time.Duration
	SweepInterval  time.Duration
	StaleAfter     time.Duration

	Logger zerolog.Logger
}

type eventKind int

const (
	evStatus eventKind = iota
	evPresenceSync
	evBroadcast
)

type inboundEvent struct {
	kind    eventKind
	status  channel.Status
	event   string
	sender  string
	payload json.RawMessage
}

// Engine is the per-document synchronization session. It owns the local form
// snapshot, reconciles remote snapshots through the merge engine, projects
// the advisory lock table, tracks presence, and batches outbound broadcasts.
// One Engine is constructed per active document and torn down with Close on
// context change; there is no ambient shared state between engines.
type Engine struct {
	id            Identity
	documentID    string
	ch            channel.Channel
	strategy      field.Strategy
	staleAfter    time.Duration
	sweepInterval time.Duration
	logger        zerolog.Logger
	now           func() time.Time

	mu           sync.RWMutex
	connected    bool
	snapshot     *field.Snapshot
	locks        map[string]string
	conflicts    map[string]field.Conflict
	participants map[string]Participant
	cursors      map[string]CursorState
	activity     map[string]Activity

	broadcaster *debouncer
	cursorGate  *throttle

	inbox     chan inboundEvent
	done      chan struct{}
	closeOnce sync.Once
}

// New constructs an Engine for one user editing one document.
func New(opts Options) (*Engine, error) {
	if opts.Identity.UserID == "" {
		return nil, fmt.Errorf("identity user id is required")
	}
	if opts.DocumentID == "" {
		return nil, fmt.Errorf("document id is required")
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = field.DefaultStrategy
	}
	if !strategy.Valid() {
		return nil, fmt.Errorf("unknown merge strategy %q", strategy)
	}
	window := opts.DebounceWindow
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	cursorThrottle := opts.CursorThrottle
	if cursorThrottle <= 0 {
		cursorThrottle = DefaultCursorThrottle
	}
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}
	stale := opts.StaleAfter
	if stale <= 0 {
		stale = DefaultStaleAfter
	}

	e := &Engine{
		id:            opts.Identity,
		documentID:    opts.DocumentID,
		ch:            opts.Channel,
		strategy:      strategy,
		staleAfter:    stale,
		sweepInterval: sweep,
		logger: opts.Logger.With().
			Str("service", "session").
			Str("document", opts.DocumentID).
			Str("user", opts.Identity.UserID).
			Logger(),
		now:          time.Now,
		snapshot:     field.NewSnapshot(opts.Identity.UserID, opts.DocumentID),
		locks:        make(map[string]string),
		conflicts:    make(map[string]field.Conflict),
		participants: make(map[string]Participant),
		cursors:      make(map[string]CursorState),
		activity:     make(map[string]Activity),
		inbox:        make(chan inboundEvent, 256),
		done:         make(chan struct{}),
	}
	e.broadcaster = newDebouncer(window, e.sendUpdates)
	e.cursorGate = newThrottle(cursorThrottle, func() time.Time { return e.now() }, e.sendCursor)
	return e, nil
}

// Start subscribes to the transport channel and launches the reactor loop.
// A channel that fails to subscribe leaves the engine offline but
// functional: local edits keep applying and a later presence sync heals the
// divergence.
func (e *Engine) Start(ctx context.Context) error {
	if e.ch != nil {
		e.ch.OnPresenceSync(func() {
			e.post(inboundEvent{kind: evPresenceSync})
		})
		for _, event := range []string{
			channel.EventFormUpdate,
			channel.EventFieldLock,
			channel.EventFieldActivity,
			channel.EventCursorMove,
		} {
			ev := event
			e.ch.OnBroadcast(ev, func(sender string, payload json.RawMessage) {
				e.post(inboundEvent{kind: evBroadcast, event: ev, sender: sender, payload: payload})
			})
		}
		if err := e.ch.Subscribe(func(status channel.Status) {
			e.post(inboundEvent{kind: evStatus, status: status})
		}); err != nil {
			e.logger.Warn().Err(err).Msg("channel subscribe failed, running offline")
		}
	}

	go e.run(ctx)
	return nil
}

// run is the single-threaded reactor: every inbound transport event and the
// staleness sweep timer pass through here.
func (e *Engine) run(ctx context.Context) {
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.done:
			return
		case ev := <-e.inbox:
			e.handle(ev)
		case <-ticker.C:
			e.evictStale()
		}
	}
}

func (e *Engine) post(ev inboundEvent) {
	select {
	case e.inbox <- ev:
	case <-e.done:
	default:
		// The transport is at-least-once; dropping under backpressure is
		// recovered by the next presence sync.
		e.logger.Warn().Str("event", ev.event).Msg("inbound queue full, event dropped")
	}
}

func (e *Engine) handle(ev inboundEvent) {
	switch ev.kind {
	case evStatus:
		e.handleStatus(ev.status)
	case evPresenceSync:
		e.handlePresenceSync()
	case evBroadcast:
		e.handleBroadcast(ev)
	}
}

func (e *Engine) handleStatus(status channel.Status) {
	subscribed := status == channel.StatusSubscribed
	e.mu.Lock()
	e.connected = subscribed
	e.mu.Unlock()
	if subscribed {
		// New peers see the local snapshot on their next presence sync.
		e.trackPresence()
	}
	e.logger.Debug().Str("status", string(status)).Msg("channel status changed")
}

func (e *Engine) trackPresence() {
	if e.ch == nil {
		return
	}
	e.mu.RLock()
	meta := channel.PresenceMeta{
		UserID:   e.id.UserID,
		Name:     e.id.Name,
		Color:    e.id.Color,
		OnlineAt: e.now().UnixMilli(),
		Snapshot: e.snapshot.Clone(),
	}
	e.mu.RUnlock()
	raw, err := json.Marshal(meta)
	if err != nil {
		e.logger.Warn().Err(err).Msg("presence payload marshal failed")
		return
	}
	if err := e.ch.Track(raw); err != nil {
		e.logger.Warn().Err(err).Msg("presence track failed")
	}
}

// handlePresenceSync recomputes the active-participant set and folds every
// peer's last tracked snapshot through the merge engine. This coarser path
// runs alongside form_update broadcasts, so a reconnecting peer converges
// even when individual broadcasts were lost.
func (e *Engine) handlePresenceSync() {
	if e.ch == nil {
		return
	}
	state := e.ch.PresenceState()

	e.mu.Lock()
	defer e.mu.Unlock()
	participants := make(map[string]Participant, len(state))
	for key, payloads := range state {
		if len(payloads) == 0 {
			continue
		}
		var meta channel.PresenceMeta
		if err := json.Unmarshal(payloads[len(payloads)-1], &meta); err != nil {
			e.logger.Warn().Err(err).Str("participant", key).Msg("malformed presence payload dropped")
			continue
		}
		if err := meta.Validate(); err != nil {
			e.logger.Warn().Err(err).Str("participant", key).Msg("malformed presence payload dropped")
			continue
		}
		participants[meta.UserID] = Participant{
			UserID:   meta.UserID,
			Name:     meta.Name,
			Color:    meta.Color,
			OnlineAt: meta.OnlineAt,
		}
		if meta.UserID == e.id.UserID {
			continue
		}
		e.mergeLocked(meta.Snapshot)
	}
	e.participants = participants
}

func (e *Engine) mergeLocked(remote field.Snapshot) {
	applied, conflicts, err := field.Merge(e.snapshot, remote, e.strategy)
	if err != nil {
		e.logger.Warn().Err(err).Msg("merge failed")
		return
	}
	for _, c := range conflicts {
		// Keyed per field: re-deliveries replace rather than duplicate.
		e.conflicts[c.FieldName] = c
	}
	if len(applied) > 0 || len(conflicts) > 0 {
		e.logger.Debug().
			Strs("applied", applied).
			Int("conflicts", len(conflicts)).
			Str("remote", remote.UserID).
			Msg("remote snapshot merged")
	}
}

func (e *Engine) handleBroadcast(ev inboundEvent) {
	switch ev.event {
	case channel.EventFormUpdate:
		e.handleFormUpdate(ev.payload)
	case channel.EventFieldLock:
		e.handleFieldLock(ev.payload)
	case channel.EventFieldActivity:
		e.handleFieldActivity(ev.payload)
	case channel.EventCursorMove:
		e.handleCursorMove(ev.payload)
	}
}

func (e *Engine) handleFormUpdate(payload json.RawMessage) {
	var p channel.FormUpdate
	if err := json.Unmarshal(payload, &p); err != nil {
		e.logger.Warn().Err(err).Msg("malformed form update dropped")
		return
	}
	if err := p.Validate(); err != nil {
		e.logger.Warn().Err(err).Msg("malformed form update dropped")
		return
	}
	if p.UserID == e.id.UserID {
		return
	}
	remote := field.Snapshot{UserID: p.UserID, Fields: p.Updates}
	e.mu.Lock()
	if p.MapID != e.documentID {
		e.mu.Unlock()
		return
	}
	e.mergeLocked(remote)
	e.mu.Unlock()
}

func (e *Engine) handleFieldLock(payload json.RawMessage) {
	var p channel.FieldLock
	if err := json.Unmarshal(payload, &p); err != nil {
		e.logger.Warn().Err(err).Msg("malformed lock event dropped")
		return
	}
	if err := p.Validate(); err != nil {
		e.logger.Warn().Err(err).Msg("malformed lock event dropped")
		return
	}
	if p.UserID == e.id.UserID {
		return
	}
	e.mu.Lock()
	switch p.Action {
	case channel.LockActionLock:
		e.locks[p.FieldName] = p.UserID
	case channel.LockActionUnlock:
		delete(e.locks, p.FieldName)
	}
	e.mu.Unlock()
}

func (e *Engine) handleFieldActivity(payload json.RawMessage) {
	var p channel.FieldActivity
	if err := json.Unmarshal(payload, &p); err != nil {
		e.logger.Warn().Err(err).Msg("malformed activity event dropped")
		return
	}
	if err := p.Validate(); err != nil {
		e.logger.Warn().Err(err).Msg("malformed activity event dropped")
		return
	}
	if p.UserID == e.id.UserID {
		return
	}
	e.mu.Lock()
	if p.MapID != "" && p.MapID != e.documentID {
		e.mu.Unlock()
		return
	}
	if p.Type == channel.ActivityBlur {
		delete(e.activity, p.UserID)
	} else {
		e.activity[p.UserID] = Activity{
			UserID:    p.UserID,
			FieldName: p.FieldName,
			NodeID:    p.NodeID,
			Kind:      p.Type,
			Profile:   p.UserProfile,
			seenAt:    e.now(),
		}
	}
	e.mu.Unlock()
}

func (e *Engine) handleCursorMove(payload json.RawMessage) {
	var p channel.CursorMove
	if err := json.Unmarshal(payload, &p); err != nil {
		e.logger.Warn().Err(err).Msg("malformed cursor event dropped")
		return
	}
	if err := p.Validate(); err != nil {
		e.logger.Warn().Err(err).Msg("malformed cursor event dropped")
		return
	}
	if p.User.ID == e.id.UserID {
		return
	}
	e.mu.Lock()
	e.cursors[p.User.ID] = CursorState{
		Position:  *p.Position,
		Name:      p.User.Name,
		Color:     p.Color,
		Timestamp: p.Timestamp,
		seenAt:    e.now(),
	}
	e.mu.Unlock()
}

// evictStale removes cursor and activity entries past the staleness
// threshold, so a disconnected or idle peer disappears without an explicit
// leave signal.
func (e *Engine) evictStale() {
	now := e.now()
	e.mu.Lock()
	for id, c := range e.cursors {
		if now.Sub(c.seenAt) > e.staleAfter {
			delete(e.cursors, id)
		}
	}
	for id, a := range e.activity {
		if now.Sub(a.seenAt) > e.staleAfter {
			delete(e.activity, id)
		}
	}
	e.mu.Unlock()
}

// Connected reports whether the transport channel is subscribed.
func (e *Engine) Connected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

// UpdateField applies a local edit synchronously and schedules its
// broadcast. Lock state is not consulted: enforcement is advisory and
// callers are expected to check IsFieldLocked first, but an unchecked write
// still lands locally.
func (e *Engine) UpdateField(name string, value field.Value) field.State {
	e.mu.Lock()
	st := e.snapshot.Apply(name, value, e.id.UserID, e.now().UnixMilli())
	e.mu.Unlock()
	e.broadcaster.Schedule(name, st)
	return st
}

// FieldValue returns the current value of a field.
func (e *Engine) FieldValue(name string) (field.Value, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.snapshot.Get(name)
	return st.Value, ok
}

// FieldState returns the full state of a field.
func (e *Engine) FieldState(name string) (field.State, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot.Get(name)
}

// Snapshot returns a copy of the local form snapshot.
func (e *Engine) Snapshot() field.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshot.Clone()
}

// Reset clears all fields and restarts version counters for a new document
// context. Pending debounced edits belong to the old context and are dropped,
// never broadcast under the new document id.
func (e *Engine) Reset(documentID string) {
	e.broadcaster.Discard()
	e.mu.Lock()
	e.documentID = documentID
	e.snapshot.Reset(e.id.UserID, documentID)
	e.conflicts = make(map[string]field.Conflict)
	e.locks = make(map[string]string)
	e.mu.Unlock()
}

// LockField takes the advisory lock on a field if it is free from the local
// point of view and announces the transition. Two peers racing within one
// network round-trip can both transiently believe they hold the lock; there
// is no acquisition consensus round.
func (e *Engine) LockField(name string) bool {
	e.mu.Lock()
	if holder, ok := e.locks[name]; ok && holder != e.id.UserID {
		e.mu.Unlock()
		return false
	}
	e.locks[name] = e.id.UserID
	connected := e.connected
	e.mu.Unlock()

	if connected && e.ch != nil {
		e.sendLock(channel.LockActionLock, name)
	}
	return true
}

// UnlockField clears the lock entry and announces it, regardless of who held
// the lock locally.
func (e *Engine) UnlockField(name string) {
	e.mu.Lock()
	delete(e.locks, name)
	connected := e.connected
	e.mu.Unlock()

	if connected && e.ch != nil {
		e.sendLock(channel.LockActionUnlock, name)
	}
}

// ClearLock drops a lock entry locally without broadcasting. This is the
// manual escape hatch for a lock whose holder disconnected without
// unlocking; the engine deliberately does not auto-release those.
func (e *Engine) ClearLock(name string) {
	e.mu.Lock()
	delete(e.locks, name)
	e.mu.Unlock()
}

func (e *Engine) sendLock(action, name string) {
	p := channel.FieldLock{Action: action, FieldName: name, UserID: e.id.UserID}
	if err := e.ch.Send(channel.EventFieldLock, p); err != nil {
		e.logger.Warn().Err(err).Str("field", name).Msg("lock broadcast failed")
	}
}

// IsFieldLocked reports whether the field is locked by someone other than
// the local user.
func (e *Engine) IsFieldLocked(name string) bool {
	return e.IsFieldLockedFor(name, e.id.UserID)
}

// IsFieldLockedFor reports whether the field is locked by someone other
// than askingUserID. A user is never blocked by their own lock.
func (e *Engine) IsFieldLockedFor(name, askingUserID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	holder, ok := e.locks[name]
	return ok && holder != askingUserID
}

// FieldLocker returns the current lock holder, if any.
func (e *Engine) FieldLocker(name string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	holder, ok := e.locks[name]
	return holder, ok
}

// Conflicts lists unresolved conflicts ordered by field name.
func (e *Engine) Conflicts() []field.Conflict {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]field.Conflict, 0, len(e.conflicts))
	for _, c := range e.conflicts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FieldName < out[j].FieldName })
	return out
}

// ResolveConflict deterministically picks one side of a recorded conflict
// and clears the entry. Resolving toward remote adopts the peer's exact
// field state, so subsequent re-deliveries of the same snapshot are no-ops.
func (e *Engine) ResolveConflict(name string, resolution Resolution) error {
	if resolution != ResolutionLocal && resolution != ResolutionRemote {
		return ErrUnknownResolution
	}
	e.mu.Lock()
	c, ok := e.conflicts[name]
	if !ok {
		e.mu.Unlock()
		return ErrNoConflict
	}
	if resolution == ResolutionRemote {
		e.snapshot.Fields[name] = c.RemoteState
	}
	delete(e.conflicts, name)
	e.mu.Unlock()
	return nil
}

// ActiveUsers lists currently-connected participants ordered by user id.
func (e *Engine) ActiveUsers() []Participant {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Participant, 0, len(e.participants))
	for _, p := range e.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Cursors returns the last-seen cursor per remote participant.
func (e *Engine) Cursors() map[string]CursorState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]CursorState, len(e.cursors))
	for k, v := range e.cursors {
		out[k] = v
	}
	return out
}

// ActivityFor lists remote participants currently focused on or editing the
// given field.
func (e *Engine) ActivityFor(fieldName string) []Activity {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Activity
	for _, a := range e.activity {
		if a.FieldName == fieldName {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// MoveCursor reports the local cursor position; sends are throttled.
func (e *Engine) MoveCursor(x, y float64) {
	ev := channel.CursorMove{
		Position:  &channel.Position{X: x, Y: y},
		User:      channel.CursorUser{ID: e.id.UserID, Name: e.id.Name},
		Color:     e.id.Color,
		Timestamp: e.now().UnixMilli(),
	}
	e.cursorGate.Offer(ev)
}

// SendActivity announces a focus/blur/edit signal for a field.
func (e *Engine) SendActivity(kind, fieldName, nodeID string) error {
	e.mu.RLock()
	docID := e.documentID
	connected := e.connected
	e.mu.RUnlock()
	p := channel.FieldActivity{
		Type:      kind,
		UserID:    e.id.UserID,
		MapID:     docID,
		FieldName: fieldName,
		NodeID:    nodeID,
		Timestamp: e.now().UnixMilli(),
		UserProfile: channel.UserProfile{
			Name:  e.id.Name,
			Color: e.id.Color,
		},
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if !connected || e.ch == nil {
		return nil
	}
	return e.ch.Send(channel.EventFieldActivity, p)
}

// Flush forces any pending debounced broadcast out now.
func (e *Engine) Flush() {
	e.broadcaster.Flush()
}

// sendUpdates is the debouncer's flush target: one form_update broadcast
// carrying the batched fields, followed by a presence re-track so the
// presence stream always carries the latest full snapshot.
func (e *Engine) sendUpdates(updates map[string]field.State) {
	e.mu.RLock()
	connected := e.connected
	docID := e.documentID
	e.mu.RUnlock()
	if !connected || e.ch == nil {
		// Offline: the edit stays local until a working channel appears.
		return
	}
	p := channel.FormUpdate{
		Type:      "field_update",
		UserID:    e.id.UserID,
		MapID:     docID,
		Updates:   updates,
		Timestamp: e.now().UnixMilli(),
	}
	if err := e.ch.Send(channel.EventFormUpdate, p); err != nil {
		e.logger.Warn().Err(err).Msg("form update broadcast failed")
	}
	e.trackPresence()
}

func (e *Engine) sendCursor(ev channel.CursorMove) {
	e.mu.RLock()
	connected := e.connected
	e.mu.RUnlock()
	if !connected || e.ch == nil {
		return
	}
	if err := e.ch.Send(channel.EventCursorMove, ev); err != nil {
		e.logger.Warn().Err(err).Msg("cursor broadcast failed")
	}
}

// Close flushes pending broadcasts, unsubscribes from the channel and stops
// the reactor. A leaked subscription would keep merging into a stale
// snapshot, so Close must run on document-context change and unmount.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.broadcaster.Stop()
		e.cursorGate.Stop()
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		if e.ch != nil {
			if err := e.ch.Unsubscribe(); err != nil {
				e.logger.Warn().Err(err).Msg("channel unsubscribe failed")
			}
		}
		close(e.done)
	})
}
