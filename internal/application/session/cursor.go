package session

import (
	"sync"
	"time"

	"github.com/fieldsync/fieldsync/internal/domain/channel"
)

// CursorState is the last-seen cursor position of a remote participant.
type CursorState struct {
	Position  channel.Position `json:"position"`
	Name      string           `json:"name"`
	Color     string           `json:"color"`
	Timestamp int64            `json:"timestamp"`

	seenAt time.Time
}

// Activity is the last-seen focus/edit signal of a remote participant.
type Activity struct {
	UserID    string              `json:"user_id"`
	FieldName string              `json:"field_name"`
	NodeID    string              `json:"node_id,omitempty"`
	Kind      string              `json:"kind"`
	Profile   channel.UserProfile `json:"profile"`

	seenAt time.Time
}

// throttle bounds outbound cursor event rate under continuous mouse movement.
// It is a trailing-edge time-window throttle: the first event in a window
// goes out immediately, later ones replace a pending event that fires when
// the window elapses. Unlike the debouncer it never delays the first event
// and coalesces by time, not content.
type throttle struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	pending  *channel.CursorMove
	timer    *time.Timer
	stopped  bool
	send     func(channel.CursorMove)
	now      func() time.Time
}

func newThrottle(interval time.Duration, now func() time.Time, send func(channel.CursorMove)) *throttle {
	return &throttle{
		interval: interval,
		send:     send,
		now:      now,
	}
}

func (t *throttle) Offer(ev channel.CursorMove) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	now := t.now()
	elapsed := now.Sub(t.last)
	if elapsed >= t.interval && t.pending == nil {
		t.last = now
		t.mu.Unlock()
		t.send(ev)
		return
	}
	evCopy := ev
	t.pending = &evCopy
	if t.timer == nil {
		t.timer = time.AfterFunc(t.interval-elapsed, t.fire)
	}
	t.mu.Unlock()
}

func (t *throttle) fire() {
	t.mu.Lock()
	t.timer = nil
	ev := t.pending
	t.pending = nil
	if ev != nil {
		t.last = t.now()
	}
	t.mu.Unlock()
	if ev != nil {
		t.send(*ev)
	}
}

func (t *throttle) Stop() {
	t.mu.Lock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.pending = nil
	t.mu.Unlock()
}
