package session

import (
	"sync"
	"time"

	"github.com/fieldsync/fieldsync/internal/domain/field"
)

// debouncer coalesces rapid local field edits into infrequent network sends.
// Scheduling resets the window, so a writer that stops typing sees their
// final value broadcast within one window of the last keystroke; within a
// window the last value per field wins. Local state is never debounced, only
// the network announcement.
type debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	timer   *time.Timer
	pending map[string]field.State
	stopped bool
	send    func(map[string]field.State)
}

func newDebouncer(window time.Duration, send func(map[string]field.State)) *debouncer {
	return &debouncer{
		window:  window,
		pending: make(map[string]field.State),
		send:    send,
	}
}

func (d *debouncer) Schedule(name string, st field.State) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.pending[name] = st
	if d.timer == nil {
		d.timer = time.AfterFunc(d.window, d.Flush)
	} else {
		d.timer.Reset(d.window)
	}
}

// Flush sends whatever is pending immediately.
func (d *debouncer) Flush() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if len(d.pending) == 0 {
		d.mu.Unlock()
		return
	}
	batch := d.pending
	d.pending = make(map[string]field.State)
	d.mu.Unlock()

	d.send(batch)
}

// Discard drops any pending batch without sending it. Used when the document
// context changes: pending edits belong to the old context and must not be
// broadcast under the new one.
func (d *debouncer) Discard() {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.pending = make(map[string]field.State)
	d.mu.Unlock()
}

// Stop flushes any pending batch and refuses further scheduling. Called on
// engine teardown so a pending edit is never dropped.
func (d *debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.Flush()
}
