package channel

import "encoding/json"

// Status reports channel subscription state. Anything other than
// StatusSubscribed is treated by consumers as not-yet-ready.
type Status string

const (
	StatusSubscribed Status = "SUBSCRIBED"
	StatusClosed     Status = "CLOSED"
	StatusError      Status = "CHANNEL_ERROR"
)

// Broadcast event names carried on a room channel.
const (
	EventFormUpdate    = "form_update"
	EventFieldLock     = "field_lock"
	EventFieldActivity = "field_activity"
	EventCursorMove    = "realtime-cursor-move"
)

// StatusHandler observes subscription state transitions.
type StatusHandler func(Status)

// PresenceHandler fires on every presence-sync event. Handlers read the
// current presence table via PresenceState.
type PresenceHandler func()

// BroadcastHandler receives one broadcast payload. The sender key identifies
// the originating participant; the channel never delivers a participant's own
// broadcasts back to it.
type BroadcastHandler func(sender string, payload json.RawMessage)

// Channel is a named bidirectional publish/subscribe channel scoped to one
// collaboration room. Implementations guarantee in-order delivery of messages
// from a single sender; no ordering holds across senders.
//
// Handlers must be registered before Subscribe. All operations are
// fire-and-forget from the caller's point of view; results are observed
// through the registered handlers.
type Channel interface {
	// Subscribe attaches to the room and reports state transitions through
	// onStatus. Track is only valid after onStatus has seen
	// StatusSubscribed.
	Subscribe(onStatus StatusHandler) error

	// Track publishes the local presence payload, replacing any previously
	// tracked payload for this participant.
	Track(payload json.RawMessage) error

	// OnPresenceSync registers a handler for presence-sync events.
	OnPresenceSync(handler PresenceHandler)

	// OnBroadcast registers a handler for one broadcast event name.
	OnBroadcast(event string, handler BroadcastHandler)

	// Send fires a broadcast message to every other subscriber.
	Send(event string, payload any) error

	// PresenceState returns the current presence table: participant key to
	// the list of payloads tracked under that key.
	PresenceState() map[string][]json.RawMessage

	// Unsubscribe detaches from the room and removes the local presence
	// entry. Peers observe the disappearance on their next sync event.
	Unsubscribe() error
}
