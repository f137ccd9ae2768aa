package channel

import "encoding/json"

// Frame kinds exchanged between a channel client and the relay.
const (
	FrameTrack        = "track"
	FrameBroadcast    = "broadcast"
	FramePresenceSync = "presence_sync"
)

// Frame is the wire envelope for one relay message.
type Frame struct {
	Kind     string                       `json:"kind"`
	Event    string                       `json:"event,omitempty"`
	Sender   string                       `json:"sender,omitempty"`
	Payload  json.RawMessage              `json:"payload,omitempty"`
	Presence map[string][]json.RawMessage `json:"presence,omitempty"`
}
