package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fieldsync/fieldsync/internal/domain/channel"
)

func drainOne(t *testing.T, c *Client) channel.Frame {
	t.Helper()
	select {
	case data, ok := <-c.Outbox():
		require.True(t, ok, "outbox closed")
		var frame channel.Frame
		require.NoError(t, json.Unmarshal(data, &frame))
		return frame
	default:
		t.Fatal("expected a queued frame")
		return channel.Frame{}
	}
}

func TestJoinDeliversPresenceSnapshot(t *testing.T) {
	hub := NewHub(nil, nil, 8, zerolog.Nop())
	ctx := context.Background()

	a := hub.Join(ctx, "room-1", "alice")
	hub.HandleFrame(ctx, "room-1", a, mustFrame(t, channel.Frame{
		Kind:    channel.FrameTrack,
		Payload: json.RawMessage(`{"user_id":"alice"}`),
	}))

	b := hub.Join(ctx, "room-1", "bob")
	frame := drainOne(t, b)
	require.Equal(t, channel.FramePresenceSync, frame.Kind)
	require.Contains(t, frame.Presence, "alice")
}

func TestBroadcastFanoutExcludesSender(t *testing.T) {
	hub := NewHub(nil, nil, 8, zerolog.Nop())
	ctx := context.Background()

	a := hub.Join(ctx, "room-1", "alice")
	b := hub.Join(ctx, "room-1", "bob")
	drainOne(t, a) // join-time presence frames
	drainOne(t, b)

	hub.HandleFrame(ctx, "room-1", a, mustFrame(t, channel.Frame{
		Kind:    channel.FrameBroadcast,
		Event:   channel.EventFormUpdate,
		Payload: json.RawMessage(`{"user_id":"alice"}`),
	}))

	frame := drainOne(t, b)
	require.Equal(t, channel.FrameBroadcast, frame.Kind)
	require.Equal(t, channel.EventFormUpdate, frame.Event)
	require.Equal(t, "alice", frame.Sender, "relay must stamp the sender key")

	select {
	case data := <-a.Outbox():
		t.Fatalf("sender received own broadcast: %s", data)
	default:
	}
}

func TestLeaveRemovesPresenceAndNotifies(t *testing.T) {
	hub := NewHub(nil, nil, 8, zerolog.Nop())
	ctx := context.Background()

	a := hub.Join(ctx, "room-1", "alice")
	hub.HandleFrame(ctx, "room-1", a, mustFrame(t, channel.Frame{
		Kind:    channel.FrameTrack,
		Payload: json.RawMessage(`{"user_id":"alice"}`),
	}))
	b := hub.Join(ctx, "room-1", "bob")
	drainOne(t, b)

	hub.Leave(ctx, "room-1", a)
	frame := drainOne(t, b)
	require.Equal(t, channel.FramePresenceSync, frame.Kind)
	require.NotContains(t, frame.Presence, "alice")
}

func TestMalformedFrameIgnored(t *testing.T) {
	hub := NewHub(nil, nil, 8, zerolog.Nop())
	ctx := context.Background()

	a := hub.Join(ctx, "room-1", "alice")
	b := hub.Join(ctx, "room-1", "bob")
	drainOne(t, a)
	drainOne(t, b)

	hub.HandleFrame(ctx, "room-1", a, []byte("not json"))
	select {
	case data := <-b.Outbox():
		t.Fatalf("malformed frame was fanned out: %s", data)
	default:
	}
}

func TestTrackReachesSnapshotArchive(t *testing.T) {
	arch := &memArchive{saved: make(chan saveCall, 1)}
	hub := NewHub(nil, arch, 8, zerolog.Nop())
	ctx := context.Background()

	a := hub.Join(ctx, "room-1", "alice")
	hub.HandleFrame(ctx, "room-1", a, mustFrame(t, channel.Frame{
		Kind:    channel.FrameTrack,
		Payload: json.RawMessage(`{"user_id":"alice"}`),
	}))

	call := <-arch.saved
	require.Equal(t, "room-1", call.roomID)
	require.Equal(t, "alice", call.key)
	require.JSONEq(t, `{"user_id":"alice"}`, string(call.payload))
}

type saveCall struct {
	roomID  string
	key     string
	payload []byte
}

type memArchive struct {
	mu    sync.Mutex
	saved chan saveCall
}

func (m *memArchive) SaveSnapshot(_ context.Context, roomID, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved <- saveCall{roomID: roomID, key: key, payload: payload}
	return nil
}

func mustFrame(t *testing.T, frame channel.Frame) []byte {
	t.Helper()
	data, err := json.Marshal(frame)
	require.NoError(t, err)
	return data
}
