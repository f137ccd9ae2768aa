package wschannel

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/fieldsync/fieldsync/internal/api/http"
	"github.com/fieldsync/fieldsync/internal/domain/channel"
	"github.com/fieldsync/fieldsync/internal/domain/room"
	"github.com/fieldsync/fieldsync/internal/infrastructure/relay"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type singleRoom struct {
	rm *room.Room
}

func (s *singleRoom) CreateRoom(context.Context, *room.Room) error { return nil }

func (s *singleRoom) GetRoomByID(_ context.Context, id uuid.UUID) (*room.Room, error) {
	if s.rm != nil && s.rm.RoomID == id {
		return s.rm, nil
	}
	return nil, nil
}

func (s *singleRoom) ListRooms(context.Context, int, int) ([]*room.Room, error) { return nil, nil }

func (s *singleRoom) SaveSnapshot(context.Context, uuid.UUID, string, []byte) error { return nil }

func (s *singleRoom) ListSnapshots(context.Context, uuid.UUID) ([]*room.ArchivedSnapshot, error) {
	return nil, nil
}

func newRelayServer(t *testing.T) (string, string) {
	t.Helper()
	rm := &room.Room{RoomID: uuid.New(), Name: "ws"}
	hub := relay.NewHub(nil, nil, 16, zerolog.Nop())
	srv := httpapi.NewServer(&singleRoom{rm: rm}, hub, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http"), rm.RoomID.String()
}

func newChannel(t *testing.T, relayURL, roomID, key string) *Channel {
	t.Helper()
	c, err := New(Config{
		RelayURL:       relayURL,
		RoomID:         roomID,
		ParticipantKey: key,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	return c
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{RoomID: "r", ParticipantKey: "k"}); err == nil {
		t.Fatal("expected error for missing relay url")
	}
	if _, err := New(Config{RelayURL: "ws://x", ParticipantKey: "k"}); err == nil {
		t.Fatal("expected error for missing room id")
	}
	if _, err := New(Config{RelayURL: "ws://x", RoomID: "r"}); err == nil {
		t.Fatal("expected error for missing participant key")
	}
}

func TestTrackAndSendBeforeSubscribeFail(t *testing.T) {
	relayURL, roomID := newRelayServer(t)
	c := newChannel(t, relayURL, roomID, "alice")

	if err := c.Track(json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error tracking before subscribe")
	}
	if err := c.Send(channel.EventFormUpdate, map[string]string{}); err == nil {
		t.Fatal("expected error sending before subscribe")
	}
}

func TestSubscribeTrackAndBroadcast(t *testing.T) {
	relayURL, roomID := newRelayServer(t)
	alice := newChannel(t, relayURL, roomID, "alice")
	bob := newChannel(t, relayURL, roomID, "bob")

	bobSync := make(chan struct{}, 8)
	bob.OnPresenceSync(func() {
		select {
		case bobSync <- struct{}{}:
		default:
		}
	})
	type broadcast struct {
		sender  string
		payload json.RawMessage
	}
	bobGot := make(chan broadcast, 8)
	bob.OnBroadcast(channel.EventFormUpdate, func(sender string, payload json.RawMessage) {
		bobGot <- broadcast{sender: sender, payload: payload}
	})

	statuses := make(chan channel.Status, 4)
	require.NoError(t, alice.Subscribe(func(s channel.Status) { statuses <- s }))
	require.Equal(t, channel.StatusSubscribed, <-statuses)
	t.Cleanup(func() { _ = alice.Unsubscribe() })

	require.NoError(t, bob.Subscribe(nil))
	t.Cleanup(func() { _ = bob.Unsubscribe() })

	require.NoError(t, alice.Track(json.RawMessage(`{"user_id":"alice"}`)))
	require.Eventually(t, func() bool {
		select {
		case <-bobSync:
			return len(bob.PresenceState()["alice"]) == 1
		default:
			return false
		}
	}, waitFor, tick, "peer never saw alice on the presence stream")

	require.NoError(t, alice.Send(channel.EventFormUpdate, map[string]string{"v": "1"}))
	select {
	case got := <-bobGot:
		require.Equal(t, "alice", got.sender, "relay must stamp the sender key")
		require.JSONEq(t, `{"v":"1"}`, string(got.payload))
	case <-time.After(waitFor):
		t.Fatal("broadcast never reached peer")
	}
}

func TestUnsubscribeReportsClosedAndDropsPresence(t *testing.T) {
	relayURL, roomID := newRelayServer(t)
	alice := newChannel(t, relayURL, roomID, "alice")
	bob := newChannel(t, relayURL, roomID, "bob")

	statuses := make(chan channel.Status, 4)
	require.NoError(t, alice.Subscribe(func(s channel.Status) { statuses <- s }))
	require.Equal(t, channel.StatusSubscribed, <-statuses)
	require.NoError(t, bob.Subscribe(nil))
	t.Cleanup(func() { _ = bob.Unsubscribe() })

	require.NoError(t, alice.Track(json.RawMessage(`{"user_id":"alice"}`)))
	require.Eventually(t, func() bool {
		return len(bob.PresenceState()["alice"]) == 1
	}, waitFor, tick)

	require.NoError(t, alice.Unsubscribe())
	require.Equal(t, channel.StatusClosed, <-statuses)

	require.Eventually(t, func() bool {
		_, ok := bob.PresenceState()["alice"]
		return !ok
	}, waitFor, tick, "presence entry survived unsubscribe")
}
