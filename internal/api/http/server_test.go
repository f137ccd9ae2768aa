package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fieldsync/fieldsync/internal/domain/channel"
	"github.com/fieldsync/fieldsync/internal/domain/room"
	"github.com/fieldsync/fieldsync/internal/infrastructure/relay"
)

type memRooms struct {
	mu    sync.Mutex
	rooms map[uuid.UUID]*room.Room
	snaps map[uuid.UUID]map[string][]byte
}

func newMemRooms() *memRooms {
	return &memRooms{
		rooms: make(map[uuid.UUID]*room.Room),
		snaps: make(map[uuid.UUID]map[string][]byte),
	}
}

func (m *memRooms) CreateRoom(_ context.Context, r *room.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID = int64(len(m.rooms) + 1)
	m.rooms[r.RoomID] = r
	return nil
}

func (m *memRooms) GetRoomByID(_ context.Context, roomID uuid.UUID) (*room.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[roomID], nil
}

func (m *memRooms) ListRooms(_ context.Context, limit, offset int) ([]*room.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*room.Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	return out, nil
}

func (m *memRooms) SaveSnapshot(_ context.Context, roomID uuid.UUID, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snaps[roomID] == nil {
		m.snaps[roomID] = make(map[string][]byte)
	}
	m.snaps[roomID][key] = payload
	return nil
}

func (m *memRooms) ListSnapshots(_ context.Context, roomID uuid.UUID) ([]*room.ArchivedSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*room.ArchivedSnapshot
	for key, payload := range m.snaps[roomID] {
		out = append(out, &room.ArchivedSnapshot{RoomID: roomID, ParticipantKey: key, Payload: payload})
	}
	return out, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *memRooms) {
	t.Helper()
	repo := newMemRooms()
	hub := relay.NewHub(nil, nil, 16, zerolog.Nop())
	srv := NewServer(repo, hub, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, repo
}

func TestCreateAndGetRoom(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/v1/rooms", "application/json", bytes.NewBufferString(`{"name":"planning"}`))
	if err != nil {
		t.Fatalf("post room: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created room.Room
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode created room: %v", err)
	}
	if created.Name != "planning" || created.RoomID == uuid.Nil {
		t.Fatalf("unexpected room: %+v", created)
	}

	getResp, err := http.Get(ts.URL + "/v1/rooms/" + created.RoomID.String())
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", getResp.StatusCode)
	}
}

func TestCreateRoomRejectsEmptyName(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/v1/rooms", "application/json", bytes.NewBufferString(`{"name":"  "}`))
	if err != nil {
		t.Fatalf("post room: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestGetUnknownRoom(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/rooms/" + uuid.NewString())
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	badResp, err := http.Get(ts.URL + "/v1/rooms/not-a-uuid")
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	defer badResp.Body.Close()
	if badResp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", badResp.StatusCode)
	}
}

func TestWebSocketRequiresParticipantKey(t *testing.T) {
	ts, repo := newTestServer(t)

	rm := &room.Room{RoomID: uuid.New(), Name: "ws"}
	if err := repo.CreateRoom(context.Background(), rm); err != nil {
		t.Fatalf("seed room: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/rooms/" + rm.RoomID.String() + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial without key to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 handshake response, got %+v", resp)
	}
}

func TestWebSocketPresenceAndBroadcast(t *testing.T) {
	ts, repo := newTestServer(t)

	rm := &room.Room{RoomID: uuid.New(), Name: "ws"}
	if err := repo.CreateRoom(context.Background(), rm); err != nil {
		t.Fatalf("seed room: %v", err)
	}
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/rooms/" + rm.RoomID.String() + "/ws"

	alice := dialWS(t, wsURL+"?key=alice")
	bob := dialWS(t, wsURL+"?key=bob")

	// Each connection receives the presence table on join.
	readFrame(t, alice)
	readFrame(t, bob)

	track, _ := json.Marshal(channel.Frame{Kind: channel.FrameTrack, Payload: json.RawMessage(`{"user_id":"alice"}`)})
	if err := alice.WriteMessage(websocket.TextMessage, track); err != nil {
		t.Fatalf("write track: %v", err)
	}
	presence := readFrame(t, bob)
	if presence.Kind != channel.FramePresenceSync {
		t.Fatalf("expected presence_sync, got %q", presence.Kind)
	}
	if _, ok := presence.Presence["alice"]; !ok {
		t.Fatalf("expected alice in presence, got %v", presence.Presence)
	}

	bcast, _ := json.Marshal(channel.Frame{
		Kind:    channel.FrameBroadcast,
		Event:   channel.EventFormUpdate,
		Payload: json.RawMessage(`{"type":"field_update"}`),
	})
	if err := bob.WriteMessage(websocket.TextMessage, bcast); err != nil {
		t.Fatalf("write broadcast: %v", err)
	}
	frame := readFrame(t, alice)
	for frame.Kind != channel.FrameBroadcast {
		frame = readFrame(t, alice)
	}
	if frame.Sender != "bob" || frame.Event != channel.EventFormUpdate {
		t.Fatalf("unexpected broadcast frame: %+v", frame)
	}
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) channel.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame channel.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return frame
}
