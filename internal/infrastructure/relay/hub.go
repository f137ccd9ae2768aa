// Package relay implements the server side of the room channel: per-room
// client registries, presence tables, broadcast fanout, and optional
// cross-instance fanout over Redis pub/sub.
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fieldsync/fieldsync/internal/domain/channel"
)

// frameUntrack is a relay-internal frame kind used between instances to
// propagate presence removal; it never reaches clients.
const frameUntrack = "untrack"

const archiveTimeout = 5 * time.Second

// SnapshotArchive persists the last tracked presence payload per room and
// participant. Saving is best-effort and must never block fanout.
type SnapshotArchive interface {
	SaveSnapshot(ctx context.Context, roomID, participantKey string, payload []byte) error
}

// envelope wraps a frame for cross-instance transport.
type envelope struct {
	Origin string        `json:"origin"`
	Frame  channel.Frame `json:"frame"`
}

// Client is one websocket connection's registration in a room. The transport
// layer drains Outbox into the socket.
type Client struct {
	ID  string
	Key string

	mu     sync.Mutex
	closed bool
	send   chan []byte
}

// Outbox returns the channel of frames queued for this client.
func (c *Client) Outbox() <-chan []byte { return c.send }

func (c *Client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

type room struct {
	id       string
	mu       sync.RWMutex
	clients  map[string]*Client
	presence map[string][]json.RawMessage
	pubsub   *redis.PubSub
	cancel   context.CancelFunc
}

// Hub manages all rooms on one relay instance.
type Hub struct {
	instanceID string
	sendBuffer int
	rdb        *redis.Client
	archive    SnapshotArchive
	logger     zerolog.Logger

	mu    sync.Mutex
	rooms map[string]*room
}

// NewHub creates a hub. rdb and archive may be nil: without Redis the relay
// runs single-instance, without an archive snapshots are not persisted.
func NewHub(rdb *redis.Client, archive SnapshotArchive, sendBuffer int, logger zerolog.Logger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &Hub{
		instanceID: uuid.NewString(),
		sendBuffer: sendBuffer,
		rdb:        rdb,
		archive:    archive,
		logger:     logger.With().Str("service", "relay").Logger(),
		rooms:      make(map[string]*room),
	}
}

func roomChannel(roomID string) string {
	return "fieldsync:room:" + roomID
}

func (h *Hub) room(ctx context.Context, roomID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[roomID]
	if ok {
		return r
	}
	r = &room{
		id:       roomID,
		clients:  make(map[string]*Client),
		presence: make(map[string][]json.RawMessage),
	}
	if h.rdb != nil {
		relayCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		r.pubsub = h.rdb.Subscribe(relayCtx, roomChannel(roomID))
		r.cancel = cancel
		go h.relayRemote(relayCtx, r)
	}
	h.rooms[roomID] = r
	return r
}

// Join registers a new client in a room and immediately hands it the current
// presence table.
func (h *Hub) Join(ctx context.Context, roomID, key string) *Client {
	r := h.room(ctx, roomID)
	c := &Client{
		ID:   uuid.NewString(),
		Key:  key,
		send: make(chan []byte, h.sendBuffer),
	}
	r.mu.Lock()
	r.clients[c.ID] = c
	r.mu.Unlock()

	c.trySend(r.presenceFrame())
	h.logger.Debug().Str("room", roomID).Str("participant", key).Msg("client joined")
	return c
}

// Leave removes a client. When it was the last connection for its
// participant key, the presence entry is dropped and peers are notified.
func (h *Hub) Leave(ctx context.Context, roomID string, c *Client) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	h.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	delete(r.clients, c.ID)
	keyGone := true
	for _, other := range r.clients {
		if other.Key == c.Key {
			keyGone = false
			break
		}
	}
	if keyGone {
		delete(r.presence, c.Key)
	}
	empty := len(r.clients) == 0
	r.mu.Unlock()
	c.close()

	if keyGone {
		h.broadcastPresence(r)
		h.publish(ctx, r.id, channel.Frame{Kind: frameUntrack, Sender: c.Key})
	}
	if empty {
		h.dropRoom(r)
	}
	h.logger.Debug().Str("room", roomID).Str("participant", c.Key).Msg("client left")
}

func (h *Hub) dropRoom(r *room) {
	h.mu.Lock()
	r.mu.RLock()
	empty := len(r.clients) == 0
	r.mu.RUnlock()
	if empty {
		delete(h.rooms, r.id)
	}
	h.mu.Unlock()
	if empty {
		if r.cancel != nil {
			r.cancel()
		}
		if r.pubsub != nil {
			_ = r.pubsub.Close()
		}
	}
}

// HandleFrame processes one inbound client frame.
func (h *Hub) HandleFrame(ctx context.Context, roomID string, c *Client, data []byte) {
	var frame channel.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.logger.Warn().Err(err).Str("room", roomID).Msg("malformed client frame dropped")
		return
	}
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	h.mu.Unlock()
	if !ok {
		return
	}

	switch frame.Kind {
	case channel.FrameTrack:
		r.mu.Lock()
		r.presence[c.Key] = []json.RawMessage{frame.Payload}
		r.mu.Unlock()
		h.broadcastPresence(r)
		h.publish(ctx, roomID, channel.Frame{Kind: channel.FrameTrack, Sender: c.Key, Payload: frame.Payload})
		h.archiveSnapshot(roomID, c.Key, frame.Payload)
	case channel.FrameBroadcast:
		out := channel.Frame{
			Kind:    channel.FrameBroadcast,
			Event:   frame.Event,
			Sender:  c.Key,
			Payload: frame.Payload,
		}
		data, err := json.Marshal(out)
		if err != nil {
			h.logger.Warn().Err(err).Msg("broadcast frame marshal failed")
			return
		}
		h.fanout(r, data, c)
		h.publish(ctx, roomID, out)
	default:
		h.logger.Warn().Str("kind", frame.Kind).Msg("unknown client frame kind dropped")
	}
}

// fanout queues data to every client in the room except the originator.
// Sends are non-blocking: a client that cannot keep up loses frames and
// recovers through the next presence sync.
func (h *Hub) fanout(r *room, data []byte, except *Client) {
	r.mu.RLock()
	targets := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		if except != nil && c.ID == except.ID {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()
	for _, c := range targets {
		if !c.trySend(data) {
			h.logger.Warn().Str("room", r.id).Str("participant", c.Key).Msg("client outbox full, frame dropped")
		}
	}
}

func (r *room) presenceFrame() []byte {
	r.mu.RLock()
	presence := make(map[string][]json.RawMessage, len(r.presence))
	for k, v := range r.presence {
		presence[k] = append([]json.RawMessage(nil), v...)
	}
	r.mu.RUnlock()
	data, _ := json.Marshal(channel.Frame{Kind: channel.FramePresenceSync, Presence: presence})
	return data
}

func (h *Hub) broadcastPresence(r *room) {
	h.fanout(r, r.presenceFrame(), nil)
}

func (h *Hub) publish(ctx context.Context, roomID string, frame channel.Frame) {
	if h.rdb == nil {
		return
	}
	data, err := json.Marshal(envelope{Origin: h.instanceID, Frame: frame})
	if err != nil {
		h.logger.Warn().Err(err).Msg("envelope marshal failed")
		return
	}
	if err := h.rdb.Publish(ctx, roomChannel(roomID), data).Err(); err != nil {
		h.logger.Warn().Err(err).Str("room", roomID).Msg("redis publish failed")
	}
}

// relayRemote applies frames published by sibling relay instances to the
// local room.
func (h *Hub) relayRemote(ctx context.Context, r *room) {
	for msg := range r.pubsub.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			h.logger.Warn().Err(err).Str("room", r.id).Msg("malformed relay envelope dropped")
			continue
		}
		if env.Origin == h.instanceID {
			continue
		}
		switch env.Frame.Kind {
		case channel.FrameTrack:
			r.mu.Lock()
			r.presence[env.Frame.Sender] = []json.RawMessage{env.Frame.Payload}
			r.mu.Unlock()
			h.broadcastPresence(r)
		case frameUntrack:
			r.mu.Lock()
			delete(r.presence, env.Frame.Sender)
			r.mu.Unlock()
			h.broadcastPresence(r)
		case channel.FrameBroadcast:
			data, err := json.Marshal(env.Frame)
			if err != nil {
				continue
			}
			h.fanout(r, data, nil)
		}
	}
}

func (h *Hub) archiveSnapshot(roomID, key string, payload []byte) {
	if h.archive == nil || len(payload) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := h.archive.SaveSnapshot(ctx, roomID, key, payload); err != nil {
			h.logger.Warn().Err(err).Str("room", roomID).Str("participant", key).Msg("snapshot archive failed")
		}
	}()
}
