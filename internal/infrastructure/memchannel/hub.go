// Package memchannel provides an in-process implementation of the room
// channel contract. It backs tests and single-process embeddings; the
// deployed transport is the websocket relay.
package memchannel

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fieldsync/fieldsync/internal/domain/channel"
)

// Hub fans messages out between channels joined to the same room.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	mu       sync.RWMutex
	subs     map[string]*Channel
	presence map[string][]json.RawMessage
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*room)}
}

func (h *Hub) room(id string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[id]
	if !ok {
		r = &room{
			subs:     make(map[string]*Channel),
			presence: make(map[string][]json.RawMessage),
		}
		h.rooms[id] = r
	}
	return r
}

// Channel creates a channel for one participant key in one room. The
// channel is inert until Subscribe.
func (h *Hub) Channel(roomID, key string) *Channel {
	return &Channel{
		hub:       h,
		roomID:    roomID,
		key:       key,
		broadcast: make(map[string][]channel.BroadcastHandler),
	}
}

// Channel is one participant's attachment to a hub room.
type Channel struct {
	hub    *Hub
	roomID string
	key    string

	mu         sync.RWMutex
	subscribed bool
	onStatus   channel.StatusHandler
	presence   []channel.PresenceHandler
	broadcast  map[string][]channel.BroadcastHandler
}

var _ channel.Channel = (*Channel)(nil)

func (c *Channel) OnPresenceSync(handler channel.PresenceHandler) {
	c.mu.Lock()
	c.presence = append(c.presence, handler)
	c.mu.Unlock()
}

func (c *Channel) OnBroadcast(event string, handler channel.BroadcastHandler) {
	c.mu.Lock()
	c.broadcast[event] = append(c.broadcast[event], handler)
	c.mu.Unlock()
}

func (c *Channel) Subscribe(onStatus channel.StatusHandler) error {
	r := c.hub.room(c.roomID)
	r.mu.Lock()
	if _, exists := r.subs[c.key]; exists {
		r.mu.Unlock()
		return fmt.Errorf("participant %q already subscribed to room %q", c.key, c.roomID)
	}
	r.subs[c.key] = c
	r.mu.Unlock()

	c.mu.Lock()
	c.subscribed = true
	c.onStatus = onStatus
	c.mu.Unlock()

	if onStatus != nil {
		onStatus(channel.StatusSubscribed)
	}
	return nil
}

func (c *Channel) Track(payload json.RawMessage) error {
	c.mu.RLock()
	subscribed := c.subscribed
	c.mu.RUnlock()
	if !subscribed {
		return fmt.Errorf("track before subscribe on room %q", c.roomID)
	}
	r := c.hub.room(c.roomID)
	r.mu.Lock()
	r.presence[c.key] = []json.RawMessage{payload}
	r.mu.Unlock()
	r.notifyPresence()
	return nil
}

func (c *Channel) Send(event string, payload any) error {
	c.mu.RLock()
	subscribed := c.subscribed
	c.mu.RUnlock()
	if !subscribed {
		return fmt.Errorf("send before subscribe on room %q", c.roomID)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r := c.hub.room(c.roomID)
	r.mu.RLock()
	targets := make([]*Channel, 0, len(r.subs))
	for key, sub := range r.subs {
		if key == c.key {
			continue // own echo is filtered by the transport
		}
		targets = append(targets, sub)
	}
	r.mu.RUnlock()
	for _, sub := range targets {
		sub.deliver(event, c.key, data)
	}
	return nil
}

func (c *Channel) deliver(event, sender string, payload json.RawMessage) {
	c.mu.RLock()
	handlers := c.broadcast[event]
	c.mu.RUnlock()
	for _, h := range handlers {
		h(sender, payload)
	}
}

func (c *Channel) PresenceState() map[string][]json.RawMessage {
	r := c.hub.room(c.roomID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]json.RawMessage, len(r.presence))
	for k, v := range r.presence {
		out[k] = append([]json.RawMessage(nil), v...)
	}
	return out
}

func (c *Channel) Unsubscribe() error {
	r := c.hub.room(c.roomID)
	r.mu.Lock()
	delete(r.subs, c.key)
	delete(r.presence, c.key)
	r.mu.Unlock()
	r.notifyPresence()

	c.mu.Lock()
	c.subscribed = false
	onStatus := c.onStatus
	c.mu.Unlock()
	if onStatus != nil {
		onStatus(channel.StatusClosed)
	}
	return nil
}

func (r *room) notifyPresence() {
	r.mu.RLock()
	targets := make([]*Channel, 0, len(r.subs))
	for _, sub := range r.subs {
		targets = append(targets, sub)
	}
	r.mu.RUnlock()
	for _, sub := range targets {
		sub.mu.RLock()
		handlers := append([]channel.PresenceHandler(nil), sub.presence...)
		sub.mu.RUnlock()
		for _, h := range handlers {
			h()
		}
	}
}
