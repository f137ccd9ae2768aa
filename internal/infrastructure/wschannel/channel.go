// Package wschannel implements the room channel contract over a websocket
// connection to the relay server.
package wschannel

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fieldsync/fieldsync/internal/domain/channel"
)

// Config locates one room on one relay.
type Config struct {
	// RelayURL is the relay base websocket URL, e.g. ws://host:8080.
	RelayURL string
	// RoomID is the shared document/room id.
	RoomID string
	// ParticipantKey identifies this participant in the presence table.
	ParticipantKey string

	Logger zerolog.Logger
}

// Channel is a websocket-backed room channel. The relay preserves per-sender
// ordering and never reflects a sender's own broadcasts back to it.
type Channel struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	onStatus  channel.StatusHandler
	presence  map[string][]json.RawMessage
	syncFns   []channel.PresenceHandler
	broadcast map[string][]channel.BroadcastHandler
	closed    bool

	writeMu sync.Mutex
}

var _ channel.Channel = (*Channel)(nil)

// New creates a channel; the connection is dialed on Subscribe.
func New(cfg Config) (*Channel, error) {
	if cfg.RelayURL == "" {
		return nil, fmt.Errorf("relay url is required")
	}
	if cfg.RoomID == "" {
		return nil, fmt.Errorf("room id is required")
	}
	if cfg.ParticipantKey == "" {
		return nil, fmt.Errorf("participant key is required")
	}
	return &Channel{
		cfg:       cfg,
		logger:    cfg.Logger.With().Str("service", "wschannel").Str("room", cfg.RoomID).Logger(),
		presence:  make(map[string][]json.RawMessage),
		broadcast: make(map[string][]channel.BroadcastHandler),
	}, nil
}

func (c *Channel) OnPresenceSync(handler channel.PresenceHandler) {
	c.mu.Lock()
	c.syncFns = append(c.syncFns, handler)
	c.mu.Unlock()
}

func (c *Channel) OnBroadcast(event string, handler channel.BroadcastHandler) {
	c.mu.Lock()
	c.broadcast[event] = append(c.broadcast[event], handler)
	c.mu.Unlock()
}

// Subscribe dials the relay and starts the read loop.
func (c *Channel) Subscribe(onStatus channel.StatusHandler) error {
	endpoint, err := url.JoinPath(c.cfg.RelayURL, "v1", "rooms", c.cfg.RoomID, "ws")
	if err != nil {
		return fmt.Errorf("build relay endpoint: %w", err)
	}
	endpoint = endpoint + "?key=" + url.QueryEscape(c.cfg.ParticipantKey)

	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.onStatus = onStatus
	c.mu.Unlock()

	go c.readLoop(conn)

	if onStatus != nil {
		onStatus(channel.StatusSubscribed)
	}
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.RLock()
			closed := c.closed
			onStatus := c.onStatus
			c.mu.RUnlock()
			if !closed {
				c.logger.Warn().Err(err).Msg("relay connection lost")
				if onStatus != nil {
					onStatus(channel.StatusError)
				}
			}
			return
		}
		var frame channel.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn().Err(err).Msg("malformed relay frame dropped")
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Channel) dispatch(frame channel.Frame) {
	switch frame.Kind {
	case channel.FramePresenceSync:
		c.mu.Lock()
		c.presence = frame.Presence
		if c.presence == nil {
			c.presence = make(map[string][]json.RawMessage)
		}
		handlers := append([]channel.PresenceHandler(nil), c.syncFns...)
		c.mu.Unlock()
		for _, h := range handlers {
			h()
		}
	case channel.FrameBroadcast:
		c.mu.RLock()
		handlers := append([]channel.BroadcastHandler(nil), c.broadcast[frame.Event]...)
		c.mu.RUnlock()
		for _, h := range handlers {
			h(frame.Sender, frame.Payload)
		}
	default:
		c.logger.Warn().Str("kind", frame.Kind).Msg("unknown relay frame kind dropped")
	}
}

func (c *Channel) Track(payload json.RawMessage) error {
	return c.writeFrame(channel.Frame{Kind: channel.FrameTrack, Payload: payload})
}

func (c *Channel) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.writeFrame(channel.Frame{Kind: channel.FrameBroadcast, Event: event, Payload: data})
}

func (c *Channel) writeFrame(frame channel.Frame) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("channel not subscribed")
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Channel) PresenceState() map[string][]json.RawMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]json.RawMessage, len(c.presence))
	for k, v := range c.presence {
		out[k] = append([]json.RawMessage(nil), v...)
	}
	return out
}

func (c *Channel) Unsubscribe() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.closed = true
	onStatus := c.onStatus
	c.mu.Unlock()
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leaving"))
		if err := conn.Close(); err != nil {
			return err
		}
	}
	if onStatus != nil {
		onStatus(channel.StatusClosed)
	}
	return nil
}
