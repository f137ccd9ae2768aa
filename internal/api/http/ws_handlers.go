package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// serveWS upgrades the connection and bridges it into the relay hub. The
// write pump drains the client outbox; the read loop feeds frames back into
// the hub until the socket closes.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	roomID, err := parseUUIDParam(r, "roomID")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "room id must be a uuid")
		return
	}
	rm, err := s.rooms.GetRoomByID(r.Context(), roomID)
	if err != nil {
		s.logger.Error().Err(err).Msg("get room failed")
		respondError(w, http.StatusInternalServerError, "internal", "failed to load room")
		return
	}
	if rm == nil {
		respondError(w, http.StatusNotFound, "not_found", "room not found")
		return
	}
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		respondError(w, http.StatusBadRequest, "missing_key", "participant key is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("room", roomID.String()).Msg("websocket upgrade failed")
		return
	}

	ctx := r.Context()
	client := s.hub.Join(ctx, roomID.String(), key)
	defer func() {
		s.hub.Leave(ctx, roomID.String(), client)
		_ = conn.Close()
	}()

	go func() {
		for data := range client.Outbox() {
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Str("room", roomID.String()).Str("participant", key).Msg("websocket read ended")
			}
			return
		}
		s.hub.HandleFrame(ctx, roomID.String(), client, data)
	}
}
