package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fieldsync/fieldsync/internal/domain/room"
	"github.com/fieldsync/fieldsync/internal/infrastructure/relay"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	rooms  room.Repository
	hub    *relay.Hub
	logger zerolog.Logger
}

func NewServer(rooms room.Repository, hub *relay.Hub, logger zerolog.Logger) *Server {
	return &Server{
		rooms:  rooms,
		hub:    hub,
		logger: logger.With().Str("service", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/rooms", func(r chi.Router) {
			// The websocket route stays outside the timeout group: room
			// connections are long-lived.
			r.Get("/{roomID}/ws", s.serveWS)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(30 * time.Second))
				r.Post("/", s.createRoom)
				r.Get("/", s.listRooms)
				r.Get("/{roomID}", s.getRoom)
				r.Get("/{roomID}/snapshots", s.listSnapshots)
			})
		})
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createRoomRequest struct {
	Name string `json:"name"`
}

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		respondError(w, http.StatusBadRequest, "invalid_body", "name is required")
		return
	}

	now := time.Now().UTC()
	rm := &room.Room{
		RoomID:    uuid.New(),
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.rooms.CreateRoom(r.Context(), rm); err != nil {
		s.logger.Error().Err(err).Msg("create room failed")
		respondError(w, http.StatusInternalServerError, "internal", "failed to create room")
		return
	}
	respondJSON(w, http.StatusCreated, rm)
}

func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", 50)
	offset := parseIntQuery(r, "offset", 0)
	rooms, err := s.rooms.ListRooms(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error().Err(err).Msg("list rooms failed")
		respondError(w, http.StatusInternalServerError, "internal", "failed to list rooms")
		return
	}
	if rooms == nil {
		rooms = []*room.Room{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"rooms": rooms})
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
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
	respondJSON(w, http.StatusOK, rm)
}

func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
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
	snaps, err := s.rooms.ListSnapshots(r.Context(), roomID)
	if err != nil {
		s.logger.Error().Err(err).Msg("list snapshots failed")
		respondError(w, http.StatusInternalServerError, "internal", "failed to list snapshots")
		return
	}
	if snaps == nil {
		snaps = []*room.ArchivedSnapshot{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"snapshots": snaps})
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, key))
}

func parseIntQuery(r *http.Request, key string, def int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
