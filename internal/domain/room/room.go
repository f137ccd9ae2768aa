package room

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Room is one shared editing context. One transport channel exists per room.
type Room struct {
	ID        int64     `json:"id"`
	RoomID    uuid.UUID `json:"roomId"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ArchivedSnapshot is the last presence payload the relay saw for one
// participant in one room. It lets a reconnecting client seed its local
// store before the first presence sync arrives.
type ArchivedSnapshot struct {
	RoomID         uuid.UUID       `json:"roomId"`
	ParticipantKey string          `json:"participantKey"`
	Payload        json.RawMessage `json:"payload"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}
