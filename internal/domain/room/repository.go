package room

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists rooms and archived snapshots.
type Repository interface {
	CreateRoom(ctx context.Context, r *Room) error
	GetRoomByID(ctx context.Context, roomID uuid.UUID) (*Room, error)
	ListRooms(ctx context.Context, limit, offset int) ([]*Room, error)

	SaveSnapshot(ctx context.Context, roomID uuid.UUID, participantKey string, payload []byte) error
	ListSnapshots(ctx context.Context, roomID uuid.UUID) ([]*ArchivedSnapshot, error)
}
