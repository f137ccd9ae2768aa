package postgres

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldsync/fieldsync/internal/domain/room"
)

// RoomRepository implements room.Repository.
type RoomRepository struct {
	pool *pgxpool.Pool
}

func NewRoomRepository(pool *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{pool: pool}
}

func (r *RoomRepository) CreateRoom(ctx context.Context, rm *room.Room) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO rooms (room_id, name, created_at, updated_at)
		VALUES ($1,$2,$3,$4)
	`, rm.RoomID, rm.Name, rm.CreatedAt, rm.UpdatedAt)
	return err
}

func (r *RoomRepository) GetRoomByID(ctx context.Context, roomID uuid.UUID) (*room.Room, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, room_id, name, created_at, updated_at
		FROM rooms
		WHERE room_id=$1
	`, roomID)
	return scanRoom(row)
}

func (r *RoomRepository) ListRooms(ctx context.Context, limit, offset int) ([]*room.Room, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, room_id, name, created_at, updated_at
		FROM rooms
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*room.Room
	for rows.Next() {
		rm, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rm)
	}
	return out, rows.Err()
}

func (r *RoomRepository) SaveSnapshot(ctx context.Context, roomID uuid.UUID, participantKey string, payload []byte) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO room_snapshots (room_id, participant_key, payload, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (room_id, participant_key)
		DO UPDATE SET payload=EXCLUDED.payload, updated_at=now()
	`, roomID, participantKey, payload)
	return err
}

func (r *RoomRepository) ListSnapshots(ctx context.Context, roomID uuid.UUID) ([]*room.ArchivedSnapshot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT room_id, participant_key, payload, updated_at
		FROM room_snapshots
		WHERE room_id=$1
		ORDER BY participant_key
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*room.ArchivedSnapshot
	for rows.Next() {
		snap := &room.ArchivedSnapshot{}
		if err := rows.Scan(&snap.RoomID, &snap.ParticipantKey, &snap.Payload, &snap.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func scanRoom(row pgx.Row) (*room.Room, error) {
	rm := &room.Room{}
	err := row.Scan(&rm.ID, &rm.RoomID, &rm.Name, &rm.CreatedAt, &rm.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rm, nil
}
