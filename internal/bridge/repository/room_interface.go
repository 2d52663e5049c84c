package repository

import (
	"context"

	"gmail-bridge/internal/bridge/domain"
)

// RoomRepository records the kind of every room the bridge manages.
type RoomRepository interface {
	// Register stores the room. Registering the same room again with the
	// same kind and owner is a no-op; anything else is
	// domain.ErrRoomKindConflict.
	Register(ctx context.Context, room *domain.Room) error
	FindByID(ctx context.Context, roomID string) (*domain.Room, error)
}

// ThreadRepository binds mail threads to rooms.
type ThreadRepository interface {
	Find(ctx context.Context, ownerID, threadID string) (*domain.Thread, error)
	FindByRoom(ctx context.Context, roomID string) (*domain.Thread, error)
	Save(ctx context.Context, thread *domain.Thread) error
}
