package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gmail-bridge/internal/bridge/domain"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type roomRepository struct {
	db *gorm.DB
}

func NewRoomRepository(db *gorm.DB) RoomRepository {
	return &roomRepository{db: db}
}

func (r *roomRepository) Register(ctx context.Context, room *domain.Room) error {
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(room)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 1 {
		return nil
	}
	existing, err := r.FindByID(ctx, room.RoomID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("room %s vanished during registration", room.RoomID)
	}
	if existing.Kind != room.Kind || existing.OwnerID != room.OwnerID {
		return fmt.Errorf("%w: %s is a %s room of %s", domain.ErrRoomKindConflict, room.RoomID, existing.Kind, existing.OwnerID)
	}
	*room = *existing
	return nil
}

func (r *roomRepository) FindByID(ctx context.Context, roomID string) (*domain.Room, error) {
	var room domain.Room
	err := r.db.WithContext(ctx).Where("room_id = ?", roomID).First(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &room, nil
}

type threadRepository struct {
	db *gorm.DB
}

func NewThreadRepository(db *gorm.DB) ThreadRepository {
	return &threadRepository{db: db}
}

func (r *threadRepository) Find(ctx context.Context, ownerID, threadID string) (*domain.Thread, error) {
	return r.findOne(ctx, "owner_id = ? AND thread_id = ?", ownerID, threadID)
}

func (r *threadRepository) FindByRoom(ctx context.Context, roomID string) (*domain.Thread, error) {
	return r.findOne(ctx, "room_id = ?", roomID)
}

func (r *threadRepository) findOne(ctx context.Context, query string, args ...interface{}) (*domain.Thread, error) {
	var thread domain.Thread
	err := r.db.WithContext(ctx).Where(query, args...).First(&thread).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &thread, nil
}

func (r *threadRepository) Save(ctx context.Context, thread *domain.Thread) error {
	now := time.Now().UTC()
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = now
	}
	thread.UpdatedAt = now
	if thread.Backfill == "" {
		thread.Backfill = domain.BackfillComplete
	}
	return r.db.WithContext(ctx).Save(thread).Error
}
