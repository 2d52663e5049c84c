package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gmail-bridge/internal/bridge/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const deliveryKeyQuery = "owner_id = ? AND thread_id = ? AND message_id = ?"

type deliveryRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewDeliveryRepository(db *gorm.DB) DeliveryRepository {
	return &deliveryRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *deliveryRepository) Begin(ctx context.Context, key domain.DeliveryKey, grace time.Duration) (domain.BeginResult, error) {
	result := domain.BeginAlreadyInProgress
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.now()
		record := domain.DeliveryRecord{
			ID:        uuid.New().String(),
			OwnerID:   key.OwnerID,
			ThreadID:  key.ThreadID,
			MessageID: key.MessageID,
			Status:    domain.DeliveryInProgress,
			EventIDs:  domain.StringArray{},
			Attempts:  1,
			StartedAt: now,
		}
		created := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if created.Error != nil {
			return created.Error
		}
		if created.RowsAffected == 1 {
			result = domain.BeginStarted
			return nil
		}

		var existing domain.DeliveryRecord
		if err := tx.Where(deliveryKeyQuery, key.OwnerID, key.ThreadID, key.MessageID).First(&existing).Error; err != nil {
			return err
		}
		switch {
		case existing.Status == domain.DeliveryComplete:
			result = domain.BeginAlreadyComplete
		case existing.StartedAt.Before(now.Add(-grace)):
			// take over an abandoned claim; attempts guards against two takers
			taken := tx.Model(&domain.DeliveryRecord{}).
				Where("id = ? AND status = ? AND attempts = ?", existing.ID, domain.DeliveryInProgress, existing.Attempts).
				Updates(map[string]interface{}{
					"attempts":   existing.Attempts + 1,
					"started_at": now,
				})
			if taken.Error != nil {
				return taken.Error
			}
			if taken.RowsAffected == 1 {
				result = domain.BeginStarted
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return result, nil
}

func (r *deliveryRepository) Complete(ctx context.Context, key domain.DeliveryKey, eventIDs []string) error {
	now := r.now()
	result := r.db.WithContext(ctx).Model(&domain.DeliveryRecord{}).
		Where(deliveryKeyQuery+" AND status = ?", key.OwnerID, key.ThreadID, key.MessageID, domain.DeliveryInProgress).
		Updates(map[string]interface{}{
			"status":       domain.DeliveryComplete,
			"event_ids":    domain.StringArray(eventIDs),
			"completed_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 1 {
		return nil
	}
	existing, err := r.Find(ctx, key)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("delivery %s/%s: %w", key.ThreadID, key.MessageID, domain.ErrNotFound)
	}
	return nil
}

func (r *deliveryRepository) Abort(ctx context.Context, key domain.DeliveryKey) error {
	return r.db.WithContext(ctx).
		Where(deliveryKeyQuery+" AND status = ?", key.OwnerID, key.ThreadID, key.MessageID, domain.DeliveryInProgress).
		Delete(&domain.DeliveryRecord{}).Error
}

func (r *deliveryRepository) RecordSent(ctx context.Context, key domain.DeliveryKey, eventIDs []string) error {
	now := r.now()
	record := domain.DeliveryRecord{
		ID:          uuid.New().String(),
		OwnerID:     key.OwnerID,
		ThreadID:    key.ThreadID,
		MessageID:   key.MessageID,
		Status:      domain.DeliveryComplete,
		EventIDs:    domain.StringArray(eventIDs),
		Attempts:    1,
		StartedAt:   now,
		CompletedAt: &now,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}, {Name: "thread_id"}, {Name: "message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "event_ids", "completed_at"}),
	}).Create(&record).Error
}

func (r *deliveryRepository) Find(ctx context.Context, key domain.DeliveryKey) (*domain.DeliveryRecord, error) {
	var record domain.DeliveryRecord
	err := r.db.WithContext(ctx).Where(deliveryKeyQuery, key.OwnerID, key.ThreadID, key.MessageID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (r *deliveryRepository) ReleaseAbandoned(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", domain.DeliveryInProgress, cutoff.UTC()).
		Delete(&domain.DeliveryRecord{})
	return result.RowsAffected, result.Error
}
