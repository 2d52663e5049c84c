package repository

import (
	"context"
	"time"

	"gmail-bridge/internal/bridge/domain"
)

// DeliveryRepository guarantees that each mail message is bridged at most
// once per account, and that a crashed delivery is picked up again.
type DeliveryRepository interface {
	// Begin claims the delivery of key. An in-progress claim older than
	// grace is taken over.
	Begin(ctx context.Context, key domain.DeliveryKey, grace time.Duration) (domain.BeginResult, error)
	// Complete marks the delivery done with the chat events it produced.
	// Completing an already complete delivery is a no-op.
	Complete(ctx context.Context, key domain.DeliveryKey, eventIDs []string) error
	// Abort releases an in-progress claim so the message is retried.
	Abort(ctx context.Context, key domain.DeliveryKey) error
	// RecordSent stores an outbound message as already delivered.
	RecordSent(ctx context.Context, key domain.DeliveryKey, eventIDs []string) error
	Find(ctx context.Context, key domain.DeliveryKey) (*domain.DeliveryRecord, error)
	// ReleaseAbandoned drops in-progress claims started before cutoff.
	ReleaseAbandoned(ctx context.Context, cutoff time.Time) (int64, error)
}
