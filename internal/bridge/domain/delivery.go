package domain

import "time"

type DeliveryStatus string

const (
	DeliveryInProgress DeliveryStatus = "in_progress"
	DeliveryComplete   DeliveryStatus = "complete"
)

// DeliveryKey identifies one mail message within one account.
type DeliveryKey struct {
	OwnerID   string
	ThreadID  string
	MessageID string
}

// DeliveryRecord tracks delivery of a mail message into its thread room.
type DeliveryRecord struct {
	ID          string         `json:"id" gorm:"primaryKey"`
	OwnerID     string         `json:"owner_id" gorm:"uniqueIndex:idx_delivery_key;not null"`
	ThreadID    string         `json:"thread_id" gorm:"uniqueIndex:idx_delivery_key;not null"`
	MessageID   string         `json:"message_id" gorm:"uniqueIndex:idx_delivery_key;not null"`
	Status      DeliveryStatus `json:"status" gorm:"index;not null"`
	EventIDs    StringArray    `json:"event_ids" gorm:"type:text"`
	Attempts    int            `json:"attempts" gorm:"not null;default:1"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

func (DeliveryRecord) TableName() string {
	return "delivery_records"
}

// Key returns the natural key of the record.
func (r *DeliveryRecord) Key() DeliveryKey {
	return DeliveryKey{OwnerID: r.OwnerID, ThreadID: r.ThreadID, MessageID: r.MessageID}
}

// BeginResult is the outcome of claiming a delivery.
type BeginResult int

const (
	// BeginStarted means the caller now owns the delivery and must complete or abort it.
	BeginStarted BeginResult = iota
	BeginAlreadyComplete
	BeginAlreadyInProgress
)

func (r BeginResult) String() string {
	switch r {
	case BeginStarted:
		return "started"
	case BeginAlreadyComplete:
		return "already_complete"
	case BeginAlreadyInProgress:
		return "already_in_progress"
	}
	return "unknown"
}
