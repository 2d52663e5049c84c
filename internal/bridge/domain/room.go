package domain

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// StringArray is stored as a JSON array column.
type StringArray []string

// Value implements driver.Valuer
func (a StringArray) Value() (driver.Value, error) {
	if len(a) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (a *StringArray) Scan(value interface{}) error {
	if value == nil {
		*a = []string{}
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return nil
	}
	if len(bytes) == 0 {
		*a = []string{}
		return nil
	}
	return json.Unmarshal(bytes, a)
}

// Contains reports whether s is in the array.
func (a StringArray) Contains(s string) bool {
	for _, v := range a {
		if v == s {
			return true
		}
	}
	return false
}

type RoomKind string

const (
	RoomKindThread  RoomKind = "thread"
	RoomKindControl RoomKind = "control"
)

// Room is a chat room known to the bridge. Its kind never changes once set.
type Room struct {
	RoomID    string    `json:"room_id" gorm:"primaryKey"`
	Kind      RoomKind  `json:"kind" gorm:"not null"`
	OwnerID   string    `json:"owner_id" gorm:"index;not null"`
	CreatedAt time.Time `json:"created_at"`
}

func (Room) TableName() string {
	return "rooms"
}

type BackfillStatus string

const (
	BackfillPartial  BackfillStatus = "partial"
	BackfillComplete BackfillStatus = "complete"
)

// Thread links a mail thread of one account to its chat room.
type Thread struct {
	OwnerID       string         `json:"owner_id" gorm:"primaryKey"`
	ThreadID      string         `json:"thread_id" gorm:"primaryKey"`
	RoomID        string         `json:"room_id" gorm:"uniqueIndex;not null"`
	Subject       string         `json:"subject"`
	Participants  StringArray    `json:"participants" gorm:"type:text"`
	Backfill      BackfillStatus `json:"backfill" gorm:"not null;default:complete"`
	LastMessageID string         `json:"last_message_id"`
	LastMessageAt time.Time      `json:"last_message_at"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (Thread) TableName() string {
	return "threads"
}
