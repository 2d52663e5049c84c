package repository

import (
	"gmail-bridge/internal/bridge/domain"

	"gorm.io/gorm"
)

// Store groups the repositories that make up the correlation store.
type Store struct {
	Accounts   AccountRepository
	Rooms      RoomRepository
	Threads    ThreadRepository
	Deliveries DeliveryRepository
}

func NewStore(db *gorm.DB, sealer Sealer) *Store {
	return &Store{
		Accounts:   NewAccountRepository(db, sealer),
		Rooms:      NewRoomRepository(db),
		Threads:    NewThreadRepository(db),
		Deliveries: NewDeliveryRepository(db),
	}
}

// AutoMigrate creates or updates the bridge tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Account{},
		&domain.Room{},
		&domain.Thread{},
		&domain.DeliveryRecord{},
	)
}
