// Package testutil holds fakes and fixtures shared by package tests.
package testutil

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"gmail-bridge/internal/bridge/repository"
	"gmail-bridge/pkg/utils/crypto"
)

// NewTestDB opens an in-memory SQLite database with the bridge tables.
// It is closed when the test completes.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("accessing test database: %v", err)
	}
	// every connection to :memory: is a fresh database
	sqlDB.SetMaxOpenConns(1)

	if err := repository.AutoMigrate(db); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}

	t.Cleanup(func() {
		if err := sqlDB.Close(); err != nil {
			t.Errorf("closing test database: %v", err)
		}
	})
	return db
}

// NewTestSealer returns a sealer with a random key.
func NewTestSealer(t *testing.T) *crypto.Sealer {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	s, err := crypto.NewSealerFromBase64(key)
	if err != nil {
		t.Fatalf("creating sealer: %v", err)
	}
	return s
}

// NewTestStore returns a correlation store backed by NewTestDB.
func NewTestStore(t *testing.T) *repository.Store {
	t.Helper()
	return repository.NewStore(NewTestDB(t), NewTestSealer(t))
}
