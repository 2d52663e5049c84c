package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// PendingSend links the chat event that triggered an outbound mail to the
// mail message it produced.
type PendingSend struct {
	EventID         string    `json:"event_id"`
	RoomID          string    `json:"room_id"`
	ThreadID        string    `json:"thread_id,omitempty"`
	MessageID       string    `json:"message_id,omitempty"`
	MessageIDHeader string    `json:"message_id_header,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Resolved reports whether the mail provider accepted the message.
func (p *PendingSend) Resolved() bool {
	return p.MessageID != ""
}

// PendingStore keeps PendingSends for a limited time.
type PendingStore interface {
	Put(ctx context.Context, p *PendingSend) error
	Get(ctx context.Context, eventID string) (*PendingSend, error)
	Delete(ctx context.Context, eventID string) error
}

type RedisPendingStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisPendingStore(rdb *redis.Client, ttl time.Duration) *RedisPendingStore {
	return &RedisPendingStore{rdb: rdb, ttl: ttl}
}

func pendingKey(eventID string) string {
	return "pending:" + eventID
}

func (s *RedisPendingStore) Put(ctx context.Context, p *PendingSend) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, pendingKey(p.EventID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store pending send: %w", err)
	}
	return nil
}

// Get returns nil without error when nothing is stored for eventID.
func (s *RedisPendingStore) Get(ctx context.Context, eventID string) (*PendingSend, error) {
	data, err := s.rdb.Get(ctx, pendingKey(eventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending send: %w", err)
	}
	var p PendingSend
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *RedisPendingStore) Delete(ctx context.Context, eventID string) error {
	return s.rdb.Del(ctx, pendingKey(eventID)).Err()
}

type MemoryPendingStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]PendingSend
	now     func() time.Time
}

func NewMemoryPendingStore(ttl time.Duration) *MemoryPendingStore {
	return &MemoryPendingStore{ttl: ttl, entries: make(map[string]PendingSend), now: time.Now}
}

func (s *MemoryPendingStore) Put(_ context.Context, p *PendingSend) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, entry := range s.entries {
		if now.Sub(entry.CreatedAt) > s.ttl {
			delete(s.entries, id)
		}
	}
	s.entries[p.EventID] = *p
	return nil
}

func (s *MemoryPendingStore) Get(_ context.Context, eventID string) (*PendingSend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.entries[eventID]
	if !ok {
		return nil, nil
	}
	if s.now().Sub(p.CreatedAt) > s.ttl {
		delete(s.entries, eventID)
		return nil, nil
	}
	return &p, nil
}

func (s *MemoryPendingStore) Delete(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, eventID)
	return nil
}
