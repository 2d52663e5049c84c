package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper reports whether a key is seen for the first time within its TTL.
// Release forgets a key whose work could not be accepted, so a retry is
// handled again.
type Deduper interface {
	AcquireOnce(ctx context.Context, scope, key string) bool
	Release(ctx context.Context, scope, key string) error
}

type RedisDeduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisDeduper(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisDeduper {
	return &RedisDeduper{rdb: rdb, ttl: ttl, logger: logger}
}

// AcquireOnce returns true the first time scope+key is seen and false for
// duplicates. Redis failures let the caller proceed.
func (d *RedisDeduper) AcquireOnce(ctx context.Context, scope, key string) bool {
	dedupKey := redisDedupKey(scope, key)

	ok, err := d.rdb.SetNX(ctx, dedupKey, 1, d.ttl).Result()
	if err != nil {
		d.logger.Warn("Redis dedup check failed, allowing processing",
			zap.String("scope", scope),
			zap.String("key", key),
			zap.Error(err),
		)
		return true
	}
	if !ok {
		d.logger.Debug("Skipped duplicated event",
			zap.String("scope", scope),
			zap.String("dedup_key", dedupKey),
		)
	}
	return ok
}

func (d *RedisDeduper) Release(ctx context.Context, scope, key string) error {
	if err := d.rdb.Del(ctx, redisDedupKey(scope, key)).Err(); err != nil {
		return fmt.Errorf("unable to release dedup key: %w", err)
	}
	return nil
}

func redisDedupKey(scope, key string) string {
	return fmt.Sprintf("dedup:%s:%s", scope, key)
}

// MemoryDeduper is used when no redis is configured.
type MemoryDeduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{ttl: ttl, seen: make(map[string]time.Time), now: time.Now}
}

func (d *MemoryDeduper) AcquireOnce(_ context.Context, scope, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, exp := range d.seen {
		if now.After(exp) {
			delete(d.seen, k)
		}
	}
	k := scope + ":" + key
	if _, ok := d.seen[k]; ok {
		return false
	}
	d.seen[k] = now.Add(d.ttl)
	return true
}

func (d *MemoryDeduper) Release(_ context.Context, scope, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, scope+":"+key)
	return nil
}
