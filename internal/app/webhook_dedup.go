/**
 * @description
 * Event-id deduplication for webhook intake. The Redis-backed store is the
 * production path (SET NX with a TTL, shared across replicas); the in-memory
 * store is the degraded single-process fallback used when Redis is not
 * configured at boot.
 */
package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProcessedEventStore records webhook event ids. MarkProcessed returns true
// the first time an id is seen and false on every replay. Forget releases a
// claim so a redelivery after a processing failure is not dropped as a
// duplicate.
type ProcessedEventStore interface {
	MarkProcessed(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

// RedisEventStore dedupes event ids across service replicas.
type RedisEventStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisEventStore creates a Redis-backed event store. Ids expire after ttl;
// replays older than that are caught by the timestamp freshness check instead.
func NewRedisEventStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisEventStore {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "billing:webhook_events"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	return &RedisEventStore{client: client, prefix: trimmedPrefix, ttl: ttl}
}

func (r *RedisEventStore) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	return r.client.SetNX(ctx, r.prefix+":"+eventID, 1, r.ttl).Result()
}

func (r *RedisEventStore) Forget(ctx context.Context, eventID string) error {
	return r.client.Del(ctx, r.prefix+":"+eventID).Err()
}

// MemoryEventStore is the single-process fallback.
type MemoryEventStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
}

// NewMemoryEventStore creates an in-memory event store with the given TTL.
func NewMemoryEventStore(ttl time.Duration) *MemoryEventStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryEventStore{seen: make(map[string]time.Time), ttl: ttl}
}

func (m *MemoryEventStore) MarkProcessed(ctx context.Context, eventID string) (bool, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, at := range m.seen {
		if now.Sub(at) > m.ttl {
			delete(m.seen, id)
		}
	}

	if _, ok := m.seen[eventID]; ok {
		return false, nil
	}
	m.seen[eventID] = now
	return true, nil
}

func (m *MemoryEventStore) Forget(ctx context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, eventID)
	return nil
}
