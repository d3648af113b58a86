package intake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Marker tracks which event IDs have already been fully processed so
// that Kafka re-delivery does not double-alert.
type Marker interface {
	// Seen reports whether the event ID was already marked.
	Seen(ctx context.Context, eventID string) (bool, error)
	// Mark records the event ID. Called only after the event has been
	// fully processed.
	Mark(ctx context.Context, eventID string) error
}

// RedisMarker stores processed-event markers in Redis with a TTL.
type RedisMarker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisMarker creates a marker backed by the given Redis client.
// A non-positive TTL defaults to 24 hours, long enough to outlive any
// Kafka re-delivery window.
func NewRedisMarker(client *redis.Client, ttl time.Duration) *RedisMarker {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisMarker{client: client, ttl: ttl}
}

func markerKey(eventID string) string {
	return fmt.Sprintf("intake:seen:%s", eventID)
}

// Seen reports whether the event was already processed.
func (m *RedisMarker) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := m.client.Exists(ctx, markerKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("marker exists: %w", err)
	}
	return n > 0, nil
}

// Mark records the event as processed.
func (m *RedisMarker) Mark(ctx context.Context, eventID string) error {
	if err := m.client.SetNX(ctx, markerKey(eventID), 1, m.ttl).Err(); err != nil {
		return fmt.Errorf("marker set: %w", err)
	}
	return nil
}

// MemoryMarker is an in-process Marker for tests and single-node runs.
type MemoryMarker struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryMarker creates an empty in-memory marker.
func NewMemoryMarker() *MemoryMarker {
	return &MemoryMarker{seen: make(map[string]struct{})}
}

func (m *MemoryMarker) Seen(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.seen[eventID]
	return ok, nil
}

func (m *MemoryMarker) Mark(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[eventID] = struct{}{}
	return nil
}
