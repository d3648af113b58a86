// Package quota enforces the per-account alert quota. Candidates over
// the quota are suppressed by the engine, not dropped silently.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter grants alert-creation budget for an account. Allow reserves
// up to n slots in the current period and returns how many were
// actually granted.
type Limiter interface {
	Allow(ctx context.Context, accountID string, n int) (int, error)
}

// TierSource resolves the per-account alert limit. A limit of zero or
// below means the account is unmetered.
type TierSource interface {
	AlertLimit(ctx context.Context, accountID string) (int, error)
}

// Config holds quota limiter configuration.
type Config struct {
	DefaultLimit int           `yaml:"default_limit"`
	Period       time.Duration `yaml:"period"`
}

// DefaultConfig returns the default quota configuration.
func DefaultConfig() Config {
	return Config{
		DefaultLimit: 50,
		Period:       time.Hour,
	}
}

// RedisLimiter counts granted alerts per account in Redis so the quota
// holds across processor instances.
type RedisLimiter struct {
	client *redis.Client
	tiers  TierSource
	config Config
}

// NewRedisLimiter creates a Redis-backed quota limiter. tiers may be
// nil, in which case every account gets the default limit.
func NewRedisLimiter(client *redis.Client, tiers TierSource, cfg Config) *RedisLimiter {
	if cfg.Period <= 0 {
		cfg.Period = DefaultConfig().Period
	}
	return &RedisLimiter{client: client, tiers: tiers, config: cfg}
}

func (l *RedisLimiter) limitFor(ctx context.Context, accountID string) (int, error) {
	if l.tiers == nil {
		return l.config.DefaultLimit, nil
	}
	limit, err := l.tiers.AlertLimit(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("tier lookup for %s: %w", accountID, err)
	}
	if limit == 0 {
		limit = l.config.DefaultLimit
	}
	return limit, nil
}

// Allow reserves up to n alert slots for the account's current period.
func (l *RedisLimiter) Allow(ctx context.Context, accountID string, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}

	limit, err := l.limitFor(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if limit < 0 {
		return n, nil
	}

	bucket := time.Now().UTC().Truncate(l.config.Period).Unix()
	key := fmt.Sprintf("quota:alerts:%s:%d", accountID, bucket)

	total, err := l.client.IncrBy(ctx, key, int64(n)).Result()
	if err != nil {
		return 0, fmt.Errorf("quota increment for %s: %w", accountID, err)
	}
	// First increment of the period sets the TTL. Stale buckets expire
	// shortly after the period rolls over.
	if total == int64(n) {
		if err := l.client.Expire(ctx, key, l.config.Period+time.Minute).Err(); err != nil {
			return 0, fmt.Errorf("quota expire for %s: %w", accountID, err)
		}
	}

	allowed := n - int(total-int64(limit))
	if allowed > n {
		allowed = n
	}
	if allowed < 0 {
		allowed = 0
	}
	return allowed, nil
}

// MemoryLimiter is an in-process quota limiter for single-instance
// deployments and tests.
type MemoryLimiter struct {
	tiers  TierSource
	config Config

	mu      sync.Mutex
	buckets map[string]*memoryBucket
}

type memoryBucket struct {
	count   int
	resetAt time.Time
}

// NewMemoryLimiter creates an in-memory quota limiter.
func NewMemoryLimiter(tiers TierSource, cfg Config) *MemoryLimiter {
	if cfg.Period <= 0 {
		cfg.Period = DefaultConfig().Period
	}
	return &MemoryLimiter{
		tiers:   tiers,
		config:  cfg,
		buckets: make(map[string]*memoryBucket),
	}
}

// Allow reserves up to n alert slots for the account's current period.
func (l *MemoryLimiter) Allow(ctx context.Context, accountID string, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}

	limit := l.config.DefaultLimit
	if l.tiers != nil {
		var err error
		limit, err = l.tiers.AlertLimit(ctx, accountID)
		if err != nil {
			return 0, fmt.Errorf("tier lookup for %s: %w", accountID, err)
		}
		if limit == 0 {
			limit = l.config.DefaultLimit
		}
	}
	if limit < 0 {
		return n, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	b := l.buckets[accountID]
	if b == nil || now.After(b.resetAt) {
		b = &memoryBucket{resetAt: now.Truncate(l.config.Period).Add(l.config.Period)}
		l.buckets[accountID] = b
	}

	allowed := limit - b.count
	if allowed > n {
		allowed = n
	}
	if allowed < 0 {
		allowed = 0
	}
	b.count += n
	return allowed, nil
}
