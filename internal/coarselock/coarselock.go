// Package coarselock implements the Redis-backed coarse lock §5 allows for
// periodic tasks that should not overlap across worker replicas. It is an
// optimization, never a correctness primitive — the orchestrator's advisory
// lock and partial unique index are what actually guarantee exclusion.
//
// Grounded on integrations/loyverse/internal/sync/manager.go's
// SetNX(lockKey, "1", ttl) / Del pattern.
package coarselock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

type Lock struct {
	redis *redis.Client
}

func New(client *redis.Client) *Lock {
	return &Lock{redis: client}
}

// TryAcquire attempts to take the named lock for ttl. Losing the race is not
// an error: the caller should simply skip its work this tick.
func (l *Lock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.redis.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("coarselock: SETNX %s: %w", key, err)
	}
	return ok, nil
}

func (l *Lock) Release(ctx context.Context, key string) error {
	if err := l.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("coarselock: DEL %s: %w", key, err)
	}
	return nil
}
