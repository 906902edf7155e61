package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vitaliisemenov/alert-history/internal/infrastructure/lock"
)

// Locker abstracts the per-job concurrency guard (spec.md §4.4) behind
// a narrow interface so the Scheduler does not depend on Redis directly.
type Locker interface {
	// TryAcquire attempts to take the named lock without blocking. ok is
	// false if another holder already has it; release must be called
	// exactly once when ok is true.
	TryAcquire(ctx context.Context, key string) (release func(context.Context), ok bool, err error)
}

// noopLocker never contends: used when no Redis client is configured
// (single-node dev profile), trusting the process-wide ticker to be
// the only caller.
type noopLocker struct{}

func (noopLocker) TryAcquire(context.Context, string) (func(context.Context), bool, error) {
	return func(context.Context) {}, true, nil
}

// RedisLocker backs Locker with internal/infrastructure/lock's
// DistributedLock, adapted for the reconciler's job guard.
type RedisLocker struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisLocker constructs a RedisLocker. ttl bounds how long a lock
// is held before it auto-expires (protects against a crashed job
// holding the lock forever).
func NewRedisLocker(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{redis: client, ttl: ttl, logger: logger}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string) (func(context.Context), bool, error) {
	dl := lock.NewDistributedLock(l.redis, key, &lock.LockConfig{
		TTL: l.ttl, MaxRetries: 0, RetryInterval: 0, AcquireTimeout: l.ttl, ReleaseTimeout: 2 * time.Second,
	}, l.logger)

	ok, err := dl.AcquireWithRetry(ctx, 0)
	if err != nil || !ok {
		return nil, false, err
	}
	return func(releaseCtx context.Context) {
		if err := dl.Release(releaseCtx); err != nil {
			l.logger.Warn("reconciler: lock release failed", "key", key, "error", err)
		}
	}, true, nil
}
