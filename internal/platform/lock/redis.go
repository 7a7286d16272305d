package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// RedisLocker holds leases in redis so workers and API replicas share them.
type RedisLocker struct {
	client  *redislock.Client
	backoff time.Duration
	retries int
}

// NewRedisLocker builds a locker that retries every backoff, up to retries times.
func NewRedisLocker(rdb redis.UniversalClient, backoff time.Duration, retries int) *RedisLocker {
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	if retries < 0 {
		retries = 0
	}
	return &RedisLocker{client: redislock.New(rdb), backoff: backoff, retries: retries}
}

// Obtain acquires key for ttl.
func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	lk, err := l.client.Obtain(ctx, key, ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(l.backoff), l.retries),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrNotObtained, key)
	}
	if err != nil {
		return nil, fmt.Errorf("platform/lock: obtain %s: %w", key, err)
	}
	return redisLease{lk}, nil
}

type redisLease struct {
	lock *redislock.Lock
}

func (r redisLease) Release(ctx context.Context) error {
	if err := r.lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		return fmt.Errorf("platform/lock: release: %w", err)
	}
	return nil
}
