package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLocker implements interfaces.Locker with SETNX, the same way payment
// processing locks are taken elsewhere in the system.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
}

func NewRedisLocker(client redis.Cmdable, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, l.prefix+key, "1", ttl).Result()
}

func (l *RedisLocker) Unlock(ctx context.Context, key string) error {
	return l.client.Del(ctx, l.prefix+key).Err()
}

// Noop always grants the lock; the repository CAS still prevents double
// transitions.
type Noop struct{}

func (Noop) TryLock(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (Noop) Unlock(context.Context, string) error { return nil }
