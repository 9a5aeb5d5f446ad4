package sync

import (
	"context"
	"time"

	platformredis "attestor/internal/platform/redis"
)

// RedisLocker implements Locker with a plain SET NX EX lease. The TTL keeps
// a crashed holder from wedging the loop; a tick that overruns its lease may
// overlap the next one, which the store's compare-and-swap tolerates.
type RedisLocker struct {
	client *platformredis.Client
}

func NewRedisLocker(client *platformredis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return l.client.SetNX(ctx, key, "1", ttl).Result()
}

func (l *RedisLocker) Release(ctx context.Context, key string) error {
	return l.client.Del(ctx, key).Err()
}
