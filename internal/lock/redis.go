package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

// releaseIfMatch deletes the key only while it still holds our token, so a
// lease that expired and was taken by another worker is left alone.
const releaseIfMatch = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// extendIfMatch renews the expiry only while the key still holds our token
const extendIfMatch = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// RedisLocker implements Locker with SET NX PX
type RedisLocker struct {
	rdb      *rd.Client
	prefix   string
	interval time.Duration
}

func NewRedisLocker(rdb *rd.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb, prefix: "wappsentinel:lock:", interval: 50 * time.Millisecond}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	fullKey := l.prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		ok, err := l.rdb.SetNX(ctx, fullKey, token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrNotAcquired
			}
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return &redisLease{rdb: l.rdb, key: fullKey, token: token}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ErrNotAcquired
		case <-ticker.C:
		}
	}
}

type redisLease struct {
	rdb   *rd.Client
	key   string
	token string
}

func (l *redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := l.rdb.Eval(ctx, extendIfMatch, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	if err := l.rdb.Eval(ctx, releaseIfMatch, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}
