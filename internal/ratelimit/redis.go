package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCmdable is the subset of redis.Cmdable used by RedisStore.
type redisCmdable interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	PExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
}

// RedisStore shares buckets across relay instances through Redis.
// Windows are anchored on the first hit, like MemoryStore; expiry is left to
// Redis key TTLs.
type RedisStore struct {
	client redisCmdable
	prefix string
}

// NewRedisStore creates a RedisStore using keys prefixed with prefix.
func NewRedisStore(client redisCmdable, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// Hit implements Store.
func (s *RedisStore) Hit(ctx context.Context, key string, now time.Time, window time.Duration) (int, time.Time, error) {
	k := s.prefix + key

	count, err := s.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis incr %s: %w", k, err)
	}

	if count == 1 {
		if err := s.client.PExpire(ctx, k, window).Err(); err != nil {
			return 0, time.Time{}, fmt.Errorf("redis pexpire %s: %w", k, err)
		}
		return 1, now.Add(window), nil
	}

	ttl, err := s.client.PTTL(ctx, k).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis pttl %s: %w", k, err)
	}
	if ttl < 0 {
		// The key lost its expiry (e.g. a crash between INCR and PEXPIRE);
		// restore it so the window cannot last forever.
		if err := s.client.PExpire(ctx, k, window).Err(); err != nil {
			return 0, time.Time{}, fmt.Errorf("redis pexpire %s: %w", k, err)
		}
		ttl = window
	}
	return int(count), now.Add(ttl), nil
}

// ParseRedisURL builds a client from a redis:// or rediss:// URL.
func ParseRedisURL(raw string) (*redis.Client, error) {
	opts, err := redis.ParseURL(raw)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}
