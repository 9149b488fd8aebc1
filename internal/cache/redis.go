package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache against a Redis instance. No repo in the
// retrieval pack imports a Redis client, so go-redis/v9 is named here as the
// ecosystem-standard choice rather than grounded on an example (see
// SPEC_FULL.md §4.4).
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache dials addr using the small-multiplexed-pool shape spec.md
// §5 calls for (the cache pool is not the writer's dedicated-slot pool).
func NewRedisCache(addr, password string, db int) *RedisCache {
	return &RedisCache{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: 10,
	})}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %q: %w", key, err)
	}
	return v, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	return nil
}

// Invalidate clears every key matching the patterns for mode, via SCAN+DEL
// (never KEYS, which blocks the server) per spec.md §6.
func (c *RedisCache) Invalidate(ctx context.Context, mode InvalidateMode) error {
	for _, pattern := range patternsForMode(mode) {
		if err := c.deleteByPattern(ctx, pattern); err != nil {
			return fmt.Errorf("cache invalidate %s: %w", mode, err)
		}
	}
	return nil
}

func (c *RedisCache) deleteByPattern(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 1000).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (c *RedisCache) FlushAll(ctx context.Context) error {
	if err := c.client.FlushDB(ctx).Err(); err != nil {
		return fmt.Errorf("cache flush_all: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error { return c.client.Close() }
