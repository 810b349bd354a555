package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisConfig configures the shared Redis client.
type RedisConfig struct {
	URL      string
	DB       int
	PoolSize int
}

// NewRedisClient dials Redis and verifies connectivity with a bounded ping.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}

// IncrWithExpiry increments key and, only on the first increment (value==1),
// sets its expiry — the standard "counter with a daily/windowed TTL" idiom
// used for the daily order quota and rate-limiter windows.
func IncrWithExpiry(ctx context.Context, client *redis.Client, key string, ttl time.Duration) (int64, error) {
	count, err := client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := client.Expire(ctx, key, ttl).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}

// SetNX is a thin wrapper over Redis SETNX used by the idempotency store to
// atomically claim a key; it returns true when this call won the claim.
func SetNX(ctx context.Context, client *redis.Client, key string, value interface{}, ttl time.Duration) (bool, error) {
	return client.SetNX(ctx, key, value, ttl).Result()
}
