package cache

import (
	"context"
	"testing"
	"time"
)

func TestNewRedisClient_InvalidURL(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := NewRedisClient(ctx, RedisConfig{URL: "not-a-redis-url"})
	if err == nil {
		t.Fatal("expected an error parsing an invalid redis url")
	}
}

func TestNewRedisClient_UnreachableHost(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := NewRedisClient(ctx, RedisConfig{URL: "redis://127.0.0.1:1"})
	if err == nil {
		t.Fatal("expected an error connecting to an unreachable redis host")
	}
}
