package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/notification-pipeline/internal/idempotency"
	goredis "github.com/redis/go-redis/v9"
)

var _ idempotency.Store = (*RedisIdempotencyStore)(nil)

// RedisIdempotencyStore shares completed delivery keys across worker processes.
type RedisIdempotencyStore struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewRedisIdempotencyStore(client *goredis.Client, ttl time.Duration) (*RedisIdempotencyStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}

	return &RedisIdempotencyStore{
		client: client,
		ttl:    ttl,
	}, nil
}

func (s *RedisIdempotencyStore) Seen(ctx context.Context, key string) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("idempotency store is not initialized")
	}

	_, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read idempotency key: %w", err)
	}
	return true, nil
}

func (s *RedisIdempotencyStore) Mark(ctx context.Context, key string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("idempotency store is not initialized")
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("idempotency key is required")
	}

	if err := s.client.Set(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write idempotency key: %w", err)
	}
	return nil
}
