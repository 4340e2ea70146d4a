package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/notification-pipeline/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultLimitPerSec int64 = 100
	backoffStep              = 10 * time.Millisecond
	backoffMax               = 50 * time.Millisecond
	windowSeconds            = 1
)

// allowScript counts hits in a fixed one-second window keyed by channel.
var allowScript = goredis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
  return 0
end
return 1
`)

var _ ratelimit.RateLimiter = (*RedisRateLimiter)(nil)

// RedisRateLimiter throttles outbound deliveries per channel across every
// worker sharing the Redis instance.
type RedisRateLimiter struct {
	client        *goredis.Client
	limitPerSec   int64
	channelLimits map[string]int64
	now           func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error
}

// NewRedisRateLimiter limits every channel to limitPerSec deliveries per
// second unless channelLimits overrides it.
func NewRedisRateLimiter(client *goredis.Client, limitPerSec int, channelLimits map[string]int) (*RedisRateLimiter, error) {
	limiter, err := newRedisRateLimiter(client, int64(limitPerSec), time.Now, sleepWithContext)
	if err != nil {
		return nil, err
	}
	for channel, limit := range channelLimits {
		if limit > 0 {
			limiter.channelLimits[normalizeChannel(channel)] = int64(limit)
		}
	}
	return limiter, nil
}

func newRedisRateLimiter(
	client *goredis.Client,
	limitPerSec int64,
	nowFn func() time.Time,
	sleepFn func(ctx context.Context, d time.Duration) error,
) (*RedisRateLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if limitPerSec <= 0 {
		limitPerSec = defaultLimitPerSec
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if sleepFn == nil {
		sleepFn = sleepWithContext
	}

	return &RedisRateLimiter{
		client:        client,
		limitPerSec:   limitPerSec,
		channelLimits: make(map[string]int64),
		now:           nowFn,
		sleep:         sleepFn,
	}, nil
}

func (r *RedisRateLimiter) Allow(ctx context.Context, channel string) (bool, error) {
	if r == nil || r.client == nil {
		return false, fmt.Errorf("rate limiter is not initialized")
	}

	normalized := normalizeChannel(channel)
	if normalized == "" {
		return false, fmt.Errorf("channel is required")
	}

	limit := r.limitPerSec
	if override, ok := r.channelLimits[normalized]; ok {
		limit = override
	}

	key := fmt.Sprintf("notification:ratelimit:%s:%d", normalized, r.now().UTC().Unix())
	result, err := allowScript.Run(ctx, r.client, []string{key}, limit, windowSeconds).Int()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate rate limit: %w", err)
	}

	return result == 1, nil
}

// Wait blocks until a delivery on channel is allowed or ctx ends.
func (r *RedisRateLimiter) Wait(ctx context.Context, channel string) error {
	backoff := backoffStep
	for {
		allowed, err := r.Allow(ctx, channel)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		if err := r.sleep(ctx, backoff); err != nil {
			return err
		}

		backoff += backoffStep
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func normalizeChannel(channel string) string {
	return strings.ToLower(strings.TrimSpace(channel))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
