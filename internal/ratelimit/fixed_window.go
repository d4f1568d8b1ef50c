package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// FixedWindowLimiter limits requests per key in a fixed time window.
// It uses Redis-backed distributed mode only.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	redisClient *redis.Client
	redisPrefix string
}

// NewRedisFixedWindowLimiter creates a Redis-backed distributed limiter.
func NewRedisFixedWindowLimiter(addr, password, prefix string, limit int, window time.Duration, opts ...Option) (*FixedWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "coach:ratelimit:fixed"
	}
	o := buildOptions(opts)
	return &FixedWindowLimiter{
		limit:  limit,
		window: window,
		now:    o.now,
		redisClient: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		redisPrefix: prefix,
	}, nil
}

// Close releases the Redis client.
func (l *FixedWindowLimiter) Close() error {
	return l.redisClient.Close()
}

// Check counts one request for key in the current window slot.
// On Redis failures, it fails closed and returns the error.
func (l *FixedWindowLimiter) Check(ctx context.Context, key string) (Decision, error) {
	if l == nil {
		now := time.Now().UTC()
		return denied(0, now, now), errors.New("rate limiter is nil")
	}
	now := l.now().UTC()
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	windowMs := l.window.Milliseconds()
	if windowMs <= 0 {
		return Decision{Allowed: true, Limit: l.limit, Remaining: l.limit, ResetAt: now}, nil
	}
	windowSlot := now.UnixMilli() / windowMs
	resetAt := time.UnixMilli((windowSlot + 1) * windowMs).UTC()
	redisKey := fmt.Sprintf("%s:%s:%d", l.redisPrefix, key, windowSlot)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	count, err := fixedWindowScript.Run(ctx, l.redisClient, []string{redisKey}, windowMs).Int64()
	if err != nil {
		return denied(l.limit, resetAt, now), fmt.Errorf("fixed window check: %w", err)
	}
	if count > int64(l.limit) {
		return denied(l.limit, resetAt, now), nil
	}
	return Decision{
		Allowed:   true,
		Limit:     l.limit,
		Remaining: l.limit - int(count),
		ResetAt:   resetAt,
	}, nil
}
