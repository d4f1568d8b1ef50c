package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript purges expired entries, counts the rest and records
// the request when under the limit. It returns {allowed, count, oldest}.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])
local allowed = 0
if count < limit then
  redis.call("ZADD", KEYS[1], now, ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call("PEXPIRE", KEYS[1], window)
local oldest = now
local first = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
if first[2] then
  oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

// RedisSlidingWindow is a distributed sliding-window limiter on sorted sets.
type RedisSlidingWindow struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisSlidingWindow creates a limiter using the Redis instance at addr.
func NewRedisSlidingWindow(addr, password, prefix string, opts ...Option) (*RedisSlidingWindow, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "coach:ratelimit"
	}
	o := buildOptions(opts)
	return &RedisSlidingWindow{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
		now:    o.now,
	}, nil
}

// Close releases the Redis client.
func (l *RedisSlidingWindow) Close() error {
	return l.client.Close()
}

// Check records one request for key. Redis failures deny the request and
// return the error.
func (l *RedisSlidingWindow) Check(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	now := l.now().UTC()
	if limit <= 0 || window <= 0 {
		return Decision{Allowed: true, Limit: limit, ResetAt: now}, nil
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	nowMs := now.UnixMilli()
	windowMs := window.Milliseconds()
	res, err := slidingWindowScript.Run(ctx, l.client, []string{fmt.Sprintf("%s:%s", l.prefix, key)},
		nowMs, windowMs, limit, fmt.Sprintf("%d-%s", nowMs, uuid.NewString())).Int64Slice()
	if err != nil {
		return denied(limit, now.Add(time.Second), now), fmt.Errorf("sliding window check: %w", err)
	}
	if len(res) != 3 {
		return denied(limit, now.Add(time.Second), now), fmt.Errorf("sliding window check: unexpected script result %v", res)
	}
	resetAt := time.UnixMilli(res[2] + windowMs).UTC()
	if res[0] == 0 {
		return denied(limit, resetAt, now), nil
	}
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - int(res[1]),
		ResetAt:   resetAt,
	}, nil
}

// MemorySlidingWindow is a single-process sliding-window limiter. Expired
// timestamps are dropped on each check; StartSweeper reclaims idle keys.
type MemorySlidingWindow struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	now     func() time.Time
}

type memoryWindow struct {
	hits []time.Time
	span time.Duration
}

// NewMemorySlidingWindow creates an empty in-process limiter.
func NewMemorySlidingWindow(opts ...Option) *MemorySlidingWindow {
	o := buildOptions(opts)
	return &MemorySlidingWindow{
		windows: make(map[string]*memoryWindow),
		now:     o.now,
	}
}

// Check records one request for key.
func (l *MemorySlidingWindow) Check(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	now := l.now().UTC()
	if limit <= 0 || window <= 0 {
		return Decision{Allowed: true, Limit: limit, ResetAt: now}, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		w = &memoryWindow{}
		l.windows[key] = w
	}
	w.span = window
	cutoff := now.Add(-window)
	kept := w.hits[:0]
	for _, hit := range w.hits {
		if hit.After(cutoff) {
			kept = append(kept, hit)
		}
	}
	w.hits = kept

	if len(w.hits) >= limit {
		return denied(limit, w.hits[0].Add(window), now), nil
	}
	w.hits = append(w.hits, now)
	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - len(w.hits),
		ResetAt:   w.hits[0].Add(window),
	}, nil
}

// Sweep removes keys with no request inside their window and returns how
// many were removed.
func (l *MemorySlidingWindow) Sweep() int {
	now := l.now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, w := range l.windows {
		if len(w.hits) == 0 || !w.hits[len(w.hits)-1].Add(w.span).After(now) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *MemorySlidingWindow) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// StartSweeper runs Sweep every interval until ctx is done.
func (l *MemorySlidingWindow) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := l.Sweep(); n > 0 {
					slog.Debug("rate limiter sweep", "removed", n)
				}
			}
		}
	}()
}
