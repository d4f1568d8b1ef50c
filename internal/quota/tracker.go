// Package quota tracks per-user monthly AI usage against role-based limits.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"argumentcoach/pkg/domain"
	"github.com/redis/go-redis/v9"
)

// ErrQuotaExhausted is returned by Consume when the monthly limit is used up.
var ErrQuotaExhausted = errors.New("monthly quota exhausted")

// Unlimited marks a role without a monthly ceiling.
const Unlimited = -1

// consumeScript increments usage only while it is below the limit. A negative
// limit never denies.
var consumeScript = redis.NewScript(`
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
local limit = tonumber(ARGV[1])
if limit >= 0 and used >= limit then
  return {0, used}
end
used = redis.call("INCR", KEYS[1])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return {1, used}
`)

var refundScript = redis.NewScript(`
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
if used > 0 then
  return redis.call("DECR", KEYS[1])
end
return 0
`)

// Limits maps roles to monthly ceilings. Roles missing from the map use
// Default.
type Limits struct {
	Default int
	ByRole  map[domain.UserRole]int
}

// For returns the ceiling of role; Unlimited when the role has none.
func (l Limits) For(role domain.UserRole) int {
	if v, ok := l.ByRole[role]; ok {
		if v < 0 {
			return Unlimited
		}
		return v
	}
	if l.Default < 0 {
		return Unlimited
	}
	return l.Default
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now for period computation.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// Tracker is a Redis-backed monthly usage counter. One key per user and
// calendar month (UTC); keys expire a day after the period ends.
type Tracker struct {
	client *redis.Client
	prefix string
	limits Limits
	now    func() time.Time
}

// NewRedisTracker creates a tracker using the Redis instance at addr.
func NewRedisTracker(addr, password, prefix string, limits Limits, opts ...Option) (*Tracker, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("quota redis addr is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "coach:quota"
	}
	t := &Tracker{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		prefix: prefix,
		limits: limits,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t, nil
}

// Close releases the Redis client.
func (t *Tracker) Close() error {
	return t.client.Close()
}

// PeriodBounds returns the start of the month containing now and the start
// of the next one, both UTC.
func PeriodBounds(now time.Time) (start, reset time.Time) {
	now = now.UTC()
	start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

func (t *Tracker) key(userID string, periodStart time.Time) string {
	return fmt.Sprintf("%s:%s:%s", t.prefix, userID, periodStart.Format("2006-01"))
}

// Status reports usage without consuming anything.
func (t *Tracker) Status(ctx context.Context, userID string, role domain.UserRole) (domain.QuotaStatus, error) {
	start, reset := PeriodBounds(t.now())
	used, err := t.client.Get(ctx, t.key(userID, start)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.QuotaStatus{}, fmt.Errorf("read quota: %w", err)
	}
	return buildStatus(used, t.limits.For(role), reset), nil
}

// Consume atomically reserves one unit of usage. It returns ErrQuotaExhausted,
// together with the current status, when the limit is reached.
func (t *Tracker) Consume(ctx context.Context, userID string, role domain.UserRole) (domain.QuotaStatus, error) {
	now := t.now()
	start, reset := PeriodBounds(now)
	limit := t.limits.For(role)
	ttl := reset.Sub(now.UTC()) + 24*time.Hour
	res, err := consumeScript.Run(ctx, t.client, []string{t.key(userID, start)}, limit, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return domain.QuotaStatus{}, fmt.Errorf("consume quota: %w", err)
	}
	if len(res) != 2 {
		return domain.QuotaStatus{}, fmt.Errorf("consume quota: unexpected script result %v", res)
	}
	status := buildStatus(int(res[1]), limit, reset)
	if res[0] == 0 {
		return status, ErrQuotaExhausted
	}
	return status, nil
}

// Refund returns one unit consumed in the period ending at status.ResetAt.
func (t *Tracker) Refund(ctx context.Context, userID string, status domain.QuotaStatus) error {
	start := status.ResetAt.UTC().AddDate(0, -1, 0)
	if status.ResetAt.IsZero() {
		start, _ = PeriodBounds(t.now())
	}
	if err := refundScript.Run(ctx, t.client, []string{t.key(userID, start)}).Err(); err != nil {
		return fmt.Errorf("refund quota: %w", err)
	}
	return nil
}

func buildStatus(used, limit int, reset time.Time) domain.QuotaStatus {
	status := domain.QuotaStatus{Used: used, ResetAt: reset}
	if limit < 0 {
		status.IsUnlimited = true
		return status
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	status.Limit = &limit
	status.Remaining = &remaining
	return status
}
