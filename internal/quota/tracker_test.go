package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"argumentcoach/pkg/domain"
	"github.com/alicebob/miniredis/v2"
)

var testLimits = Limits{
	Default: 200,
	ByRole: map[domain.UserRole]int{
		domain.RolePremium: 1000,
		domain.RoleAdmin:   Unlimited,
	},
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTracker(t *testing.T, now time.Time) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	redis := miniredis.RunT(t)
	tracker, err := NewRedisTracker(redis.Addr(), "", "test:quota", testLimits, WithClock(fixedClock(now)))
	if err != nil {
		t.Fatalf("new tracker: %v", err)
	}
	t.Cleanup(func() { _ = tracker.Close() })
	return tracker, redis
}

func TestConsumeLastUnitThenExhausted(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	tracker, redis := newTracker(t, now)
	if err := redis.Set("test:quota:user-1:2026-03", "199"); err != nil {
		t.Fatalf("seed usage: %v", err)
	}
	ctx := context.Background()

	status, err := tracker.Consume(ctx, "user-1", domain.RoleUser)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if status.Used != 200 || status.Remaining == nil || *status.Remaining != 0 {
		t.Fatalf("unexpected status after last unit: %+v", status)
	}

	status, err = tracker.Consume(ctx, "user-1", domain.RoleUser)
	if !errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("expected quota exhausted, got %v", err)
	}
	if status.Used != 200 {
		t.Fatalf("denied consume must not increment, used=%d", status.Used)
	}
}

func TestStatusIsReadOnly(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	tracker, _ := newTracker(t, now)
	ctx := context.Background()
	if _, err := tracker.Consume(ctx, "user-2", domain.RoleUser); err != nil {
		t.Fatalf("consume: %v", err)
	}
	for i := 0; i < 3; i++ {
		status, err := tracker.Status(ctx, "user-2", domain.RoleUser)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if status.Used != 1 || *status.Limit != 200 || *status.Remaining != 199 {
			t.Fatalf("unexpected status %+v", status)
		}
	}
}

func TestResetAtIsNextMonthBoundary(t *testing.T) {
	cases := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 31, 23, 59, 0, 0, time.UTC), time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 12, 20, 8, 0, 0, 0, time.UTC), time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 5, 1, 1, 0, 0, 0, time.FixedZone("UTC+3", 3*3600)), time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		tracker, _ := newTracker(t, tc.now)
		status, err := tracker.Status(context.Background(), "user-3", domain.RoleUser)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if !status.ResetAt.Equal(tc.want) {
			t.Fatalf("now %s: resetAt = %s, want %s", tc.now, status.ResetAt, tc.want)
		}
	}
}

func TestUnlimitedRoleNeverDenied(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	tracker, redis := newTracker(t, now)
	if err := redis.Set("test:quota:admin-1:2026-03", "5000"); err != nil {
		t.Fatalf("seed usage: %v", err)
	}
	status, err := tracker.Consume(context.Background(), "admin-1", domain.RoleAdmin)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !status.IsUnlimited || status.Limit != nil || status.Remaining != nil {
		t.Fatalf("unexpected unlimited status %+v", status)
	}
	if status.Used != 5001 {
		t.Fatalf("usage must still be tracked, used=%d", status.Used)
	}
}

func TestRefundNeverGoesNegative(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	tracker, _ := newTracker(t, now)
	ctx := context.Background()
	status, err := tracker.Consume(ctx, "user-4", domain.RoleUser)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if err := tracker.Refund(ctx, "user-4", status); err != nil {
		t.Fatalf("refund: %v", err)
	}
	if err := tracker.Refund(ctx, "user-4", status); err != nil {
		t.Fatalf("second refund: %v", err)
	}
	after, err := tracker.Status(ctx, "user-4", domain.RoleUser)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if after.Used != 0 {
		t.Fatalf("used = %d, want 0", after.Used)
	}
}

func TestConsumeSetsExpiry(t *testing.T) {
	now := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	tracker, redis := newTracker(t, now)
	if _, err := tracker.Consume(context.Background(), "user-5", domain.RoleUser); err != nil {
		t.Fatalf("consume: %v", err)
	}
	ttl := redis.TTL("test:quota:user-5:2026-03")
	want := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC).Sub(now) + 24*time.Hour
	if ttl != want {
		t.Fatalf("ttl = %s, want %s", ttl, want)
	}
}

func TestConsumeFailsWhenRedisDown(t *testing.T) {
	tracker, redis := newTracker(t, time.Now())
	redis.Close()
	if _, err := tracker.Consume(context.Background(), "user-6", domain.RoleUser); err == nil || errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("expected redis error, got %v", err)
	}
}

func TestNewRedisTrackerRequiresAddr(t *testing.T) {
	if tracker, err := NewRedisTracker("", "", "", testLimits); err == nil || tracker != nil {
		t.Fatalf("expected constructor error for empty redis addr")
	}
}
