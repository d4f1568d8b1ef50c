// Package ratelimit provides short-window request throttles keyed by user.
package ratelimit

import (
	"context"
	"math"
	"time"
)

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	// RetryAfter is set on denial: the time until the oldest counted request
	// leaves the window.
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1 on
// denial.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// SlidingWindow checks key against limit requests per window.
type SlidingWindow interface {
	Check(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// Option configures a limiter.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func denied(limit int, resetAt, now time.Time) Decision {
	retry := resetAt.Sub(now)
	if retry < 0 {
		retry = 0
	}
	return Decision{Allowed: false, Limit: limit, Remaining: 0, ResetAt: resetAt, RetryAfter: retry}
}
