package app

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrVersionConflict   = errors.New("version conflict")
	ErrQuotaExhausted    = errors.New("quota exhausted")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamAI        = errors.New("upstream ai error")
	// ErrTurnSuperseded is returned to a coaching turn replaced by a newer
	// message on the same session before it could apply.
	ErrTurnSuperseded = errors.New("turn superseded")
	// ErrArchivePending means the argument export has not been written yet.
	ErrArchivePending  = errors.New("argument archive not ready")
	ErrArchiveDisabled = errors.New("argument archive not configured")
)

// RateLimitError reports when the caller may retry.
type RateLimitError struct {
	Limit      int
	RetryAfter time.Duration
	ResetAt    time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// VersionConflictError carries the stored draft version. Current is zero
// when the conflict came from a concurrent session transition.
type VersionConflictError struct {
	Expected int64
	Current  int64
}

func (e *VersionConflictError) Error() string {
	if e.Current == 0 {
		return "version conflict: session changed concurrently"
	}
	return fmt.Sprintf("version conflict: expected %d, current %d", e.Expected, e.Current)
}

func (e *VersionConflictError) Unwrap() error { return ErrVersionConflict }
