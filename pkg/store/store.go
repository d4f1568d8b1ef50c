package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"argumentcoach/pkg/domain"
)

var (
	// ErrNotFound is returned by writes whose target row does not exist.
	// Lookups report absence through their bool result instead.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a draft write names a version
	// other than the stored one.
	ErrVersionConflict = errors.New("draft version conflict")
	// ErrStateConflict is returned when a session left the state a
	// transition was planned against.
	ErrStateConflict = errors.New("session state changed")
)

// VersionConflictError carries the stored version so callers can retry.
type VersionConflictError struct {
	Expected int64
	Current  int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("draft version conflict: expected %d, current %d", e.Expected, e.Current)
}

func (e *VersionConflictError) Unwrap() error { return ErrVersionConflict }

// Store persists coaching sessions, their drafts, message logs and the
// arguments they produce. Every multi-row write is one transaction.
type Store interface {
	// sessions
	CreateSession(ctx context.Context, session domain.ChatSession, draft domain.ArgumentDraft, greeting *domain.ChatMessage) (paused []string, err error)
	GetSession(ctx context.Context, id string) (domain.ChatSession, bool, error)
	ListSessionsByUser(ctx context.Context, userID string, limit int) ([]domain.ChatSession, error)
	ActivateSession(ctx context.Context, userID, sessionID string, at time.Time) (paused []string, err error)
	DeleteSession(ctx context.Context, id string) error

	// transitions
	ApplyStepCommit(ctx context.Context, commit domain.StepCommit) (domain.ChatSession, domain.ArgumentDraft, error)
	MoveCursor(ctx context.Context, move domain.CursorMove) (domain.ChatSession, error)
	CompleteSession(ctx context.Context, completion domain.Completion) (domain.ChatSession, domain.Argument, error)

	// drafts
	GetDraft(ctx context.Context, sessionID string) (domain.ArgumentDraft, bool, error)
	UpdateDraft(ctx context.Context, sessionID string, expectedVersion int64, patch domain.DraftPatch, at time.Time) (domain.ArgumentDraft, error)

	// messages
	AppendMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error)
	ListMessages(ctx context.Context, sessionID string, limit int) ([]domain.ChatMessage, error)

	// arguments
	GetArgument(ctx context.Context, id string) (domain.Argument, bool, error)

	Close() error
}

const defaultListLimit = 100
