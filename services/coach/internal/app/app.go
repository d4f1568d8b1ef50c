package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"argumentcoach/internal/ratelimit"
	"argumentcoach/internal/util"
	"argumentcoach/pkg/ai"
	"argumentcoach/pkg/coaching"
	"argumentcoach/pkg/domain"
	"argumentcoach/pkg/proposal"
	"argumentcoach/pkg/queue"
	"argumentcoach/pkg/store"
)

const (
	defaultHistoryLimit      = 20
	defaultAITimeout         = 45 * time.Second
	defaultMessageRateLimit  = 10
	defaultMessageRateWindow = time.Minute
	defaultLanguage          = "en"
	maxTopicLength           = 500
)

// QuotaTracker is the monthly usage ceiling.
type QuotaTracker interface {
	Status(ctx context.Context, userID string, role domain.UserRole) (domain.QuotaStatus, error)
	Consume(ctx context.Context, userID string, role domain.UserRole) (domain.QuotaStatus, error)
	Refund(ctx context.Context, userID string, status domain.QuotaStatus) error
}

// BurstLimiter throttles one kind of request per key in a fixed window.
type BurstLimiter interface {
	Check(ctx context.Context, key string) (ratelimit.Decision, error)
}

// ArchiveQueue schedules exports of completed arguments.
type ArchiveQueue interface {
	Enqueue(ctx context.Context, argumentID, userID string) (queue.Job, error)
}

// ArchiveLinker resolves download links for exported arguments.
type ArchiveLinker interface {
	URL(ctx context.Context, userID, argumentID string) (string, time.Time, error)
}

// Config holds runtime configuration for the core application.
type Config struct {
	Store     store.Store
	Quota     QuotaTracker
	Limiter   ratelimit.SlidingWindow
	Generator ai.ChatGenerator

	// SessionLimiter throttles session creation. Optional.
	SessionLimiter BurstLimiter
	ArchiveQueue   ArchiveQueue
	Archive        ArchiveLinker

	MessageRateLimit    int
	MessageRateWindow   time.Duration
	ConfidenceThreshold float64
	HistoryLimit        int
	AITimeout           time.Duration
	Now                 func() time.Time
}

// App is the coaching orchestration layer. It owns no state besides the
// registry of in-flight AI turns.
type App struct {
	store          store.Store
	quota          QuotaTracker
	limiter        ratelimit.SlidingWindow
	generator      ai.ChatGenerator
	sessionLimiter BurstLimiter
	archiveQueue   ArchiveQueue
	archive        ArchiveLinker

	rateLimit    int
	rateWindow   time.Duration
	threshold    float64
	historyLimit int
	aiTimeout    time.Duration
	now          func() time.Time

	turns *turnRegistry
}

// New validates cfg and builds the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Quota == nil {
		return nil, errors.New("quota tracker required")
	}
	if cfg.Limiter == nil {
		return nil, errors.New("rate limiter required")
	}
	if cfg.Generator == nil {
		return nil, errors.New("chat generator required")
	}
	a := &App{
		store:          cfg.Store,
		quota:          cfg.Quota,
		limiter:        cfg.Limiter,
		generator:      cfg.Generator,
		sessionLimiter: cfg.SessionLimiter,
		archiveQueue:   cfg.ArchiveQueue,
		archive:        cfg.Archive,
		rateLimit:      cfg.MessageRateLimit,
		rateWindow:     cfg.MessageRateWindow,
		threshold:      cfg.ConfidenceThreshold,
		historyLimit:   cfg.HistoryLimit,
		aiTimeout:      cfg.AITimeout,
		now:            cfg.Now,
		turns:          newTurnRegistry(),
	}
	if a.rateLimit <= 0 {
		a.rateLimit = defaultMessageRateLimit
	}
	if a.rateWindow <= 0 {
		a.rateWindow = defaultMessageRateWindow
	}
	if a.threshold <= 0 || a.threshold > 1 {
		a.threshold = proposal.DefaultConfidenceThreshold
	}
	if a.historyLimit <= 0 {
		a.historyLimit = defaultHistoryLimit
	}
	if a.aiTimeout <= 0 {
		a.aiTimeout = defaultAITimeout
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

func (a *App) clock() time.Time {
	return a.now().UTC()
}

// ownedSession loads a session and hides sessions of other users.
func (a *App) ownedSession(ctx context.Context, user domain.User, sessionID string) (domain.ChatSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.ChatSession{}, ErrNotFound
	}
	session, ok, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.ChatSession{}, fmt.Errorf("load session: %w", err)
	}
	if !ok || session.UserID != user.ID {
		return domain.ChatSession{}, ErrNotFound
	}
	return session, nil
}

func (a *App) sessionDraft(ctx context.Context, sessionID string) (domain.ArgumentDraft, error) {
	draft, ok, err := a.store.GetDraft(ctx, sessionID)
	if err != nil {
		return domain.ArgumentDraft{}, fmt.Errorf("load draft: %w", err)
	}
	if !ok {
		return domain.ArgumentDraft{}, ErrNotFound
	}
	return draft, nil
}

// translate maps store and state machine errors onto the app taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var vc *store.VersionConflictError
	switch {
	case errors.As(err, &vc):
		return &VersionConflictError{Expected: vc.Expected, Current: vc.Current}
	case errors.Is(err, store.ErrVersionConflict), errors.Is(err, store.ErrStateConflict):
		return &VersionConflictError{}
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, coaching.ErrEmptyValue):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	case errors.Is(err, coaching.ErrInvalidTransition):
		return fmt.Errorf("%w: %v", ErrInvalidTransition, strings.TrimPrefix(err.Error(), coaching.ErrInvalidTransition.Error()+": "))
	default:
		return err
	}
}

func parseStep(raw string) (domain.Step, error) {
	step, err := coaching.ParseStep(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	return step, nil
}

func newMessage(sessionID string, role domain.MessageRole, content string, step domain.Step, at time.Time) domain.ChatMessage {
	return domain.ChatMessage{
		ID:        util.NewID(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Step:      step,
		CreatedAt: at,
	}
}
