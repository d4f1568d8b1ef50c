package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"argumentcoach/internal/util"
	"argumentcoach/pkg/coaching"
	"argumentcoach/pkg/domain"
	"argumentcoach/pkg/store"
)

// SessionView is a session with its draft.
type SessionView struct {
	Session domain.ChatSession   `json:"session"`
	Draft   domain.ArgumentDraft `json:"draft"`
	Paused  []string             `json:"pausedSessionIds,omitempty"`
}

// CreateSession pauses the caller's active session, if any, and starts a new
// one at intro with an empty draft and a greeting.
func (a *App) CreateSession(ctx context.Context, user domain.User, topic, language string) (SessionView, error) {
	topic = strings.TrimSpace(topic)
	if utf8.RuneCountInString(topic) > maxTopicLength {
		return SessionView{}, fmt.Errorf("%w: topic exceeds %d characters", ErrInvalidInput, maxTopicLength)
	}
	language = strings.ToLower(strings.TrimSpace(language))
	if language == "" {
		language = defaultLanguage
	}
	if len(language) > 16 {
		return SessionView{}, fmt.Errorf("%w: invalid language", ErrInvalidInput)
	}
	if a.sessionLimiter != nil {
		d, err := a.sessionLimiter.Check(ctx, "session:"+user.ID)
		if err != nil {
			util.LoggerFromContext(ctx).Warn("session limiter unavailable", "user_id", user.ID, "err", err)
		}
		if !d.Allowed {
			return SessionView{}, &RateLimitError{Limit: d.Limit, RetryAfter: d.RetryAfter, ResetAt: d.ResetAt}
		}
	}

	now := a.clock()
	session := domain.ChatSession{
		ID:               util.NewID(),
		UserID:           user.ID,
		CurrentStep:      domain.StepIntro,
		Status:           domain.SessionActive,
		ArgumentProgress: map[domain.Step]string{},
		Topic:            topic,
		Language:         language,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	draft := domain.ArgumentDraft{
		SessionID: session.ID,
		UserID:    user.ID,
		Name:      topic,
		Version:   domain.InitialDraftVersion,
		CreatedAt: now,
		UpdatedAt: now,
	}
	greeting := newMessage(session.ID, domain.RoleAssistantMessage, greetingText(topic), domain.StepIntro, now)

	paused, err := a.store.CreateSession(ctx, session, draft, &greeting)
	if err != nil {
		return SessionView{}, translate(err)
	}
	util.LoggerFromContext(ctx).Info("coaching session created", "session_id", session.ID, "user_id", user.ID, "paused", len(paused))
	return SessionView{Session: session, Draft: draft, Paused: paused}, nil
}

func greetingText(topic string) string {
	var sb strings.Builder
	sb.WriteString("Welcome! We'll build your argument one part at a time: ")
	parts := make([]string, 0, 7)
	for _, s := range coaching.ContentSteps() {
		parts = append(parts, string(s))
	}
	sb.WriteString(strings.Join(parts, ", "))
	sb.WriteString(".")
	if topic != "" {
		sb.WriteString(" Today's topic: ")
		sb.WriteString(topic)
		sb.WriteString(".")
	}
	sb.WriteString(" Confirm the intro when you're ready to start with your claim.")
	return sb.String()
}

// ResumeSession makes a paused session the caller's active one.
func (a *App) ResumeSession(ctx context.Context, user domain.User, sessionID string) (SessionView, error) {
	session, err := a.ownedSession(ctx, user, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	if session.Status == domain.SessionCompleted {
		return SessionView{}, fmt.Errorf("%w: session is completed", ErrInvalidTransition)
	}
	paused, err := a.store.ActivateSession(ctx, user.ID, session.ID, a.clock())
	if err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return SessionView{}, fmt.Errorf("%w: session is completed", ErrInvalidTransition)
		}
		return SessionView{}, translate(err)
	}
	view, err := a.GetSession(ctx, user, session.ID)
	if err != nil {
		return SessionView{}, err
	}
	view.Paused = paused
	return view, nil
}

// GetSession returns the session and its draft.
func (a *App) GetSession(ctx context.Context, user domain.User, sessionID string) (SessionView, error) {
	session, err := a.ownedSession(ctx, user, sessionID)
	if err != nil {
		return SessionView{}, err
	}
	draft, err := a.sessionDraft(ctx, session.ID)
	if err != nil {
		return SessionView{}, err
	}
	return SessionView{Session: session, Draft: draft}, nil
}

// ListSessions returns the caller's sessions, most recent first.
func (a *App) ListSessions(ctx context.Context, user domain.User, limit int) ([]domain.ChatSession, error) {
	items, err := a.store.ListSessionsByUser(ctx, user.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return items, nil
}

// DeleteSession removes a session with its draft and messages. Any in-flight
// AI turn for it is cancelled. The generated argument survives.
func (a *App) DeleteSession(ctx context.Context, user domain.User, sessionID string) error {
	session, err := a.ownedSession(ctx, user, sessionID)
	if err != nil {
		return err
	}
	a.turns.cancel(session.ID)
	if err := a.store.DeleteSession(ctx, session.ID); err != nil {
		return translate(err)
	}
	util.LoggerFromContext(ctx).Info("coaching session deleted", "session_id", session.ID, "user_id", user.ID)
	return nil
}

// ListMessages returns the latest limit messages of a session in order.
func (a *App) ListMessages(ctx context.Context, user domain.User, sessionID string, limit int) ([]domain.ChatMessage, error) {
	session, err := a.ownedSession(ctx, user, sessionID)
	if err != nil {
		return nil, err
	}
	msgs, err := a.store.ListMessages(ctx, session.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}
