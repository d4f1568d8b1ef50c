package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"argumentcoach/internal/quota"
	"argumentcoach/internal/util"
	"argumentcoach/pkg/domain"
	"argumentcoach/pkg/proposal"
	"golang.org/x/sync/errgroup"
)

const maxMessageLength = 4000

// turnRegistry tracks the in-flight AI turn of each session. Starting a turn
// cancels the previous one with ErrTurnSuperseded.
type turnRegistry struct {
	mu    sync.Mutex
	seq   uint64
	turns map[string]*activeTurn
}

type activeTurn struct {
	id     uint64
	cancel context.CancelCauseFunc
}

func newTurnRegistry() *turnRegistry {
	return &turnRegistry{turns: make(map[string]*activeTurn)}
}

func (r *turnRegistry) begin(parent context.Context, sessionID string) (context.Context, *activeTurn) {
	ctx, cancel := context.WithCancelCause(parent)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	t := &activeTurn{id: r.seq, cancel: cancel}
	if prev, ok := r.turns[sessionID]; ok {
		prev.cancel(ErrTurnSuperseded)
	}
	r.turns[sessionID] = t
	return ctx, t
}

// current reports whether t is still the newest turn of its session.
func (r *turnRegistry) current(sessionID string, t *activeTurn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.turns[sessionID] == t
}

func (r *turnRegistry) finish(sessionID string, t *activeTurn) {
	r.mu.Lock()
	if r.turns[sessionID] == t {
		delete(r.turns, sessionID)
	}
	r.mu.Unlock()
	t.cancel(context.Canceled)
}

// cancel aborts the session's in-flight turn, if any.
func (r *turnRegistry) cancel(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.turns[sessionID]; ok {
		t.cancel(ErrTurnSuperseded)
		delete(r.turns, sessionID)
	}
}

func (r *turnRegistry) inFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.turns)
}

// TurnResult is the outcome of one coaching message.
type TurnResult struct {
	UserMessage      domain.ChatMessage     `json:"userMessage"`
	AssistantMessage domain.ChatMessage     `json:"assistantMessage"`
	Session          domain.ChatSession     `json:"session"`
	Draft            domain.ArgumentDraft   `json:"draft"`
	Proposal         *domain.Proposal       `json:"proposal,omitempty"`
	Applied          bool                   `json:"applied"`
	Completed        bool                   `json:"completed"`
	ArgumentID       string                 `json:"argumentId,omitempty"`
	PendingUpdate    *domain.ProposedUpdate `json:"pendingUpdate,omitempty"`
	Quota            domain.QuotaStatus     `json:"quota"`
}

// SendMessage runs one coaching turn: throttle, reserve quota, record the
// user message, ask the model and gate its answer. Quota is refunded when
// the turn fails after the reservation.
func (a *App) SendMessage(ctx context.Context, user domain.User, sessionID, text string) (TurnResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return TurnResult{}, fmt.Errorf("%w: message is empty", ErrInvalidInput)
	}
	if utf8.RuneCountInString(text) > maxMessageLength {
		return TurnResult{}, fmt.Errorf("%w: message exceeds %d characters", ErrInvalidInput, maxMessageLength)
	}
	session, err := a.ownedSession(ctx, user, sessionID)
	if err != nil {
		return TurnResult{}, err
	}
	if session.Status != domain.SessionActive {
		return TurnResult{}, fmt.Errorf("%w: session is %s", ErrInvalidTransition, session.Status)
	}
	logger := util.LoggerFromContext(ctx).With("session_id", session.ID, "user_id", user.ID)

	decision, err := a.limiter.Check(ctx, "message:"+user.ID, a.rateLimit, a.rateWindow)
	if err != nil {
		logger.Warn("message limiter unavailable", "err", err)
	}
	if !decision.Allowed {
		return TurnResult{}, &RateLimitError{Limit: decision.Limit, RetryAfter: decision.RetryAfter, ResetAt: decision.ResetAt}
	}

	status, err := a.quota.Consume(ctx, user.ID, user.Role)
	if errors.Is(err, quota.ErrQuotaExhausted) {
		return TurnResult{Quota: status}, ErrQuotaExhausted
	}
	if err != nil {
		return TurnResult{}, fmt.Errorf("consume quota: %w", err)
	}
	succeeded := false
	defer func() {
		if succeeded {
			return
		}
		if err := a.quota.Refund(context.WithoutCancel(ctx), user.ID, status); err != nil {
			logger.Error("quota refund failed", "err", err)
		}
	}()

	turnCtx, turn := a.turns.begin(ctx, session.ID)
	defer a.turns.finish(session.ID, turn)

	userMsg, err := a.store.AppendMessage(turnCtx, newMessage(session.ID, domain.RoleUserMessage, text, session.CurrentStep, a.clock()))
	if err != nil {
		return TurnResult{}, a.turnError(turnCtx, translate(err))
	}

	var (
		fresh   domain.ChatSession
		draft   domain.ArgumentDraft
		history []domain.ChatMessage
	)
	g, gctx := errgroup.WithContext(turnCtx)
	g.Go(func() error {
		s, ok, err := a.store.GetSession(gctx, session.ID)
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		if !ok {
			return ErrNotFound
		}
		fresh = s
		return nil
	})
	g.Go(func() error {
		d, err := a.sessionDraft(gctx, session.ID)
		draft = d
		return err
	})
	g.Go(func() error {
		msgs, err := a.store.ListMessages(gctx, session.ID, a.historyLimit)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		history = msgs
		return nil
	})
	if err := g.Wait(); err != nil {
		return TurnResult{}, a.turnError(turnCtx, err)
	}
	if fresh.Status != domain.SessionActive {
		return TurnResult{}, fmt.Errorf("%w: session is %s", ErrInvalidTransition, fresh.Status)
	}

	genCtx, cancel := context.WithTimeout(turnCtx, a.aiTimeout)
	raw, err := a.generator.GenerateChat(genCtx, buildChatRequest(fresh, draft, history))
	cancel()
	if !a.turns.current(session.ID, turn) || errors.Is(context.Cause(turnCtx), ErrTurnSuperseded) {
		logger.Info("coaching turn superseded")
		return TurnResult{}, ErrTurnSuperseded
	}
	if err != nil {
		logger.Warn("chat generation failed", "step", fresh.CurrentStep, "err", err)
		return TurnResult{}, fmt.Errorf("%w: %v", ErrUpstreamAI, err)
	}

	outcome := proposal.Evaluate(raw, fresh.CurrentStep, a.threshold)
	if u, ok := outcome.(proposal.Unparseable); ok {
		logger.Warn("model output unparseable", "step", fresh.CurrentStep, "reason", u.Reason, "raw_len", len(u.Raw))
		return TurnResult{}, fmt.Errorf("%w: %s", ErrUpstreamAI, u.Reason)
	}
	result, err := a.applyOutcome(ctx, turnCtx, fresh, draft, outcome)
	if err != nil {
		return TurnResult{}, err
	}
	succeeded = true
	result.UserMessage = userMsg
	result.Quota = status
	return result, nil
}

// turnError reports ErrTurnSuperseded in place of err when the turn was
// replaced.
func (a *App) turnError(turnCtx context.Context, err error) error {
	if errors.Is(context.Cause(turnCtx), ErrTurnSuperseded) {
		return ErrTurnSuperseded
	}
	return err
}

// applyOutcome records the assistant message for a gated model turn and,
// when the proposal is confident and claims a move, applies it. Writes to
// the draft run under turnCtx so a superseded turn cannot land them.
func (a *App) applyOutcome(ctx, turnCtx context.Context, session domain.ChatSession, draft domain.ArgumentDraft, outcome proposal.Outcome) (TurnResult, error) {
	logger := util.LoggerFromContext(ctx).With("session_id", session.ID)
	result := TurnResult{Session: session, Draft: draft}
	meta := map[string]any{}
	var content string

	switch o := outcome.(type) {
	case proposal.Rejected:
		logger.Warn("model proposal rejected", "reason", o.Reason)
		content = strings.TrimSpace(o.Message)
		if content == "" {
			content = fallbackReply(session.CurrentStep)
		}
		meta["contract"] = "rejected"
		meta["reason"] = o.Reason
		if len(o.Adjustments) > 0 {
			meta["adjustments"] = o.Adjustments
		}
	case proposal.Accepted:
		p := o.Proposal
		result.Proposal = &p
		content = replyText(p)
		if content == "" {
			content = fallbackReply(session.CurrentStep)
		}
		meta["contract"] = "accepted"
		if p.Confidence != nil {
			meta["confidence"] = *p.Confidence
		}
		if len(o.Adjustments) > 0 {
			meta["adjustments"] = o.Adjustments
		}
		if p.NextQuestion != "" {
			meta["nextQuestion"] = p.NextQuestion
		}

		update := p.ProposedUpdate
		claimsMove := p.ShouldAdvance || p.IsComplete
		if update != nil && o.AutoApply && claimsMove && update.Field == session.CurrentStep {
			applied, err := a.commitStep(turnCtx, session, draft.Version, session.CurrentStep, update.Value, false)
			switch {
			case err == nil:
				result.Applied = true
				result.Session = applied.Session
				result.Draft = applied.Draft
				meta["applied"] = map[string]any{"field": string(update.Field), "draftVersion": applied.Draft.Version}
				logger.Info("proposal auto-applied", "field", update.Field, "draft_version", applied.Draft.Version)
			case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrInvalidInput):
				logger.Info("auto-apply fell back to suggestion", "field", update.Field, "err", err)
				meta["applyError"] = err.Error()
			default:
				return TurnResult{}, a.turnError(turnCtx, err)
			}
		}
		if result.Applied && p.IsComplete && result.Session.CurrentStep == domain.StepDone {
			done, err := a.complete(turnCtx, result.Session)
			if err != nil {
				logger.Warn("auto-complete failed", "err", err)
				meta["completeError"] = err.Error()
			} else {
				result.Completed = true
				result.Session = done.Session
				result.ArgumentID = done.Argument.ID
			}
		}
		if update != nil && !result.Applied {
			result.PendingUpdate = update
			meta["pendingUpdate"] = map[string]any{
				"field":     string(update.Field),
				"value":     update.Value,
				"rationale": update.Rationale,
			}
		}
	default:
		return TurnResult{}, fmt.Errorf("unexpected proposal outcome %T", outcome)
	}

	if result.ArgumentID == "" {
		result.ArgumentID = result.Session.GeneratedArgumentID
	}
	msg := newMessage(session.ID, domain.RoleAssistantMessage, content, session.CurrentStep, a.clock())
	msg.Metadata = meta
	stored, err := a.store.AppendMessage(ctx, msg)
	if err != nil {
		return TurnResult{}, fmt.Errorf("store assistant message: %w", err)
	}
	result.AssistantMessage = stored
	return result, nil
}
