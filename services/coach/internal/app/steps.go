package app

import (
	"context"

	"argumentcoach/internal/util"
	"argumentcoach/pkg/coaching"
	"argumentcoach/pkg/domain"
)

// StepResult is the state after a confirm or skip.
type StepResult struct {
	Session    domain.ChatSession   `json:"session"`
	Draft      domain.ArgumentDraft `json:"draft"`
	ArgumentID string               `json:"argumentId,omitempty"`
}

// NavigateResult is the state after a navigate. LoadedValue is the prior
// value of the target step, offered for editing.
type NavigateResult struct {
	Session      domain.ChatSession `json:"session"`
	DraftVersion int64              `json:"draftVersion"`
	LoadedValue  string             `json:"loadedValue,omitempty"`
	HasPrior     bool               `json:"hasPrior"`
}

// CompleteResult is the finalized session and argument.
type CompleteResult struct {
	Session  domain.ChatSession `json:"session"`
	Argument domain.Argument    `json:"argument"`
}

// ConfirmStep writes text into step's draft field and advances the cursor,
// atomically. expectedVersion, when set, must equal the stored draft
// version.
func (a *App) ConfirmStep(ctx context.Context, user domain.User, sessionID, step, text string, expectedVersion *int64) (StepResult, error) {
	return a.advance(ctx, user, sessionID, step, text, false, expectedVersion)
}

// SkipStep advances past step leaving its field empty.
func (a *App) SkipStep(ctx context.Context, user domain.User, sessionID, step string, expectedVersion *int64) (StepResult, error) {
	return a.advance(ctx, user, sessionID, step, "", true, expectedVersion)
}

func (a *App) advance(ctx context.Context, user domain.User, sessionID, rawStep, text string, skip bool, expectedVersion *int64) (StepResult, error) {
	step, err := parseStep(rawStep)
	if err != nil {
		return StepResult{}, err
	}
	session, err := a.ownedSession(ctx, user, sessionID)
	if err != nil {
		return StepResult{}, err
	}
	draft, err := a.sessionDraft(ctx, session.ID)
	if err != nil {
		return StepResult{}, err
	}
	version := draft.Version
	if expectedVersion != nil {
		if *expectedVersion != draft.Version {
			return StepResult{}, &VersionConflictError{Expected: *expectedVersion, Current: draft.Version}
		}
		version = *expectedVersion
	}
	return a.commitStep(ctx, session, version, step, text, skip)
}

// commitStep plans and applies one confirm or skip against a known draft
// version.
func (a *App) commitStep(ctx context.Context, session domain.ChatSession, version int64, step domain.Step, text string, skip bool) (StepResult, error) {
	now := a.clock()
	var (
		commit domain.StepCommit
		err    error
	)
	if skip {
		commit, err = coaching.PlanSkip(session, version, step, now)
	} else {
		commit, err = coaching.PlanConfirm(session, version, step, text, now)
	}
	if err != nil {
		return StepResult{}, translate(err)
	}
	if commit.CreateArgument {
		commit.ArgumentID = util.NewID()
	}
	commit.Message.ID = util.NewID()

	if ctx.Err() != nil {
		return StepResult{}, context.Cause(ctx)
	}
	updated, draft, err := a.store.ApplyStepCommit(ctx, commit)
	if err != nil {
		return StepResult{}, translate(err)
	}
	util.LoggerFromContext(ctx).Info("coaching step advanced",
		"session_id", session.ID,
		"from", commit.FromStep,
		"to", commit.ToStep,
		"skipped", commit.Skipped,
		"draft_version", draft.Version,
	)
	return StepResult{Session: updated, Draft: draft, ArgumentID: updated.GeneratedArgumentID}, nil
}

// Navigate moves the cursor to target without writing the draft.
func (a *App) Navigate(ctx context.Context, user domain.User, sessionID, target string) (NavigateResult, error) {
	step, err := parseStep(target)
	if err != nil {
		return NavigateResult{}, err
	}
	session, err := a.ownedSession(ctx, user, sessionID)
	if err != nil {
		return NavigateResult{}, err
	}
	draft, err := a.sessionDraft(ctx, session.ID)
	if err != nil {
		return NavigateResult{}, err
	}
	move, nav, err := coaching.PlanNavigate(session, draft.Fields, step, a.clock())
	if err != nil {
		return NavigateResult{}, translate(err)
	}
	move.Message.ID = util.NewID()
	updated, err := a.store.MoveCursor(ctx, move)
	if err != nil {
		return NavigateResult{}, translate(err)
	}
	util.LoggerFromContext(ctx).Info("coaching cursor moved",
		"session_id", session.ID,
		"from", move.FromStep,
		"to", move.ToStep,
		"bypassed", len(move.Bypassed),
	)
	return NavigateResult{
		Session:      updated,
		DraftVersion: draft.Version,
		LoadedValue:  nav.LoadedValue,
		HasPrior:     nav.HasPrior,
	}, nil
}

// Complete finalizes the session and its argument, then schedules the
// argument export.
func (a *App) Complete(ctx context.Context, user domain.User, sessionID string) (CompleteResult, error) {
	session, err := a.ownedSession(ctx, user, sessionID)
	if err != nil {
		return CompleteResult{}, err
	}
	return a.complete(ctx, session)
}

func (a *App) complete(ctx context.Context, session domain.ChatSession) (CompleteResult, error) {
	completion, err := coaching.PlanComplete(session, a.clock())
	if err != nil {
		return CompleteResult{}, translate(err)
	}
	completion.Message.ID = util.NewID()
	updated, arg, err := a.store.CompleteSession(ctx, completion)
	if err != nil {
		return CompleteResult{}, translate(err)
	}
	logger := util.LoggerFromContext(ctx)
	logger.Info("coaching session completed", "session_id", session.ID, "argument_id", arg.ID)
	if a.archiveQueue != nil {
		if job, err := a.archiveQueue.Enqueue(ctx, arg.ID, arg.UserID); err != nil {
			logger.Warn("enqueue argument archive failed", "argument_id", arg.ID, "err", err)
		} else {
			logger.Debug("argument archive queued", "argument_id", arg.ID, "job_id", job.ID)
		}
	}
	return CompleteResult{Session: updated, Argument: arg}, nil
}
