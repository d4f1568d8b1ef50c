package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"argumentcoach/internal/util"
	"argumentcoach/pkg/coaching"
	"argumentcoach/pkg/domain"
	"argumentcoach/pkg/storage"
)

// GetDraft returns the session's draft.
func (a *App) GetDraft(ctx context.Context, user domain.User, sessionID string) (domain.ArgumentDraft, error) {
	session, err := a.ownedSession(ctx, user, sessionID)
	if err != nil {
		return domain.ArgumentDraft{}, err
	}
	return a.sessionDraft(ctx, session.ID)
}

// UpdateDraft is the manual editor path. It goes through the same
// version-checked write as the coaching flow and never merges.
func (a *App) UpdateDraft(ctx context.Context, user domain.User, sessionID string, expectedVersion int64, patch domain.DraftPatch) (domain.ArgumentDraft, error) {
	if expectedVersion < domain.InitialDraftVersion {
		return domain.ArgumentDraft{}, fmt.Errorf("%w: expectedVersion is required", ErrInvalidInput)
	}
	if patch.Name == nil && len(patch.Fields) == 0 {
		return domain.ArgumentDraft{}, fmt.Errorf("%w: no fields to update", ErrInvalidInput)
	}
	for step := range patch.Fields {
		if !coaching.IsContentStep(step) {
			return domain.ArgumentDraft{}, fmt.Errorf("%w: unknown field %q", ErrInvalidInput, step)
		}
	}
	session, err := a.ownedSession(ctx, user, sessionID)
	if err != nil {
		return domain.ArgumentDraft{}, err
	}
	if session.Status == domain.SessionCompleted {
		return domain.ArgumentDraft{}, fmt.Errorf("%w: session is completed", ErrInvalidTransition)
	}
	draft, err := a.store.UpdateDraft(ctx, session.ID, expectedVersion, patch, a.clock())
	if err != nil {
		return domain.ArgumentDraft{}, translate(err)
	}
	util.LoggerFromContext(ctx).Info("draft edited", "session_id", session.ID, "fields", len(patch.Fields), "draft_version", draft.Version)
	return draft, nil
}

// QuotaStatus is the caller's monthly usage. It never consumes quota.
func (a *App) QuotaStatus(ctx context.Context, user domain.User) (domain.QuotaStatus, error) {
	status, err := a.quota.Status(ctx, user.ID, user.Role)
	if err != nil {
		return domain.QuotaStatus{}, fmt.Errorf("quota status: %w", err)
	}
	return status, nil
}

// GetArgument returns an argument owned by the caller.
func (a *App) GetArgument(ctx context.Context, user domain.User, argumentID string) (domain.Argument, error) {
	argumentID = strings.TrimSpace(argumentID)
	if argumentID == "" {
		return domain.Argument{}, ErrNotFound
	}
	arg, ok, err := a.store.GetArgument(ctx, argumentID)
	if err != nil {
		return domain.Argument{}, fmt.Errorf("load argument: %w", err)
	}
	if !ok || arg.UserID != user.ID {
		return domain.Argument{}, ErrNotFound
	}
	return arg, nil
}

// ArgumentExport is a time-limited download link.
type ArgumentExport struct {
	ArgumentID string    `json:"argumentId"`
	URL        string    `json:"url"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// ExportArgument returns a download link for a completed argument's archive.
func (a *App) ExportArgument(ctx context.Context, user domain.User, argumentID string) (ArgumentExport, error) {
	if a.archive == nil {
		return ArgumentExport{}, ErrArchiveDisabled
	}
	arg, err := a.GetArgument(ctx, user, argumentID)
	if err != nil {
		return ArgumentExport{}, err
	}
	if !arg.Completed {
		return ArgumentExport{}, fmt.Errorf("%w: argument is not completed", ErrArchivePending)
	}
	url, expiresAt, err := a.archive.URL(ctx, arg.UserID, arg.ID)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return ArgumentExport{}, ErrArchivePending
	}
	if err != nil {
		return ArgumentExport{}, fmt.Errorf("presign archive: %w", err)
	}
	return ArgumentExport{ArgumentID: arg.ID, URL: url, ExpiresAt: expiresAt}, nil
}
