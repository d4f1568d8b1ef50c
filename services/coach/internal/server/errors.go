package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"argumentcoach/services/coach/internal/app"
)

type errorResponse struct {
	Error             string `json:"error"`
	Code              string `json:"code"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
	CurrentVersion    int64  `json:"currentVersion,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// writeAppError maps the app error taxonomy onto HTTP statuses.
func writeAppError(w http.ResponseWriter, err error) {
	var (
		limited  *app.RateLimitError
		conflict *app.VersionConflictError
	)
	switch {
	case errors.As(err, &limited):
		secs := retryAfterSeconds(limited)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:             "too many messages, slow down",
			Code:              "rate_limited",
			RetryAfterSeconds: secs,
		})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, errorResponse{
			Error:          conflict.Error(),
			Code:           "version_conflict",
			CurrentVersion: conflict.Current,
		})
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, app.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, app.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, app.ErrTurnSuperseded):
		writeError(w, http.StatusConflict, "turn_superseded", "a newer message replaced this one")
	case errors.Is(err, app.ErrQuotaExhausted):
		writeError(w, http.StatusPaymentRequired, "quota_exhausted", "monthly AI quota exhausted")
	case errors.Is(err, app.ErrUpstreamAI):
		writeError(w, http.StatusBadGateway, "upstream_ai", "AI provider unavailable, try again")
	case errors.Is(err, app.ErrArchivePending):
		writeError(w, http.StatusConflict, "archive_pending", "argument export is not ready yet")
	case errors.Is(err, app.ErrArchiveDisabled):
		writeError(w, http.StatusNotImplemented, "archive_disabled", "argument export is not configured")
	default:
		slog.Error("unhandled request error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func retryAfterSeconds(e *app.RateLimitError) int {
	secs := int(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
