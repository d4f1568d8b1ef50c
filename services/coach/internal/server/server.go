package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"argumentcoach/internal/util"
	"argumentcoach/pkg/coaching"
	"argumentcoach/pkg/domain"
	"argumentcoach/services/coach/internal/app"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

const maxBodyBytes = 1 << 20

// TokenVerifier resolves a bearer token to the calling user.
type TokenVerifier interface {
	Verify(token string) (domain.User, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  TokenVerifier
	TrustedProxies *util.ProxyAllowlist
}

// Server exposes HTTP endpoints for the coaching service.
type Server struct {
	app           *app.App
	tokenVerifier TokenVerifier
	trusted       *util.ProxyAllowlist
	router        chi.Router
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if cfg.TokenVerifier == nil {
		return nil, errors.New("token verifier required")
	}
	s := &Server{
		app:           cfg.App,
		tokenVerifier: cfg.TokenVerifier,
		trusted:       cfg.TrustedProxies,
		router:        chi.NewRouter(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("coach", s.trusted, util.WithAPIHeaders(s.trusted, util.WithCORS(s.router))))
}

func (s *Server) routes() {
	r := s.router
	r.Use(chiMiddleware.Recoverer)
	r.Get("/healthz", s.handleHealth)

	r.Route("/api/coach", func(r chi.Router) {
		r.Get("/quota", s.authenticated(s.handleQuota))

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.authenticated(s.handleCreateSession))
			r.Get("/", s.authenticated(s.handleListSessions))
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.authenticated(s.handleGetSession))
				r.Delete("/", s.authenticated(s.handleDeleteSession))
				r.Post("/resume", s.authenticated(s.handleResume))
				r.Post("/messages", s.authenticated(s.handleSendMessage))
				r.Get("/messages", s.authenticated(s.handleListMessages))
				r.Post("/confirm", s.authenticated(s.handleConfirm))
				r.Post("/skip", s.authenticated(s.handleSkip))
				r.Post("/navigate", s.authenticated(s.handleNavigate))
				r.Post("/complete", s.authenticated(s.handleComplete))
				r.Get("/draft", s.authenticated(s.handleGetDraft))
				r.Put("/draft", s.authenticated(s.handlePutDraft))
			})
		})

		r.Get("/arguments/{argumentID}", s.authenticated(s.handleGetArgument))
		r.Get("/arguments/{argumentID}/export", s.authenticated(s.handleExportArgument))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "not found")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "coach.authorize", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		user, err := s.tokenVerifier.Verify(token)
		if err != nil {
			s.audit(r, "coach.authorize", "fail", "reason", "invalid_signature_or_claims")
			writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", user.ID))
		next(w, r.WithContext(ctx), user)
	}
}

// sessions

type createSessionRequest struct {
	Topic    string `json:"topic"`
	Language string `json:"language"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req createSessionRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	view, err := s.app.CreateSession(r.Context(), user, req.Topic, req.Language)
	if err != nil {
		writeAppError(w, err)
		return
	}
	s.audit(r, "coach.session.create", "success", "session_id", view.Session.ID)
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, user domain.User) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	items, err := s.app.ListSessions(r.Context(), user, limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if items == nil {
		items = []domain.ChatSession{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": items, "count": len(items)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, user domain.User) {
	view, err := s.app.GetSession(r.Context(), user, chi.URLParam(r, "sessionID"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := chi.URLParam(r, "sessionID")
	if err := s.app.DeleteSession(r.Context(), user, id); err != nil {
		writeAppError(w, err)
		return
	}
	s.audit(r, "coach.session.delete", "success", "session_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request, user domain.User) {
	view, err := s.app.ResumeSession(r.Context(), user, chi.URLParam(r, "sessionID"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// messages

type messageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req messageRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "text is required")
		return
	}
	res, err := s.app.SendMessage(r.Context(), user, chi.URLParam(r, "sessionID"), req.Text)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request, user domain.User) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	msgs, err := s.app.ListMessages(r.Context(), user, chi.URLParam(r, "sessionID"), limit)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "count": len(msgs)})
}

// steps

type stepRequest struct {
	Step            string `json:"step"`
	Text            string `json:"text"`
	ExpectedVersion *int64 `json:"expectedVersion,omitempty"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req stepRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.Step) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "step is required")
		return
	}
	res, err := s.app.ConfirmStep(r.Context(), user, chi.URLParam(r, "sessionID"), req.Step, req.Text, req.ExpectedVersion)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req stepRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.Step) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "step is required")
		return
	}
	res, err := s.app.SkipStep(r.Context(), user, chi.URLParam(r, "sessionID"), req.Step, req.ExpectedVersion)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type navigateRequest struct {
	TargetStep string `json:"targetStep"`
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req navigateRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.TargetStep) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "targetStep is required")
		return
	}
	res, err := s.app.Navigate(r.Context(), user, chi.URLParam(r, "sessionID"), req.TargetStep)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request, user domain.User) {
	res, err := s.app.Complete(r.Context(), user, chi.URLParam(r, "sessionID"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	s.audit(r, "coach.session.complete", "success", "session_id", res.Session.ID, "argument_id", res.Argument.ID)
	writeJSON(w, http.StatusOK, res)
}

// drafts

type draftRequest struct {
	ExpectedVersion int64             `json:"expectedVersion"`
	Name            *string           `json:"name,omitempty"`
	Fields          map[string]string `json:"fields,omitempty"`
}

func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request, user domain.User) {
	draft, err := s.app.GetDraft(r.Context(), user, chi.URLParam(r, "sessionID"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

func (s *Server) handlePutDraft(w http.ResponseWriter, r *http.Request, user domain.User) {
	var req draftRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	patch := domain.DraftPatch{Name: req.Name}
	if len(req.Fields) > 0 {
		patch.Fields = make(map[domain.Step]string, len(req.Fields))
		for k, v := range req.Fields {
			step, ok := coaching.NormalizeStep(k)
			if !ok {
				step = domain.Step(k)
			}
			patch.Fields[step] = v
		}
	}
	draft, err := s.app.UpdateDraft(r.Context(), user, chi.URLParam(r, "sessionID"), req.ExpectedVersion, patch)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, draft)
}

// quota & arguments

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request, user domain.User) {
	status, err := s.app.QuotaStatus(r.Context(), user)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleGetArgument(w http.ResponseWriter, r *http.Request, user domain.User) {
	arg, err := s.app.GetArgument(r.Context(), user, chi.URLParam(r, "argumentID"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, arg)
}

func (s *Server) handleExportArgument(w http.ResponseWriter, r *http.Request, user domain.User) {
	export, err := s.app.ExportArgument(r.Context(), user, chi.URLParam(r, "argumentID"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, export)
}

// helpers

func decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}
	writeError(w, http.StatusBadRequest, "invalid_input", "invalid JSON body")
	return false
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	fields := []any{
		"event", event,
		"outcome", outcome,
		"method", r.Method,
		"path", r.URL.Path,
		"client_ip", util.ClientAddr(r, s.trusted),
	}
	fields = append(fields, attrs...)
	util.LoggerFromContext(r.Context()).Info("audit_event", fields...)
}
