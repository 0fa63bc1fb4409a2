package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"amplified/internal/ratelimit"
	"amplified/internal/usertoken"
	"amplified/internal/util"
	"amplified/pkg/domain"
	"amplified/pkg/queue"
	"amplified/pkg/retrieval"
	"amplified/services/tutor/internal/app"
)

const maxBodyBytes = 1 << 20

// TokenVerifier authenticates bearer tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (usertoken.Principal, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// TokenVerifier may be nil, in which case every caller is treated as an
	// admin. Only meant for local development.
	TokenVerifier TokenVerifier
	// ChatLimiter bounds /chat/ask per caller; nil disables limiting.
	ChatLimiter ratelimit.Limiter
	// TrustedProxies are the peers allowed to set X-Forwarded-For; nil means
	// the TCP peer is always the client.
	TrustedProxies *util.TrustedProxies
	RequestTimeout time.Duration
}

// Server exposes HTTP endpoints for the tutor service.
type Server struct {
	app           *app.App
	tokenVerifier TokenVerifier
	chatLimiter   ratelimit.Limiter
	proxies       *util.TrustedProxies
	router        chi.Router
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if cfg.TokenVerifier == nil {
		slog.Warn("no token verifier configured, authentication disabled")
	}
	s := &Server{
		app:           cfg.App,
		tokenVerifier: cfg.TokenVerifier,
		chatLimiter:   cfg.ChatLimiter,
		proxies:       cfg.TrustedProxies,
		router:        chi.NewRouter(),
	}
	s.routes(timeout)
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("tutor", util.WithSecurityHeaders(util.WithCORS(s.router))))
}

var (
	staff    = []usertoken.Role{usertoken.RoleTutor, usertoken.RoleAdmin}
	admin    = []usertoken.Role{usertoken.RoleAdmin}
	everyone = []usertoken.Role{usertoken.RoleStudent, usertoken.RoleTutor, usertoken.RoleAdmin}
)

func (s *Server) routes(timeout time.Duration) {
	r := s.router
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Get("/healthz", s.handleHealth)

	r.With(s.require(staff...)).Post("/sessions", s.handleCreateSession)
	r.With(s.require(everyone...)).Get("/sessions/{id}", s.handleGetSession)
	r.With(s.require(staff...)).Post("/sessions/{id}/transcribe", s.handleTranscribe)
	r.With(s.require(everyone...)).Get("/sessions/{id}/transcript", s.handleTranscript)
	r.With(s.require(everyone...)).Get("/sessions/{id}/materials", s.handleMaterials)

	r.Route("/materials/{id}", func(r chi.Router) {
		r.Use(s.require(staff...))
		r.Post("/submit", s.handleMaterialAction(s.app.SubmitMaterial))
		r.Post("/approve", s.handleMaterialAction(s.app.ApproveMaterial))
		r.Post("/publish", s.handleMaterialAction(s.app.PublishMaterial))
		r.Post("/reject", s.handleRejectMaterial)
	})

	r.Route("/admin/jobs", func(r chi.Router) {
		r.Use(s.require(admin...))
		r.Get("/", s.handleListJobs)
		r.Get("/{id}/events", s.handleJobEvents)
		r.Post("/{id}/retry", s.handleJobAction(s.app.RetryJob))
		r.Post("/{id}/cancel", s.handleJobAction(s.app.CancelJob))
	})

	r.With(s.require(everyone...)).Post("/chat/ask", s.handleAsk)
	r.With(s.require(everyone...)).Post("/chat/feedback", s.handleFeedback)
	r.With(s.require(admin...)).Get("/rag/health", s.handleRAGHealth)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth

type principalContextKey struct{}

func principalFrom(ctx context.Context) usertoken.Principal {
	p, _ := ctx.Value(principalContextKey{}).(usertoken.Principal)
	return p
}

func (s *Server) require(roles ...usertoken.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := s.authenticate(w, r)
			if !ok {
				return
			}
			if !hasRole(principal.Role, roles) {
				s.audit(r, "tutor.authorize", "fail", "user_id", principal.Subject, "reason", "forbidden")
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			ctx := context.WithValue(r.Context(), principalContextKey{}, principal)
			ctx = util.ContextWithLogger(ctx, util.LoggerFromContext(ctx).With("user_id", principal.Subject))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (usertoken.Principal, bool) {
	if s.tokenVerifier == nil {
		return usertoken.Principal{Subject: "local", Role: usertoken.RoleAdmin}, true
	}
	token, ok := bearerToken(r)
	if !ok {
		s.audit(r, "tutor.token.verify", "fail", "reason", "missing_token")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return usertoken.Principal{}, false
	}
	principal, err := s.tokenVerifier.Verify(r.Context(), token)
	if err != nil {
		s.audit(r, "tutor.token.verify", "fail", "reason", "invalid_signature_or_claims")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return usertoken.Principal{}, false
	}
	return principal, true
}

func hasRole(role usertoken.Role, allowed []usertoken.Role) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

// sessions

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req app.NewSession
	if !decodeJSON(w, r, &req) {
		return
	}
	session, job, err := s.app.CreateSession(r.Context(), req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": session, "job": job})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.app.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	job, err := s.app.EnqueueTranscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	transcript, err := s.app.GetTranscript(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transcript)
}

func (s *Server) handleMaterials(w http.ResponseWriter, r *http.Request) {
	items, err := s.app.ListMaterials(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

// materials

type materialAction func(ctx context.Context, id string) (domain.StudyMaterial, error)

func (s *Server) handleMaterialAction(action materialAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		material, err := action(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, material)
	}
}

type rejectRequest struct {
	Comment string `json:"comment"`
}

func (s *Server) handleRejectMaterial(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	material, err := s.app.RejectMaterial(r.Context(), chi.URLParam(r, "id"), req.Comment)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, material)
}

// jobs

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter queue.Filter
	if v := strings.TrimSpace(q.Get("status")); v != "" {
		status, err := domain.ParseJobStatus(v)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		filter.Status = &status
	}
	if v := strings.TrimSpace(q.Get("type")); v != "" {
		jobType, err := domain.ParseJobType(v)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		filter.Type = &jobType
	}
	filter.SessionID = strings.TrimSpace(q.Get("sessionId"))
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	jobs, err := s.app.ListJobs(r.Context(), filter)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs, "count": len(jobs)})
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	items, err := s.app.JobEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

type jobAction func(ctx context.Context, id string) (domain.ProcessingJob, error)

func (s *Server) handleJobAction(action jobAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := action(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// chat

// askRequest leaves SessionID nil to search every session.
type askRequest struct {
	Question  string  `json:"question"`
	SessionID *string `json:"session_id"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r) {
		return
	}
	var req askRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	resp, err := s.app.Ask(r.Context(), req.Question, req.SessionID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req app.Feedback
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.app.RecordFeedback(r.Context(), req); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRAGHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.app.RAGHealth(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request) bool {
	if s.chatLimiter == nil {
		return true
	}
	key := "ip:" + util.ClientIP(r, s.proxies)
	if p := principalFrom(r.Context()); p.Subject != "" && s.tokenVerifier != nil {
		key = "user:" + p.Subject
	}
	if s.chatLimiter.Allow(r.Context(), key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "too many questions, try again later")
	return false
}

// helpers

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	var providerErr *retrieval.ProviderError
	switch {
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &providerErr):
		util.LoggerFromContext(r.Context()).Error("provider failure", "op", providerErr.Op, "err", providerErr.Err)
		writeError(w, http.StatusBadGateway, "answer provider unavailable")
	case errors.Is(err, app.ErrQuestionAnsweringDisabled), errors.Is(err, app.ErrMediaStorageDisabled):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.proxies),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}
