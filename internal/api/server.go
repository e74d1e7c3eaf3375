package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pricegrid/orchestrator/internal/auth"
	"github.com/pricegrid/orchestrator/internal/config"
	"github.com/pricegrid/orchestrator/internal/dispatcher"
	"github.com/pricegrid/orchestrator/internal/health"
	"github.com/pricegrid/orchestrator/internal/metrics"
	"github.com/pricegrid/orchestrator/internal/registry"
	"github.com/pricegrid/orchestrator/internal/store"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// Server wires HTTP handlers to the dispatcher, registry, and stores.
type Server struct {
	router     chi.Router
	dispatcher *dispatcher.Dispatcher
	registry   *registry.Registry
	reporter   *health.Reporter
	sessions   store.SessionRepository
	logs       store.LogRepository
	signer     *auth.Signer
	allowlist  *auth.Allowlist
	clock      Clock
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	disp *dispatcher.Dispatcher,
	reg *registry.Registry,
	reporter *health.Reporter,
	sessions store.SessionRepository,
	logs store.LogRepository,
	signer *auth.Signer,
	clock Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		dispatcher: disp,
		registry:   reg,
		reporter:   reporter,
		sessions:   sessions,
		logs:       logs,
		signer:     signer,
		allowlist:  auth.NewAllowlist(cfg.Worker.AllowedIPs),
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
	metrics.Init()

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Operator surface: authenticated with the API key when enabled. Worker
	// routes share the /sessions prefix, so middleware is attached per route
	// rather than per subtree.
	user := passthrough
	if cfg.Auth.Enabled {
		user = apiKeyMiddleware(cfg.Auth.APIKey)
	}
	r.With(user).Post("/sessions", s.startSession)
	r.With(user).Get("/sessions", s.listSessions)
	r.With(user).Get("/sessions/{session_id}", s.getSession)
	r.With(user).Patch("/sessions/{session_id}", s.patchSession)
	r.With(user).Get("/sessions/{session_id}/logs", s.getSessionLogs)
	r.With(user).Post("/sessions/{session_id}/stop", s.stopSession)
	r.With(user).Post("/sessions/{session_id}/retry-failed-urls", s.retryFailedURLs)
	r.With(user).Get("/get-urls/{job_key}", s.getURLs)
	r.With(user).Post("/collect-urls/{job_key}", s.collectURLs)
	r.With(user).Get("/url-stats/{job_key}", s.urlStats)
	r.With(user).Get("/health/system", s.systemHealth)
	r.With(user).Get("/health/keys/{job_key}", s.keyHealth)

	// Worker surface: process-authenticated via HMAC and the IP allowlist.
	worker := s.allowlistMiddleware
	r.With(worker).Get("/sessions/{session_id}/state", s.exportState)
	r.With(worker).Post("/sessions/{session_id}/transition", s.reportTransition)
	r.With(worker).Post("/update-total", s.updateTotal)
	r.With(worker).Post("/save-urls", s.saveURLs)
	r.With(worker).Post("/heartbeat", s.heartbeat)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.sessions.Counts(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		metrics.ObserveHTTPRequest(r.Method, r.URL.Path, ww.status, time.Since(start))
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func passthrough(next http.Handler) http.Handler { return next }

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) allowlistMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.allowlist.Allows(r.RemoteAddr) {
			s.logger.Warn("worker callback from unlisted address",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path),
			)
			writeError(w, http.StatusForbidden, "caller address not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
