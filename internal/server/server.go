// Package server provides the HTTP API: query execution, the approval
// surface, audit access, and credential management.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ordo-agent/ordo/internal/approval"
	"github.com/ordo-agent/ordo/internal/audit"
	"github.com/ordo-agent/ordo/internal/otel"
	"github.com/ordo-agent/ordo/internal/secrets"
	"github.com/ordo-agent/ordo/internal/user"
	"github.com/ordo-agent/ordo/internal/workflow"
)

const defaultTimeout = 60 * time.Second

// queryTimeout covers two completion calls plus tool fan-out.
const queryTimeout = 120 * time.Second

// Server holds all dependencies for the HTTP API.
type Server struct {
	router    *chi.Mux
	engine    *workflow.Engine
	queue     *approval.Queue
	executor  approval.Executor
	audit     *audit.Store
	vault     *secrets.Vault
	users     *user.Store
	apiKeys   map[string]string // api key → user id
	limiter   *RateLimiter
	version   string
	startTime time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithRateLimiter sets the per-caller rate limiter.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithVersion sets the version string reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer builds a Server. apiKeys maps API key → user id; the auth
// middleware resolves callers against it with constant-time compares.
func NewServer(
	engine *workflow.Engine,
	queue *approval.Queue,
	executor approval.Executor,
	auditStore *audit.Store,
	vault *secrets.Vault,
	users *user.Store,
	apiKeys map[string]string,
	opts ...Option,
) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		engine:    engine,
		queue:     queue,
		executor:  executor,
		audit:     auditStore,
		vault:     vault,
		users:     users,
		apiKeys:   apiKeys,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.apiKeys == nil {
		s.apiKeys = make(map[string]string)
	}
	return s
}

// Routes returns the configured handler.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.Middleware())

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))
		r.Use(RateLimitMiddleware(s.limiter))

		// Query runs two LLM calls plus tool fan-out; it gets its own
		// deadline instead of the short-route timeout.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(queryTimeout))
			r.Post("/v1/query", s.handleQuery)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(defaultTimeout))

			r.Get("/v1/approvals/pending", s.handleApprovalsPending)
			r.Get("/v1/approvals/{id}", s.handleApprovalGet)
			r.Post("/v1/approvals/{id}/approve", s.handleApprovalApprove)
			r.Post("/v1/approvals/{id}/reject", s.handleApprovalReject)

			r.Get("/v1/audit", s.handleAudit)

			r.Get("/v1/credentials", s.handleCredentialsList)
			r.Put("/v1/credentials/{name}", s.handleCredentialPut)
			r.Delete("/v1/credentials/{name}", s.handleCredentialDelete)

			r.Get("/v1/settings/thresholds", s.handleThresholdsGet)
			r.Put("/v1/settings/thresholds", s.handleThresholdsPut)
		})
	})

	return r
}
