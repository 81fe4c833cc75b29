// Package server exposes the HTTP surface: build ingest, job status, artifact
// download, health, and metrics.
package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"git.home.luguber.info/inful/boardbuilder/internal/errors"
	"git.home.luguber.info/inful/boardbuilder/internal/ingest"
	"git.home.luguber.info/inful/boardbuilder/internal/queue"
	"git.home.luguber.info/inful/boardbuilder/internal/store"
)

// Server is the API server.
type Server struct {
	addr      string
	router    *chi.Mux
	server    *http.Server
	ingest    *ingest.Service
	queue     *queue.JobQueue
	store     store.Store
	authToken string
	metrics   http.Handler // optional /metrics handler (promhttp)
}

// Option configures the server.
type Option func(*Server)

// WithMetricsHandler mounts a /metrics endpoint.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// New creates the API server. authToken guards the ingest endpoint; an empty
// token disables auth (local development only).
func New(addr string, svc *ingest.Service, q *queue.JobQueue, st store.Store, authToken string, opts ...Option) *Server {
	s := &Server{
		addr:      addr,
		router:    chi.NewRouter(),
		ingest:    svc,
		queue:     q,
		store:     st,
		authToken: authToken,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.router.Get("/metrics", s.metrics.ServeHTTP)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.With(s.requireAuth).Post("/deployments", s.handleIngest)
		r.Get("/status", s.handleStatus)
		r.Get("/artifacts/{artifactID}", s.handleArtifactDownload)
		r.Get("/jobs/{jobID}/artifacts", s.handleArtifactList)
	})
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	err := s.server.ListenAndServe()
	if stderrors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// requireAuth enforces the configured bearer token.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken != "" && r.Header.Get("Authorization") != "Bearer "+s.authToken {
			s.writeError(w, http.StatusUnauthorized, "missing or invalid credential")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// statusFromError maps classified errors onto HTTP codes.
func statusFromError(err error) int {
	switch {
	case stderrors.Is(err, store.ErrDuplicateDeployment):
		return http.StatusConflict
	case stderrors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.IsCategory(err, errors.CategoryValidation):
		return http.StatusBadRequest
	case errors.IsCategory(err, errors.CategoryAuth):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

type healthResponse struct {
	Status     string `json:"status"`
	QueueDepth int    `json:"queueDepth"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	depth, err := s.queue.QueuedCount(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", QueueDepth: depth})
}
