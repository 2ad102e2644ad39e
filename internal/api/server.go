package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/edrs/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware(handler.logger))
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware(handler.logger, handler.metrics))
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// No tenant required
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Method(http.MethodGet, "/metrics", handler.metrics.Handler())

	router.Group(func(r chi.Router) {
		r.Use(TenantMiddleware(cfg.DefaultTenant))

		// Scoring
		r.Post("/datasets", handler.UploadDataset)
		r.Post("/score", handler.Score)

		// Runs; {id} may be "latest"
		r.Get("/runs", handler.ListRuns)
		r.Get("/runs/{id}", handler.GetRun)
		r.Get("/runs/{id}/accounts/{accountID}", handler.GetAccount)
		r.Get("/runs/{id}/failures", handler.GetFailures)
		r.Get("/runs/{id}/export", handler.Export)

		// Scorecard and narratives
		r.Get("/scorecard", handler.GetScorecard)
		r.Put("/scorecard", handler.PutScorecard)
		r.Get("/narratives", handler.GetNarratives)

		// HTML views
		r.Get("/", handler.Index)
		r.Post("/ui/upload", handler.UploadForm)
		r.Get("/ui/accounts/{accountID}", handler.AccountPage)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
