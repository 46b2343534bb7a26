package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/saltmail/bulletin/internal/config"
	"github.com/saltmail/bulletin/internal/dispatch"
	"github.com/saltmail/bulletin/internal/metrics"
	"github.com/saltmail/bulletin/internal/stats"
	"github.com/saltmail/bulletin/internal/store"
)

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	stats      *stats.Aggregator
	metrics    *metrics.Metrics
	config     *config.Config
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(st *store.Store, d *dispatch.Dispatcher, agg *stats.Aggregator, m *metrics.Metrics, cfg *config.Config, logger *slog.Logger) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		store:      st,
		dispatcher: d,
		stats:      agg,
		metrics:    m,
		config:     cfg,
		logger:     logger.With("component", "api"),
		startTime:  time.Now(),
	}

	s.setupRoutes()
	return s
}

// Router returns the configured router, mainly for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check and metrics (no auth required)
	s.router.Get("/health", s.handleHealth)
	if s.metrics != nil && s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, s.metrics.Handler())
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/recipients", func(r chi.Router) {
			r.Get("/", s.handleListRecipients)
			r.Post("/", s.requireCapability(CapEdit, s.handleCreateRecipient))
			r.Get("/{id}", s.handleGetRecipient)
			r.Put("/{id}", s.requireCapability(CapEdit, s.handleUpdateRecipient))
			r.Delete("/{id}", s.requireCapability(CapDelete, s.handleDeleteRecipient))
		})

		r.Route("/templates", func(r chi.Router) {
			r.Get("/", s.handleListTemplates)
			r.Post("/", s.requireCapability(CapEdit, s.handleCreateTemplate))
			r.Get("/{id}", s.handleGetTemplate)
			r.Put("/{id}", s.requireCapability(CapEdit, s.handleUpdateTemplate))
			r.Delete("/{id}", s.requireCapability(CapDelete, s.handleDeleteTemplate))
		})

		r.Route("/newsletters", func(r chi.Router) {
			r.Get("/", s.handleListNewsletters)
			r.Post("/", s.requireCapability(CapEdit, s.handleCreateNewsletter))
			r.Get("/{id}", s.handleGetNewsletter)
			r.Delete("/{id}", s.requireCapability(CapDelete, s.handleDeleteNewsletter))
			r.Post("/{id}/dispatch", s.requireCapability(CapSend, s.handleDispatch))
			r.Get("/{id}/attempts", s.handleListAttempts)
			r.Get("/{id}/undelivered", s.handleListUndelivered)
			r.Post("/{id}/reset", s.requireCapability(CapModerate, s.handleResetNewsletter))
		})

		r.Get("/stats/{userID}", s.handleGetStats)
		r.Get("/overview", s.handleOverview)
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.API.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // dispatch runs synchronously
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.API.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
