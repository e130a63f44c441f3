package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/cadence/internal/config"
	"github.com/foxzi/cadence/internal/ingest"
	"github.com/foxzi/cadence/internal/metrics"
	"github.com/foxzi/cadence/internal/models"
	"github.com/foxzi/cadence/internal/ratelimit"
	"github.com/foxzi/cadence/internal/sandbox"
	"github.com/foxzi/cadence/internal/sequence"
)

// LeadStore is the lead storage used by the lead endpoints
type LeadStore interface {
	CreateBatch(ctx context.Context, leads []models.Lead) error
	List(ctx context.Context, filter models.LeadFilter) ([]models.Lead, int, error)
}

// MessageStore lists messages captured in sandbox mode
type MessageStore interface {
	List(ctx context.Context, filter sandbox.ListFilter) ([]sandbox.Message, error)
	Stats(ctx context.Context, ownerID string) (*sandbox.Stats, error)
}

// LimitStats reports rate limit counters
type LimitStats interface {
	GetStats(ctx context.Context, ownerID, channel string) (*ratelimit.Stats, error)
}

// Options holds the services behind the API. Sandbox and Limits may be nil.
type Options struct {
	Sequences *sequence.Service
	Ingestor  *ingest.Ingestor
	Leads     LeadStore
	Sandbox   MessageStore
	Limits    LimitStats
	Version   string
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	opts       Options
	config     *config.ServerConfig
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(opts Options, cfg *config.ServerConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		opts:      opts,
		config:    cfg,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)
	if s.config.RequestTimeout > 0 {
		s.router.Use(middleware.Timeout(s.config.RequestTimeout))
	}

	// Health check and tracking links are public
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/t/open/{messageId}", s.handleTrackOpen)
	s.router.Get("/t/click/{messageId}", s.handleTrackClick)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Provider callbacks carry no tenant
		r.Post("/events", s.handleEvent)
		r.Post("/webhooks/email", s.handleEmailWebhook)
		r.Post("/webhooks/vapi", s.handleVapiWebhook)

		r.Group(func(r chi.Router) {
			r.Use(s.tenantMiddleware)

			for _, kind := range []string{models.KindSequence, models.KindWorkflow} {
				h := &definitionHandler{server: s, kind: kind}
				r.Route("/"+kind+"s", h.routes)
			}

			r.Post("/leads", s.handleCreateLeads)
			r.Get("/leads", s.handleListLeads)

			r.Get("/sandbox/messages", s.handleSandboxMessages)
			r.Get("/sandbox/stats", s.handleSandboxStats)
			r.Get("/ratelimits", s.handleRateLimits)
		})
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
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
