package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/catalog"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pipeline"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server. m may be nil, in which case /metrics
// is not mounted.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, cat *catalog.Service, p *pipeline.Pipeline, m *metrics.Metrics, version string) *Server {
	handler := NewHandler(repo, cache, bus, cat, p, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware(cfg.AllowedOrigins)) // CORS for the review UI
	router.Use(RecoverMiddleware)                  // Recover from panics
	router.Use(TracingMiddleware)                  // OpenTelemetry tracing
	router.Use(LoggingMiddleware)                  // Request logging
	router.Use(middleware.RealIP)                  // Extract real IP
	router.Use(middleware.Compress(5))             // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if m != nil {
		router.Handle("/metrics", m.Handler())
	}

	// API routes (tenant required)
	router.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Document audit
		r.Post("/audit", handler.Audit)
		r.Post("/audit/preview", handler.Preview)

		// Audit retrieval
		r.Get("/audits/{id}", handler.GetAudit)
		r.Get("/documents/{id}/audits", handler.ListDocumentAudits)

		// Rule management
		r.Get("/rules", handler.ListRules)
		r.Post("/rules", handler.CreateRule)
		r.Get("/rules/{id}", handler.GetRule)
		r.Put("/rules/{id}", handler.UpdateRule)
		r.Delete("/rules/{id}", handler.DeleteRule)

		// Category management
		r.Get("/categories", handler.ListCategories)
		r.Post("/categories", handler.CreateCategory)
		r.Get("/categories/{id}", handler.GetCategory)
		r.Put("/categories/{id}", handler.UpdateCategory)
		r.Delete("/categories/{id}", handler.DeleteCategory)
		r.Put("/categories/{id}/rules", handler.LinkRules)
		r.Get("/categories/{id}/active-rules", handler.ActiveRules)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
		server:  &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
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
