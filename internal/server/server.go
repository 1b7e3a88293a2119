// Package server provides the HTTP server for the coordinator API.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/fieldline/coordinator/internal/apperrors"
	"github.com/fieldline/coordinator/internal/config"
	"github.com/fieldline/coordinator/internal/handler"
	"github.com/fieldline/coordinator/internal/health"
	"github.com/fieldline/coordinator/internal/metrics"
	"github.com/fieldline/coordinator/internal/middleware"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server represents the HTTP server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	handlers     *handler.Handlers
	healthCheck  *health.HealthCheck
	auth         *middleware.Authenticator
	errorHandler *apperrors.Handler
	metrics      *metrics.Metrics
	logger       *zap.Logger
	cfg          *config.Config
}

// NewServer creates a new HTTP server.
func NewServer(
	cfg *config.Config,
	handlers *handler.Handlers,
	healthCheck *health.HealthCheck,
	auth *middleware.Authenticator,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	router := mux.NewRouter()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &Server{
		router:       router,
		httpServer:   httpServer,
		handlers:     handlers,
		healthCheck:  healthCheck,
		auth:         auth,
		errorHandler: apperrors.NewHandler(logger),
		metrics:      m,
		logger:       logger,
		cfg:          cfg,
	}
}

// SetupRoutes configures all HTTP routes.
func (s *Server) SetupRoutes() {
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger, s.metrics),
	}

	if s.cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			s.cfg.RateLimit.RequestsPerSecond,
			s.cfg.RateLimit.BurstSize,
			s.logger,
		)
		middlewareChain = append(middlewareChain, rateLimiter.Limit)
	}

	chain := middleware.Chain(middlewareChain...)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	// Health endpoints are unauthenticated
	s.router.HandleFunc("/health", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(s.auth.Authenticate)

	// Tenant management
	v1.HandleFunc("/tenants", s.handlers.CreateTenant).Methods(http.MethodPost)
	v1.HandleFunc("/tenants/{tenant_id}", s.handlers.GetTenant).Methods(http.MethodGet)

	// Sequence allocation
	v1.HandleFunc("/tenants/{tenant_id}/sequences", s.handlers.AllocateSequence).Methods(http.MethodPost)
	v1.HandleFunc("/tenants/{tenant_id}/sequences", s.handlers.GetSequence).Methods(http.MethodGet)

	// Schema migrations
	v1.HandleFunc("/tenants/{tenant_id}/migrations/estimate", s.handlers.EstimateMigration).Methods(http.MethodPost)
	v1.HandleFunc("/tenants/{tenant_id}/migrations", s.handlers.ExecuteMigration).Methods(http.MethodPost)
	v1.HandleFunc("/tenants/{tenant_id}/migrations/rollback", s.handlers.RollbackMigration).Methods(http.MethodPost)

	// Records
	v1.HandleFunc("/tenants/{tenant_id}/records/{collection}/{record_id}", s.handlers.CreateRecord).Methods(http.MethodPut)
	v1.HandleFunc("/tenants/{tenant_id}/records/{collection}/{record_id}", s.handlers.UpdateRecord).Methods(http.MethodPatch)
	v1.HandleFunc("/tenants/{tenant_id}/records/{collection}/{record_id}", s.handlers.GetRecord).Methods(http.MethodGet)
	v1.HandleFunc("/tenants/{tenant_id}/records/{collection}/{record_id}", s.handlers.DeleteRecord).Methods(http.MethodDelete)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		s.errorHandler.WriteErrorResponse(w, http.StatusNotFound, apperrors.ErrorCodeInvalidRequest, "endpoint not found", requestID)
	})

	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		s.errorHandler.WriteErrorResponse(w, http.StatusMethodNotAllowed, apperrors.ErrorCodeInvalidRequest, "method not allowed", requestID)
	})
}

// Router exposes the configured router, mainly for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start begins listening for requests.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
