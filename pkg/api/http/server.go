package http

import (
	"context"
	"fmt"
	"iter"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nishichengju/planmode/internal/application/orchestrator"
	"github.com/nishichengju/planmode/internal/application/workers"
	"github.com/nishichengju/planmode/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RunService is the run manager as seen by the API
type RunService interface {
	Stream(ctx context.Context, req orchestrator.RunRequest) (string, iter.Seq[string], error)
	Start(req orchestrator.RunRequest) (string, error)
	GetStatus(ctx context.Context, runID string) (*domain.RunSnapshot, error)
	CancelRun(ctx context.Context, runID string) error
	Advise(message string) bool
}

// HealthReporter reports planner load
type HealthReporter interface {
	GetStatus() *workers.HealthStatus
}

// Server represents the HTTP API server
type Server struct {
	router *gin.Engine
	server *http.Server
	runs   RunService
	health HealthReporter
	logger *zap.Logger
}

// Config holds HTTP server configuration
type Config struct {
	Port   int
	Runs   RunService
	Health HealthReporter
	// Gatherer backs /metrics; nil uses the default registry
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Logger))
	router.Use(corsMiddleware())

	s := &Server{
		router: router,
		runs:   cfg.Runs,
		health: cfg.Health,
		logger: cfg.Logger,
	}

	s.setupRoutes(cfg.Gatherer)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	return s
}

// setupRoutes configures API routes
func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	// Health check
	s.router.GET("/health", s.handleHealth)

	// Metrics
	metrics := promhttp.Handler()
	if gatherer != nil {
		metrics = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	s.router.GET("/metrics", gin.WrapH(metrics))

	// API v1
	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/plans", s.handleStreamPlan)
		v1.POST("/plans/async", s.handleStartPlan)
		v1.POST("/plans/advise", s.handleAdvise)
		v1.GET("/plans/:id", s.handleGetPlan)
		v1.POST("/plans/:id/cancel", s.handleCancelPlan)
	}
}

// SetupWebSocket adds the live event stream handler to the server
func (s *Server) SetupWebSocket(handler gin.HandlerFunc) {
	s.router.GET("/api/v1/plans/:id/ws", handler)
}

// Handler returns the root handler, for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	s.logger.Info("HTTP server shut down complete")
	return nil
}
