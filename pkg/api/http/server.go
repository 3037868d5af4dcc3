package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aescanero/dagrun/internal/application/dispatcher"
	"github.com/aescanero/dagrun/internal/application/orchestrator"
	"github.com/aescanero/dagrun/internal/application/tracker"
	"github.com/aescanero/dagrun/internal/application/workers"
	"github.com/aescanero/dagrun/pkg/domain"
	"github.com/aescanero/dagrun/pkg/ports"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SandboxController inspects and removes sandboxes
type SandboxController interface {
	Status(ctx context.Context, name string) (*domain.SandboxHandle, error)
	Teardown(ctx context.Context, name string) error
}

// PoolHealth reports job worker pool health
type PoolHealth interface {
	GetStatus() *workers.HealthStatus
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	server      *http.Server
	controller  *orchestrator.Controller
	nodes       *dispatcher.Service
	reader      *tracker.Reader
	samples     ports.SampleStore
	sandboxes   SandboxController
	broker      ports.Broker
	health      PoolHealth
	stopTimeout time.Duration
	maxSamples  int
	logger      *zap.Logger
}

// Config holds HTTP server configuration. Nodes, Samples, Sandboxes and
// Health are optional; their endpoints answer 503 without them.
type Config struct {
	Port        int
	APIKey      string
	Controller  *orchestrator.Controller
	Nodes       *dispatcher.Service
	States      ports.StateStore
	Samples     ports.SampleStore
	Sandboxes   SandboxController
	Broker      ports.Broker
	Health      PoolHealth
	StopTimeout time.Duration
	MaxSamples  int
	Logger      *zap.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(cfg.Logger))
	router.Use(corsMiddleware())

	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}

	s := &Server{
		router:      router,
		controller:  cfg.Controller,
		nodes:       cfg.Nodes,
		reader:      tracker.NewReader(cfg.States),
		samples:     cfg.Samples,
		sandboxes:   cfg.Sandboxes,
		broker:      cfg.Broker,
		health:      cfg.Health,
		stopTimeout: cfg.StopTimeout,
		maxSamples:  cfg.MaxSamples,
		logger:      cfg.Logger,
	}

	s.setupRoutes(cfg.APIKey)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	return s
}

// setupRoutes configures API routes
func (s *Server) setupRoutes(apiKey string) {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	v1.Use(AuthMiddleware(apiKey))
	{
		// Runs
		v1.POST("/workflows/:id/executions", s.handleStartExecution)
		v1.DELETE("/workflows/:id/executions", s.handleStopExecution)
		v1.GET("/workflows/:id/job", s.handleGetJob)

		// State and resources
		v1.GET("/workflows/:id/state", s.handleGetState)
		v1.GET("/workflows/:id/resources", s.handleGetResources)

		// Sandboxes and on-demand execution
		v1.POST("/workflows/:id/nodes/:node_id/execute", s.handleExecuteNode)
		v1.GET("/workflows/:id/sandbox", s.handleGetSandbox)
		v1.DELETE("/workflows/:id/sandbox", s.handleTeardownSandbox)

		// Trigger channel
		v1.POST("/triggers/:id", s.handleTrigger)
	}
}

// SetupWebSocket adds the observer gateway to the server
func (s *Server) SetupWebSocket(handler interface {
	HandleWorkflowStream(*gin.Context)
}) {
	s.router.GET("/api/v1/workflows/:id/ws", handler.HandleWorkflowStream)
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.server.Addr))

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

// requestLogger is a middleware for request logging
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}
