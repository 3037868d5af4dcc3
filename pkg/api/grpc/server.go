// Package grpc exposes the orchestrator's gRPC endpoint. It serves the
// standard health service, reporting the job worker pool health.
package grpc

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported for the orchestrator
const ServiceName = "dagrun.Orchestrator"

// HealthProbe reports whether the orchestrator can serve
type HealthProbe interface {
	IsHealthy() bool
}

// Server represents the gRPC API server
type Server struct {
	server   *grpc.Server
	listener net.Listener
	health   *health.Server
	probe    HealthProbe
	interval time.Duration
	logger   *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

// Config holds gRPC server configuration
type Config struct {
	Port          int
	Probe         HealthProbe
	ProbeInterval time.Duration
	Logger        *zap.Logger
}

// NewServer creates a new gRPC server listening on cfg.Port. Port 0 picks
// a free port.
func NewServer(cfg *Config) (*Server, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	interval := cfg.ProbeInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	s := &Server{
		server:   grpcServer,
		listener: listener,
		health:   healthServer,
		probe:    cfg.Probe,
		interval: interval,
		logger:   cfg.Logger,
		stop:     make(chan struct{}),
	}
	s.refresh()

	return s, nil
}

// Addr returns the listening address
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start serves until Shutdown
func (s *Server) Start() error {
	s.logger.Info("starting gRPC server", zap.String("addr", s.Addr()))

	go s.watch()

	if err := s.server.Serve(s.listener); err != nil {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gRPC server")

	s.stopOnce.Do(func() { close(s.stop) })
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.server.Stop()
	}

	s.logger.Info("gRPC server shut down complete")
	return nil
}

// watch keeps the served health status in line with the probe
func (s *Server) watch() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.refresh()
		}
	}
}

func (s *Server) refresh() {
	status := healthpb.HealthCheckResponse_SERVING
	if s.probe != nil && !s.probe.IsHealthy() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
