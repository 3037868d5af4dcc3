package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/aescanero/dagrun/internal/application/broadcast"
	"github.com/aescanero/dagrun/internal/application/dispatcher"
	"github.com/aescanero/dagrun/internal/application/engine"
	"github.com/aescanero/dagrun/internal/application/monitor"
	"github.com/aescanero/dagrun/internal/application/orchestrator"
	"github.com/aescanero/dagrun/internal/application/reconciler"
	"github.com/aescanero/dagrun/internal/application/workers"
	"github.com/aescanero/dagrun/internal/config"
	"github.com/aescanero/dagrun/internal/sandbox"
	"github.com/aescanero/dagrun/pkg/adapters/events/redis"
	"github.com/aescanero/dagrun/pkg/adapters/metrics/prometheus"
	redisqueue "github.com/aescanero/dagrun/pkg/adapters/queue/redis"
	redisstorage "github.com/aescanero/dagrun/pkg/adapters/storage/redis"
	"github.com/aescanero/dagrun/pkg/api/grpc"
	"github.com/aescanero/dagrun/pkg/api/http"
	"github.com/aescanero/dagrun/pkg/api/websocket"
	"github.com/aescanero/dagrun/pkg/ports"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Version is set by build flags
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting dagrun orchestrator",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("execution_mode", cfg.Workers.ExecutionMode))

	// Initialize Redis client
	redisClient := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	// Test Redis connection
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	logger.Info("connected to Redis", zap.String("addr", cfg.Redis.Addr))

	// Initialize adapters
	metricsCollector := prometheus.NewCollector(nil)

	broker := redis.NewPubSubBroker(redisClient, cfg.Engine.EventBufferSize, logger)
	graphStore := redisstorage.NewGraphStore(redisClient, logger)
	stateStorage := redisstorage.NewStateStorage(redisClient, cfg.Redis.StateTTL, logger)
	sampleStorage := redisstorage.NewSampleStorage(redisClient, cfg.Monitor.SampleTTL, cfg.Monitor.MaxSamples, logger)
	jobQueue := redisqueue.NewStreamsJobQueue(redisClient, cfg.Workers.ConsumerGroup, cfg.Redis.JobTTL, logger)

	// Initialize sandbox runtime
	dockerRuntime, err := sandbox.NewDockerRuntime(logger)
	if err != nil {
		logger.Fatal("failed to create container runtime client", zap.Error(err))
	}
	defer dockerRuntime.Close()
	if err := dockerRuntime.Ping(ctx); err != nil {
		logger.Warn("container runtime not reachable, runs will fail until it is", zap.Error(err))
	}

	sandboxManager := sandbox.NewManager(
		dockerRuntime,
		sandbox.NewCommandClient(cfg.Sandbox.CommandTimeout, logger),
		sandbox.Config{
			Image:                cfg.Sandbox.Image,
			CommandPort:          cfg.Sandbox.CommandPort,
			PortDiscoveryTimeout: cfg.Sandbox.PortDiscoveryTimeout,
			Network:              cfg.Sandbox.Network,
			Env:                  sandboxEnv(cfg),
		},
		metricsCollector,
		logger,
	)
	sandboxBackend := sandbox.NewBackend(sandboxManager)

	var resourceMonitor ports.ResourceMonitor
	if cfg.Monitor.Enabled {
		resourceMonitor = monitor.New(sandboxManager, sampleStorage, metricsCollector, logger)
	}

	// Initialize application components
	registry := engine.NewRegistry()
	broadcaster := broadcast.New(broker, metricsCollector, logger)

	var runner workers.Runner
	switch cfg.Workers.ExecutionMode {
	case config.ExecutionModeEphemeral:
		runner = workers.NewEphemeralRunner(
			graphStore,
			stateStorage,
			sandboxManager,
			resourceMonitor,
			broadcaster,
			registry,
			logger,
		)
	default:
		runner = workers.NewEngineRunner(engine.Dependencies{
			Graph:       graphStore,
			States:      stateStorage,
			Sandboxes:   sandboxBackend,
			Monitor:     resourceMonitor,
			Broadcaster: broadcaster,
			Registry:    registry,
			Metrics:     metricsCollector,
			Logger:      logger,
		}, engine.Config{
			MaxParallel:       cfg.Engine.MaxParallel,
			HeartbeatInterval: cfg.Engine.HeartbeatInterval,
		})
	}

	workerPool := workers.NewPool(
		cfg.Workers.PoolSize,
		jobQueue,
		broker,
		runner,
		cfg.Timeouts.GraphExecutionTimeout,
		metricsCollector,
		logger,
		cfg.Workers.HealthCheckInterval,
	)

	controller := orchestrator.NewController(
		graphStore,
		jobQueue,
		broker,
		stateStorage,
		registry,
		sandboxManager,
		metricsCollector,
		logger,
	)

	nodeService := dispatcher.NewService(graphStore, sandboxBackend, metricsCollector, logger)

	orphans := reconciler.New(
		stateStorage,
		registry,
		sandboxManager,
		broadcaster,
		cfg.Reconciler.Interval,
		cfg.Reconciler.StaleAfter,
		logger,
	)

	// Start worker pool
	if err := workerPool.Start(); err != nil {
		logger.Fatal("failed to start worker pool", zap.Error(err))
	}

	go orphans.Run(ctx)

	// Initialize API servers
	httpServer := http.NewServer(&http.Config{
		Port:        cfg.HTTPPort,
		APIKey:      cfg.APIKey,
		Controller:  controller,
		Nodes:       nodeService,
		States:      stateStorage,
		Samples:     sampleStorage,
		Sandboxes:   sandboxManager,
		Broker:      broker,
		Health:      workerPool.Health(),
		StopTimeout: cfg.Workers.StopAckTimeout,
		MaxSamples:  cfg.Monitor.MaxSamples,
		Logger:      logger,
	})

	// Add WebSocket handler to HTTP server
	wsHandler := websocket.NewHandler(broadcaster, stateStorage, logger)
	httpServer.SetupWebSocket(wsHandler)

	grpcServer, err := grpc.NewServer(&grpc.Config{
		Port:          cfg.GRPCPort,
		Probe:         workerPool.Health(),
		ProbeInterval: cfg.Workers.HealthCheckInterval,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("failed to create gRPC server", zap.Error(err))
	}

	// Start servers
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Fatal("gRPC server failed", zap.Error(err))
		}
	}()

	logger.Info("dagrun orchestrator started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("worker_pool_size", cfg.Workers.PoolSize))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	stop()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
	defer cancel()

	// Shutdown components
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	if err := grpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gRPC server shutdown error", zap.Error(err))
	}

	// Runs in progress are stopped before their workers are drained
	if err := controller.Shutdown(shutdownCtx); err != nil {
		logger.Error("run shutdown error", zap.Error(err))
	}

	if err := workerPool.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker pool shutdown error", zap.Error(err))
	}

	if err := redisClient.Close(); err != nil {
		logger.Error("Redis close error", zap.Error(err))
	}

	logger.Info("dagrun orchestrator shut down complete")
}

// sandboxEnv is the environment every sandbox gets so that its node
// runner reaches the shared store and broker.
func sandboxEnv(cfg *config.Config) []string {
	env := []string{
		"REDIS_ADDR=" + cfg.SandboxRedisAddr(),
		"REDIS_DB=" + strconv.Itoa(cfg.Redis.DB),
		"LOG_LEVEL=" + cfg.LogLevel,
		"ENGINE_MAX_PARALLEL=" + strconv.Itoa(cfg.Engine.MaxParallel),
		"ENGINE_HEARTBEAT_INTERVAL=" + cfg.Engine.HeartbeatInterval.String(),
		"SANDBOX_COMMAND_PORT=" + strconv.Itoa(cfg.Sandbox.CommandPort),
		"LLM_PROVIDER=" + cfg.LLM.Provider,
		"LLM_DEFAULT_MODEL=" + cfg.LLM.DefaultModel,
		"LLM_DEFAULT_MAX_TOKENS=" + strconv.Itoa(cfg.LLM.DefaultMaxTokens),
	}
	if cfg.Redis.Password != "" {
		env = append(env, "REDIS_PASS="+cfg.Redis.Password)
	}
	if cfg.LLM.APIKey != "" {
		env = append(env, "LLM_API_KEY="+cfg.LLM.APIKey)
	}
	return env
}

// initLogger initializes the logger based on log level
func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}

	return logger
}
