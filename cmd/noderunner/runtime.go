package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aescanero/dagrun/internal/config"
	"github.com/aescanero/dagrun/internal/nodes"
	"github.com/aescanero/dagrun/internal/sandbox"
	"github.com/aescanero/dagrun/pkg/adapters/events/redis"
	"github.com/aescanero/dagrun/pkg/adapters/llm"
	"github.com/aescanero/dagrun/pkg/domain"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// runtime holds what both subcommands share
type runtime struct {
	cfg      *config.Config
	logger   *zap.Logger
	redis    *goredis.Client
	broker   *redis.PubSubBroker
	workflow *domain.WorkflowDescriptor
	registry *nodes.Registry
}

func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	wf, err := loadWorkflow(os.Getenv(sandbox.EnvWorkflow))
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("workflow_id", wf.ID))

	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	broker := redis.NewPubSubBroker(client, cfg.Engine.EventBufferSize, logger)

	deps := nodes.Deps{Broker: broker, Logger: logger}
	if cfg.LLM.APIKey != "" {
		deps.LLM, err = llm.NewClient(&llm.Config{
			Provider:         cfg.LLM.Provider,
			APIKey:           cfg.LLM.APIKey,
			DefaultModel:     cfg.LLM.DefaultModel,
			DefaultMaxTokens: cfg.LLM.DefaultMaxTokens,
			RequestTimeout:   cfg.LLM.RequestTimeout,
			Logger:           logger,
		})
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to create LLM client: %w", err)
		}
	}

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		redis:    client,
		broker:   broker,
		workflow: wf,
		registry: nodes.NewRegistry(deps),
	}, nil
}

func (r *runtime) Close() {
	if err := r.redis.Close(); err != nil {
		r.logger.Warn("Redis close error", zap.Error(err))
	}
	_ = r.logger.Sync()
}

// loadWorkflow decodes the descriptor the sandbox manager embeds in the
// environment
func loadWorkflow(raw string) (*domain.WorkflowDescriptor, error) {
	if raw == "" {
		return nil, fmt.Errorf("%s is not set", sandbox.EnvWorkflow)
	}
	var wf domain.WorkflowDescriptor
	if err := json.Unmarshal([]byte(raw), &wf); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", sandbox.EnvWorkflow, err)
	}
	if wf.ID == "" {
		return nil, fmt.Errorf("workflow descriptor has no id")
	}
	return &wf, nil
}

func newLogger(level string) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
