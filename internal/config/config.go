package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Execution modes for background jobs
const (
	ExecutionModeDispatch  = "dispatch"
	ExecutionModeEphemeral = "ephemeral"
)

// Config holds all configuration for the dagrun orchestrator
type Config struct {
	// Server configuration
	HTTPPort int    `env:"DAGRUN_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"DAGRUN_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// API key required on /api/v1 when set
	APIKey string `env:"DAGRUN_API_KEY"`

	// Redis configuration
	Redis RedisConfig

	// Sandbox runtime configuration
	Sandbox SandboxConfig

	// Engine configuration
	Engine EngineConfig

	// Job worker configuration
	Workers WorkerConfig

	// Resource monitor configuration
	Monitor MonitorConfig

	// Orphaned run reconciliation
	Reconciler ReconcilerConfig

	// LLM node configuration
	LLM LLMConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`

	// Retention of shared state and job records
	StateTTL time.Duration `env:"REDIS_STATE_TTL" envDefault:"24h"`
	JobTTL   time.Duration `env:"REDIS_JOB_TTL" envDefault:"24h"`
}

// SandboxConfig holds container runtime configuration
type SandboxConfig struct {
	Image                string        `env:"SANDBOX_IMAGE" envDefault:"dagrun/noderunner:latest"`
	CommandPort          int           `env:"SANDBOX_COMMAND_PORT" envDefault:"8000"`
	PortDiscoveryTimeout time.Duration `env:"SANDBOX_PORT_DISCOVERY_TIMEOUT" envDefault:"30s"`
	CommandTimeout       time.Duration `env:"SANDBOX_COMMAND_TIMEOUT" envDefault:"300s"`
	Network              string        `env:"SANDBOX_NETWORK"`

	// Broker address handed to sandboxes so trigger nodes and ephemeral
	// runs reach the shared Redis
	RedisAddr string `env:"SANDBOX_REDIS_ADDR"`
}

// EngineConfig holds workflow engine configuration
type EngineConfig struct {
	MaxParallel       int           `env:"ENGINE_MAX_PARALLEL" envDefault:"4"`
	HeartbeatInterval time.Duration `env:"ENGINE_HEARTBEAT_INTERVAL" envDefault:"10s"`
	EventBufferSize   int           `env:"ENGINE_EVENT_BUFFER_SIZE" envDefault:"256"`
}

// WorkerConfig holds job worker pool configuration
type WorkerConfig struct {
	PoolSize            int           `env:"JOB_WORKERS" envDefault:"4"`
	ConsumerGroup       string        `env:"JOB_CONSUMER_GROUP" envDefault:"dagrun-workers"`
	ExecutionMode       string        `env:"EXECUTION_MODE" envDefault:"dispatch"`
	StopAckTimeout      time.Duration `env:"JOB_STOP_ACK_TIMEOUT" envDefault:"5s"`
	HealthCheckInterval time.Duration `env:"WORKER_HEALTH_CHECK_INTERVAL" envDefault:"30s"`
}

// MonitorConfig holds resource monitor configuration
type MonitorConfig struct {
	Enabled    bool          `env:"MONITOR_ENABLED" envDefault:"true"`
	MaxSamples int           `env:"MONITOR_MAX_SAMPLES" envDefault:"720"`
	SampleTTL  time.Duration `env:"MONITOR_SAMPLE_TTL" envDefault:"24h"`
}

// ReconcilerConfig holds orphaned run reconciliation settings
type ReconcilerConfig struct {
	Interval   time.Duration `env:"RECONCILE_INTERVAL" envDefault:"30s"`
	StaleAfter time.Duration `env:"RECONCILE_STALE_AFTER" envDefault:"60s"`
}

// LLMConfig holds configuration of the llm node type
type LLMConfig struct {
	Provider string `env:"LLM_PROVIDER" envDefault:"anthropic"`
	APIKey   string `env:"LLM_API_KEY"`

	RequestTimeout time.Duration `env:"LLM_REQUEST_TIMEOUT" envDefault:"120s"`

	// Default model settings
	DefaultModel     string `env:"LLM_DEFAULT_MODEL" envDefault:"claude-3-5-sonnet-20241022"`
	DefaultMaxTokens int    `env:"LLM_DEFAULT_MAX_TOKENS" envDefault:"4096"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	GraphExecutionTimeout time.Duration `env:"TIMEOUT_GRAPH_EXECUTION" envDefault:"3600s"` // 1 hour
	ShutdownTimeout       time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	// Validate Redis config
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	// Validate sandbox config
	if c.Sandbox.Image == "" {
		return fmt.Errorf("sandbox image is required")
	}
	if c.Sandbox.CommandPort < 1 || c.Sandbox.CommandPort > 65535 {
		return fmt.Errorf("invalid sandbox command port: %d", c.Sandbox.CommandPort)
	}

	// Validate engine config
	if c.Engine.MaxParallel < 1 {
		return fmt.Errorf("engine max parallel must be at least 1")
	}
	if c.Engine.HeartbeatInterval <= 0 {
		return fmt.Errorf("engine heartbeat interval must be positive")
	}

	// Validate worker config
	if c.Workers.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be at least 1")
	}
	if c.Workers.ExecutionMode != ExecutionModeDispatch && c.Workers.ExecutionMode != ExecutionModeEphemeral {
		return fmt.Errorf("invalid execution mode: %s (must be dispatch or ephemeral)", c.Workers.ExecutionMode)
	}

	// A run is orphaned only after missing several heartbeats
	if c.Reconciler.StaleAfter <= c.Engine.HeartbeatInterval {
		return fmt.Errorf("reconcile stale threshold (%s) must exceed heartbeat interval (%s)",
			c.Reconciler.StaleAfter, c.Engine.HeartbeatInterval)
	}

	// Validate LLM config
	if c.LLM.Provider != "anthropic" {
		return fmt.Errorf("unsupported LLM provider: %s (only 'anthropic' is supported)", c.LLM.Provider)
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}

// SandboxRedisAddr returns the Redis address reachable from inside a
// sandbox, falling back to the orchestrator's own address.
func (c *Config) SandboxRedisAddr() string {
	if c.Sandbox.RedisAddr != "" {
		return c.Sandbox.RedisAddr
	}
	return c.Redis.Addr
}
