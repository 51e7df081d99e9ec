package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Backend names for events and storage
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds all configuration for the planmode service
type Config struct {
	// Server configuration
	HTTPPort int    `env:"PLANMODE_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"PLANMODE_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Backends
	EventsBackend  string        `env:"EVENTS_BACKEND" envDefault:"memory"`
	StorageBackend string        `env:"STORAGE_BACKEND" envDefault:"memory"`
	SnapshotTTL    time.Duration `env:"SNAPSHOT_TTL" envDefault:"1h"`

	// Redis configuration
	Redis RedisConfig

	// LLM configuration
	LLM LLMConfig

	// Planner configuration
	Planner PlannerConfig

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
}

// LLMConfig holds LLM provider configuration
type LLMConfig struct {
	Provider string `env:"LLM_PROVIDER" envDefault:"anthropic"`
	APIKey   string `env:"LLM_API_KEY"`
	BaseURL  string `env:"LLM_BASE_URL"`

	// Default model settings
	DefaultModel       string  `env:"LLM_DEFAULT_MODEL" envDefault:"claude-sonnet-4-5"`
	DefaultTemperature float64 `env:"LLM_DEFAULT_TEMPERATURE" envDefault:"0.7"`
	DefaultMaxTokens   int     `env:"LLM_DEFAULT_MAX_TOKENS" envDefault:"4096"`
}

// PlannerConfig holds plan execution settings
type PlannerConfig struct {
	TaskMaxConcurrency  int           `env:"TASK_MAX_CONCURRENCY" envDefault:"0"`
	MinMessageLength    int           `env:"PLAN_MIN_MESSAGE_LENGTH" envDefault:"50"`
	MaxActiveRuns       int           `env:"MAX_ACTIVE_RUNS" envDefault:"16"`
	HealthCheckInterval time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"30s"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	RunExecutionTimeout  time.Duration `env:"TIMEOUT_RUN_EXECUTION" envDefault:"30m"`
	TaskExecutionTimeout time.Duration `env:"TIMEOUT_TASK_EXECUTION" envDefault:"5m"`
	ShutdownTimeout      time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
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

	// Validate backends
	if err := validateBackend("events", c.EventsBackend); err != nil {
		return err
	}
	if err := validateBackend("storage", c.StorageBackend); err != nil {
		return err
	}
	if c.UsesRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	// Validate LLM config
	switch c.LLM.Provider {
	case "anthropic":
		if c.LLM.APIKey == "" {
			return fmt.Errorf("LLM API key is required")
		}
	case "echo":
	default:
		return fmt.Errorf("unsupported LLM provider: %s (must be anthropic or echo)", c.LLM.Provider)
	}
	if c.LLM.DefaultMaxTokens < 1 {
		return fmt.Errorf("LLM default max tokens must be at least 1")
	}

	// Validate planner config
	if c.Planner.TaskMaxConcurrency < 0 {
		return fmt.Errorf("task max concurrency must not be negative")
	}
	if c.Planner.MaxActiveRuns < 0 {
		return fmt.Errorf("max active runs must not be negative")
	}
	if c.Planner.HealthCheckInterval <= 0 {
		return fmt.Errorf("health check interval must be positive")
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

func validateBackend(name, backend string) error {
	if backend != BackendMemory && backend != BackendRedis {
		return fmt.Errorf("unsupported %s backend: %s (must be memory or redis)", name, backend)
	}
	return nil
}

// UsesRedis reports whether any backend needs a Redis connection
func (c *Config) UsesRedis() bool {
	return c.EventsBackend == BackendRedis || c.StorageBackend == BackendRedis
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
