package llm

import (
	"fmt"

	"github.com/nishichengju/planmode/internal/ports"
	"github.com/nishichengju/planmode/pkg/adapters/llm/anthropic"
	"github.com/nishichengju/planmode/pkg/adapters/llm/echo"
	"go.uber.org/zap"
)

// Config holds LLM client configuration
type Config struct {
	Provider string
	APIKey   string
	BaseURL  string

	DefaultModel       string
	DefaultMaxTokens   int
	DefaultTemperature float64

	Logger *zap.Logger
}

// NewClient creates a new collaborator based on provider
func NewClient(cfg *Config) (ports.Collaborator, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropic.NewClient(anthropic.Options{
			APIKey:             cfg.APIKey,
			BaseURL:            cfg.BaseURL,
			DefaultModel:       cfg.DefaultModel,
			DefaultMaxTokens:   cfg.DefaultMaxTokens,
			DefaultTemperature: cfg.DefaultTemperature,
		}, cfg.Logger)
	case "echo":
		return echo.NewClient(cfg.Logger), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}
