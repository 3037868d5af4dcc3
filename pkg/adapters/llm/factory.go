package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// CompletionRequest is one single-turn completion
type CompletionRequest struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int
}

// CompletionResponse is the text answer and its usage
type CompletionResponse struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	StopReason   string `json:"stop_reason,omitempty"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// Client completes prompts
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Config holds LLM client configuration
type Config struct {
	Provider         string
	APIKey           string
	BaseURL          string
	DefaultModel     string
	DefaultMaxTokens int
	RequestTimeout   time.Duration
	Logger           *zap.Logger
}

// NewClient creates a new LLM client based on provider
func NewClient(cfg *Config) (Client, error) {
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}
