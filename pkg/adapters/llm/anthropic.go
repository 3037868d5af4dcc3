package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"
)

// AnthropicClient implements Client on the Anthropic Messages API
type AnthropicClient struct {
	client           anthropic.Client
	defaultModel     string
	defaultMaxTokens int
	logger           *zap.Logger
}

// NewAnthropicClient creates an Anthropic client
func NewAnthropicClient(cfg *Config) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.RequestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.RequestTimeout))
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	maxTokens := cfg.DefaultMaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	return &AnthropicClient{
		client:           anthropic.NewClient(opts...),
		defaultModel:     cfg.DefaultModel,
		defaultMaxTokens: maxTokens,
		logger:           logger,
	}, nil
}

// Complete sends one user message and joins the text blocks of the answer
func (c *AnthropicClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		c.logger.Warn("anthropic request failed", zap.String("model", model), zap.Error(err))
		return nil, fmt.Errorf("anthropic completion failed: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	c.logger.Debug("anthropic completion",
		zap.String("model", string(msg.Model)),
		zap.Int64("input_tokens", msg.Usage.InputTokens),
		zap.Int64("output_tokens", msg.Usage.OutputTokens))

	return &CompletionResponse{
		Text:         text.String(),
		Model:        string(msg.Model),
		StopReason:   string(msg.StopReason),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}, nil
}
