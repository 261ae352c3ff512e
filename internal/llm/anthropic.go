package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/scrypster/mnemos/pkg/types"
)

// AnthropicConfig configures the Anthropic classifier.
type AnthropicConfig struct {
	APIKey string
	Model  string

	// MaxTokens bounds the reply (default: 256).
	MaxTokens int64
}

// AnthropicClassifier classifies memories with the Anthropic Messages API.
type AnthropicClassifier struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicClassifier creates a classifier.
func NewAnthropicClassifier(cfg AnthropicConfig) (*AnthropicClassifier, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: anthropic API key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("llm: anthropic model is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 256
	}
	return &AnthropicClassifier{
		client:    anthropic.NewClient(option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}, nil
}

// Name implements Classifier.
func (c *AnthropicClassifier) Name() string { return ProviderAnthropic }

// Classify implements Classifier.
func (c *AnthropicClassifier) Classify(ctx context.Context, content string) (types.SectorScores, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: classificationSystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("Memory:\n" + content)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: classify: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return ParseSectorScores(text.String())
}
