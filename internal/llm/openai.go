package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/scrypster/mnemos/pkg/types"
)

// OpenAIConfig configures the OpenAI embedder.
type OpenAIConfig struct {
	APIKey string

	// BaseURL overrides the API endpoint, for compatible gateways.
	BaseURL string

	// Model defaults to text-embedding-3-small.
	Model string

	// Dimensions truncates the returned vector when non-zero.
	Dimensions int
}

// OpenAIEmbedder produces embeddings with the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
}

// NewOpenAIEmbedder creates an embedder. Retries are left to the health
// tracker, so the SDK's own retry loop is disabled.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm: openai API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	return &OpenAIEmbedder{client: &client, model: cfg.Model, dimensions: cfg.Dimensions}, nil
}

// Name implements Embedder.
func (e *OpenAIEmbedder) Name() string { return ProviderOpenAI }

// Embed implements Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, content string, _ types.Sector) ([]float32, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(content)},
		Model: openai.EmbeddingModel(e.model),
	}
	if e.dimensions > 0 {
		params.Dimensions = openai.Int(int64(e.dimensions))
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: embed: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.New("openai: empty embedding returned")
	}

	src := resp.Data[0].Embedding
	vec := make([]float32, len(src))
	for i, v := range src {
		vec[i] = float32(v)
	}
	return vec, nil
}
