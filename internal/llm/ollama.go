package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"

	"github.com/scrypster/mnemos/pkg/types"
)

// OllamaClient handles communication with the Ollama API for local
// classification and embeddings. It carries no breaker of its own; the
// Router guards every call through the health tracker.
type OllamaClient struct {
	baseURL    string
	client     *http.Client
	model      string
	embedModel string
	timeout    time.Duration
}

// OllamaConfig holds Ollama client configuration.
type OllamaConfig struct {
	// BaseURL is the base URL for the Ollama API (default: http://localhost:11434)
	BaseURL string

	// Model is the completion model used for classification (default: phi3:mini)
	Model string

	// EmbedModel is the embedding model (default: nomic-embed-text)
	EmbedModel string

	// Timeout is the request timeout duration (default: 5s)
	Timeout time.Duration
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// embedResponse is the /api/embed reply. Embeddings holds one vector per
// input; a single input is always sent.
type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaClient creates a new Ollama client, applying defaults for unset
// configuration values.
func NewOllamaClient(config OllamaConfig) *OllamaClient {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Model == "" {
		config.Model = "phi3:mini"
	}
	if config.EmbedModel == "" {
		config.EmbedModel = "nomic-embed-text"
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}

	return &OllamaClient{
		baseURL:    config.BaseURL,
		client:     &http.Client{Timeout: config.Timeout},
		model:      config.Model,
		embedModel: config.EmbedModel,
		timeout:    config.Timeout,
	}
}

// Name implements Classifier and Embedder.
func (c *OllamaClient) Name() string { return ProviderOllama }

// Classify asks the completion model for sector scores.
func (c *OllamaClient) Classify(ctx context.Context, content string) (types.SectorScores, error) {
	text, err := c.Complete(ctx, classificationPrompt(content))
	if err != nil {
		return nil, err
	}
	return ParseSectorScores(text)
}

// Complete sends a non-streaming completion request and returns the
// response text.
func (c *OllamaClient) Complete(ctx context.Context, prompt string) (string, error) {
	var out generateResponse
	err := c.post(ctx, "/api/generate", generateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: false,
		Format: "json",
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Response, nil
}

// Embed generates an embedding for content with the embedding model. The
// sector hint is not used by Ollama models.
func (c *OllamaClient) Embed(ctx context.Context, content string, _ types.Sector) ([]float32, error) {
	var out embedResponse
	if err := c.post(ctx, "/api/embed", embedRequest{Model: c.embedModel, Input: content}, &out); err != nil {
		return nil, err
	}
	if len(out.Embeddings) == 0 || len(out.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("ollama: empty embedding returned")
	}
	return out.Embeddings[0], nil
}

// HealthCheck verifies the Ollama server is reachable.
func (c *OllamaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/version", nil)
	if err != nil {
		return fmt.Errorf("ollama: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama: unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama: health check returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *OllamaClient) post(ctx context.Context, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := sonic.Marshal(body)
	if err != nil {
		return fmt.Errorf("ollama: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama: send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ollama: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama: %s returned status %d: %s", path, resp.StatusCode, truncate(string(data), 200))
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("ollama: decode response: %w", err)
	}
	return nil
}
