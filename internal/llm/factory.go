package llm

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/scrypster/mnemos/internal/config"
	"github.com/scrypster/mnemos/internal/health"
)

// Providers holds the classification and embedding collaborators built from
// configuration.
type Providers struct {
	Router *Router

	// cache is nil when the embedding cache is disabled.
	cache *CachedEmbedder
}

// Close releases the embedding cache.
func (p *Providers) Close() {
	if p.cache != nil {
		p.cache.Close()
	}
}

// NewProviders builds the configured classifiers and embedder behind a
// Router guarded by tracker. The heuristic classifier is always installed
// as the last resort.
func NewProviders(cfg config.LLMConfig, tracker *health.Tracker, logger zerolog.Logger) (*Providers, error) {
	var ollama *OllamaClient
	ollamaClient := func() *OllamaClient {
		if ollama == nil {
			ollama = NewOllamaClient(OllamaConfig{
				BaseURL:    cfg.OllamaURL,
				Model:      cfg.OllamaModel,
				EmbedModel: cfg.OllamaEmbeddingModel,
				Timeout:    cfg.Timeout,
			})
		}
		return ollama
	}

	var classifiers []Classifier
	for _, name := range cfg.Classifiers {
		switch name {
		case ProviderOllama:
			classifiers = append(classifiers, ollamaClient())
		case ProviderAnthropic:
			c, err := NewAnthropicClassifier(AnthropicConfig{
				APIKey: cfg.AnthropicAPIKey,
				Model:  cfg.AnthropicModel,
			})
			if err != nil {
				return nil, err
			}
			classifiers = append(classifiers, c)
		default:
			return nil, fmt.Errorf("llm: unknown classifier %q", name)
		}
	}

	var embedder Embedder
	switch cfg.Embedder {
	case "", ProviderHash:
		embedder = NewHashEmbedder(cfg.EmbeddingDimensions)
	case ProviderOllama:
		embedder = ollamaClient()
	case ProviderOpenAI:
		e, err := NewOpenAIEmbedder(OpenAIConfig{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Model:      cfg.OpenAIEmbeddingModel,
			Dimensions: cfg.EmbeddingDimensions,
		})
		if err != nil {
			return nil, err
		}
		embedder = e
	default:
		return nil, fmt.Errorf("llm: unknown embedder %q", cfg.Embedder)
	}

	p := &Providers{}
	if cfg.EmbeddingCacheSize > 0 {
		cached, err := NewCachedEmbedder(embedder, cfg.EmbeddingCacheSize)
		if err != nil {
			return nil, err
		}
		p.cache = cached
		embedder = cached
	}

	router, err := NewRouter(tracker, classifiers, embedder,
		WithFallbackClassifier(NewHeuristicClassifier()),
		WithRouterLogger(logger.With().Str("component", "llm").Logger()),
	)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.Router = router

	logger.Info().
		Strs("classifiers", cfg.Classifiers).
		Str("embedder", embedder.Name()).
		Msg("llm providers configured")
	return p, nil
}
