// Package llm provides the classification and embedding collaborators of
// the memory layer, and a Router that sends each call to the healthiest
// configured provider through the dependency health tracker.
package llm

import (
	"context"

	"github.com/scrypster/mnemos/pkg/types"
)

// Classifier scores content against the five memory sectors.
type Classifier interface {
	Classify(ctx context.Context, content string) (types.SectorScores, error)

	// Name is the dependency name the provider is tracked under.
	Name() string
}

// Embedder turns content into a vector.
//
// sector is the primary sector of the memory being embedded, or empty when
// embedding a search query. Providers may use it as a task hint.
type Embedder interface {
	Embed(ctx context.Context, content string, sector types.Sector) ([]float32, error)
	Name() string
}

// Provider names used as health tracker dependency names.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderHeuristic = "heuristic"
	ProviderHash      = "hash"
)
