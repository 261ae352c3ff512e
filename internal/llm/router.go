package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/scrypster/mnemos/internal/health"
	"github.com/scrypster/mnemos/pkg/types"
)

// Router implements Classifier and Embedder on top of the configured
// providers. Every provider call is guarded by the health tracker under the
// provider's name.
//
// Classification goes to the healthiest classifier, as chosen by
// Tracker.BestProvider; on failure the remaining healthy classifiers are
// tried, then the fallback classifier if one is set. Embedding always goes
// to the single embedder, since vectors from different models are not
// comparable.
type Router struct {
	tracker     *health.Tracker
	logger      zerolog.Logger
	classifiers []Classifier
	fallback    Classifier
	embedder    Embedder
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithFallbackClassifier sets the classifier used when no tracked
// classifier succeeds. It is called without the tracker.
func WithFallbackClassifier(c Classifier) RouterOption {
	return func(r *Router) { r.fallback = c }
}

// WithRouterLogger sets the logger.
func WithRouterLogger(logger zerolog.Logger) RouterOption {
	return func(r *Router) { r.logger = logger }
}

// NewRouter creates a router.
func NewRouter(tracker *health.Tracker, classifiers []Classifier, embedder Embedder, opts ...RouterOption) (*Router, error) {
	if tracker == nil {
		return nil, errors.New("llm: router requires a health tracker")
	}
	if embedder == nil {
		return nil, errors.New("llm: router requires an embedder")
	}
	r := &Router{
		tracker:     tracker,
		logger:      zerolog.Nop(),
		classifiers: classifiers,
		embedder:    embedder,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Name implements Classifier and Embedder.
func (r *Router) Name() string { return "router" }

// Classify implements Classifier.
func (r *Router) Classify(ctx context.Context, content string) (types.SectorScores, error) {
	remaining := make([]string, 0, len(r.classifiers))
	byName := make(map[string]Classifier, len(r.classifiers))
	for _, c := range r.classifiers {
		remaining = append(remaining, c.Name())
		byName[c.Name()] = c
	}

	lastErr := error(fmt.Errorf("%w: no classifier available", health.ErrCircuitOpen))
	for len(remaining) > 0 {
		name, ok := r.tracker.BestProvider(remaining)
		if !ok {
			break
		}
		c := byName[name]
		scores, err := health.Do(ctx, r.tracker, name, func(ctx context.Context) (types.SectorScores, error) {
			return c.Classify(ctx, content)
		})
		if err == nil {
			return scores, nil
		}
		r.logger.Warn().Err(err).Str("dependency", name).Msg("classification failed")
		lastErr = err
		remaining = without(remaining, name)
	}

	if r.fallback != nil {
		return r.fallback.Classify(ctx, content)
	}
	return nil, lastErr
}

// Embed implements Embedder.
func (r *Router) Embed(ctx context.Context, content string, sector types.Sector) ([]float32, error) {
	return health.Do(ctx, r.tracker, r.embedder.Name(), func(ctx context.Context) ([]float32, error) {
		return r.embedder.Embed(ctx, content, sector)
	})
}

func without(names []string, drop string) []string {
	out := names[:0]
	for _, n := range names {
		if n != drop {
			out = append(out, n)
		}
	}
	return out
}
