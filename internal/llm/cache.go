package llm

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/scrypster/mnemos/pkg/types"
)

// CachedEmbedder memoizes embeddings of another Embedder. Repeated search
// queries and re-embedded content skip the provider call.
type CachedEmbedder struct {
	next  Embedder
	cache *ristretto.Cache
}

// NewCachedEmbedder wraps next with a cache holding roughly maxEntries
// vectors.
func NewCachedEmbedder(next Embedder, maxEntries int64) (*CachedEmbedder, error) {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: create embedding cache: %w", err)
	}
	return &CachedEmbedder{next: next, cache: cache}, nil
}

// Name returns the wrapped embedder's name.
func (c *CachedEmbedder) Name() string { return c.next.Name() }

// Embed implements Embedder. Cached vectors are copied before being
// returned.
func (c *CachedEmbedder) Embed(ctx context.Context, content string, sector types.Sector) ([]float32, error) {
	key := string(sector) + "\x00" + content
	if v, ok := c.cache.Get(key); ok {
		return append([]float32(nil), v.([]float32)...), nil
	}

	vec, err := c.next.Embed(ctx, content, sector)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, append([]float32(nil), vec...), 1)
	return vec, nil
}

// Wait blocks until pending cache writes are applied.
func (c *CachedEmbedder) Wait() { c.cache.Wait() }

// Close releases the cache.
func (c *CachedEmbedder) Close() { c.cache.Close() }
