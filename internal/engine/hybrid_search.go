package engine

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/scrypster/mnemos/internal/health"
	"github.com/scrypster/mnemos/internal/storage"
	"github.com/scrypster/mnemos/pkg/types"
)

// dedupPrefixLength is the number of leading characters two memories must
// share to be considered duplicates.
const dedupPrefixLength = 100

// HybridSearcher merges vector matches from the primary store with keyword
// matches of not-yet-embedded fallback records.
type HybridSearcher struct {
	primary  *PrimaryStore
	fallback storage.FallbackStore
	clock    health.Clock
	logger   zerolog.Logger

	boostFactor    float64
	fallbackWeight float64
}

// NewHybridSearcher creates a searcher.
func NewHybridSearcher(primary *PrimaryStore, fallback storage.FallbackStore, clock health.Clock, logger zerolog.Logger, boostFactor, fallbackWeight float64) *HybridSearcher {
	if clock == nil {
		clock = health.SystemClock()
	}
	return &HybridSearcher{
		primary:        primary,
		fallback:       fallback,
		clock:          clock,
		logger:         logger,
		boostFactor:    boostFactor,
		fallbackWeight: fallbackWeight,
	}
}

// Search runs the primary and fallback queries concurrently, drops fallback
// records that duplicate a primary hit, applies the recency boost and
// returns the best limit results. A failing store contributes no results;
// Search itself never fails.
func (h *HybridSearcher) Search(ctx context.Context, userID, query string, limit int, threshold float64, sector types.Sector) []types.MemoryResult {
	if limit <= 0 {
		return nil
	}

	var (
		wg          sync.WaitGroup
		primaryHits []storage.ScoredPoint
		fallbacks   []types.Memory
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		hits, err := h.primary.Search(ctx, userID, query, limit, threshold, sector)
		if err != nil {
			h.logger.Warn().Err(err).
				Str("dependency", VectorStoreDependency).
				Str("user_id", userID).
				Msg("primary search failed, using fallback results only")
			return
		}
		primaryHits = hits
	}()
	go func() {
		defer wg.Done()
		records, err := h.fallback.Search(ctx, userID, query, sector, limit)
		if err != nil {
			h.logger.Warn().Err(err).
				Str("user_id", userID).
				Msg("fallback search failed")
			return
		}
		fallbacks = records
	}()
	wg.Wait()

	results := make([]types.MemoryResult, 0, len(primaryHits)+len(fallbacks))
	seenPrefix := make(map[string]bool, len(primaryHits))
	seenID := make(map[string]bool, len(primaryHits))

	for _, hit := range primaryHits {
		m := hit.Memory
		m.ID = hit.ID
		seenPrefix[contentPrefix(m.Content)] = true
		seenID[m.ID] = true
		results = append(results, types.MemoryResult{
			Memory:    m,
			Score:     hit.Score,
			Residency: types.ResidencyPrimary,
		})
	}

	terms := storage.MatchTerms(query)
	for _, m := range fallbacks {
		prefix := contentPrefix(m.Content)
		if seenPrefix[prefix] || seenID[m.ID] {
			continue
		}
		seenPrefix[prefix] = true
		results = append(results, types.MemoryResult{
			Memory:    m,
			Score:     h.fallbackWeight * keywordScore(m.Content, terms),
			Residency: types.ResidencyFallback,
		})
	}

	ApplyRecencyBoost(results, h.clock.Now(), h.boostFactor)

	slices.SortStableFunc(results, func(a, b types.MemoryResult) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return b.Memory.CreatedAt.Compare(a.Memory.CreatedAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// contentPrefix returns the first dedupPrefixLength characters of content.
func contentPrefix(content string) string {
	n := 0
	for i := range content {
		if n == dedupPrefixLength {
			return content[:i]
		}
		n++
	}
	return content
}

// keywordScore is the fraction of terms found in content.
func keywordScore(content string, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	matched := 0
	for _, term := range terms {
		if strings.Contains(lower, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}
