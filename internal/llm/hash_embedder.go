package llm

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"github.com/scrypster/mnemos/pkg/types"
)

// HashEmbedder produces deterministic bag-of-words vectors by hashing each
// token into a fixed number of buckets. Texts sharing words get a positive
// cosine similarity, which is enough for offline use and tests.
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder creates a hash embedder with the given dimensions
// (default 256).
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = 256
	}
	return &HashEmbedder{dimensions: dimensions}
}

// Name implements Embedder.
func (e *HashEmbedder) Name() string { return ProviderHash }

// Embed implements Embedder. The returned vector is L2-normalized; content
// without tokens yields a unit vector on the first axis.
func (e *HashEmbedder) Embed(ctx context.Context, content string, _ types.Sector) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, e.dimensions)
	for _, tok := range strings.Fields(strings.ToLower(content)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]{}")
		if tok == "" {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(tok))
		sum := h.Sum32()
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[int(sum>>1)%e.dimensions] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}
