package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/scrypster/mnemos/pkg/types"
)

func TestRecencyBoost(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	assert.InDelta(t, 0.1, RecencyBoost(now, now, 0.1), 1e-12, "brand new gets the full factor")
	assert.InDelta(t, 0.05, RecencyBoost(now.Add(-15*day), now, 0.1), 1e-12)
	assert.InDelta(t, 0.0, RecencyBoost(now.Add(-30*day), now, 0.1), 1e-12)
	assert.Equal(t, 0.0, RecencyBoost(now.Add(-90*day), now, 0.1), "never negative")
	assert.Equal(t, 0.0, RecencyBoost(time.Time{}, now, 0.1), "no timestamp, no boost")
	assert.InDelta(t, 0.1, RecencyBoost(now.Add(time.Hour), now, 0.1), 1e-12, "future timestamps count as new")

	prev := RecencyBoost(now, now, 0.1)
	for age := time.Hour; age <= 40*day; age += 7 * time.Hour {
		b := RecencyBoost(now.Add(-age), now, 0.1)
		assert.LessOrEqual(t, b, prev, "monotonically non-increasing at age %v", age)
		assert.GreaterOrEqual(t, b, 0.0)
		prev = b
	}
}

func TestApplyRecencyBoost(t *testing.T) {
	now := time.Now()
	results := []types.MemoryResult{
		{Memory: types.Memory{CreatedAt: now}, Score: 0.5},
		{Memory: types.Memory{}, Score: 0.4},
	}
	ApplyRecencyBoost(results, now, 0.1)
	assert.InDelta(t, 0.6, results[0].Score, 1e-9)
	assert.Equal(t, 0.4, results[1].Score)
}

func TestSalienceBounds(t *testing.T) {
	assert.InDelta(t, 0.45, DecaySalience(0.5, 0.05), 1e-12)
	assert.Equal(t, 0.0, DecaySalience(0.02, 0.05))
	assert.InDelta(t, 0.6, ReinforceSalience(0.5, 0.1), 1e-12)
	assert.Equal(t, 1.0, ReinforceSalience(0.95, 0.1))

	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, created.Add(24*time.Hour), NextDecayAt(created, 24*time.Hour))
}

func TestContentPrefix(t *testing.T) {
	short := "short content"
	assert.Equal(t, short, contentPrefix(short))

	long := strings.Repeat("é", 150)
	assert.Equal(t, strings.Repeat("é", 100), contentPrefix(long))

	exact := strings.Repeat("a", 100)
	assert.Equal(t, exact, contentPrefix(exact))
}

func TestKeywordScore(t *testing.T) {
	assert.Equal(t, 1.0, keywordScore("Hiking boots", []string{"hiking"}))
	assert.Equal(t, 0.5, keywordScore("Hiking boots", []string{"hiking", "tent"}))
	assert.Equal(t, 0.0, keywordScore("Hiking boots", nil))
}
