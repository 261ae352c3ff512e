package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/mnemos/internal/config"
	"github.com/scrypster/mnemos/internal/engine"
	"github.com/scrypster/mnemos/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "nested", "mnemos.db")
	cfg.LLM.EmbeddingDimensions = 64
	return cfg
}

func TestBuild_DefaultStack(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	stack, err := Build(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer func() { assert.NoError(t, stack.Close()) }()

	assert.Nil(t, stack.DeadLetter)

	res, err := stack.Service.AddMemory(ctx, "u1", "I always take the train to work", engine.AddOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.ResidencyPrimary, res.Residency)

	floor := 0.0
	results, err := stack.Service.SearchMemories(ctx, "u1", "train to work", engine.SearchOptions{Threshold: &floor})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, res.Memory.ID, results[0].Memory.ID)
}

func TestBuild_WithDeadLetter(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.DeadLetter.RedisURL = "redis://" + mr.Addr()

	stack, err := Build(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer stack.Close()

	require.NotNil(t, stack.DeadLetter)

	result := stack.Service.AddMemoriesBatch(context.Background(), "u1",
		[]engine.BatchItem{{Content: "kept"}, {Content: ""}}, engine.BatchOptions{})
	assert.Equal(t, 1, result.Failed)

	n, err := stack.DeadLetter.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBuild_UnreachableDeadLetterFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.DeadLetter.RedisURL = "redis://127.0.0.1:1"

	_, err := Build(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestBuild_UnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.VectorStore.Backend = "qdrant"

	_, err := Build(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestEngineConfig(t *testing.T) {
	cfg := config.Default()
	cfg.VectorStore.Collection = "alt"
	cfg.Memory.BatchSize = 7
	cfg.Memory.DecayInterval = time.Hour
	cfg.Worker.ReconcileBatchSize = 3

	ec := EngineConfig(cfg)
	assert.Equal(t, "alt", ec.Collection)
	assert.Equal(t, 7, ec.BatchSize)
	assert.Equal(t, time.Hour, ec.DecayInterval)
	assert.Equal(t, 3, ec.ReconcileBatchSize)
	assert.NoError(t, ec.Validate())
}

func TestHealthConfig(t *testing.T) {
	hc := HealthConfig(config.HealthConfig{FailureThreshold: 3, Cooldown: time.Second})
	assert.Equal(t, uint32(3), hc.FailureThreshold)
	assert.Equal(t, time.Second, hc.Cooldown)
	assert.Equal(t, 5*time.Minute, hc.Window)
	assert.Equal(t, 0.5, hc.MaxErrorRate)
}
