package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/mnemos/internal/health"
	"github.com/scrypster/mnemos/internal/storage"
	"github.com/scrypster/mnemos/pkg/types"
)

func TestAddMemory_StoresInPrimaryAndSchedulesDecay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.add(t, "u1", "  I feel really happy about the new job  ", types.ResidencyPrimary)

	assert.Equal(t, "I feel really happy about the new job", res.Memory.Content)
	assert.Equal(t, types.SectorEmotional, res.Memory.Sector)
	assert.Equal(t, 1.0, res.Memory.Salience)
	assert.Equal(t, types.SourceConversation, res.Memory.Source)
	assert.NotEmpty(t, res.Memory.ID)

	due, err := env.fallback.Due(ctx, env.clock.Now().Add(23*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "decay is due one day after creation")

	due, err = env.fallback.Due(ctx, env.clock.Now().Add(24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, res.Memory.ID, due[0].MemoryID)

	_, err = env.fallback.Get(ctx, res.Memory.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "a primary memory is not also a fallback record")
}

func TestAddMemory_FallsBackWhenPrimaryFails(t *testing.T) {
	env := newTestEnv(t)
	env.vectors.down.Store(true)

	res := env.add(t, "u1", "remember to water the plants", types.ResidencyFallback)
	assert.Equal(t, 0.0, res.Memory.Salience)
	assert.Equal(t, types.SourceVectorFallback, res.Memory.Source)

	stored, err := env.fallback.Get(context.Background(), res.Memory.ID)
	require.NoError(t, err)
	assert.Equal(t, "remember to water the plants", stored.Content)
	assert.True(t, stored.IsPending())

	rec := env.tracker.Health(VectorStoreDependency)
	assert.Equal(t, 1, rec.FailedRequests)
}

func TestAddMemory_FallsBackWhenCircuitOpen(t *testing.T) {
	env := newTestEnv(t)
	env.vectors.down.Store(true)
	for i := 0; i < 5; i++ {
		env.add(t, "u1", "note number "+strings.Repeat("x", i+1), types.ResidencyFallback)
	}
	require.Equal(t, health.StateOpen, env.tracker.State(VectorStoreDependency))

	env.vectors.down.Store(false)
	calls := env.vectors.calls.Load()
	env.add(t, "u1", "written while open", types.ResidencyFallback)
	assert.Equal(t, calls, env.vectors.calls.Load(), "an open circuit does not reach the store")
}

func TestAddMemory_FailsWhenBothStoresFail(t *testing.T) {
	env := newTestEnv(t)
	env.vectors.down.Store(true)
	require.NoError(t, env.fallback.Close())

	_, err := env.svc.AddMemory(context.Background(), "u1", "lost", AddOptions{})
	assert.Error(t, err)
}

func TestAddMemory_ClassificationFailureAppliesDefault(t *testing.T) {
	env := newTestEnv(t, withClassifier(stubClassifier{err: errors.New("provider down")}))

	res := env.add(t, "u1", "I went to Lisbon last spring", types.ResidencyPrimary)
	assert.Equal(t, types.DefaultSector, res.Memory.Sector)
	assert.Equal(t, 0.5, res.Memory.Confidence)
}

func TestAddMemory_UsesClassifierScores(t *testing.T) {
	env := newTestEnv(t, withClassifier(stubClassifier{scores: types.SectorScores{
		types.SectorProcedural: 0.7,
		types.SectorSemantic:   0.4,
		types.SectorEpisodic:   0.1,
	}}))

	res := env.add(t, "u1", "to reset the router hold the button", types.ResidencyPrimary)
	assert.Equal(t, types.SectorProcedural, res.Memory.Sector)
	assert.Equal(t, 0.7, res.Memory.Confidence)
	assert.Equal(t, []types.Sector{types.SectorSemantic}, res.Memory.SecondarySectors)
}

func TestAddMemory_ExplicitSectorSkipsClassification(t *testing.T) {
	env := newTestEnv(t, withClassifier(stubClassifier{err: errors.New("must not be called")}))

	res, err := env.svc.AddMemory(context.Background(), "u1", "anything", AddOptions{Sector: types.SectorReflective})
	require.NoError(t, err)
	assert.Equal(t, types.SectorReflective, res.Memory.Sector)
	assert.Equal(t, 1.0, res.Memory.Confidence)
}

func TestAddMemory_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.AddMemory(ctx, "", "content", AddOptions{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.svc.AddMemory(ctx, "u1", "   ", AddOptions{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.svc.AddMemory(ctx, "u1", strings.Repeat("a", 8001), AddOptions{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.svc.AddMemory(ctx, "u1", "ok", AddOptions{Sector: "musical"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSearchMemories_MergesBothStores(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	primary := env.add(t, "u1", "hiking in the mountains every summer", types.ResidencyPrimary)
	env.vectors.down.Store(true)
	fallback := env.add(t, "u1", "need new hiking boots", types.ResidencyFallback)
	env.vectors.down.Store(false)
	env.add(t, "u2", "hiking with other people", types.ResidencyPrimary)

	results, err := env.svc.SearchMemories(ctx, "u1", "hiking", SearchOptions{Threshold: threshold(-1)})
	require.NoError(t, err)
	require.Len(t, results, 2)

	byID := map[string]types.MemoryResult{}
	for _, r := range results {
		byID[r.Memory.ID] = r
	}
	assert.Equal(t, types.ResidencyPrimary, byID[primary.Memory.ID].Residency)
	assert.Equal(t, types.ResidencyFallback, byID[fallback.Memory.ID].Residency)
	assert.InDelta(t, 0.5+0.1, byID[fallback.Memory.ID].Score, 1e-9, "full keyword match plus full recency boost")
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
}

func TestSearchMemories_PrimaryWinsDuplicates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	primary := env.add(t, "u1", "my sister's birthday is in June", types.ResidencyPrimary)
	require.NoError(t, env.fallback.Write(ctx, &types.Memory{
		ID:      "dup",
		UserID:  "u1",
		Content: "my sister's birthday is in June",
	}))

	results, err := env.svc.SearchMemories(ctx, "u1", "birthday", SearchOptions{Threshold: threshold(-1)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, primary.Memory.ID, results[0].Memory.ID)
	assert.Equal(t, types.ResidencyPrimary, results[0].Residency)
}

func TestSearchMemories_PrimaryDownReturnsFallbackMatches(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.vectors.down.Store(true)
	env.add(t, "u1", "coffee with oat milk", types.ResidencyFallback)
	env.add(t, "u1", "tea in the afternoon", types.ResidencyFallback)

	results, err := env.svc.SearchMemories(ctx, "u1", "Coffee please", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "coffee with oat milk", results[0].Memory.Content)
	assert.InDelta(t, 0.5*0.5+0.1, results[0].Score, 1e-9, "one of two terms matched")
}

func TestSearchMemories_BothStoresDownReturnsEmpty(t *testing.T) {
	env := newTestEnv(t)
	env.vectors.down.Store(true)
	require.NoError(t, env.fallback.Close())

	results, err := env.svc.SearchMemories(context.Background(), "u1", "anything at all", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchMemories_OpenCircuitSkipsPrimary(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 5; i++ {
		env.tracker.RecordFailure(VectorStoreDependency, errVectorDown)
	}
	calls := env.vectors.calls.Load()

	_, err := env.svc.SearchMemories(context.Background(), "u1", "anything", SearchOptions{})
	require.NoError(t, err)
	assert.Equal(t, calls, env.vectors.calls.Load())
}

func TestSearchMemories_LimitAndRecency(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.vectors.down.Store(true)
	old := env.add(t, "u1", "garden tomatoes planted", types.ResidencyFallback)
	env.clock.Advance(10 * 24 * time.Hour)
	env.add(t, "u1", "garden fence repaired", types.ResidencyFallback)
	env.add(t, "u1", "garden gnome bought", types.ResidencyFallback)

	results, err := env.svc.SearchMemories(ctx, "u1", "garden", SearchOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NotEqual(t, old.Memory.ID, r.Memory.ID, "the oldest match has the smallest boost")
	}
	assert.InDelta(t, 0.6, results[0].Score, 1e-9)
}

func TestSearchMemories_RecordsAccessInBackground(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := env.add(t, "u1", "the wifi password is on the fridge", types.ResidencyPrimary)

	_, err := env.svc.SearchMemories(ctx, "u1", "wifi password", SearchOptions{Threshold: threshold(-1)})
	require.NoError(t, err)
	env.svc.Close()

	got, err := env.svc.GetMemory(ctx, "u1", res.Memory.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Memory.AccessCount)
	require.NotNil(t, got.Memory.LastAccessedAt)
}

func TestSearchMemories_AccessUpdateKeepsConcurrentEdit(t *testing.T) {
	pausing := newPausingVectors()
	env := newTestEnv(t, withVectors(func(v storage.VectorStore) storage.VectorStore {
		pausing.VectorStore = v
		return pausing
	}))
	ctx := context.Background()
	res := env.add(t, "u1", "the espresso machine needs descaling", types.ResidencyPrimary)

	pausing.armed.Store(true)
	results, err := env.svc.SearchMemories(ctx, "u1", "espresso machine descaling", SearchOptions{Threshold: threshold(-1)})
	require.NoError(t, err)
	require.Len(t, results, 1)
	<-pausing.entered

	edited := "the espresso machine was descaled on Sunday"
	updated := make(chan error, 1)
	go func() {
		updated <- env.svc.UpdateMemory(ctx, "u1", res.Memory.ID, UpdateOptions{Content: &edited})
	}()
	select {
	case err := <-updated:
		t.Fatalf("update finished while the access update held the memory: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(pausing.release)
	require.NoError(t, <-updated)
	env.svc.Close()

	got, err := env.svc.GetMemory(ctx, "u1", res.Memory.ID)
	require.NoError(t, err)
	assert.Equal(t, edited, got.Memory.Content)
	assert.Equal(t, 1, got.Memory.AccessCount)
	require.NotNil(t, got.Memory.LastAccessedAt)
}

func TestSearchMemories_SectorFilterAppliesBeforeFallbackLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	base := env.clock.Now().Add(-time.Hour)

	require.NoError(t, env.fallback.Write(ctx, &types.Memory{
		ID: "proc", UserID: "u1", Content: "deploy checklist for Fridays",
		Sector: types.SectorProcedural, CreatedAt: base,
	}))
	for i := 0; i < 3; i++ {
		require.NoError(t, env.fallback.Write(ctx, &types.Memory{
			ID:        fmt.Sprintf("ep%d", i),
			UserID:    "u1",
			Content:   "the deploy went badly",
			Sector:    types.SectorEpisodic,
			CreatedAt: base.Add(time.Duration(i+1) * time.Minute),
		}))
	}

	results, err := env.svc.SearchMemories(ctx, "u1", "deploy", SearchOptions{Limit: 1, Sector: types.SectorProcedural})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "proc", results[0].Memory.ID)
	assert.Equal(t, types.ResidencyFallback, results[0].Residency)
}

func TestListMemories_PagesBeyondStorePageSize(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	points := make([]storage.Point, 1100)
	for i := range points {
		id := fmt.Sprintf("m%04d", i)
		points[i] = storage.Point{
			ID:     id,
			Vector: []float32{1, 0, 0},
			Memory: types.Memory{
				ID:        id,
				UserID:    "u1",
				Content:   "memory " + id,
				Sector:    types.SectorSemantic,
				Salience:  1,
				CreatedAt: base.Add(time.Duration(i) * time.Second),
			},
		}
	}
	require.NoError(t, env.vectors.VectorStore.Upsert(ctx, "memories", points...))

	page, err := env.svc.ListMemories(ctx, "u1", storage.ListOptions{Page: 1, Limit: 1000})
	require.NoError(t, err)
	require.Len(t, page, 1000)
	assert.Equal(t, "m1099", page[0].Memory.ID)

	page, err = env.svc.ListMemories(ctx, "u1", storage.ListOptions{Page: 2, Limit: 1000})
	require.NoError(t, err)
	require.Len(t, page, 100)
	assert.Equal(t, "m0099", page[0].Memory.ID)
	assert.Equal(t, "m0000", page[99].Memory.ID)

	page, err = env.svc.ListMemories(ctx, "u1", storage.ListOptions{Page: 3, Limit: 1000})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestListMemories_MergesNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a := env.add(t, "u1", "first", types.ResidencyPrimary)
	env.clock.Advance(time.Minute)
	env.vectors.down.Store(true)
	b := env.add(t, "u1", "second", types.ResidencyFallback)
	env.vectors.down.Store(false)
	env.clock.Advance(time.Minute)
	c := env.add(t, "u1", "third", types.ResidencyPrimary)

	page, err := env.svc.ListMemories(ctx, "u1", storage.ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, c.Memory.ID, page[0].Memory.ID)
	assert.Equal(t, b.Memory.ID, page[1].Memory.ID)

	page, err = env.svc.ListMemories(ctx, "u1", storage.ListOptions{Page: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, a.Memory.ID, page[0].Memory.ID)

	env.vectors.down.Store(true)
	page, err = env.svc.ListMemories(ctx, "u1", storage.ListOptions{})
	require.NoError(t, err)
	require.Len(t, page, 1, "fallback only while the primary is down")
}

func TestGetMemory_OwnershipAndMissing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := env.add(t, "u1", "private note", types.ResidencyPrimary)

	_, err := env.svc.GetMemory(ctx, "u2", res.Memory.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = env.svc.GetMemory(ctx, "u1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	env.vectors.down.Store(true)
	_, err = env.svc.GetMemory(ctx, "u1", res.Memory.ID)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestUpdateMemory_PrimaryReembeds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := env.add(t, "u1", "favorite color is blue", types.ResidencyPrimary)

	content := "favorite color is green"
	pinned := true
	require.NoError(t, env.svc.UpdateMemory(ctx, "u1", res.Memory.ID, UpdateOptions{
		Content:  &content,
		Pinned:   &pinned,
		Metadata: map[string]interface{}{"tag": "color"},
	}))

	got, err := env.svc.GetMemory(ctx, "u1", res.Memory.ID)
	require.NoError(t, err)
	assert.Equal(t, content, got.Memory.Content)
	assert.True(t, got.Memory.Pinned())
	assert.Equal(t, "color", got.Memory.Metadata["tag"])

	results, err := env.svc.SearchMemories(ctx, "u1", "green", SearchOptions{Threshold: threshold(-1)})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, res.Memory.ID, results[0].Memory.ID)
}

func TestUpdateMemory_FallbackInPlace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.vectors.down.Store(true)
	res := env.add(t, "u1", "draft", types.ResidencyFallback)

	content := "final version"
	require.NoError(t, env.svc.UpdateMemory(ctx, "u1", res.Memory.ID, UpdateOptions{Content: &content}))

	stored, err := env.fallback.Get(ctx, res.Memory.ID)
	require.NoError(t, err)
	assert.Equal(t, content, stored.Content)
	assert.Equal(t, 0.0, stored.Salience)
	assert.True(t, stored.IsPending())
}

func TestUpdateMemory_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := env.add(t, "u1", "mine", types.ResidencyPrimary)
	content := "changed"

	assert.ErrorIs(t, env.svc.UpdateMemory(ctx, "u2", res.Memory.ID, UpdateOptions{Content: &content}), ErrForbidden)
	assert.ErrorIs(t, env.svc.UpdateMemory(ctx, "u1", "missing", UpdateOptions{Content: &content}), ErrNotFound)

	bad := types.Sector("musical")
	assert.ErrorIs(t, env.svc.UpdateMemory(ctx, "u1", res.Memory.ID, UpdateOptions{Sector: &bad}), ErrInvalidInput)

	env.vectors.down.Store(true)
	assert.ErrorIs(t, env.svc.UpdateMemory(ctx, "u1", res.Memory.ID, UpdateOptions{Content: &content}), ErrUnavailable)
}

func TestDeleteMemory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	primary := env.add(t, "u1", "delete me", types.ResidencyPrimary)
	env.vectors.down.Store(true)
	fallback := env.add(t, "u1", "delete me too", types.ResidencyFallback)
	env.vectors.down.Store(false)

	assert.ErrorIs(t, env.svc.DeleteMemory(ctx, "u2", primary.Memory.ID), ErrForbidden)

	require.NoError(t, env.svc.DeleteMemory(ctx, "u1", primary.Memory.ID))
	require.NoError(t, env.svc.DeleteMemory(ctx, "u1", fallback.Memory.ID))

	_, err := env.svc.GetMemory(ctx, "u1", primary.Memory.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.svc.GetMemory(ctx, "u1", fallback.Memory.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	due, err := env.fallback.Due(ctx, env.clock.Now().Add(48*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "the decay schedule row is removed")

	assert.ErrorIs(t, env.svc.DeleteMemory(ctx, "u1", primary.Memory.ID), ErrNotFound)
}

func TestReinforceMemory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := env.add(t, "u1", "practice guitar daily", types.ResidencyPrimary)

	env.clock.Advance(25 * time.Hour)
	report, err := NewDecayWorker(env.svc).RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Decayed)

	got, err := env.svc.GetMemory(ctx, "u1", res.Memory.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.95, got.Memory.Salience, 1e-9)

	reinforced, err := env.svc.ReinforceMemory(ctx, "u1", res.Memory.ID)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, reinforced.Memory.Salience, 1e-9, "capped at 1.0")
	assert.Equal(t, 1, reinforced.Memory.AccessCount)

	due, err := env.fallback.Due(ctx, env.clock.Now().Add(23*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "reinforcement restarts the decay clock")
}

func TestReinforceMemory_FallbackKeepsZeroSalience(t *testing.T) {
	env := newTestEnv(t)
	env.vectors.down.Store(true)
	res := env.add(t, "u1", "pending note", types.ResidencyFallback)

	got, err := env.svc.ReinforceMemory(context.Background(), "u1", res.Memory.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.Memory.Salience)
	assert.Equal(t, 1, got.Memory.AccessCount)
}

func TestGetMemoryStats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.AddMemory(ctx, "u1", "one", AddOptions{Sector: types.SectorEpisodic})
	require.NoError(t, err)
	_, err = env.svc.AddMemory(ctx, "u1", "two", AddOptions{Sector: types.SectorSemantic})
	require.NoError(t, err)
	env.vectors.down.Store(true)
	_, err = env.svc.AddMemory(ctx, "u1", "three", AddOptions{Sector: types.SectorSemantic})
	require.NoError(t, err)

	stats, err := env.svc.GetMemoryStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total, "primary figures are missing while it is down")

	env.vectors.down.Store(false)
	stats, err = env.svc.GetMemoryStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.BySector[types.SectorEpisodic])
	assert.Equal(t, 2, stats.BySector[types.SectorSemantic])
	assert.InDelta(t, 2.0/3.0, stats.AvgSalience, 1e-9)

	stats, err = env.svc.GetMemoryStats(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
	assert.Equal(t, 0.0, stats.AvgSalience)
}

func TestGetHealthStatus(t *testing.T) {
	env := newTestEnv(t)
	env.add(t, "u1", "hello", types.ResidencyPrimary)

	records := env.svc.GetHealthStatus()
	require.NotEmpty(t, records)
	var found bool
	for _, r := range records {
		if r.Name == VectorStoreDependency {
			found = true
			assert.Equal(t, health.StateClosed, r.State)
			assert.True(t, r.Healthy)
		}
	}
	assert.True(t, found)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.BatchSize = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.MaxSearchLimit = 5
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.DecayAmount = 2
	assert.Error(t, bad.Validate())

	_, err := NewService(cfg, Deps{})
	assert.Error(t, err)
}
