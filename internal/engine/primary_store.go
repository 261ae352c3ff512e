package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scrypster/mnemos/internal/health"
	"github.com/scrypster/mnemos/internal/llm"
	"github.com/scrypster/mnemos/internal/storage"
	"github.com/scrypster/mnemos/pkg/types"
)

// PrimaryStore adapts the vector store for the engine. Every call goes
// through the health tracker as VectorStoreDependency and carries its own
// timeout. A not-found answer is a healthy response and does not count as a
// failure.
type PrimaryStore struct {
	store      storage.VectorStore
	tracker    *health.Tracker
	embedder   llm.Embedder
	collection string
	timeout    time.Duration
}

// NewPrimaryStore creates the adapter.
func NewPrimaryStore(store storage.VectorStore, tracker *health.Tracker, embedder llm.Embedder, collection string, timeout time.Duration) *PrimaryStore {
	return &PrimaryStore{
		store:      store,
		tracker:    tracker,
		embedder:   embedder,
		collection: collection,
		timeout:    timeout,
	}
}

// Available reports whether calls are currently admitted. It is false only
// while the circuit is OPEN.
func (p *PrimaryStore) Available() bool {
	return p.tracker.State(VectorStoreDependency) != health.StateOpen
}

func (p *PrimaryStore) call(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.tracker.Execute(ctx, VectorStoreDependency, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		return fn(ctx)
	})
}

// Add embeds memory and upserts it. The embedding happens inside the
// guarded call, so an embedding failure counts against the primary store.
func (p *PrimaryStore) Add(ctx context.Context, memory *types.Memory) ([]float32, error) {
	var vector []float32
	err := p.call(ctx, func(ctx context.Context) error {
		vec, err := p.embedder.Embed(ctx, memory.Content, memory.PrimarySector())
		if err != nil {
			return fmt.Errorf("embed memory: %w", err)
		}
		if err := p.store.Upsert(ctx, p.collection, storage.Point{ID: memory.ID, Vector: vec, Memory: *memory}); err != nil {
			return err
		}
		vector = vec
		return nil
	})
	return vector, err
}

// Put upserts memory with an existing vector.
func (p *PrimaryStore) Put(ctx context.Context, memory *types.Memory, vector []float32) error {
	return p.call(ctx, func(ctx context.Context) error {
		return p.store.Upsert(ctx, p.collection, storage.Point{ID: memory.ID, Vector: vector, Memory: *memory})
	})
}

// Search embeds query and returns the user's nearest points.
func (p *PrimaryStore) Search(ctx context.Context, userID, query string, limit int, threshold float64, sector types.Sector) ([]storage.ScoredPoint, error) {
	var hits []storage.ScoredPoint
	err := p.call(ctx, func(ctx context.Context) error {
		vec, err := p.embedder.Embed(ctx, query, sector)
		if err != nil {
			return fmt.Errorf("embed query: %w", err)
		}
		hits, err = p.store.Search(ctx, p.collection, storage.VectorQuery{
			UserID:    userID,
			Vector:    vec,
			Limit:     limit,
			Threshold: threshold,
			Sector:    sector,
		})
		return err
	})
	return hits, err
}

// Get retrieves a point by ID.
func (p *PrimaryStore) Get(ctx context.Context, id string) (*storage.Point, error) {
	var point *storage.Point
	notFound := false
	err := p.call(ctx, func(ctx context.Context) error {
		var err error
		point, err = p.store.Get(ctx, p.collection, id)
		if errors.Is(err, storage.ErrNotFound) {
			notFound = true
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if notFound {
		return nil, storage.ErrNotFound
	}
	return point, nil
}

// List returns a page of the user's points.
func (p *PrimaryStore) List(ctx context.Context, userID string, opts storage.ListOptions) ([]storage.Point, error) {
	var points []storage.Point
	err := p.call(ctx, func(ctx context.Context) error {
		var err error
		points, err = p.store.List(ctx, p.collection, userID, opts)
		return err
	})
	return points, err
}

// Aggregate summarizes the user's points.
func (p *PrimaryStore) Aggregate(ctx context.Context, userID string) (storage.Aggregate, error) {
	var agg storage.Aggregate
	err := p.call(ctx, func(ctx context.Context) error {
		var err error
		agg, err = p.store.Aggregate(ctx, p.collection, userID)
		return err
	})
	return agg, err
}

// Exists reports which of ids are stored.
func (p *PrimaryStore) Exists(ctx context.Context, ids ...string) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}
	var found map[string]bool
	err := p.call(ctx, func(ctx context.Context) error {
		var err error
		found, err = p.store.Exists(ctx, p.collection, ids...)
		return err
	})
	return found, err
}

// Delete removes points by ID.
func (p *PrimaryStore) Delete(ctx context.Context, ids ...string) error {
	return p.call(ctx, func(ctx context.Context) error {
		return p.store.Delete(ctx, p.collection, ids...)
	})
}
