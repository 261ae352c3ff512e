// Package chromem implements storage.VectorStore on chromem-go, an embedded
// in-process vector database. It suits single-node deployments and tests;
// contents live in memory for the lifetime of the process.
package chromem

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bytedance/sonic"
	chromem "github.com/philippgille/chromem-go"

	"github.com/scrypster/mnemos/internal/storage"
)

const (
	metaUserID  = "user_id"
	metaSector  = "sector"
	metaPayload = "payload"
)

// VectorStore wraps a chromem DB. chromem has no listing API, so the store
// keeps its own index of point IDs per collection and user.
type VectorStore struct {
	db *chromem.DB

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	owners      map[string]map[string]string // collection -> id -> user
}

// New creates an empty store.
func New() *VectorStore {
	return &VectorStore{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
		owners:      make(map[string]map[string]string),
	}
}

// collection returns the named collection, creating it on first use.
func (v *VectorStore) collection(name string) (*chromem.Collection, error) {
	v.mu.RLock()
	col, ok := v.collections[name]
	v.mu.RUnlock()
	if ok {
		return col, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if col, ok := v.collections[name]; ok {
		return col, nil
	}

	// Embeddings are always supplied by the caller, so no embedding func.
	col, err := v.db.GetOrCreateCollection(name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: create collection %s: %w", name, err)
	}
	v.collections[name] = col
	v.owners[name] = make(map[string]string)
	return col, nil
}

// Upsert adds points, replacing any with the same ID.
func (v *VectorStore) Upsert(ctx context.Context, collection string, points ...storage.Point) error {
	col, err := v.collection(collection)
	if err != nil {
		return err
	}

	for _, p := range points {
		if p.ID == "" || len(p.Vector) == 0 {
			return fmt.Errorf("%w: point requires an ID and a vector", storage.ErrInvalidInput)
		}
		payload, err := sonic.MarshalString(p.Memory)
		if err != nil {
			return fmt.Errorf("chromem: encode payload: %w", err)
		}
		doc := chromem.Document{
			ID:        p.ID,
			Content:   p.Memory.Content,
			Embedding: append([]float32(nil), p.Vector...),
			Metadata: map[string]string{
				metaUserID:  p.Memory.UserID,
				metaSector:  string(p.Memory.PrimarySector()),
				metaPayload: payload,
			},
		}
		// AddDocument overwrites an existing document with the same ID.
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("chromem: add document %s: %w", p.ID, err)
		}

		v.mu.Lock()
		v.owners[collection][p.ID] = p.Memory.UserID
		v.mu.Unlock()
	}
	return nil
}

// Search returns the user's most similar points above the threshold.
func (v *VectorStore) Search(ctx context.Context, collection string, q storage.VectorQuery) ([]storage.ScoredPoint, error) {
	if q.Limit <= 0 || len(q.Vector) == 0 {
		return nil, nil
	}
	col, err := v.collection(collection)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults larger than the collection.
	n := q.Limit
	if count := col.Count(); count < n {
		n = count
	}
	if n == 0 {
		return nil, nil
	}

	where := map[string]string{metaUserID: q.UserID}
	if q.Sector != "" {
		where[metaSector] = string(q.Sector)
	}
	results, err := col.QueryEmbedding(ctx, q.Vector, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: query: %w", err)
	}

	hits := make([]storage.ScoredPoint, 0, len(results))
	for _, r := range results {
		score := float64(r.Similarity)
		if score < q.Threshold {
			continue
		}
		p, err := toPoint(r.ID, r.Embedding, r.Metadata)
		if err != nil {
			return nil, err
		}
		hits = append(hits, storage.ScoredPoint{Point: *p, Score: score})
	}
	return hits, nil
}

// Get retrieves a point by ID.
func (v *VectorStore) Get(ctx context.Context, collection, id string) (*storage.Point, error) {
	col, err := v.collection(collection)
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	_, ok := v.owners[collection][id]
	v.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}

	doc, err := col.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("chromem: get %s: %w", id, err)
	}
	return toPoint(doc.ID, doc.Embedding, doc.Metadata)
}

// List returns a page of the user's points, newest first.
func (v *VectorStore) List(ctx context.Context, collection, userID string, opts storage.ListOptions) ([]storage.Point, error) {
	opts.Normalize()
	all, err := v.userPoints(ctx, collection, userID)
	if err != nil {
		return nil, err
	}

	filtered := all[:0]
	for _, p := range all {
		if opts.Sector != "" && p.Memory.PrimarySector() != opts.Sector {
			continue
		}
		filtered = append(filtered, p)
	}
	sort.Slice(filtered, func(i, j int) bool {
		a, b := filtered[i], filtered[j]
		if !a.Memory.CreatedAt.Equal(b.Memory.CreatedAt) {
			return a.Memory.CreatedAt.After(b.Memory.CreatedAt)
		}
		return a.ID > b.ID
	})

	start := opts.Offset()
	if start >= len(filtered) {
		return nil, nil
	}
	end := start + opts.Limit
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[start:end], nil
}

// Aggregate summarizes the user's points.
func (v *VectorStore) Aggregate(ctx context.Context, collection, userID string) (storage.Aggregate, error) {
	agg := storage.Aggregate{}
	all, err := v.userPoints(ctx, collection, userID)
	if err != nil {
		return agg, err
	}
	for i := range all {
		agg.Add(&all[i].Memory)
	}
	return agg, nil
}

// Exists reports which of ids are stored in the collection.
func (v *VectorStore) Exists(ctx context.Context, collection string, ids ...string) (map[string]bool, error) {
	if _, err := v.collection(collection); err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	found := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := v.owners[collection][id]; ok {
			found[id] = true
		}
	}
	return found, nil
}

// Delete removes points by ID.
func (v *VectorStore) Delete(ctx context.Context, collection string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	col, err := v.collection(collection)
	if err != nil {
		return err
	}

	v.mu.Lock()
	present := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := v.owners[collection][id]; ok {
			present = append(present, id)
			delete(v.owners[collection], id)
		}
	}
	v.mu.Unlock()

	if len(present) == 0 {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, present...); err != nil {
		return fmt.Errorf("chromem: delete: %w", err)
	}
	return nil
}

// Close is a no-op; chromem keeps everything in memory.
func (v *VectorStore) Close() error {
	return nil
}

func (v *VectorStore) userPoints(ctx context.Context, collection, userID string) ([]storage.Point, error) {
	col, err := v.collection(collection)
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	var ids []string
	for id, owner := range v.owners[collection] {
		if owner == userID {
			ids = append(ids, id)
		}
	}
	v.mu.RUnlock()

	points := make([]storage.Point, 0, len(ids))
	for _, id := range ids {
		doc, err := col.GetByID(ctx, id)
		if err != nil {
			// Deleted concurrently.
			continue
		}
		p, err := toPoint(doc.ID, doc.Embedding, doc.Metadata)
		if err != nil {
			return nil, err
		}
		points = append(points, *p)
	}
	return points, nil
}

func toPoint(id string, embedding []float32, metadata map[string]string) (*storage.Point, error) {
	p := &storage.Point{ID: id, Vector: embedding}
	if err := sonic.UnmarshalString(metadata[metaPayload], &p.Memory); err != nil {
		return nil, fmt.Errorf("chromem: decode payload of %s: %w", id, err)
	}
	p.Memory.ID = id
	return p, nil
}

var _ storage.VectorStore = (*VectorStore)(nil)
