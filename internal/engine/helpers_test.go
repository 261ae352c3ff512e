package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/mnemos/internal/deadletter"
	"github.com/scrypster/mnemos/internal/health"
	"github.com/scrypster/mnemos/internal/llm"
	"github.com/scrypster/mnemos/internal/storage"
	"github.com/scrypster/mnemos/internal/storage/chromem"
	"github.com/scrypster/mnemos/internal/storage/sqlite"
	"github.com/scrypster/mnemos/pkg/types"
)

var errVectorDown = errors.New("vector store unreachable")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyVectors wraps a real vector store and fails every call while down.
type flakyVectors struct {
	storage.VectorStore
	down  atomic.Bool
	calls atomic.Int32
}

func (f *flakyVectors) check() error {
	f.calls.Add(1)
	if f.down.Load() {
		return errVectorDown
	}
	return nil
}

func (f *flakyVectors) Upsert(ctx context.Context, collection string, points ...storage.Point) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.VectorStore.Upsert(ctx, collection, points...)
}

func (f *flakyVectors) Search(ctx context.Context, collection string, q storage.VectorQuery) ([]storage.ScoredPoint, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.VectorStore.Search(ctx, collection, q)
}

func (f *flakyVectors) Get(ctx context.Context, collection, id string) (*storage.Point, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.VectorStore.Get(ctx, collection, id)
}

func (f *flakyVectors) List(ctx context.Context, collection, userID string, opts storage.ListOptions) ([]storage.Point, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.VectorStore.List(ctx, collection, userID, opts)
}

func (f *flakyVectors) Aggregate(ctx context.Context, collection, userID string) (storage.Aggregate, error) {
	if err := f.check(); err != nil {
		return storage.Aggregate{}, err
	}
	return f.VectorStore.Aggregate(ctx, collection, userID)
}

func (f *flakyVectors) Exists(ctx context.Context, collection string, ids ...string) (map[string]bool, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.VectorStore.Exists(ctx, collection, ids...)
}

func (f *flakyVectors) Delete(ctx context.Context, collection string, ids ...string) error {
	if err := f.check(); err != nil {
		return err
	}
	return f.VectorStore.Delete(ctx, collection, ids...)
}

// pausingVectors holds the first Get made after arm until release is
// closed, after the stored point has been read.
type pausingVectors struct {
	storage.VectorStore
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func newPausingVectors() *pausingVectors {
	return &pausingVectors{entered: make(chan struct{}), release: make(chan struct{})}
}

func (p *pausingVectors) Get(ctx context.Context, collection, id string) (*storage.Point, error) {
	point, err := p.VectorStore.Get(ctx, collection, id)
	if p.armed.CompareAndSwap(true, false) {
		close(p.entered)
		<-p.release
	}
	return point, err
}

// failingEmbedder rejects content containing marker.
type failingEmbedder struct {
	llm.Embedder
	marker string
}

func (f failingEmbedder) Embed(ctx context.Context, content string, sector types.Sector) ([]float32, error) {
	if strings.Contains(content, f.marker) {
		return nil, errors.New("embedding rejected")
	}
	return f.Embedder.Embed(ctx, content, sector)
}

type stubClassifier struct {
	scores types.SectorScores
	err    error
}

func (s stubClassifier) Name() string { return "stub" }

func (s stubClassifier) Classify(context.Context, string) (types.SectorScores, error) {
	return s.scores, s.err
}

type recordingSink struct {
	mu      sync.Mutex
	entries []deadletter.Entry
}

func (r *recordingSink) Publish(_ context.Context, e deadletter.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordingSink) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

type testEnv struct {
	svc      *Service
	vectors  *flakyVectors
	fallback *sqlite.Store
	tracker  *health.Tracker
	clock    *fakeClock
	sink     *recordingSink
}

type envOption func(*Config, *Deps)

func withClassifier(c llm.Classifier) envOption {
	return func(_ *Config, d *Deps) { d.Classifier = c }
}

func withEmbedder(e llm.Embedder) envOption {
	return func(_ *Config, d *Deps) { d.Embedder = e }
}

func withConfig(fn func(*Config)) envOption {
	return func(c *Config, _ *Deps) { fn(c) }
}

// withVectors puts wrap in front of the test vector store.
func withVectors(wrap func(storage.VectorStore) storage.VectorStore) envOption {
	return func(_ *Config, d *Deps) { d.Vectors = wrap(d.Vectors) }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	fallback, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = fallback.Close() })

	tracker, err := health.NewTracker(health.DefaultConfig())
	require.NoError(t, err)

	env := &testEnv{
		vectors:  &flakyVectors{VectorStore: chromem.New()},
		fallback: fallback,
		tracker:  tracker,
		clock:    newFakeClock(),
		sink:     &recordingSink{},
	}

	cfg := DefaultConfig()
	cfg.BatchDelay = time.Millisecond
	deps := Deps{
		Vectors:    env.vectors,
		Fallback:   fallback,
		Schedule:   fallback,
		Tracker:    tracker,
		Classifier: llm.NewHeuristicClassifier(),
		Embedder:   llm.NewHashEmbedder(128),
		DeadLetter: env.sink,
		Logger:     zerolog.Nop(),
		Clock:      env.clock,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	env.svc, err = NewService(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(env.svc.Close)
	return env
}

// add stores content and asserts where it landed.
func (e *testEnv) add(t *testing.T, userID, content string, want types.Residency) *types.MemoryResult {
	t.Helper()
	res, err := e.svc.AddMemory(context.Background(), userID, content, AddOptions{})
	require.NoError(t, err)
	require.Equal(t, want, res.Residency)
	return res
}

func threshold(v float64) *float64 { return &v }
