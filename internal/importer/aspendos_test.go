package importer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/mnemos/internal/storage"
	"github.com/scrypster/mnemos/internal/storage/sqlite"
	"github.com/scrypster/mnemos/pkg/types"
)

const sampleExport = `{
  "_meta": {"format": "aspendos-memory-v1", "generator": "klaros", "chunk_size": 4096},
  "conversations": [
    {"id": "conv-1", "source": "chatgpt", "title": "Trip planning",
     "created_at": "2025-06-01T09:30:00", "tags": ["travel"]},
    {"id": "conv-2", "source": "claude", "title": "Cooking",
     "created_at": "2025-07-15T18:00:00+02:00", "tags": []}
  ],
  "chunks": [
    {"chunk_id": "chunk_0", "conversation_id": "conv-1",
     "text": "[USER]: I want to hike in the Alps next summer",
     "message_ids": ["m1"], "tags": ["travel"], "token_estimate": 11},
    {"chunk_id": "chunk_1", "conversation_id": "conv-2",
     "text": "[USER]: My sourdough starter is called Bubbles",
     "message_ids": ["m2", "m3"], "tags": [], "token_estimate": 10},
    {"chunk_id": "chunk_2", "conversation_id": "conv-2", "text": "   ",
     "message_ids": [], "tags": [], "token_estimate": 0}
  ]
}`

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestImport(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	report, err := New(store).Import(ctx, "u1", strings.NewReader(sampleExport))
	require.NoError(t, err)
	assert.Equal(t, Report{Imported: 2, Skipped: 1}, report)

	m, err := store.Get(ctx, RecordID("u1", "conv-1", "chunk_0", 0))
	require.NoError(t, err)
	assert.Equal(t, "u1", m.UserID)
	assert.Equal(t, types.SourceImportPending, m.Source)
	assert.Equal(t, 0.0, m.Salience)
	assert.Empty(t, m.Sector, "classification happens on reconciliation")
	assert.Equal(t, time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC), m.CreatedAt)
	assert.Equal(t, "conv-1", m.Metadata["conversation_id"])
	assert.Equal(t, "Trip planning", m.Metadata["conversation_title"])
	assert.Equal(t, "chatgpt", m.Metadata["origin"])

	m, err = store.Get(ctx, RecordID("u1", "conv-2", "chunk_1", 0))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 7, 15, 16, 0, 0, 0, time.UTC), m.CreatedAt)

	pending, err := store.Search(ctx, "u1", "sourdough", "", 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1, "imported records are searchable before reconciliation")
}

func TestImport_IsIdempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	im := New(store)

	for i := 0; i < 2; i++ {
		_, err := im.Import(ctx, "u1", strings.NewReader(sampleExport))
		require.NoError(t, err)
	}

	stats, err := store.Stats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
}

type staticIndex struct {
	ids map[string]bool
	err error
}

func (s staticIndex) InPrimary(_ context.Context, ids ...string) (map[string]bool, error) {
	if s.err != nil {
		return nil, s.err
	}
	found := make(map[string]bool)
	for _, id := range ids {
		if s.ids[id] {
			found[id] = true
		}
	}
	return found, nil
}

func TestImport_SkipsRecordsAlreadyInPrimary(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	reconciled := RecordID("u1", "conv-1", "chunk_0", 0)

	// A leftover row from the first import that was never cleaned up.
	_, err := New(store).Import(ctx, "u1", strings.NewReader(sampleExport))
	require.NoError(t, err)

	im := New(store, WithPrimaryIndex(staticIndex{ids: map[string]bool{reconciled: true}}))
	report, err := im.Import(ctx, "u1", strings.NewReader(sampleExport))
	require.NoError(t, err)
	assert.Equal(t, Report{Imported: 1, Skipped: 1, Existing: 1}, report)

	_, err = store.Get(ctx, reconciled)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.Get(ctx, RecordID("u1", "conv-2", "chunk_1", 0))
	assert.NoError(t, err)
}

func TestImport_PrimaryLookupFailureImportsEverything(t *testing.T) {
	store := newStore(t)

	im := New(store, WithPrimaryIndex(staticIndex{err: errors.New("vector store unreachable")}))
	report, err := im.Import(context.Background(), "u1", strings.NewReader(sampleExport))
	require.NoError(t, err)
	assert.Equal(t, Report{Imported: 2, Skipped: 1}, report)
}

func TestImport_ScopedByUser(t *testing.T) {
	assert.NotEqual(t,
		RecordID("u1", "conv-1", "chunk_0", 0),
		RecordID("u2", "conv-1", "chunk_0", 0))
	assert.Equal(t,
		RecordID("u1", "conv-1", "chunk_0", 0),
		RecordID("u1", "conv-1", "chunk_0", 0))
}

func TestImport_RejectsUnknownFormat(t *testing.T) {
	store := newStore(t)

	_, err := New(store).Import(context.Background(), "u1",
		strings.NewReader(`{"_meta":{"format":"something-else"},"chunks":[]}`))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = New(store).Import(context.Background(), "u1", strings.NewReader(`{"chunks":[]}`))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = New(store).Import(context.Background(), "u1", strings.NewReader(`not json`))
	assert.Error(t, err)
}

func TestImport_RequiresUser(t *testing.T) {
	_, err := New(newStore(t)).Import(context.Background(), " ", strings.NewReader(sampleExport))
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestImport_SplitsLongChunks(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	para := strings.Repeat("word ", 30) // 150 characters
	text := strings.Join([]string{para, para, para}, "\n\n")
	export := `{"_meta":{"format":"aspendos-memory-v1"},"conversations":[],` +
		`"chunks":[{"chunk_id":"chunk_0","conversation_id":"c","text":"` +
		strings.ReplaceAll(text, "\n", `\n`) + `"}]}`

	report, err := New(store, WithMaxContentLength(320)).Import(ctx, "u1", strings.NewReader(export))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Imported)

	first, err := store.Get(ctx, RecordID("u1", "c", "chunk_0", 0))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(first.Content), 320)
	assert.EqualValues(t, 2, first.Metadata["parts"])
}

func TestSplitContent(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitContent("short", 100))
	assert.Equal(t, []string{"unbounded"}, splitContent("unbounded", 0))

	parts := splitContent(strings.Repeat("é", 25), 10)
	require.Len(t, parts, 3)
	assert.Equal(t, strings.Repeat("é", 10), parts[0])
	assert.Equal(t, strings.Repeat("é", 5), parts[2])

	parts = splitContent("alpha\n\nbeta\n\ngamma", 12)
	assert.Equal(t, []string{"alpha\n\nbeta", "gamma"}, parts)
}

func TestParseTimestamp(t *testing.T) {
	assert.True(t, parseTimestamp("").IsZero())
	assert.True(t, parseTimestamp("yesterday").IsZero())
	assert.Equal(t, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), parseTimestamp("2025-01-02"))
	assert.Equal(t, time.Date(2025, 1, 2, 3, 4, 5, 123456000, time.UTC), parseTimestamp("2025-01-02T03:04:05.123456"))
}
