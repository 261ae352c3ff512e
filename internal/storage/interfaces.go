// Package storage provides the storage interfaces for the Mnemos memory layer.
//
// Two kinds of store back a memory. The VectorStore is the primary index and
// holds embedded memories. The FallbackStore is a relational store of last
// resort that holds memories the primary could not accept, until they are
// reconciled. The DecaySchedule persists when each primary memory is next due
// for salience decay.
package storage

import (
	"context"
	"time"

	"github.com/scrypster/mnemos/pkg/types"
)

// FallbackStore is the relational write/read path used when the primary
// vector store is unavailable. Implementations must not depend on the
// primary store in any way.
type FallbackStore interface {
	// Write persists a record under memory.ID (upsert). Salience is forced to
	// zero and Source to types.SourceVectorFallback unless memory already
	// carries a pending source.
	Write(ctx context.Context, memory *types.Memory) error

	// Get retrieves a record by ID.
	// Returns ErrNotFound if the record doesn't exist.
	Get(ctx context.Context, id string) (*types.Memory, error)

	// Search performs a case-insensitive keyword match of query against the
	// content of the user's pending records, newest first, up to limit. A
	// non-empty sector restricts matches to that primary sector before the
	// limit applies.
	Search(ctx context.Context, userID, query string, sector types.Sector, limit int) ([]types.Memory, error)

	// List returns a page of the user's records, newest first.
	List(ctx context.Context, userID string, opts ListOptions) ([]types.Memory, error)

	// ListPending returns up to limit pending records of every user, oldest
	// first (ties broken by ID), that sort after the cursor. A zero cursor
	// starts from the oldest record.
	ListPending(ctx context.Context, after PendingCursor, limit int) ([]types.Memory, error)

	// Update modifies an existing record.
	// Returns ErrNotFound if the record doesn't exist.
	Update(ctx context.Context, memory *types.Memory) error

	// Delete removes a record.
	// Returns ErrNotFound if the record doesn't exist.
	Delete(ctx context.Context, id string) error

	// Stats aggregates the user's records.
	Stats(ctx context.Context, userID string) (Aggregate, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}

// DecaySchedule persists the next decay due time per primary memory.
type DecaySchedule interface {
	// Schedule sets (or replaces) the due time for memoryID.
	Schedule(ctx context.Context, memoryID, userID string, dueAt time.Time) error

	// Due returns up to limit jobs whose due time is at or before now,
	// earliest first.
	Due(ctx context.Context, now time.Time, limit int) ([]DecayJob, error)

	// Remove deletes the schedule row for memoryID. Removing a missing row
	// is not an error.
	Remove(ctx context.Context, memoryID string) error
}

// VectorStore is the primary index. Points are grouped in named
// collections and always filtered by the owning user.
type VectorStore interface {
	// Upsert inserts or replaces points by ID.
	Upsert(ctx context.Context, collection string, points ...Point) error

	// Search returns the user's points most similar to q.Vector with a
	// similarity of at least q.Threshold, best first, up to q.Limit.
	Search(ctx context.Context, collection string, q VectorQuery) ([]ScoredPoint, error)

	// Get retrieves a point by ID.
	// Returns ErrNotFound if the point doesn't exist.
	Get(ctx context.Context, collection, id string) (*Point, error)

	// List returns a page of the user's points, newest first.
	List(ctx context.Context, collection, userID string, opts ListOptions) ([]Point, error)

	// Aggregate summarizes the user's points.
	Aggregate(ctx context.Context, collection, userID string) (Aggregate, error)

	// Exists reports which of ids are present in the collection. IDs that
	// are absent are missing from the result.
	Exists(ctx context.Context, collection string, ids ...string) (map[string]bool, error)

	// Delete removes points by ID. Missing IDs are ignored.
	Delete(ctx context.Context, collection string, ids ...string) error

	// Close releases resources held by the store.
	Close() error
}

// PrepareFallbackRecord applies the fallback residency invariants to memory
// before it is written: zero salience and a pending source.
func PrepareFallbackRecord(memory *types.Memory) {
	memory.Salience = 0
	if !memory.IsPending() {
		memory.Source = types.SourceVectorFallback
	}
}
