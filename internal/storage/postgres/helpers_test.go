package postgres

import (
	"context"
	"fmt"
)

// TruncateForTest removes all rows from the fallback and schedule tables.
// It lives in a _test file of the package so it can reach the unexported
// db field, and is exported so postgres_test can call it.
func (s *Store) TruncateForTest(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "TRUNCATE TABLE fallback_memories, decay_schedule"); err != nil {
		return fmt.Errorf("postgres: failed to truncate: %w", err)
	}
	return nil
}

// DropCollectionForTest removes a vector collection table.
func (v *VectorStore) DropCollectionForTest(ctx context.Context, collection string) error {
	table, err := tableName(collection)
	if err != nil {
		return err
	}
	v.mu.Lock()
	delete(v.ensured, table)
	v.mu.Unlock()
	if _, err := v.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return fmt.Errorf("postgres: failed to drop %s: %w", table, err)
	}
	return nil
}
