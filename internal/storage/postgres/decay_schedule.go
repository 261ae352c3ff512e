package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/scrypster/mnemos/internal/storage"
)

// Schedule sets the next decay due time for memoryID.
func (s *Store) Schedule(ctx context.Context, memoryID, userID string, dueAt time.Time) error {
	if memoryID == "" || userID == "" {
		return fmt.Errorf("%w: memory ID and user ID are required", storage.ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decay_schedule (memory_id, user_id, due_at, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (memory_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			due_at = EXCLUDED.due_at,
			updated_at = NOW()`,
		memoryID, userID, dueAt.UTC())
	if err != nil {
		return fmt.Errorf("postgres: schedule decay: %w", err)
	}
	return nil
}

// Due returns jobs due at or before now, earliest first.
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]storage.DecayJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_id, user_id, due_at
		FROM decay_schedule
		WHERE due_at <= $1
		ORDER BY due_at ASC
		LIMIT $2`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: query due decay jobs: %w", err)
	}
	defer rows.Close()

	var jobs []storage.DecayJob
	for rows.Next() {
		var job storage.DecayJob
		if err := rows.Scan(&job.MemoryID, &job.UserID, &job.DueAt); err != nil {
			return nil, fmt.Errorf("postgres: scan decay job: %w", err)
		}
		job.DueAt = job.DueAt.UTC()
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Remove deletes the schedule row for memoryID.
func (s *Store) Remove(ctx context.Context, memoryID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM decay_schedule WHERE memory_id = $1`, memoryID); err != nil {
		return fmt.Errorf("postgres: remove decay job: %w", err)
	}
	return nil
}
