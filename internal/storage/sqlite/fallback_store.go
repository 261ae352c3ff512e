package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/scrypster/mnemos/internal/storage"
	"github.com/scrypster/mnemos/pkg/types"
)

const memoryColumns = `id, user_id, content, sector, secondary_sectors, confidence, salience,
	source, metadata, access_count, created_at, updated_at, last_accessed_at`

// Write persists a fallback record (upsert by ID).
func (s *Store) Write(ctx context.Context, memory *types.Memory) error {
	if err := validate(memory); err != nil {
		return err
	}
	storage.PrepareFallbackRecord(memory)

	now := time.Now().UTC()
	if memory.CreatedAt.IsZero() {
		memory.CreatedAt = now
	}
	if memory.UpdatedAt.IsZero() {
		memory.UpdatedAt = now
	}

	secondary, metadata, err := encodeExtras(memory)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fallback_memories (
			id, user_id, content, content_lower, sector, secondary_sectors, confidence,
			salience, source, metadata, access_count, created_at, updated_at, last_accessed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			content = excluded.content,
			content_lower = excluded.content_lower,
			sector = excluded.sector,
			secondary_sectors = excluded.secondary_sectors,
			confidence = excluded.confidence,
			salience = excluded.salience,
			source = excluded.source,
			metadata = excluded.metadata,
			access_count = excluded.access_count,
			updated_at = excluded.updated_at,
			last_accessed_at = excluded.last_accessed_at`,
		memory.ID, memory.UserID, memory.Content, strings.ToLower(memory.Content),
		nullableString(string(memory.Sector)), secondary, memory.Confidence,
		memory.Salience, memory.Source, metadata, memory.AccessCount,
		toNanos(memory.CreatedAt), toNanos(memory.UpdatedAt), nullableNanos(memory.LastAccessedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: write fallback record: %w", err)
	}
	return nil
}

// Get retrieves a fallback record by ID.
func (s *Store) Get(ctx context.Context, id string) (*types.Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM fallback_memories WHERE id = ?`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get fallback record: %w", err)
	}
	return m, nil
}

// Search matches query terms against the user's pending records.
func (s *Store) Search(ctx context.Context, userID, query string, sector types.Sector, limit int) ([]types.Memory, error) {
	terms := storage.MatchTerms(query)
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}

	clauses := make([]string, len(terms))
	args := []interface{}{userID, types.SourceImportPending, types.SourceVectorFallback}
	for i, term := range terms {
		clauses[i] = `content_lower LIKE ? ESCAPE '\'`
		args = append(args, "%"+storage.EscapeLike(term)+"%")
	}
	filter, sectorArgs := sectorFilter(sector)
	args = append(args, sectorArgs...)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+memoryColumns+`
		FROM fallback_memories
		WHERE user_id = ? AND source IN (?, ?) AND (`+strings.Join(clauses, " OR ")+`)`+filter+`
		ORDER BY created_at DESC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: search fallback records: %w", err)
	}
	return collect(rows)
}

// List returns a page of the user's records, newest first.
func (s *Store) List(ctx context.Context, userID string, opts storage.ListOptions) ([]types.Memory, error) {
	opts.Normalize()

	filter, args := sectorFilter(opts.Sector)
	args = append([]interface{}{userID}, args...)
	query := `SELECT ` + memoryColumns + ` FROM fallback_memories WHERE user_id = ?` + filter
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list fallback records: %w", err)
	}
	return collect(rows)
}

// ListPending returns pending records of every user ordered by creation
// time and ID, starting after the cursor.
func (s *Store) ListPending(ctx context.Context, after storage.PendingCursor, limit int) ([]types.Memory, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `SELECT ` + memoryColumns + ` FROM fallback_memories WHERE source IN (?, ?)`
	args := []interface{}{types.SourceImportPending, types.SourceVectorFallback}
	if !after.IsZero() {
		at := toNanos(after.CreatedAt)
		query += ` AND (created_at > ? OR (created_at = ? AND id > ?))`
		args = append(args, at, at, after.ID)
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list pending records: %w", err)
	}
	return collect(rows)
}

// Update modifies an existing fallback record.
func (s *Store) Update(ctx context.Context, memory *types.Memory) error {
	if err := validate(memory); err != nil {
		return err
	}
	storage.PrepareFallbackRecord(memory)
	memory.UpdatedAt = time.Now().UTC()

	secondary, metadata, err := encodeExtras(memory)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE fallback_memories SET
			content = ?, content_lower = ?, sector = ?, secondary_sectors = ?,
			confidence = ?, salience = ?, source = ?, metadata = ?,
			access_count = ?, updated_at = ?, last_accessed_at = ?
		WHERE id = ?`,
		memory.Content, strings.ToLower(memory.Content), nullableString(string(memory.Sector)),
		secondary, memory.Confidence, memory.Salience, memory.Source, metadata,
		memory.AccessCount, toNanos(memory.UpdatedAt), nullableNanos(memory.LastAccessedAt),
		memory.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update fallback record: %w", err)
	}
	return requireAffected(result)
}

// Delete removes a fallback record.
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM fallback_memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete fallback record: %w", err)
	}
	return requireAffected(result)
}

// Stats aggregates the user's fallback records by sector.
func (s *Store) Stats(ctx context.Context, userID string) (storage.Aggregate, error) {
	agg := storage.Aggregate{BySector: make(map[types.Sector]int)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sector, COUNT(*), COALESCE(SUM(salience), 0)
		FROM fallback_memories
		WHERE user_id = ?
		GROUP BY sector`, userID)
	if err != nil {
		return agg, fmt.Errorf("sqlite: fallback stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sector sql.NullString
		var count int
		var salience float64
		if err := rows.Scan(&sector, &count, &salience); err != nil {
			return agg, fmt.Errorf("sqlite: scan fallback stats: %w", err)
		}
		m := types.Memory{Sector: types.Sector(sector.String)}
		agg.Total += count
		agg.BySector[m.PrimarySector()] += count
		agg.SalienceSum += salience
	}
	return agg, rows.Err()
}

// sectorFilter restricts a query to one primary sector. Records without a
// sector count as DefaultSector.
func sectorFilter(sector types.Sector) (string, []interface{}) {
	switch sector {
	case "":
		return "", nil
	case types.DefaultSector:
		return ` AND (sector = ? OR sector IS NULL)`, []interface{}{string(sector)}
	default:
		return ` AND sector = ?`, []interface{}{string(sector)}
	}
}

func validate(memory *types.Memory) error {
	if memory == nil {
		return storage.ErrInvalidInput
	}
	if memory.ID == "" {
		return fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}
	if memory.UserID == "" {
		return fmt.Errorf("%w: user ID is required", storage.ErrInvalidInput)
	}
	if memory.Content == "" {
		return fmt.Errorf("%w: memory content is required", storage.ErrInvalidInput)
	}
	return nil
}

func encodeExtras(memory *types.Memory) (sql.NullString, sql.NullString, error) {
	var secondary, metadata sql.NullString
	if len(memory.SecondarySectors) > 0 {
		b, err := sonic.Marshal(memory.SecondarySectors)
		if err != nil {
			return secondary, metadata, fmt.Errorf("sqlite: encode secondary sectors: %w", err)
		}
		secondary = sql.NullString{String: string(b), Valid: true}
	}
	if len(memory.Metadata) > 0 {
		b, err := sonic.Marshal(memory.Metadata)
		if err != nil {
			return secondary, metadata, fmt.Errorf("sqlite: encode metadata: %w", err)
		}
		metadata = sql.NullString{String: string(b), Valid: true}
	}
	return secondary, metadata, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row scanner) (*types.Memory, error) {
	var (
		m                   types.Memory
		sector              sql.NullString
		secondary, metadata sql.NullString
		createdAt           int64
		updatedAt           int64
		lastAccessedAt      sql.NullInt64
	)
	err := row.Scan(
		&m.ID, &m.UserID, &m.Content, &sector, &secondary, &m.Confidence, &m.Salience,
		&m.Source, &metadata, &m.AccessCount, &createdAt, &updatedAt, &lastAccessedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Sector = types.Sector(sector.String)
	m.CreatedAt = fromNanos(createdAt)
	m.UpdatedAt = fromNanos(updatedAt)
	if lastAccessedAt.Valid {
		t := fromNanos(lastAccessedAt.Int64)
		m.LastAccessedAt = &t
	}
	if secondary.Valid {
		if err := sonic.UnmarshalString(secondary.String, &m.SecondarySectors); err != nil {
			return nil, fmt.Errorf("decode secondary sectors: %w", err)
		}
	}
	if metadata.Valid {
		if err := sonic.UnmarshalString(metadata.String, &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &m, nil
}

func collect(rows *sql.Rows) ([]types.Memory, error) {
	defer rows.Close()

	var out []types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan fallback record: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate fallback records: %w", err)
	}
	return out, nil
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
