package postgres

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
			id, user_id, content, sector, secondary_sectors, confidence, salience,
			source, metadata, access_count, created_at, updated_at, last_accessed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			content = EXCLUDED.content,
			sector = EXCLUDED.sector,
			secondary_sectors = EXCLUDED.secondary_sectors,
			confidence = EXCLUDED.confidence,
			salience = EXCLUDED.salience,
			source = EXCLUDED.source,
			metadata = EXCLUDED.metadata,
			access_count = EXCLUDED.access_count,
			updated_at = EXCLUDED.updated_at,
			last_accessed_at = EXCLUDED.last_accessed_at`,
		memory.ID, memory.UserID, memory.Content, nullableString(string(memory.Sector)),
		secondary, memory.Confidence, memory.Salience, memory.Source, metadata,
		memory.AccessCount, memory.CreatedAt, memory.UpdatedAt, nullableTime(memory.LastAccessedAt),
	)
	if err != nil {
		return fmt.Errorf("postgres: write fallback record: %w", err)
	}
	return nil
}

// Get retrieves a fallback record by ID.
func (s *Store) Get(ctx context.Context, id string) (*types.Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM fallback_memories WHERE id = $1`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get fallback record: %w", err)
	}
	return m, nil
}

// Search matches query terms against the user's pending records.
func (s *Store) Search(ctx context.Context, userID, query string, sector types.Sector, limit int) ([]types.Memory, error) {
	terms := storage.MatchTerms(query)
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}

	args := []interface{}{userID, types.SourceImportPending, types.SourceVectorFallback}
	clauses := make([]string, len(terms))
	for i, term := range terms {
		args = append(args, "%"+storage.EscapeLike(term)+"%")
		clauses[i] = fmt.Sprintf(`content ILIKE $%d ESCAPE '\'`, len(args))
	}
	var filter string
	filter, args = sectorFilter(sector, args)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM fallback_memories
		WHERE user_id = $1 AND source IN ($2, $3) AND (%s)%s
		ORDER BY created_at DESC
		LIMIT $%d`, memoryColumns, strings.Join(clauses, " OR "), filter, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: search fallback records: %w", err)
	}
	return collect(rows)
}

// List returns a page of the user's records, newest first.
func (s *Store) List(ctx context.Context, userID string, opts storage.ListOptions) ([]types.Memory, error) {
	opts.Normalize()

	filter, args := sectorFilter(opts.Sector, []interface{}{userID})
	query := `SELECT ` + memoryColumns + ` FROM fallback_memories WHERE user_id = $1` + filter
	args = append(args, opts.Limit, opts.Offset())
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fallback records: %w", err)
	}
	return collect(rows)
}

// ListPending returns pending records of every user ordered by creation
// time and ID, starting after the cursor.
func (s *Store) ListPending(ctx context.Context, after storage.PendingCursor, limit int) ([]types.Memory, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `SELECT ` + memoryColumns + ` FROM fallback_memories WHERE source IN ($1, $2)`
	args := []interface{}{types.SourceImportPending, types.SourceVectorFallback}
	if !after.IsZero() {
		args = append(args, after.CreatedAt, after.ID)
		query += ` AND (created_at, id) > ($3, $4)`
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending records: %w", err)
	}
	return collect(rows)
}

// sectorFilter appends a primary-sector restriction to args. Records without
// a sector count as DefaultSector.
func sectorFilter(sector types.Sector, args []interface{}) (string, []interface{}) {
	if sector == "" {
		return "", args
	}
	args = append(args, string(sector))
	if sector == types.DefaultSector {
		return fmt.Sprintf(` AND (sector = $%d OR sector IS NULL)`, len(args)), args
	}
	return fmt.Sprintf(` AND sector = $%d`, len(args)), args
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
			content = $1, sector = $2, secondary_sectors = $3, confidence = $4,
			salience = $5, source = $6, metadata = $7, access_count = $8,
			updated_at = $9, last_accessed_at = $10
		WHERE id = $11`,
		memory.Content, nullableString(string(memory.Sector)), secondary, memory.Confidence,
		memory.Salience, memory.Source, metadata, memory.AccessCount,
		memory.UpdatedAt, nullableTime(memory.LastAccessedAt), memory.ID,
	)
	if err != nil {
		return fmt.Errorf("postgres: update fallback record: %w", err)
	}
	return requireAffected(result)
}

// Delete removes a fallback record.
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM fallback_memories WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete fallback record: %w", err)
	}
	return requireAffected(result)
}

// Stats aggregates the user's fallback records by sector.
func (s *Store) Stats(ctx context.Context, userID string) (storage.Aggregate, error) {
	return aggregate(ctx, s.db, `
		SELECT sector, COUNT(*), COALESCE(SUM(salience), 0)
		FROM fallback_memories
		WHERE user_id = $1
		GROUP BY sector`, userID)
}

func aggregate(ctx context.Context, db *sql.DB, query string, args ...interface{}) (storage.Aggregate, error) {
	agg := storage.Aggregate{BySector: make(map[types.Sector]int)}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return agg, fmt.Errorf("postgres: aggregate: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sector sql.NullString
		var count int
		var salience float64
		if err := rows.Scan(&sector, &count, &salience); err != nil {
			return agg, fmt.Errorf("postgres: scan aggregate: %w", err)
		}
		m := types.Memory{Sector: types.Sector(sector.String)}
		agg.Total += count
		agg.BySector[m.PrimarySector()] += count
		agg.SalienceSum += salience
	}
	return agg, rows.Err()
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
			return secondary, metadata, fmt.Errorf("postgres: encode secondary sectors: %w", err)
		}
		secondary = sql.NullString{String: string(b), Valid: true}
	}
	if len(memory.Metadata) > 0 {
		b, err := sonic.Marshal(memory.Metadata)
		if err != nil {
			return secondary, metadata, fmt.Errorf("postgres: encode metadata: %w", err)
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
		secondary, metadata []byte
		lastAccessedAt      sql.NullTime
	)
	err := row.Scan(
		&m.ID, &m.UserID, &m.Content, &sector, &secondary, &m.Confidence, &m.Salience,
		&m.Source, &metadata, &m.AccessCount, &m.CreatedAt, &m.UpdatedAt, &lastAccessedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Sector = types.Sector(sector.String)
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	if lastAccessedAt.Valid {
		t := lastAccessedAt.Time.UTC()
		m.LastAccessedAt = &t
	}
	if len(secondary) > 0 {
		if err := sonic.Unmarshal(secondary, &m.SecondarySectors); err != nil {
			return nil, fmt.Errorf("decode secondary sectors: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := sonic.Unmarshal(metadata, &m.Metadata); err != nil {
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
			return nil, fmt.Errorf("postgres: scan fallback record: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate fallback records: %w", err)
	}
	return out, nil
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
