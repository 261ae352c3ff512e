package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog"

	"github.com/scrypster/mnemos/internal/storage"
)

var collectionName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,47}$`)

// VectorStore implements storage.VectorStore on pgvector. Each collection
// is a table named "vec_<collection>" created on first use; similarity is
// cosine, computed from the "<=>" distance operator.
type VectorStore struct {
	db     *sql.DB
	logger zerolog.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

// NewVectorStore connects to dsn and enables the vector extension.
func NewVectorStore(dsn string, logger zerolog.Logger) (*VectorStore, error) {
	db, err := openDB(dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: pgvector extension not available: %w", err)
	}
	return &VectorStore{db: db, logger: logger, ensured: make(map[string]bool)}, nil
}

func tableName(collection string) (string, error) {
	if !collectionName.MatchString(collection) {
		return "", fmt.Errorf("%w: invalid collection name %q", storage.ErrInvalidInput, collection)
	}
	return "vec_" + collection, nil
}

// table returns the table for collection, creating it on first use.
func (v *VectorStore) table(ctx context.Context, collection string) (string, error) {
	name, err := tableName(collection)
	if err != nil {
		return "", err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ensured[name] {
		return name, nil
	}
	if _, err := v.db.ExecContext(ctx, fmt.Sprintf(vectorTableSchema, name)); err != nil {
		return "", fmt.Errorf("postgres: create collection %s: %w", collection, err)
	}
	v.ensured[name] = true
	return name, nil
}

// Upsert inserts or replaces points in a single transaction.
func (v *VectorStore) Upsert(ctx context.Context, collection string, points ...storage.Point) error {
	if len(points) == 0 {
		return nil
	}
	table, err := v.table(ctx, collection)
	if err != nil {
		return err
	}

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin upsert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, sector, salience, created_at, payload, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			sector = EXCLUDED.sector,
			salience = EXCLUDED.salience,
			created_at = EXCLUDED.created_at,
			payload = EXCLUDED.payload,
			embedding = EXCLUDED.embedding`, table)

	for _, p := range points {
		if p.ID == "" || len(p.Vector) == 0 {
			return fmt.Errorf("%w: point requires an ID and a vector", storage.ErrInvalidInput)
		}
		payload, err := sonic.Marshal(p.Memory)
		if err != nil {
			return fmt.Errorf("postgres: encode payload: %w", err)
		}
		_, err = tx.ExecContext(ctx, stmt,
			p.ID, p.Memory.UserID, string(p.Memory.PrimarySector()), p.Memory.Salience,
			p.Memory.CreatedAt, string(payload), pgvector.NewVector(p.Vector))
		if err != nil {
			return fmt.Errorf("postgres: upsert point %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit upsert: %w", err)
	}
	return nil
}

// Search returns the user's most similar points above the threshold.
func (v *VectorStore) Search(ctx context.Context, collection string, q storage.VectorQuery) ([]storage.ScoredPoint, error) {
	if q.Limit <= 0 || len(q.Vector) == 0 {
		return nil, nil
	}
	table, err := v.table(ctx, collection)
	if err != nil {
		return nil, err
	}

	args := []interface{}{pgvector.NewVector(q.Vector), q.UserID, q.Threshold, q.Limit}
	sectorFilter := ""
	if q.Sector != "" {
		args = append(args, string(q.Sector))
		sectorFilter = " AND sector = $5"
	}

	rows, err := v.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, payload, embedding, 1 - (embedding <=> $1) AS similarity
		FROM %s
		WHERE user_id = $2 AND 1 - (embedding <=> $1) >= $3%s
		ORDER BY embedding <=> $1
		LIMIT $4`, table, sectorFilter), args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search: %w", err)
	}
	defer rows.Close()

	var hits []storage.ScoredPoint
	for rows.Next() {
		var hit storage.ScoredPoint
		if err := scanPoint(rows, &hit.Point, &hit.Score); err != nil {
			return nil, err
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

// Get retrieves a point by ID.
func (v *VectorStore) Get(ctx context.Context, collection, id string) (*storage.Point, error) {
	table, err := v.table(ctx, collection)
	if err != nil {
		return nil, err
	}
	row := v.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id, payload, embedding FROM %s WHERE id = $1`, table), id)

	var p storage.Point
	if err := scanPoint(row, &p, nil); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// List returns a page of the user's points, newest first.
func (v *VectorStore) List(ctx context.Context, collection, userID string, opts storage.ListOptions) ([]storage.Point, error) {
	opts.Normalize()
	table, err := v.table(ctx, collection)
	if err != nil {
		return nil, err
	}

	args := []interface{}{userID, opts.Limit, opts.Offset()}
	filter := ""
	if opts.Sector != "" {
		args = append(args, string(opts.Sector))
		filter = " AND sector = $4"
	}

	rows, err := v.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, payload, embedding
		FROM %s
		WHERE user_id = $1%s
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`, table, filter), args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list points: %w", err)
	}
	defer rows.Close()

	var points []storage.Point
	for rows.Next() {
		var p storage.Point
		if err := scanPoint(rows, &p, nil); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// Aggregate summarizes the user's points by sector.
func (v *VectorStore) Aggregate(ctx context.Context, collection, userID string) (storage.Aggregate, error) {
	table, err := v.table(ctx, collection)
	if err != nil {
		return storage.Aggregate{}, err
	}
	return aggregate(ctx, v.db, fmt.Sprintf(`
		SELECT sector, COUNT(*), COALESCE(SUM(salience), 0)
		FROM %s
		WHERE user_id = $1
		GROUP BY sector`, table), userID)
}

// Exists reports which of ids are stored in the collection.
func (v *VectorStore) Exists(ctx context.Context, collection string, ids ...string) (map[string]bool, error) {
	found := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return found, nil
	}
	table, err := v.table(ctx, collection)
	if err != nil {
		return nil, err
	}
	rows, err := v.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id FROM %s WHERE id = ANY($1)`, table), pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("postgres: check points: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan point id: %w", err)
		}
		found[id] = true
	}
	return found, rows.Err()
}

// Delete removes points by ID.
func (v *VectorStore) Delete(ctx context.Context, collection string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	table, err := v.table(ctx, collection)
	if err != nil {
		return err
	}
	if _, err := v.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, table), pq.Array(ids)); err != nil {
		return fmt.Errorf("postgres: delete points: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (v *VectorStore) Close() error {
	return v.db.Close()
}

func scanPoint(row scanner, p *storage.Point, score *float64) error {
	var payload []byte
	var vec pgvector.Vector
	dest := []interface{}{&p.ID, &payload, &vec}
	if score != nil {
		dest = append(dest, score)
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return err
		}
		return fmt.Errorf("postgres: scan point: %w", err)
	}
	if err := sonic.Unmarshal(payload, &p.Memory); err != nil {
		return fmt.Errorf("postgres: decode payload of %s: %w", p.ID, err)
	}
	p.Vector = vec.Slice()
	p.Memory.ID = p.ID
	return nil
}

var (
	_ storage.VectorStore   = (*VectorStore)(nil)
	_ storage.FallbackStore = (*Store)(nil)
	_ storage.DecaySchedule = (*Store)(nil)
)
