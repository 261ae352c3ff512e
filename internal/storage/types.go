package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/scrypster/mnemos/pkg/types"
)

// Common errors returned by storage implementations.
var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")
)

// ListOptions provides pagination and filtering for list operations.
// Results are always ordered newest first.
type ListOptions struct {
	// Page is the page number to retrieve (1-indexed, default: 1).
	Page int

	// Limit is the number of items per page (default: 50, max: 1000).
	Limit int

	// Sector restricts results to one primary sector. Empty means all.
	Sector types.Sector
}

// MaxListLimit is the largest page size a store returns.
const MaxListLimit = 1000

// Normalize applies defaults and bounds.
func (o *ListOptions) Normalize() {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.Limit < 1 {
		o.Limit = 50
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
	if o.Sector != "" && !o.Sector.Valid() {
		o.Sector = ""
	}
}

// Offset returns the number of rows to skip for the current page.
func (o *ListOptions) Offset() int {
	return (o.Page - 1) * o.Limit
}

// Point is one entry of a vector collection. Memory carries the payload that
// is stored next to the vector.
type Point struct {
	ID     string
	Vector []float32
	Memory types.Memory
}

// ScoredPoint is a search hit with its cosine similarity.
type ScoredPoint struct {
	Point
	Score float64
}

// VectorQuery describes a similarity search inside one user's points.
type VectorQuery struct {
	UserID    string
	Vector    []float32
	Limit     int
	Threshold float64

	// Sector optionally restricts hits to one primary sector.
	Sector types.Sector
}

// Aggregate summarizes one user's records in a store.
type Aggregate struct {
	Total       int
	BySector    map[types.Sector]int
	SalienceSum float64
}

// Add folds m into the aggregate.
func (a *Aggregate) Add(m *types.Memory) {
	if a.BySector == nil {
		a.BySector = make(map[types.Sector]int)
	}
	a.Total++
	a.BySector[m.PrimarySector()]++
	a.SalienceSum += m.Salience
}

// Merge folds other into the aggregate.
func (a *Aggregate) Merge(other Aggregate) {
	if a.BySector == nil {
		a.BySector = make(map[types.Sector]int)
	}
	a.Total += other.Total
	a.SalienceSum += other.SalienceSum
	for s, n := range other.BySector {
		a.BySector[s] += n
	}
}

// PendingCursor is a position in the pending-record order: creation time,
// then ID.
type PendingCursor struct {
	CreatedAt time.Time
	ID        string
}

// IsZero reports whether the cursor points before the first record.
func (c PendingCursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.ID == ""
}

// CursorAt returns the cursor positioned on m.
func CursorAt(m *types.Memory) PendingCursor {
	return PendingCursor{CreatedAt: m.CreatedAt, ID: m.ID}
}

// DecayJob is a row of the decay schedule.
type DecayJob struct {
	MemoryID string
	UserID   string
	DueAt    time.Time
}

// minTermLength is the shortest token kept by KeywordTerms.
const minTermLength = 3

// KeywordTerms lowercases query, splits it on whitespace and drops tokens of
// two characters or fewer. Duplicates are removed, first occurrence wins.
func KeywordTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	seen := make(map[string]bool, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < minTermLength || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

// MatchTerms returns the terms used to match query against stored content.
// When every token is too short the whole trimmed, lowercased query is used
// as a single substring term. An empty query yields no terms.
func MatchTerms(query string) []string {
	if terms := KeywordTerms(query); len(terms) > 0 {
		return terms
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	return []string{q}
}

// EscapeLike escapes the LIKE wildcards in s using backslash.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
