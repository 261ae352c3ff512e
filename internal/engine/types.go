// Package engine is the resilient memory engine. It guards every call into
// the primary vector store with the dependency health tracker, falls back
// to the relational store when the primary is unavailable, merges results
// from both stores at query time and reconciles fallback records into the
// primary once it recovers.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/scrypster/mnemos/internal/storage"
	"github.com/scrypster/mnemos/pkg/types"
)

// VectorStoreDependency is the health tracker name of the primary store.
const VectorStoreDependency = "vector_store"

var (
	// ErrForbidden is returned when a caller operates on a memory owned by
	// another user.
	ErrForbidden = errors.New("engine: memory belongs to another user")

	// ErrUnavailable is returned when an operation needs the primary store
	// and the primary store cannot be reached.
	ErrUnavailable = errors.New("engine: primary store unavailable")

	// ErrNotFound aliases storage.ErrNotFound for callers of this package.
	ErrNotFound = storage.ErrNotFound

	// ErrInvalidInput aliases storage.ErrInvalidInput.
	ErrInvalidInput = storage.ErrInvalidInput
)

// Config holds configuration for the memory engine.
type Config struct {
	// Collection is the vector store collection holding memories (default: memories).
	Collection string

	// DefaultConfidence is applied with DefaultSector when classification
	// fails (default: 0.5).
	DefaultConfidence float64

	// SecondaryThreshold is the minimum score for a secondary sector (default: 0.3).
	SecondaryThreshold float64

	// MaxContentLength bounds memory content in characters (default: 8000).
	MaxContentLength int

	// PrimaryTimeout bounds every primary store call (default: 5s).
	PrimaryTimeout time.Duration

	// RecencyBoostFactor is the boost a brand-new memory receives (default: 0.1).
	RecencyBoostFactor float64

	DefaultSearchLimit int     // default: 10
	MaxSearchLimit     int     // default: 100
	DefaultThreshold   float64 // minimum similarity (default: 0.3)

	// FallbackScoreWeight scales keyword match scores of fallback records so
	// they rank below good vector matches (default: 0.5).
	FallbackScoreWeight float64

	BatchSize  int           // default: 100
	BatchDelay time.Duration // default: 200ms

	// BatchRateLimit caps batch item starts per second. 0 disables.
	BatchRateLimit float64

	DecayAmount        float64       // default: 0.05
	DecayInterval      time.Duration // default: 24h
	ReinforceIncrement float64       // default: 0.1

	ReconcileBatchSize int // default: 50
	DecayBatchSize     int // default: 100
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Collection:          "memories",
		DefaultConfidence:   0.5,
		SecondaryThreshold:  0.3,
		MaxContentLength:    8000,
		PrimaryTimeout:      5 * time.Second,
		RecencyBoostFactor:  0.1,
		DefaultSearchLimit:  10,
		MaxSearchLimit:      100,
		DefaultThreshold:    0.3,
		FallbackScoreWeight: 0.5,
		BatchSize:           100,
		BatchDelay:          200 * time.Millisecond,
		DecayAmount:         0.05,
		DecayInterval:       24 * time.Hour,
		ReinforceIncrement:  0.1,
		ReconcileBatchSize:  50,
		DecayBatchSize:      100,
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.Collection == "" {
		return errors.New("Collection is required")
	}
	if c.DefaultConfidence < 0 || c.DefaultConfidence > 1 {
		return fmt.Errorf("DefaultConfidence must be in [0,1], got %v", c.DefaultConfidence)
	}
	if c.MaxContentLength < 1 {
		return fmt.Errorf("MaxContentLength must be >= 1, got %d", c.MaxContentLength)
	}
	if c.PrimaryTimeout <= 0 {
		return fmt.Errorf("PrimaryTimeout must be > 0, got %v", c.PrimaryTimeout)
	}
	if c.RecencyBoostFactor < 0 {
		return fmt.Errorf("RecencyBoostFactor must be >= 0, got %v", c.RecencyBoostFactor)
	}
	if c.DefaultSearchLimit < 1 || c.MaxSearchLimit < c.DefaultSearchLimit {
		return fmt.Errorf("search limits must satisfy 1 <= default (%d) <= max (%d)", c.DefaultSearchLimit, c.MaxSearchLimit)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("BatchSize must be >= 1, got %d", c.BatchSize)
	}
	if c.BatchDelay < 0 {
		return fmt.Errorf("BatchDelay must be >= 0, got %v", c.BatchDelay)
	}
	if c.DecayAmount < 0 || c.DecayAmount > 1 {
		return fmt.Errorf("DecayAmount must be in [0,1], got %v", c.DecayAmount)
	}
	if c.DecayInterval <= 0 {
		return fmt.Errorf("DecayInterval must be > 0, got %v", c.DecayInterval)
	}
	if c.ReinforceIncrement < 0 || c.ReinforceIncrement > 1 {
		return fmt.Errorf("ReinforceIncrement must be in [0,1], got %v", c.ReinforceIncrement)
	}
	if c.ReconcileBatchSize < 1 || c.DecayBatchSize < 1 {
		return errors.New("ReconcileBatchSize and DecayBatchSize must be >= 1")
	}
	return nil
}

// AddOptions configures AddMemory.
type AddOptions struct {
	// ID is the memory ID. A random UUID is used when empty.
	ID string

	// Sector skips classification when set.
	Sector types.Sector

	// Source defaults to types.SourceConversation.
	Source string

	Metadata map[string]interface{}

	// CreatedAt defaults to now.
	CreatedAt time.Time
}

// SearchOptions configures SearchMemories.
type SearchOptions struct {
	// Limit defaults to Config.DefaultSearchLimit and is capped at
	// Config.MaxSearchLimit.
	Limit int

	// Threshold is the minimum vector similarity. Nil uses
	// Config.DefaultThreshold.
	Threshold *float64

	// Sector restricts results to one primary sector.
	Sector types.Sector
}

// UpdateOptions lists the fields UpdateMemory changes. Nil fields are left
// untouched.
type UpdateOptions struct {
	Content *string
	Sector  *types.Sector

	// Metadata keys are merged into the existing metadata. A nil value
	// deletes the key.
	Metadata map[string]interface{}

	Pinned *bool
}

// BatchItem is one memory of a batch write.
type BatchItem struct {
	Content  string
	Sector   types.Sector
	Source   string
	Metadata map[string]interface{}
}

// BatchOptions overrides the configured chunking of AddMemoriesBatch.
type BatchOptions struct {
	BatchSize int
	Delay     time.Duration
}

// BatchError is the failure of one batch item.
type BatchError struct {
	Index int
	Err   error
}

// BatchResult aggregates a batch write. Results are in completion order,
// not input order.
type BatchResult struct {
	Succeeded int
	Failed    int
	Results   []types.MemoryResult
	Errors    []BatchError
}
