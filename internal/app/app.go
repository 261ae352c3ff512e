// Package app assembles the memory engine and its collaborators from
// configuration. Both binaries build their runtime through Build.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/scrypster/mnemos/internal/config"
	"github.com/scrypster/mnemos/internal/deadletter"
	"github.com/scrypster/mnemos/internal/engine"
	"github.com/scrypster/mnemos/internal/health"
	"github.com/scrypster/mnemos/internal/llm"
	"github.com/scrypster/mnemos/internal/storage"
	"github.com/scrypster/mnemos/internal/storage/chromem"
	"github.com/scrypster/mnemos/internal/storage/postgres"
	"github.com/scrypster/mnemos/internal/storage/sqlite"
)

// RelationalStore is the fallback store that also persists the decay
// schedule. Both relational backends implement it.
type RelationalStore interface {
	storage.FallbackStore
	storage.DecaySchedule
}

// Stack is a fully wired runtime.
type Stack struct {
	Config     *config.Config
	Logger     zerolog.Logger
	Tracker    *health.Tracker
	Relational RelationalStore
	Vectors    storage.VectorStore
	Providers  *llm.Providers
	DeadLetter *deadletter.RedisQueue // nil when disabled
	Service    *engine.Service

	closers []func() error
}

// Build wires the runtime described by cfg. On error every resource opened
// so far is released.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *Stack, err error) {
	s := &Stack{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	healthLogger := logger.With().Str("component", "health").Logger()
	hc := HealthConfig(cfg.Health)
	hc.Logger = &healthLogger
	s.Tracker, err = health.NewTracker(hc)
	if err != nil {
		return nil, err
	}

	if s.Relational, err = openRelational(cfg.Storage, logger); err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.Relational.Close)

	if s.Vectors, err = openVectors(cfg.VectorStore, logger); err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.Vectors.Close)

	if s.Providers, err = llm.NewProviders(cfg.LLM, s.Tracker, logger); err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func() error { s.Providers.Close(); return nil })

	deps := engine.Deps{
		Vectors:    s.Vectors,
		Fallback:   s.Relational,
		Schedule:   s.Relational,
		Tracker:    s.Tracker,
		Classifier: s.Providers.Router,
		Embedder:   s.Providers.Router,
		Logger:     logger.With().Str("component", "engine").Logger(),
	}

	if cfg.DeadLetter.RedisURL != "" {
		s.DeadLetter, err = deadletter.NewRedisQueue(ctx, cfg.DeadLetter.RedisURL, cfg.DeadLetter.Key)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, s.DeadLetter.Close)
		deps.DeadLetter = s.DeadLetter
	}

	s.Service, err = engine.NewService(EngineConfig(cfg), deps)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, func() error { s.Service.Close(); return nil })

	logger.Info().
		Str("storage", cfg.Storage.Backend).
		Str("vector_store", cfg.VectorStore.Backend).
		Bool("dead_letter", s.DeadLetter != nil).
		Msg("memory engine ready")
	return s, nil
}

// Close releases every resource in reverse order of acquisition.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func openRelational(cfg config.StorageConfig, logger zerolog.Logger) (RelationalStore, error) {
	switch cfg.Backend {
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." && cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("app: create data directory %q: %w", dir, err)
			}
		}
		return sqlite.NewStore(cfg.SQLitePath, sqlite.WithLogger(logger.With().Str("component", "sqlite").Logger()))
	case "postgres":
		return postgres.NewStore(cfg.PostgresDSN, logger.With().Str("component", "postgres").Logger())
	default:
		return nil, fmt.Errorf("app: unknown storage backend %q", cfg.Backend)
	}
}

func openVectors(cfg config.VectorStoreConfig, logger zerolog.Logger) (storage.VectorStore, error) {
	switch cfg.Backend {
	case "chromem":
		return chromem.New(), nil
	case "pgvector":
		return postgres.NewVectorStore(cfg.PostgresDSN, logger.With().Str("component", "pgvector").Logger())
	default:
		return nil, fmt.Errorf("app: unknown vector store backend %q", cfg.Backend)
	}
}

// HealthConfig maps the breaker settings onto a health.Config.
func HealthConfig(cfg config.HealthConfig) health.Config {
	hc := health.DefaultConfig()
	if cfg.FailureThreshold > 0 {
		hc.FailureThreshold = uint32(cfg.FailureThreshold)
	}
	if cfg.Cooldown > 0 {
		hc.Cooldown = cfg.Cooldown
	}
	if cfg.Window > 0 {
		hc.Window = cfg.Window
	}
	if cfg.MaxErrorRate > 0 {
		hc.MaxErrorRate = cfg.MaxErrorRate
	}
	return hc
}

// EngineConfig maps the memory and worker settings onto an engine.Config.
func EngineConfig(cfg *config.Config) engine.Config {
	ec := engine.DefaultConfig()
	m := cfg.Memory

	ec.Collection = cfg.VectorStore.Collection
	ec.DefaultConfidence = m.DefaultConfidence
	ec.MaxContentLength = m.MaxContentLength
	ec.PrimaryTimeout = m.PrimaryTimeout
	ec.RecencyBoostFactor = m.RecencyBoostFactor
	ec.DefaultThreshold = m.DefaultThreshold
	ec.BatchSize = m.BatchSize
	ec.BatchDelay = m.BatchDelay
	ec.BatchRateLimit = m.BatchRateLimit
	ec.DecayAmount = m.DecayAmount
	ec.DecayInterval = m.DecayInterval
	ec.ReinforceIncrement = m.ReinforceIncrement
	ec.ReconcileBatchSize = cfg.Worker.ReconcileBatchSize
	ec.DecayBatchSize = cfg.Worker.DecayBatchSize
	return ec
}
