package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scrypster/mnemos/internal/health"
	"github.com/scrypster/mnemos/internal/storage"
	"github.com/scrypster/mnemos/pkg/types"
)

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Reconciled int
	Failed     int

	// Superseded counts pending records dropped because the primary store
	// already held a newer copy of the same memory.
	Superseded int

	// Skipped is set when the pass did not run because the primary store
	// circuit was open.
	Skipped bool
}

// Reconciler moves pending fallback records into the primary store once it
// is reachable again. A reconciled record keeps its ID, gets salience 1.0
// and an empty source, and is removed from the fallback store.
//
// Passes walk the pending records oldest first and resume after the last
// record attempted, so records that keep failing do not hold back the ones
// behind them. A pass that reaches the end of the queue starts the next one
// from the oldest record again.
type Reconciler struct {
	svc       *Service
	batchSize int
	logger    zerolog.Logger

	mu     sync.Mutex
	cursor storage.PendingCursor
}

// NewReconciler creates a reconciler for svc.
func NewReconciler(svc *Service) *Reconciler {
	return &Reconciler{
		svc:       svc,
		batchSize: svc.cfg.ReconcileBatchSize,
		logger:    svc.logger.With().Str("component", "reconciler").Logger(),
	}
}

// RunOnce reconciles up to one batch of pending records. A circuit-open
// rejection ends the pass early; other per-record failures are counted and
// the pass continues.
func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var report ReconcileReport
	if !r.svc.primary.Available() {
		report.Skipped = true
		return report, nil
	}

	pending, err := r.svc.fallback.ListPending(ctx, r.cursor, r.batchSize)
	if err != nil {
		return report, fmt.Errorf("engine: list pending records: %w", err)
	}
	if len(pending) < r.batchSize {
		// End of the queue: the next pass starts from the oldest record.
		defer func() { r.cursor = storage.PendingCursor{} }()
	}

	for i := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		m := &pending[i]
		result, err := r.reconcile(ctx, m.ID)
		if errors.Is(err, health.ErrCircuitOpen) {
			r.logger.Warn().Msg("primary store circuit opened, stopping reconciliation")
			return report, nil
		}
		r.cursor = storage.CursorAt(m)
		switch {
		case err != nil:
			report.Failed++
			r.logger.Warn().Err(err).
				Str("memory_id", m.ID).
				Str("user_id", m.UserID).
				Msg("failed to reconcile memory")
		case result == outcomeSuperseded:
			report.Superseded++
		case result == outcomeReconciled:
			report.Reconciled++
		}
	}
	return report, nil
}

type outcome int

const (
	outcomeReconciled outcome = iota
	outcomeSuperseded
	outcomeGone
)

// reconcile moves one pending record into the primary store. The record is
// re-read under the memory lock so an edit made since the batch was listed
// is not lost.
func (r *Reconciler) reconcile(ctx context.Context, id string) (outcome, error) {
	defer r.svc.locks.lock(id)()

	m, err := r.svc.fallback.Get(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return outcomeGone, nil
	case err != nil:
		return outcomeGone, err
	case !m.IsPending():
		return outcomeGone, nil
	}

	current, err := r.svc.primary.Get(ctx, id)
	switch {
	case err == nil:
		if primaryWins(m, &current.Memory) {
			r.dropFallbackCopy(ctx, id)
			return outcomeSuperseded, nil
		}
	case !errors.Is(err, storage.ErrNotFound):
		return outcomeGone, err
	}

	if m.Sector == "" {
		r.svc.classify(ctx, m)
	}

	previousSource := m.Source
	m.Salience = 1.0
	m.Source = ""
	if m.Metadata == nil {
		m.Metadata = make(map[string]interface{})
	}
	m.Metadata["reconciled_from"] = previousSource
	now := r.svc.now()
	m.UpdatedAt = now

	if _, err := r.svc.primary.Add(ctx, m); err != nil {
		return outcomeGone, err
	}
	r.dropFallbackCopy(ctx, id)
	r.svc.scheduleDecay(ctx, m, now)
	return outcomeReconciled, nil
}

// primaryWins decides between a pending record and a primary memory with
// the same ID. Imported records are copies of an export and never replace
// the primary memory; a write that fell back while the primary store was
// down replaces it only when it is newer.
func primaryWins(pending, primary *types.Memory) bool {
	if pending.Source == types.SourceImportPending {
		return true
	}
	return !pending.UpdatedAt.After(primary.UpdatedAt)
}

// dropFallbackCopy removes the fallback row of a memory that now lives in
// the primary store. A row that survives is resolved by the next pass.
func (r *Reconciler) dropFallbackCopy(ctx context.Context, id string) {
	if err := r.svc.fallback.Delete(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		r.logger.Warn().Err(err).Str("memory_id", id).Msg("failed to delete reconciled fallback record")
	}
}

// Run calls RunOnce every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := r.RunOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			r.logger.Error().Err(err).Msg("reconciliation pass failed")
		case report.Reconciled > 0 || report.Failed > 0 || report.Superseded > 0:
			r.logger.Info().
				Int("reconciled", report.Reconciled).
				Int("failed", report.Failed).
				Int("superseded", report.Superseded).
				Msg("reconciliation pass complete")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
