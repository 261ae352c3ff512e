package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/scrypster/mnemos/internal/storage"
)

// DecayReport summarizes one decay pass.
type DecayReport struct {
	Decayed int
	Pinned  int
	Removed int

	// Skipped is set when the pass did not run because the primary store
	// circuit was open.
	Skipped bool
}

// DecayWorker applies salience decay to memories whose persisted schedule
// row is due.
type DecayWorker struct {
	svc       *Service
	batchSize int
	logger    zerolog.Logger
}

// NewDecayWorker creates a decay worker for svc.
func NewDecayWorker(svc *Service) *DecayWorker {
	return &DecayWorker{
		svc:       svc,
		batchSize: svc.cfg.DecayBatchSize,
		logger:    svc.logger.With().Str("component", "decay").Logger(),
	}
}

// RunOnce processes up to one batch of due rows. Each decayed memory loses
// the configured amount of salience and is rescheduled one interval later;
// pinned memories are only rescheduled. Rows of memories that no longer
// exist, or whose salience reached zero, are removed. A primary store
// failure stops the pass and leaves the remaining rows due.
func (w *DecayWorker) RunOnce(ctx context.Context) (DecayReport, error) {
	var report DecayReport
	if !w.svc.primary.Available() {
		report.Skipped = true
		return report, nil
	}

	now := w.svc.now()
	jobs, err := w.svc.schedule.Due(ctx, now, w.batchSize)
	if err != nil {
		return report, fmt.Errorf("engine: load due decay jobs: %w", err)
	}

	for _, job := range jobs {
		if err := w.decay(ctx, job.MemoryID, now, &report); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (w *DecayWorker) decay(ctx context.Context, id string, now time.Time, report *DecayReport) error {
	defer w.svc.locks.lock(id)()

	point, err := w.svc.primary.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		if err := w.svc.schedule.Remove(ctx, id); err != nil {
			return fmt.Errorf("engine: remove decay job: %w", err)
		}
		report.Removed++
		return nil
	}
	if err != nil {
		return fmt.Errorf("engine: decay %s: %w", id, err)
	}

	m := point.Memory
	m.ID = point.ID
	next := NextDecayAt(now, w.svc.cfg.DecayInterval)

	if m.Pinned() {
		if err := w.svc.schedule.Schedule(ctx, m.ID, m.UserID, next); err != nil {
			return fmt.Errorf("engine: reschedule pinned memory: %w", err)
		}
		report.Pinned++
		return nil
	}

	m.Salience = DecaySalience(m.Salience, w.svc.cfg.DecayAmount)
	if err := w.svc.primary.Put(ctx, &m, point.Vector); err != nil {
		return fmt.Errorf("engine: decay %s: %w", m.ID, err)
	}
	report.Decayed++

	if m.Salience == 0 {
		err = w.svc.schedule.Remove(ctx, m.ID)
	} else {
		err = w.svc.schedule.Schedule(ctx, m.ID, m.UserID, next)
	}
	if err != nil {
		return fmt.Errorf("engine: reschedule decay: %w", err)
	}
	return nil
}

// Run calls RunOnce every interval until ctx is done.
func (w *DecayWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		report, err := w.RunOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			w.logger.Warn().Err(err).Msg("decay pass stopped early")
		case report.Decayed > 0 || report.Removed > 0:
			w.logger.Info().
				Int("decayed", report.Decayed).
				Int("pinned", report.Pinned).
				Int("removed", report.Removed).
				Msg("decay pass complete")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
