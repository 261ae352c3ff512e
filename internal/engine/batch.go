package engine

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/scrypster/mnemos/internal/deadletter"
	"github.com/scrypster/mnemos/pkg/types"
)

// AddMemoriesBatch stores items in chunks. The items of a chunk are added
// concurrently and fail independently; the next chunk starts only after
// every call of the previous one has settled, and after the configured
// delay. Failed items are logged and handed to the dead-letter sink when
// one is configured; they are not retried inline.
//
// If ctx is cancelled between chunks the remaining items are reported as
// failed with the context error.
func (s *Service) AddMemoriesBatch(ctx context.Context, userID string, items []BatchItem, opts BatchOptions) *BatchResult {
	ctx, span := s.tracer.Start(ctx, "engine.AddMemoriesBatch", trace.WithAttributes(
		attribute.String("user_id", userID),
		attribute.Int("items", len(items)),
	))
	defer span.End()

	size := opts.BatchSize
	if size <= 0 {
		size = s.cfg.BatchSize
	}
	delay := opts.Delay
	if delay <= 0 {
		delay = s.cfg.BatchDelay
	}

	result := &BatchResult{Results: make([]types.MemoryResult, 0, len(items))}
	var mu sync.Mutex

	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}

		if start > 0 && !sleepCtx(ctx, delay) {
			for i := start; i < len(items); i++ {
				result.Failed++
				result.Errors = append(result.Errors, BatchError{Index: i, Err: ctx.Err()})
			}
			break
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(index int, item BatchItem) {
				defer wg.Done()
				res, err := s.addBatchItem(ctx, userID, item)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					result.Failed++
					result.Errors = append(result.Errors, BatchError{Index: index, Err: err})
					return
				}
				result.Succeeded++
				result.Results = append(result.Results, *res)
			}(i, items[i])
		}
		wg.Wait()
	}

	span.SetAttributes(
		attribute.Int("succeeded", result.Succeeded),
		attribute.Int("failed", result.Failed),
	)
	if result.Failed > 0 {
		span.SetStatus(codes.Error, "some batch items failed")
	}
	return result
}

func (s *Service) addBatchItem(ctx context.Context, userID string, item BatchItem) (*types.MemoryResult, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	res, err := s.AddMemory(ctx, userID, item.Content, AddOptions{
		Sector:   item.Sector,
		Source:   item.Source,
		Metadata: item.Metadata,
	})
	if err == nil {
		return res, nil
	}

	s.logger.Error().Err(err).Str("user_id", userID).Msg("batch item failed")
	if s.deadLetter != nil {
		entry := deadletter.Entry{
			UserID:   userID,
			Content:  item.Content,
			Metadata: item.Metadata,
			Error:    err.Error(),
			FailedAt: s.now(),
		}
		if dlErr := s.deadLetter.Publish(context.WithoutCancel(ctx), entry); dlErr != nil {
			s.logger.Error().Err(dlErr).Str("user_id", userID).Msg("failed to publish dead letter")
		}
	}
	return nil, err
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// delay elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
