package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/scrypster/mnemos/internal/deadletter"
	"github.com/scrypster/mnemos/internal/health"
	"github.com/scrypster/mnemos/internal/llm"
	"github.com/scrypster/mnemos/internal/storage"
	"github.com/scrypster/mnemos/pkg/types"
)

// DeadLetterSink receives batch items that could not be stored.
type DeadLetterSink interface {
	Publish(ctx context.Context, entry deadletter.Entry) error
}

// Deps are the collaborators of a Service. Vectors, Fallback, Schedule,
// Tracker, Classifier and Embedder are required.
type Deps struct {
	Vectors    storage.VectorStore
	Fallback   storage.FallbackStore
	Schedule   storage.DecaySchedule
	Tracker    *health.Tracker
	Classifier llm.Classifier
	Embedder   llm.Embedder

	DeadLetter DeadLetterSink
	Logger     zerolog.Logger
	Clock      health.Clock
	Meter      metric.Meter
	Tracer     trace.Tracer
}

// Service exposes the memory operations.
type Service struct {
	cfg        Config
	primary    *PrimaryStore
	fallback   storage.FallbackStore
	schedule   storage.DecaySchedule
	tracker    *health.Tracker
	classifier llm.Classifier
	searcher   *HybridSearcher
	deadLetter DeadLetterSink
	limiter    *rate.Limiter
	logger     zerolog.Logger
	clock      health.Clock
	tracer     trace.Tracer
	inst       instruments
	locks      memoryLocks

	// background tracks access-stat updates started by searches.
	background sync.WaitGroup
}

// NewService creates a Service.
func NewService(cfg Config, deps Deps) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}
	switch {
	case deps.Vectors == nil:
		return nil, errors.New("engine: vector store is required")
	case deps.Fallback == nil:
		return nil, errors.New("engine: fallback store is required")
	case deps.Schedule == nil:
		return nil, errors.New("engine: decay schedule is required")
	case deps.Tracker == nil:
		return nil, errors.New("engine: health tracker is required")
	case deps.Classifier == nil:
		return nil, errors.New("engine: classifier is required")
	case deps.Embedder == nil:
		return nil, errors.New("engine: embedder is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = health.SystemClock()
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}

	primary := NewPrimaryStore(deps.Vectors, deps.Tracker, deps.Embedder, cfg.Collection, cfg.PrimaryTimeout)
	s := &Service{
		cfg:        cfg,
		primary:    primary,
		fallback:   deps.Fallback,
		schedule:   deps.Schedule,
		tracker:    deps.Tracker,
		classifier: deps.Classifier,
		searcher:   NewHybridSearcher(primary, deps.Fallback, clock, deps.Logger, cfg.RecencyBoostFactor, cfg.FallbackScoreWeight),
		deadLetter: deps.DeadLetter,
		logger:     deps.Logger,
		clock:      clock,
		tracer:     tracer,
		inst:       newInstruments(meter),
	}
	if cfg.BatchRateLimit > 0 {
		burst := int(cfg.BatchRateLimit)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.BatchRateLimit), burst)
	}
	return s, nil
}

// Close waits for background access-stat updates to finish.
func (s *Service) Close() {
	s.background.Wait()
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

// AddMemory classifies, embeds and stores content for userID. When the
// primary store is unavailable the memory is written to the fallback store
// and reported as successfully stored; only a fallback failure is returned
// as an error.
func (s *Service) AddMemory(ctx context.Context, userID, content string, opts AddOptions) (*types.MemoryResult, error) {
	ctx, span := s.tracer.Start(ctx, "engine.AddMemory", trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	result, err := s.addMemory(ctx, userID, content, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("residency", string(result.Residency)))
	return result, nil
}

func (s *Service) addMemory(ctx context.Context, userID, content string, opts AddOptions) (*types.MemoryResult, error) {
	content = strings.TrimSpace(content)
	if err := s.validateContent(userID, content); err != nil {
		return nil, err
	}
	if opts.Sector != "" && !opts.Sector.Valid() {
		return nil, fmt.Errorf("%w: unknown sector %q", ErrInvalidInput, opts.Sector)
	}

	now := s.now()
	memory := &types.Memory{
		ID:          opts.ID,
		UserID:      userID,
		Content:     content,
		Salience:    1.0,
		CreatedAt:   opts.CreatedAt,
		UpdatedAt:   now,
		Source:      opts.Source,
		Metadata:    copyMetadata(opts.Metadata),
		AccessCount: 0,
	}
	if memory.ID == "" {
		memory.ID = uuid.NewString()
	}
	if memory.CreatedAt.IsZero() {
		memory.CreatedAt = now
	}
	if memory.Source == "" {
		memory.Source = types.SourceConversation
	}

	if opts.Sector != "" {
		memory.Sector = opts.Sector
		memory.Confidence = 1.0
	} else {
		s.classify(ctx, memory)
	}

	if !memory.IsPending() {
		_, err := s.primary.Add(ctx, memory)
		if err == nil {
			s.scheduleDecay(ctx, memory, now)
			s.inst.recordWrite(ctx, string(types.ResidencyPrimary))
			return &types.MemoryResult{Memory: *memory, Score: memory.Salience, Residency: types.ResidencyPrimary}, nil
		}
		s.logger.Warn().Err(err).
			Str("dependency", VectorStoreDependency).
			Str("user_id", userID).
			Str("memory_id", memory.ID).
			Msg("primary write failed, storing in fallback")
	}

	if err := s.fallback.Write(ctx, memory); err != nil {
		return nil, fmt.Errorf("engine: fallback write: %w", err)
	}
	s.inst.recordWrite(ctx, string(types.ResidencyFallback))
	return &types.MemoryResult{Memory: *memory, Score: memory.Salience, Residency: types.ResidencyFallback}, nil
}

func (s *Service) validateContent(userID, content string) error {
	if userID == "" {
		return fmt.Errorf("%w: user ID is required", ErrInvalidInput)
	}
	if content == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(content); n > s.cfg.MaxContentLength {
		return fmt.Errorf("%w: content is %d characters, limit is %d", ErrInvalidInput, n, s.cfg.MaxContentLength)
	}
	return nil
}

// classify sets the sector fields of memory. A classification failure
// applies DefaultSector with the configured default confidence.
func (s *Service) classify(ctx context.Context, memory *types.Memory) {
	scores, err := s.classifier.Classify(ctx, memory.Content)
	if err != nil || len(scores) == 0 {
		s.logger.Warn().Err(err).
			Str("memory_id", memory.ID).
			Msg("classification failed, applying default sector")
		memory.Sector = types.DefaultSector
		memory.Confidence = s.cfg.DefaultConfidence
		memory.SecondarySectors = nil
		return
	}
	memory.Sector, memory.Confidence = scores.Primary()
	memory.SecondarySectors = scores.Secondary(s.cfg.SecondaryThreshold)
}

func (s *Service) scheduleDecay(ctx context.Context, memory *types.Memory, from time.Time) {
	due := NextDecayAt(from, s.cfg.DecayInterval)
	if err := s.schedule.Schedule(ctx, memory.ID, memory.UserID, due); err != nil {
		s.logger.Warn().Err(err).
			Str("memory_id", memory.ID).
			Msg("failed to schedule decay")
	}
}

// SearchMemories returns the user's memories most relevant to query from
// both stores. Store failures reduce the result set but never surface as
// errors; only invalid input does.
func (s *Service) SearchMemories(ctx context.Context, userID, query string, opts SearchOptions) ([]types.MemoryResult, error) {
	ctx, span := s.tracer.Start(ctx, "engine.SearchMemories", trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", ErrInvalidInput)
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return []types.MemoryResult{}, nil
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultSearchLimit
	}
	if limit > s.cfg.MaxSearchLimit {
		limit = s.cfg.MaxSearchLimit
	}
	threshold := s.cfg.DefaultThreshold
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}
	sector := opts.Sector
	if sector != "" && !sector.Valid() {
		sector = ""
	}

	s.inst.recordSearch(ctx, s.primary.Available())
	results := s.searcher.Search(ctx, userID, query, limit, threshold, sector)
	span.SetAttributes(attribute.Int("results", len(results)))

	s.touch(ctx, results)
	return results, nil
}

// touch records an access on every primary result in the background.
func (s *Service) touch(ctx context.Context, results []types.MemoryResult) {
	var ids []string
	for _, r := range results {
		if r.Residency == types.ResidencyPrimary {
			ids = append(ids, r.Memory.ID)
		}
	}
	if len(ids) == 0 {
		return
	}

	ctx = context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		now := s.now()
		for _, id := range ids {
			s.touchOne(ctx, id, now)
		}
	}()
}

func (s *Service) touchOne(ctx context.Context, id string, now time.Time) {
	defer s.locks.lock(id)()

	point, err := s.primary.Get(ctx, id)
	if err != nil {
		s.logger.Debug().Err(err).Str("memory_id", id).Msg("skipping access update")
		return
	}
	point.Memory.AccessCount++
	point.Memory.LastAccessedAt = &now
	if err := s.primary.Put(ctx, &point.Memory, point.Vector); err != nil {
		s.logger.Debug().Err(err).Str("memory_id", id).Msg("access update failed")
	}
}

// ListMemories returns a page of the user's memories from both stores,
// newest first. A memory present in both stores is listed once, from the
// primary store. It fails only when both stores fail.
func (s *Service) ListMemories(ctx context.Context, userID string, opts storage.ListOptions) ([]types.MemoryResult, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", ErrInvalidInput)
	}
	opts.Normalize()

	// Both stores are read from the top so the merged page is exact.
	window := opts.Page * opts.Limit

	var results []types.MemoryResult
	inPrimary := make(map[string]bool)
	points, primaryErr := readPages(window, opts.Sector, func(page storage.ListOptions) ([]storage.Point, error) {
		return s.primary.List(ctx, userID, page)
	})
	if primaryErr != nil {
		s.logger.Warn().Err(primaryErr).
			Str("dependency", VectorStoreDependency).
			Str("user_id", userID).
			Msg("primary list failed, listing fallback only")
	}
	for _, p := range points {
		m := p.Memory
		m.ID = p.ID
		inPrimary[m.ID] = true
		results = append(results, types.MemoryResult{Memory: m, Score: m.Salience, Residency: types.ResidencyPrimary})
	}

	records, err := readPages(window, opts.Sector, func(page storage.ListOptions) ([]types.Memory, error) {
		return s.fallback.List(ctx, userID, page)
	})
	if err != nil {
		if primaryErr != nil {
			return nil, fmt.Errorf("engine: list memories: %w", errors.Join(primaryErr, err))
		}
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("fallback list failed")
	}
	if primaryErr == nil {
		records = s.withoutPrimaryCopies(ctx, records, inPrimary)
	}
	for _, m := range records {
		if inPrimary[m.ID] {
			continue
		}
		results = append(results, types.MemoryResult{Memory: m, Score: m.Salience, Residency: types.ResidencyFallback})
	}

	slices.SortStableFunc(results, func(a, b types.MemoryResult) int {
		if c := b.Memory.CreatedAt.Compare(a.Memory.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.Memory.ID, a.Memory.ID)
	})

	offset := opts.Offset()
	if offset >= len(results) {
		return []types.MemoryResult{}, nil
	}
	end := offset + opts.Limit
	if end > len(results) {
		end = len(results)
	}
	return results[offset:end], nil
}

// readPages reads the first n items of a newest-first listing, one store
// page at a time, stopping early at a short page.
func readPages[T any](n int, sector types.Sector, list func(storage.ListOptions) ([]T, error)) ([]T, error) {
	size := min(n, storage.MaxListLimit)
	var out []T
	for page := 1; len(out) < n; page++ {
		batch, err := list(storage.ListOptions{Page: page, Limit: size, Sector: sector})
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
		if len(batch) < size {
			break
		}
	}
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// withoutPrimaryCopies drops fallback records whose ID also lives in the
// primary store. known holds IDs already seen there. When the primary store
// cannot be asked, records are returned unchanged.
func (s *Service) withoutPrimaryCopies(ctx context.Context, records []types.Memory, known map[string]bool) []types.Memory {
	var ids []string
	for _, m := range records {
		if !known[m.ID] {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return records
	}
	found, err := s.primary.Exists(ctx, ids...)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("dependency", VectorStoreDependency).
			Msg("primary lookup failed, fallback copies not filtered")
		return records
	}
	out := records[:0]
	for _, m := range records {
		if !found[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

// InPrimary reports which of ids are stored in the primary store.
func (s *Service) InPrimary(ctx context.Context, ids ...string) (map[string]bool, error) {
	return s.primary.Exists(ctx, ids...)
}

// located is a memory together with where it lives.
type located struct {
	memory    *types.Memory
	residency types.Residency
	vector    []float32
}

// locate finds id in either store and checks ownership. When the primary
// store cannot answer and the fallback store has no such record it returns
// ErrUnavailable, since the memory may live in the primary store.
func (s *Service) locate(ctx context.Context, userID, id string) (*located, error) {
	if userID == "" || id == "" {
		return nil, fmt.Errorf("%w: user ID and memory ID are required", ErrInvalidInput)
	}

	var found *located
	point, primaryErr := s.primary.Get(ctx, id)
	switch {
	case primaryErr == nil:
		m := point.Memory
		m.ID = point.ID
		found = &located{memory: &m, residency: types.ResidencyPrimary, vector: point.Vector}
	case errors.Is(primaryErr, storage.ErrNotFound):
	default:
		s.logger.Warn().Err(primaryErr).
			Str("dependency", VectorStoreDependency).
			Str("memory_id", id).
			Msg("primary lookup failed, checking fallback")
	}

	if found == nil {
		m, err := s.fallback.Get(ctx, id)
		switch {
		case err == nil:
			found = &located{memory: m, residency: types.ResidencyFallback}
		case errors.Is(err, storage.ErrNotFound):
			if primaryErr != nil && !errors.Is(primaryErr, storage.ErrNotFound) {
				return nil, fmt.Errorf("%w: %v", ErrUnavailable, primaryErr)
			}
			return nil, fmt.Errorf("engine: memory %s: %w", id, ErrNotFound)
		default:
			return nil, fmt.Errorf("engine: fallback lookup: %w", err)
		}
	}

	if found.memory.UserID != userID {
		return nil, ErrForbidden
	}
	return found, nil
}

// GetMemory returns one memory of userID.
func (s *Service) GetMemory(ctx context.Context, userID, id string) (*types.MemoryResult, error) {
	loc, err := s.locate(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return &types.MemoryResult{Memory: *loc.memory, Score: loc.memory.Salience, Residency: loc.residency}, nil
}

// UpdateMemory changes a memory in the store it lives in. A content change
// re-classifies (unless a sector is given) and re-embeds a primary memory.
// Updating a primary memory while the primary store is unavailable fails
// with ErrUnavailable.
func (s *Service) UpdateMemory(ctx context.Context, userID, id string, upd UpdateOptions) error {
	defer s.locks.lock(id)()

	loc, err := s.locate(ctx, userID, id)
	if err != nil {
		return err
	}
	m := loc.memory

	contentChanged := false
	if upd.Content != nil {
		content := strings.TrimSpace(*upd.Content)
		if err := s.validateContent(userID, content); err != nil {
			return err
		}
		contentChanged = content != m.Content
		m.Content = content
	}
	if upd.Sector != nil {
		if !upd.Sector.Valid() {
			return fmt.Errorf("%w: unknown sector %q", ErrInvalidInput, *upd.Sector)
		}
		m.Sector = *upd.Sector
		m.Confidence = 1.0
	} else if contentChanged {
		s.classify(ctx, m)
	}
	if len(upd.Metadata) > 0 || upd.Pinned != nil {
		if m.Metadata == nil {
			m.Metadata = make(map[string]interface{})
		}
		for k, v := range upd.Metadata {
			if v == nil {
				delete(m.Metadata, k)
			} else {
				m.Metadata[k] = v
			}
		}
		if upd.Pinned != nil {
			m.Metadata["pinned"] = *upd.Pinned
		}
	}
	m.UpdatedAt = s.now()

	if loc.residency == types.ResidencyFallback {
		if err := s.fallback.Update(ctx, m); err != nil {
			return fmt.Errorf("engine: update fallback record: %w", err)
		}
		return nil
	}

	if contentChanged || upd.Sector != nil {
		_, err = s.primary.Add(ctx, m)
	} else {
		err = s.primary.Put(ctx, m, loc.vector)
	}
	if err != nil {
		return fmt.Errorf("%w: update memory %s: %v", ErrUnavailable, id, err)
	}
	return nil
}

// DeleteMemory removes a memory and its decay schedule.
func (s *Service) DeleteMemory(ctx context.Context, userID, id string) error {
	defer s.locks.lock(id)()

	loc, err := s.locate(ctx, userID, id)
	if err != nil {
		return err
	}

	if loc.residency == types.ResidencyFallback {
		if err := s.fallback.Delete(ctx, id); err != nil {
			return fmt.Errorf("engine: delete fallback record: %w", err)
		}
		return nil
	}

	if err := s.primary.Delete(ctx, id); err != nil {
		return fmt.Errorf("%w: delete memory %s: %v", ErrUnavailable, id, err)
	}
	if err := s.schedule.Remove(ctx, id); err != nil {
		s.logger.Warn().Err(err).Str("memory_id", id).Msg("failed to remove decay schedule")
	}
	return nil
}

// ReinforceMemory records an explicit access: salience rises by the
// reinforce increment (capped at 1.0) and the decay clock restarts. A
// fallback record only has its access stats updated; its salience stays
// zero until it is reconciled.
func (s *Service) ReinforceMemory(ctx context.Context, userID, id string) (*types.MemoryResult, error) {
	defer s.locks.lock(id)()

	loc, err := s.locate(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	m := loc.memory
	now := s.now()
	m.AccessCount++
	m.LastAccessedAt = &now

	if loc.residency == types.ResidencyFallback {
		if err := s.fallback.Update(ctx, m); err != nil {
			return nil, fmt.Errorf("engine: reinforce fallback record: %w", err)
		}
		return &types.MemoryResult{Memory: *m, Score: m.Salience, Residency: loc.residency}, nil
	}

	m.Salience = ReinforceSalience(m.Salience, s.cfg.ReinforceIncrement)
	if err := s.primary.Put(ctx, m, loc.vector); err != nil {
		return nil, fmt.Errorf("%w: reinforce memory %s: %v", ErrUnavailable, id, err)
	}
	s.scheduleDecay(ctx, m, now)
	return &types.MemoryResult{Memory: *m, Score: m.Salience, Residency: loc.residency}, nil
}

// GetMemoryStats summarizes the user's memories in both stores. A memory
// present in both stores counts once, from the primary store. When one
// store fails the other's figures are returned; it fails only when both do.
func (s *Service) GetMemoryStats(ctx context.Context, userID string) (*types.MemoryStats, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user ID is required", ErrInvalidInput)
	}

	total := storage.Aggregate{BySector: make(map[types.Sector]int)}

	primaryAgg, primaryErr := s.primary.Aggregate(ctx, userID)
	if primaryErr != nil {
		s.logger.Warn().Err(primaryErr).
			Str("dependency", VectorStoreDependency).
			Str("user_id", userID).
			Msg("primary stats unavailable")
	} else {
		total.Merge(primaryAgg)
	}

	var (
		fallbackAgg storage.Aggregate
		err         error
	)
	if primaryErr == nil {
		fallbackAgg, err = s.fallbackOnlyStats(ctx, userID)
	} else {
		fallbackAgg, err = s.fallback.Stats(ctx, userID)
	}
	if err != nil {
		if primaryErr != nil {
			return nil, fmt.Errorf("engine: memory stats: %w", errors.Join(primaryErr, err))
		}
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("fallback stats unavailable")
	} else {
		total.Merge(fallbackAgg)
	}

	stats := &types.MemoryStats{Total: total.Total, BySector: total.BySector}
	if total.Total > 0 {
		stats.AvgSalience = total.SalienceSum / float64(total.Total)
	}
	return stats, nil
}

// fallbackOnlyStats aggregates the user's fallback records that have no
// copy in the primary store.
func (s *Service) fallbackOnlyStats(ctx context.Context, userID string) (storage.Aggregate, error) {
	agg := storage.Aggregate{BySector: make(map[types.Sector]int)}
	for page := 1; ; page++ {
		records, err := s.fallback.List(ctx, userID, storage.ListOptions{Page: page, Limit: storage.MaxListLimit})
		if err != nil {
			return agg, err
		}
		for _, m := range s.withoutPrimaryCopies(ctx, records, nil) {
			agg.Add(&m)
		}
		if len(records) < storage.MaxListLimit {
			return agg, nil
		}
	}
}

// GetHealthStatus returns one record per tracked dependency.
func (s *Service) GetHealthStatus() []health.HealthRecord {
	return s.tracker.Snapshot()
}

func copyMetadata(in map[string]interface{}) map[string]interface{} {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
