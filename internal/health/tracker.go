// Package health tracks the health of outbound dependencies and gates calls
// into them with a per-dependency circuit breaker.
//
// A Tracker is an explicit registry owned by the process and injected into
// every component that talks to a dependency. Breaker state for a
// dependency name is created lazily on first use and lives until Reset.
//
// A gobreaker two-step breaker counts consecutive failures while the circuit
// is CLOSED and trips it after FailureThreshold of them. The OPEN period and
// the single HALF_OPEN trial call are timed on the Tracker's Clock, so the
// cooldown follows the same time source as the sliding window of outcomes
// from which error rate and average latency are derived.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ErrCircuitOpen is returned when a call is rejected without being attempted
// because the dependency's circuit is open (or its half-open trial slot is
// taken).
var ErrCircuitOpen = errors.New("health: circuit open")

// State is the externally visible breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// tripOnly keeps a tripped gobreaker OPEN until the Tracker replaces it; the
// cooldown is measured on the Tracker's clock instead.
const tripOnly = 100 * 365 * 24 * time.Hour

var errRejected = errors.New("rejected")

// Config holds the Tracker settings.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips a
	// CLOSED circuit.
	// Default: 5
	FailureThreshold uint32

	// Cooldown is how long a circuit stays OPEN before allowing a trial call.
	// Default: 30 seconds
	Cooldown time.Duration

	// Window is the span of the sliding event window.
	// Default: 5 minutes
	Window time.Duration

	// MaxErrorRate is the error rate above which a dependency is unhealthy.
	// Default: 0.5
	MaxErrorRate float64

	// Clock timestamps window events and times the OPEN cooldown.
	// Default: SystemClock().
	Clock Clock

	// Logger receives transition logs. Default: zerolog.Nop().
	Logger *zerolog.Logger

	// Meter creates the call and transition instruments. Default: the
	// global otel meter provider.
	Meter metric.Meter
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		Window:           5 * time.Minute,
		MaxErrorRate:     0.5,
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.FailureThreshold == 0 {
		return fmt.Errorf("health: FailureThreshold must be positive")
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("health: Cooldown must be positive, got %s", c.Cooldown)
	}
	if c.Window <= 0 {
		return fmt.Errorf("health: Window must be positive, got %s", c.Window)
	}
	if c.MaxErrorRate < 0 || c.MaxErrorRate > 1 {
		return fmt.Errorf("health: MaxErrorRate must be in [0,1], got %v", c.MaxErrorRate)
	}
	return nil
}

// HealthRecord is a point-in-time view of one dependency.
type HealthRecord struct {
	Name                string        `json:"name"`
	State               State         `json:"circuit_state"`
	Healthy             bool          `json:"healthy"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalRequests       int           `json:"total_requests"`
	FailedRequests      int           `json:"failed_requests"`
	ErrorRate           float64       `json:"error_rate"`
	AvgLatency          time.Duration `json:"-"`
	AvgLatencyMs        float64       `json:"avg_latency_ms"`
	CircuitOpenedAt     *time.Time    `json:"circuit_opened_at,omitempty"`
	LastError           string        `json:"last_error,omitempty"`
}

// dependency is the per-name state. breaker, openedAt and trialing are safe
// for concurrent use on their own; mu guards the counters and window.
//
// openedAt is nil while the circuit is CLOSED. Once set, the circuit is OPEN
// until Cooldown has elapsed on the Tracker clock and HALF_OPEN afterwards.
type dependency struct {
	name     string
	breaker  atomic.Pointer[gobreaker.TwoStepCircuitBreaker]
	openedAt atomic.Pointer[time.Time]
	trialing atomic.Bool

	mu                  sync.Mutex
	consecutiveFailures int
	lastError           string
	window              slidingWindow
}

// Tracker is the dependency health registry.
type Tracker struct {
	cfg    Config
	clock  Clock
	logger zerolog.Logger
	inst   instruments

	mu   sync.Mutex
	deps map[string]*dependency
}

// NewTracker creates a Tracker. Zero-valued fields in cfg take their
// DefaultConfig values.
func NewTracker(cfg Config) (*Tracker, error) {
	def := DefaultConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Window == 0 {
		cfg.Window = def.Window
	}
	if cfg.MaxErrorRate == 0 {
		cfg.MaxErrorRate = def.MaxErrorRate
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	t := &Tracker{
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: zerolog.Nop(),
		deps:   make(map[string]*dependency),
	}
	if t.clock == nil {
		t.clock = SystemClock()
	}
	if cfg.Logger != nil {
		t.logger = *cfg.Logger
	}
	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter("github.com/scrypster/mnemos/internal/health")
	}
	t.inst = newInstruments(meter)
	return t, nil
}

// dependency returns the state for name, creating it on first use.
func (t *Tracker) dependency(name string) *dependency {
	t.mu.Lock()
	defer t.mu.Unlock()

	if d, ok := t.deps[name]; ok {
		return d
	}
	d := &dependency{name: name, window: slidingWindow{span: t.cfg.Window}}
	d.breaker.Store(t.newBreaker(d))
	t.deps[name] = d
	return d
}

func (t *Tracker) newBreaker(d *dependency) *gobreaker.TwoStepCircuitBreaker {
	threshold := t.cfg.FailureThreshold
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        d.name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     tripOnly,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Runs under the breaker's own lock, once per generation, so two
		// concurrent failures that both complete the streak produce a
		// single OPEN transition.
		OnStateChange: func(_ string, _, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				t.open(d, StateClosed)
			}
		},
	})
}

// lookup returns the state for name without creating it.
func (t *Tracker) lookup(name string) (*dependency, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.deps[name]
	return d, ok
}

func (t *Tracker) open(d *dependency, from State) {
	now := t.clock.Now()
	d.openedAt.Store(&now)
	t.logger.Warn().
		Str("dependency", d.name).
		Str("from", string(from)).
		Msg("circuit opened")
	t.inst.recordTransition(d.name, StateOpen)
}

func (t *Tracker) close(d *dependency) {
	d.breaker.Store(t.newBreaker(d))
	d.openedAt.Store(nil)
	t.logger.Info().
		Str("dependency", d.name).
		Str("from", string(StateHalfOpen)).
		Msg("circuit closed")
	t.inst.recordTransition(d.name, StateClosed)
}

// acquire admits one call. While CLOSED the gobreaker decides; while OPEN
// every call is rejected; once the cooldown has elapsed exactly one caller
// becomes the HALF_OPEN trial call and its outcome closes or reopens the circuit.
// The returned function must be called with the outcome.
func (t *Tracker) acquire(d *dependency) (func(success bool), error) {
	if opened := d.openedAt.Load(); opened != nil {
		if t.clock.Now().Sub(*opened) < t.cfg.Cooldown {
			return nil, errRejected
		}
		if !d.trialing.CompareAndSwap(false, true) {
			return nil, errRejected
		}
		t.logger.Info().
			Str("dependency", d.name).
			Str("from", string(StateOpen)).
			Str("to", string(StateHalfOpen)).
			Msg("circuit state changed")
		t.inst.recordTransition(d.name, StateHalfOpen)
		return func(success bool) {
			defer d.trialing.Store(false)
			if success {
				t.close(d)
			} else {
				t.open(d, StateHalfOpen)
			}
		}, nil
	}

	done, err := d.breaker.Load().Allow()
	if err != nil {
		return nil, errRejected
	}
	return done, nil
}

// Execute runs fn through the breaker for name. While the circuit is OPEN
// (or its half-open trial call is in flight) fn is not invoked and an error
// wrapping ErrCircuitOpen is returned; such rejections are not recorded as
// outcomes. Otherwise the outcome of fn is recorded and its error returned
// unchanged.
//
// Execute imposes no timeout. Callers bound fn with their own context
// deadline; a deadline that fires is recorded as a failure like any other
// error.
func (t *Tracker) Execute(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	d := t.dependency(name)

	done, err := t.acquire(d)
	if err != nil {
		t.inst.recordCall(name, "rejected")
		return fmt.Errorf("%w: %s", ErrCircuitOpen, name)
	}

	start := time.Now()
	err = fn(ctx)
	latency := time.Since(start)

	if err != nil {
		t.recordFailure(d, err)
		done(false)
		return err
	}
	t.recordSuccess(d, latency)
	done(true)
	return nil
}

// Do is Execute for functions that produce a value.
func Do[T any](ctx context.Context, t *Tracker, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := t.Execute(ctx, name, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// RecordSuccess records a successful call made outside Execute.
func (t *Tracker) RecordSuccess(name string, latency time.Duration) {
	d := t.dependency(name)
	done, err := t.acquire(d)
	t.recordSuccess(d, latency)
	if err == nil {
		done(true)
	}
}

// RecordFailure records a failed call made outside Execute.
func (t *Tracker) RecordFailure(name string, cause error) {
	d := t.dependency(name)
	done, err := t.acquire(d)
	t.recordFailure(d, cause)
	if err == nil {
		done(false)
	}
}

func (t *Tracker) recordSuccess(d *dependency, latency time.Duration) {
	d.mu.Lock()
	d.consecutiveFailures = 0
	d.window.add(event{at: t.clock.Now(), ok: true, latency: latency})
	d.mu.Unlock()

	t.inst.recordCall(d.name, "success")
	t.inst.recordLatency(d.name, float64(latency)/float64(time.Millisecond))
}

func (t *Tracker) recordFailure(d *dependency, cause error) {
	d.mu.Lock()
	d.consecutiveFailures++
	if cause != nil {
		d.lastError = cause.Error()
	}
	d.window.add(event{at: t.clock.Now(), ok: false})
	d.mu.Unlock()

	t.inst.recordCall(d.name, "failure")
}

// State returns the breaker state for name. An OPEN circuit reports
// HALF_OPEN once Cooldown has elapsed on the Tracker clock. Unknown names
// report CLOSED.
func (t *Tracker) State(name string) State {
	d, ok := t.lookup(name)
	if !ok {
		return StateClosed
	}
	return t.state(d)
}

func (t *Tracker) state(d *dependency) State {
	opened := d.openedAt.Load()
	switch {
	case opened == nil:
		return StateClosed
	case t.clock.Now().Sub(*opened) < t.cfg.Cooldown:
		return StateOpen
	default:
		return StateHalfOpen
	}
}

// IsHealthy reports false when the circuit is OPEN or the error rate inside
// the window exceeds MaxErrorRate. A dependency with no history is healthy.
func (t *Tracker) IsHealthy(name string) bool {
	return t.Health(name).Healthy
}

// Health returns the current record for name.
func (t *Tracker) Health(name string) HealthRecord {
	d, ok := t.lookup(name)
	if !ok {
		return HealthRecord{Name: name, State: StateClosed, Healthy: true}
	}
	return t.record(d)
}

func (t *Tracker) record(d *dependency) HealthRecord {
	state := t.state(d)

	d.mu.Lock()
	stats := d.window.stats(t.clock.Now())
	rec := HealthRecord{
		Name:                d.name,
		State:               state,
		ConsecutiveFailures: d.consecutiveFailures,
		TotalRequests:       stats.total,
		FailedRequests:      stats.failures,
		ErrorRate:           stats.errorRate(),
		AvgLatency:          stats.avgLatency(),
		AvgLatencyMs:        float64(stats.avgLatency()) / float64(time.Millisecond),
		LastError:           d.lastError,
	}
	d.mu.Unlock()

	if opened := d.openedAt.Load(); opened != nil {
		at := *opened
		rec.CircuitOpenedAt = &at
	}
	rec.Healthy = state != StateOpen && rec.ErrorRate <= t.cfg.MaxErrorRate
	return rec
}

// Snapshot returns a record for every tracked dependency, sorted by name.
func (t *Tracker) Snapshot() []HealthRecord {
	t.mu.Lock()
	deps := make([]*dependency, 0, len(t.deps))
	for _, d := range t.deps {
		deps = append(deps, d)
	}
	t.mu.Unlock()

	out := make([]HealthRecord, 0, len(deps))
	for _, d := range deps {
		out = append(out, t.record(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// BestProvider picks the healthy candidate with the lowest average
// successful-call latency in the window. Healthy candidates without any
// successful call in the window rank after measured ones; among those the
// first in input order wins. It returns false when no candidate is healthy.
func (t *Tracker) BestProvider(candidates []string) (string, bool) {
	best := ""
	var bestLatency time.Duration
	bestMeasured := false
	found := false

	for _, name := range candidates {
		rec := t.Health(name)
		if !rec.Healthy {
			continue
		}
		measured := rec.TotalRequests-rec.FailedRequests > 0
		switch {
		case !found:
		case measured && !bestMeasured:
		case measured && bestMeasured && rec.AvgLatency < bestLatency:
		default:
			continue
		}
		best, bestLatency, bestMeasured, found = name, rec.AvgLatency, measured, true
	}
	return best, found
}

// Reset discards all state for name. The next call starts from a fresh
// CLOSED breaker with an empty window.
func (t *Tracker) Reset(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.deps, name)
}

// ResetAll discards the state of every dependency.
func (t *Tracker) ResetAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deps = make(map[string]*dependency)
}
