// Package breaker implements a circuit breaker wrapping any
// fallible call: it tracks consecutive failure/success counts, transitions
// closed/open/half_open, and optionally races a fallback against its own
// timeout. State transitions follow a small-critical-section,
// mutex-guarded style for shared
// mutable state.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/orchestrd/dataplane/model"
	"github.com/orchestrd/dataplane/orcherrors"
	"github.com/orchestrd/dataplane/telemetry"
)

// Config controls a Breaker's thresholds and timeouts. Zero-valued fields
// fall back to the defaults below, following the convention that a
// zero value means "use the engine default".
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	FallbackTimeout  time.Duration
	SampleWindow     int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.FallbackTimeout <= 0 {
		c.FallbackTimeout = 5 * time.Second
	}
	if c.SampleWindow <= 0 {
		c.SampleWindow = 64
	}
	return c
}

// Stats is a point-in-time snapshot of a Breaker's counters, safe to read
// without holding the Breaker's lock (it is a copy).
type Stats struct {
	Mode              model.BreakerMode
	Requests          int64
	Successes         int64
	Failures          int64
	Timeouts          int64
	Retries           int64
	Fallbacks         int64
	StateChanges      int64
	MeanResponseTime  time.Duration
}

// Breaker wraps a named call-site. A Breaker must be created via New or
// obtained from a Registry; the zero value is not usable.
type Breaker struct {
	name string
	cfg  Config

	logger  telemetry.Logger
	metrics telemetry.Metrics

	mu               sync.Mutex
	mode             model.BreakerMode
	consecFailures   int
	consecSuccesses  int
	openedAt         time.Time
	samples          []time.Duration
	sampleCursor     int

	requests, successes, failures, timeouts, retries, fallbacks, stateChanges int64
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger attaches a structured logger.
func WithLogger(l telemetry.Logger) Option { return func(b *Breaker) { b.logger = l } }

// WithMetrics attaches a metrics recorder.
func WithMetrics(m telemetry.Metrics) Option { return func(b *Breaker) { b.metrics = m } }

// New constructs a Breaker named for diagnostics/metrics tagging, starting
// in the closed state.
func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name:    name,
		cfg:     cfg.withDefaults(),
		mode:    model.BreakerClosed,
		logger:  telemetry.NoopLogger{},
		metrics: telemetry.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the breaker's call-site name.
func (b *Breaker) Name() string { return b.name }

// Fallback is an alternate computation invoked after the primary call fails
// (or is refused because the breaker is open), racing its own deadline.
type Fallback[T any] func(ctx context.Context) (T, error)

// Execute runs fn under the breaker's protection. If the breaker is open it
// fails fast with orcherrors.BreakerOpen; otherwise fn's outcome advances the
// breaker's state machine. If fn fails (or the breaker refuses the call) and
// fallback is non-nil, fallback is invoked with its own deadline and its
// result is returned instead.
func Execute[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error), fallback Fallback[T]) (T, error) {
	var zero T

	if !b.admit() {
		b.metrics.IncCounter("breaker.rejected", 1, "name", b.name)
		if fallback != nil {
			return runFallback(ctx, b, fallback)
		}
		return zero, fmt.Errorf("breaker %q: %w", b.name, orcherrors.BreakerOpen)
	}

	start := time.Now()
	result, err := fn(ctx)
	elapsed := time.Since(start)
	b.recordOutcome(ctx, elapsed, err)

	if err != nil && fallback != nil {
		return runFallback(ctx, b, fallback)
	}
	return result, err
}

func runFallback[T any](ctx context.Context, b *Breaker, fallback Fallback[T]) (T, error) {
	b.incFallbacks()
	fctx, cancel := context.WithTimeout(ctx, b.cfg.FallbackTimeout)
	defer cancel()
	return fallback(fctx)
}

// admit decides whether a call is allowed through right now, performing the
// open->half_open transition if the configured timeout has elapsed since the
// breaker opened. No background timer is used; the transition happens lazily
// on the next admission.
func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests++

	switch b.mode {
	case model.BreakerClosed:
		return true
	case model.BreakerHalfOpen:
		return true
	case model.BreakerOpen:
		if time.Since(b.openedAt) >= b.cfg.Timeout {
			b.transitionLocked(model.BreakerHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

func (b *Breaker) recordOutcome(ctx context.Context, elapsed time.Duration, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.recordSampleLocked(elapsed)

	if err == nil {
		b.successes++
		switch b.mode {
		case model.BreakerClosed:
			b.consecFailures = 0
		case model.BreakerHalfOpen:
			b.consecSuccesses++
			if b.consecSuccesses >= b.cfg.SuccessThreshold {
				b.transitionLocked(model.BreakerClosed)
			}
		}
		return
	}

	b.failures++
	switch b.mode {
	case model.BreakerClosed:
		b.consecFailures++
		if b.consecFailures >= b.cfg.FailureThreshold {
			b.transitionLocked(model.BreakerOpen)
		}
	case model.BreakerHalfOpen:
		b.transitionLocked(model.BreakerOpen)
	}
	b.logger.Warn(ctx, "breaker call failed", "name", b.name, "mode", string(b.mode), "error", err.Error())
}

func (b *Breaker) recordSampleLocked(elapsed time.Duration) {
	if cap(b.samples) < b.cfg.SampleWindow {
		b.samples = make([]time.Duration, 0, b.cfg.SampleWindow)
	}
	if len(b.samples) < b.cfg.SampleWindow {
		b.samples = append(b.samples, elapsed)
	} else {
		b.samples[b.sampleCursor] = elapsed
		b.sampleCursor = (b.sampleCursor + 1) % b.cfg.SampleWindow
	}
}

// transitionLocked must be called with b.mu held.
func (b *Breaker) transitionLocked(to model.BreakerMode) {
	if b.mode == to {
		return
	}
	b.mode = to
	b.stateChanges++
	switch to {
	case model.BreakerOpen:
		b.openedAt = time.Now()
	case model.BreakerHalfOpen:
		b.consecSuccesses = 0
	case model.BreakerClosed:
		b.consecFailures = 0
	}
	b.metrics.IncCounter("breaker.state_change", 1, "name", b.name, "to", string(to))
}

func (b *Breaker) incFallbacks() {
	b.mu.Lock()
	b.fallbacks++
	b.mu.Unlock()
}

// RecordTimeout marks the most recent call as a timeout, in addition to
// whatever failure accounting Execute already performed for the returned
// context-deadline error. Callers that distinguish timeouts from other
// transient failures for metrics purposes call this explicitly.
func (b *Breaker) RecordTimeout() {
	b.mu.Lock()
	b.timeouts++
	b.mu.Unlock()
}

// IncRetries records that the retry policy wrapping this breaker attempted
// another try. Retries count toward breaker observations only on the
// terminal outcome (Execute's single recordOutcome call), not per attempt;
// this counter is purely informational.
func (b *Breaker) IncRetries() {
	b.mu.Lock()
	b.retries++
	b.mu.Unlock()
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	var mean time.Duration
	if len(b.samples) > 0 {
		var total time.Duration
		for _, s := range b.samples {
			total += s
		}
		mean = total / time.Duration(len(b.samples))
	}

	return Stats{
		Mode:             b.mode,
		Requests:         b.requests,
		Successes:        b.successes,
		Failures:         b.failures,
		Timeouts:         b.timeouts,
		Retries:          b.retries,
		Fallbacks:        b.fallbacks,
		StateChanges:     b.stateChanges,
		MeanResponseTime: mean,
	}
}
