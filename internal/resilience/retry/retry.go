// Package retry executes guarded operations with bounded retries and
// exponential backoff with jitter. The circuit breaker for the operation
// class is consulted on every attempt, and every attempt outcome is
// forwarded to the metrics collector regardless of the retry decision.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"crawlguard/internal/metrics"
	obs "crawlguard/internal/observability/metrics"
	"crawlguard/internal/resilience/circuitbreaker"
	"crawlguard/internal/resilience/fault"
)

// Policy holds the retry configuration for one operation class. It is
// immutable and shared read-only by all executions of that class.
type Policy struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the backoff delay after the first failed attempt.
	BaseDelay time.Duration

	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration

	// Multiplier is the exponential backoff multiplier.
	Multiplier float64

	// JitterFraction spreads each delay by ±fraction (0.0 to 1.0) to avoid
	// thundering herds.
	JitterFraction float64

	// Retryable is the set of error kinds worth retrying. Kinds not in the
	// set abort the attempt loop immediately.
	Retryable map[fault.Kind]bool
}

// DefaultPolicy returns a default retry policy: network and timeout failures
// are retried, blocked and unknown failures are not.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      1 * time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Retryable: map[fault.Kind]bool{
			fault.KindNetwork: true,
			fault.KindTimeout: true,
		},
	}
}

// Delay returns the backoff delay after the given failed attempt (1-indexed).
// The pre-jitter delay grows monotonically until capped at MaxDelay; jitter
// then spreads it by ±JitterFraction.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if ceiling := float64(p.MaxDelay); delay > ceiling {
		delay = ceiling
	}
	if p.JitterFraction > 0 {
		f := p.JitterFraction
		if f > 1.0 {
			f = 1.0
		}
		// #nosec G404 -- math/rand is acceptable for backoff jitter;
		// cryptographic randomness is not required.
		delay *= 1 + (rand.Float64()*2-1)*f
	}
	return time.Duration(delay)
}

func (p Policy) retryable(k fault.Kind) bool {
	return p.Retryable[k]
}

// Operation is a caller-supplied invokable unit. The manager has no
// knowledge of what the operation does.
type Operation func(ctx context.Context) (interface{}, error)

// Recorder receives one sample per real attempt.
type Recorder interface {
	Record(s metrics.Sample)
}

// Manager owns the retry loop for one operation class.
type Manager struct {
	class    string
	policy   Policy
	breaker  *circuitbreaker.Breaker
	recorder Recorder
	logger   *slog.Logger
}

// NewManager creates a retry manager for one operation class. The breaker is
// required; recorder and logger may be nil.
func NewManager(class string, policy Policy, breaker *circuitbreaker.Breaker, recorder Recorder, logger *slog.Logger) *Manager {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		class:    class,
		policy:   policy,
		breaker:  breaker,
		recorder: recorder,
		logger:   logger,
	}
}

// Execute runs the operation with retries. It returns the operation's result,
// or the last error once all permissible attempts are exhausted or a
// non-retryable failure occurred. A fault.ErrCircuitOpen return means the
// operation was never invoked.
func (m *Manager) Execute(ctx context.Context, op Operation) (interface{}, error) {
	var lastErr error

	for attempt := 1; attempt <= m.policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("retry aborted: %w", err)
		}

		start := time.Now()
		result, err := m.breaker.Execute(func() (interface{}, error) {
			return op(ctx)
		})
		elapsed := time.Since(start)

		// Fast-fail: no attempt reached the remote resource, so nothing is
		// recorded against the sample window.
		if errors.Is(err, fault.ErrCircuitOpen) {
			return nil, err
		}

		if err == nil {
			m.record(metrics.OutcomeSuccess, 0, elapsed)
			if attempt > 1 {
				m.logger.Info("operation succeeded after retry",
					slog.String("class", m.class),
					slog.Int("attempt", attempt))
			}
			return result, nil
		}

		lastErr = err
		kind := fault.KindOf(err)
		outcome := metrics.OutcomeFailure
		if kind == fault.KindBlocked {
			outcome = metrics.OutcomeBlocked
		}
		m.record(outcome, kind, elapsed)

		if !m.policy.retryable(kind) {
			m.logger.Warn("non-retryable error, aborting",
				slog.String("class", m.class),
				slog.Int("attempt", attempt),
				slog.String("kind", kind.String()),
				slog.Any("error", err))
			return nil, err
		}

		if attempt == m.policy.MaxAttempts {
			break
		}

		delay := m.policy.Delay(attempt)
		m.logger.Warn("operation failed, retrying",
			slog.String("class", m.class),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", m.policy.MaxAttempts),
			slog.Duration("delay", delay),
			slog.String("kind", kind.String()),
			slog.Any("error", err))
		obs.GuardedRetriesTotal.WithLabelValues(m.class).Inc()

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("retry aborted: %w", ctx.Err())
		}
	}

	return nil, fmt.Errorf("max retry attempts (%d) exceeded: %w", m.policy.MaxAttempts, lastErr)
}

// Breaker returns the circuit breaker guarding this operation class.
func (m *Manager) Breaker() *circuitbreaker.Breaker {
	return m.breaker
}

func (m *Manager) record(outcome metrics.Outcome, kind fault.Kind, latency time.Duration) {
	if m.recorder == nil {
		return
	}
	m.recorder.Record(metrics.Sample{
		Latency: latency,
		Outcome: outcome,
		Class:   m.class,
		Kind:    kind,
	})
}
