// Package ratelimit provides the adaptive admission gate in front of guarded
// operations. Admission is a counting gate with a movable ceiling: callers
// suspend in Acquire until a slot frees up, in strict FIFO order. The health
// monitor moves the ceiling between its configured bounds; shrinking never
// cancels admitted work, it only blocks new admissions until in-flight
// operations drain. An optional pacer inserts an adaptive delay between
// admissions on top of the concurrency bound.
package ratelimit

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	obs "crawlguard/internal/observability/metrics"
	"crawlguard/internal/resilience/fault"
)

// Config holds the admission gate configuration.
type Config struct {
	// MinCeiling and MaxCeiling bound the adaptive concurrency ceiling.
	MinCeiling int
	MaxCeiling int

	// InitialCeiling is the starting ceiling; clamped into [Min, Max].
	InitialCeiling int

	// AdjustmentStep is how far Grow and Shrink move the ceiling.
	AdjustmentStep int

	// AcquireTimeout bounds the admission wait. Zero means wait indefinitely.
	AcquireTimeout time.Duration

	// PacePerSecond, when positive, enforces an adaptive delay between
	// admissions in addition to the concurrency ceiling.
	PacePerSecond float64
}

// DefaultConfig returns a default admission configuration.
func DefaultConfig() Config {
	return Config{
		MinCeiling:     1,
		MaxCeiling:     10,
		InitialCeiling: 5,
		AdjustmentStep: 1,
	}
}

// AdaptiveLimiter gates concurrent in-flight operations.
type AdaptiveLimiter struct {
	mu       sync.Mutex
	ceiling  int
	inFlight int
	waiters  *list.List // of *waiter, FIFO

	min  int
	max  int
	step int

	acquireTimeout time.Duration
	pacer          *rate.Limiter
	basePace       float64
	logger         *slog.Logger
}

type waiter struct {
	ready chan struct{}
}

// Permit represents one admission. Release must be called on every exit path
// of the guarded operation; it is idempotent, so defensive double-release on
// error paths cannot shrink effective capacity.
type Permit struct {
	l    *AdaptiveLimiter
	once sync.Once
}

// Release returns the permit's slot. It never blocks.
func (p *Permit) Release() {
	p.once.Do(p.l.release)
}

// New creates an AdaptiveLimiter. Zero values fall back to DefaultConfig;
// the initial ceiling is clamped into [MinCeiling, MaxCeiling].
func New(cfg Config, logger *slog.Logger) *AdaptiveLimiter {
	def := DefaultConfig()
	if cfg.MinCeiling <= 0 {
		cfg.MinCeiling = def.MinCeiling
	}
	if cfg.MaxCeiling < cfg.MinCeiling {
		cfg.MaxCeiling = cfg.MinCeiling
	}
	if cfg.AdjustmentStep <= 0 {
		cfg.AdjustmentStep = def.AdjustmentStep
	}
	if cfg.InitialCeiling == 0 {
		cfg.InitialCeiling = cfg.MaxCeiling
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &AdaptiveLimiter{
		ceiling:        clamp(cfg.InitialCeiling, cfg.MinCeiling, cfg.MaxCeiling),
		waiters:        list.New(),
		min:            cfg.MinCeiling,
		max:            cfg.MaxCeiling,
		step:           cfg.AdjustmentStep,
		acquireTimeout: cfg.AcquireTimeout,
		logger:         logger,
	}
	if cfg.PacePerSecond > 0 {
		l.pacer = rate.NewLimiter(rate.Limit(cfg.PacePerSecond), 1)
		l.basePace = cfg.PacePerSecond
	}
	obs.AdmissionCeiling.Set(float64(l.ceiling))
	return l
}

// Acquire suspends the caller until in-flight drops below the ceiling, then
// returns a permit. Pending acquirers are served in first-come-first-served
// order. If an AcquireTimeout is configured and the wait exceeds it,
// fault.ErrAdmissionTimeout is returned; context cancellation surfaces the
// context error.
func (l *AdaptiveLimiter) Acquire(ctx context.Context) (*Permit, error) {
	if l.acquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.acquireTimeout)
		defer cancel()
	}

	l.mu.Lock()
	if l.inFlight < l.ceiling && l.waiters.Len() == 0 {
		l.inFlight++
		l.publishLocked()
		l.mu.Unlock()
	} else {
		w := &waiter{ready: make(chan struct{})}
		elem := l.waiters.PushBack(w)
		l.publishLocked()
		l.mu.Unlock()

		select {
		case <-w.ready:
		case <-ctx.Done():
			l.mu.Lock()
			select {
			case <-w.ready:
				// Admitted between cancellation and lock acquisition:
				// hand the slot to the next waiter instead.
				l.inFlight--
				l.admitLocked()
			default:
				l.waiters.Remove(elem)
				l.publishLocked()
			}
			l.mu.Unlock()

			if l.acquireTimeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				obs.AdmissionTimeoutsTotal.Inc()
				return nil, fmt.Errorf("%w after %v", fault.ErrAdmissionTimeout, l.acquireTimeout)
			}
			return nil, ctx.Err()
		}
	}

	if l.pacer != nil {
		if err := l.pacer.Wait(ctx); err != nil {
			l.release()
			return nil, err
		}
	}
	return &Permit{l: l}, nil
}

func (l *AdaptiveLimiter) release() {
	l.mu.Lock()
	l.inFlight--
	l.admitLocked()
	l.publishLocked()
	l.mu.Unlock()
}

// admitLocked hands free slots to the oldest waiters.
func (l *AdaptiveLimiter) admitLocked() {
	for l.inFlight < l.ceiling && l.waiters.Len() > 0 {
		front := l.waiters.Front()
		l.waiters.Remove(front)
		l.inFlight++
		close(front.Value.(*waiter).ready)
	}
}

// SetCeiling moves the ceiling to n, clamped into [min, max], and returns
// the effective value. Raising the ceiling admits queued waiters; lowering
// it never cancels in-flight work.
func (l *AdaptiveLimiter) SetCeiling(n int) int {
	l.mu.Lock()
	old := l.ceiling
	l.ceiling = clamp(n, l.min, l.max)
	if l.ceiling > old {
		l.admitLocked()
	}
	current := l.ceiling
	l.publishLocked()
	l.mu.Unlock()

	if current != old {
		l.logger.Info("admission ceiling adjusted",
			slog.Int("old_ceiling", old),
			slog.Int("new_ceiling", current))
	}
	return current
}

// Grow raises the ceiling by one adjustment step.
func (l *AdaptiveLimiter) Grow() int {
	return l.SetCeiling(l.Ceiling() + l.step)
}

// Shrink lowers the ceiling by one adjustment step.
func (l *AdaptiveLimiter) Shrink() int {
	return l.SetCeiling(l.Ceiling() - l.step)
}

// SetPace adjusts the inter-admission pacing rate. No-op when the limiter
// was built without a pacer.
func (l *AdaptiveLimiter) SetPace(perSecond float64) {
	if l.pacer == nil || perSecond <= 0 {
		return
	}
	l.pacer.SetLimit(rate.Limit(perSecond))
}

// SlowPace lowers the inter-admission rate by a third, floored at a tenth of
// the configured rate, and returns the effective rate. No-op when the limiter
// was built without a pacer.
func (l *AdaptiveLimiter) SlowPace() float64 {
	if l.pacer == nil {
		return 0
	}
	next := float64(l.pacer.Limit()) / 1.5
	if floor := l.basePace / 10; next < floor {
		next = floor
	}
	l.pacer.SetLimit(rate.Limit(next))
	return next
}

// QuickenPace raises the inter-admission rate back toward the configured
// value and returns the effective rate.
func (l *AdaptiveLimiter) QuickenPace() float64 {
	if l.pacer == nil {
		return 0
	}
	next := float64(l.pacer.Limit()) * 1.25
	if next > l.basePace {
		next = l.basePace
	}
	l.pacer.SetLimit(rate.Limit(next))
	return next
}

// Ceiling returns the current concurrency ceiling.
func (l *AdaptiveLimiter) Ceiling() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ceiling
}

// InFlight returns the number of currently admitted operations.
func (l *AdaptiveLimiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

// QueueLen returns the number of callers waiting for admission.
func (l *AdaptiveLimiter) QueueLen() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.waiters.Len()
}

func (l *AdaptiveLimiter) publishLocked() {
	obs.AdmissionCeiling.Set(float64(l.ceiling))
	obs.AdmissionInFlight.Set(float64(l.inFlight))
	obs.AdmissionQueueDepth.Set(float64(l.waiters.Len()))
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
