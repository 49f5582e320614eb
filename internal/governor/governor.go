// Package governor is the single entry point callers wrap their outbound
// operations with. One Execute call runs the full guarded pipeline: admission
// through the adaptive limiter, then the retry loop behind the per-class
// circuit breaker, with every attempt recorded against the sample window.
package governor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"crawlguard/internal/health"
	"crawlguard/internal/metrics"
	"crawlguard/internal/observability/tracing"
	"crawlguard/internal/ratelimit"
	"crawlguard/internal/resilience/circuitbreaker"
	"crawlguard/internal/resilience/retry"
)

// Config holds the per-class templates the governor stamps out managers from.
type Config struct {
	// Retry is the retry policy applied to every operation class.
	Retry retry.Policy

	// Breaker is the circuit breaker template; each class gets its own
	// breaker named after the class.
	Breaker circuitbreaker.Config
}

// DefaultConfig returns governor defaults.
func DefaultConfig() Config {
	return Config{
		Retry:   retry.DefaultPolicy(),
		Breaker: circuitbreaker.DefaultConfig(""),
	}
}

// Governor coordinates admission, retries, circuit breaking and metrics for
// guarded operations. Operation classes are isolated: each class gets its own
// retry manager and circuit breaker, created on first use.
type Governor struct {
	cfg       Config
	limiter   *ratelimit.AdaptiveLimiter
	collector *metrics.Collector
	logger    *slog.Logger

	mu       sync.Mutex
	managers map[string]*retry.Manager
	monitor  *health.Monitor
}

// New creates a Governor. Limiter and collector are required; logger may be
// nil.
func New(cfg Config, limiter *ratelimit.AdaptiveLimiter, collector *metrics.Collector, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{
		cfg:       cfg,
		limiter:   limiter,
		collector: collector,
		logger:    logger,
		managers:  make(map[string]*retry.Manager),
	}
}

// Execute runs op under the full guarded pipeline for the given operation
// class. The call blocks in admission until a slot frees up (or the admission
// timeout fires), then runs the retry loop. The permit is released on every
// exit path.
func (g *Governor) Execute(ctx context.Context, class string, op retry.Operation) (interface{}, error) {
	ctx, span := tracing.GetTracer().Start(ctx, "governor.Execute")
	defer span.End()
	span.SetAttributes(attribute.String("operation.class", class))

	permit, err := g.limiter.Acquire(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "admission rejected")
		return nil, err
	}
	defer permit.Release()

	g.collector.OperationStarted()
	defer g.collector.OperationFinished()

	start := time.Now()
	result, err := g.manager(class).Execute(ctx, op)
	span.SetAttributes(attribute.Int64("operation.duration_ms", time.Since(start).Milliseconds()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return result, nil
}

// manager returns the retry manager for the class, creating it on first use.
func (g *Governor) manager(class string) *retry.Manager {
	g.mu.Lock()
	defer g.mu.Unlock()

	if m, ok := g.managers[class]; ok {
		return m
	}

	bcfg := g.cfg.Breaker
	bcfg.Name = class
	breaker := circuitbreaker.New(bcfg, g.logger)
	m := retry.NewManager(class, g.cfg.Retry, breaker, g.collector, g.logger)
	g.managers[class] = m

	g.logger.Info("operation class registered", slog.String("class", class))
	return m
}

// AttachMonitor wires a health monitor into the facade so callers can read
// health and subscribe to alerts through the governor.
func (g *Governor) AttachMonitor(m *health.Monitor) {
	g.monitor = m
}

// Health returns the monitor's latest classification, or StatusHealthy when
// no monitor is attached.
func (g *Governor) Health() health.Status {
	if g.monitor == nil {
		return health.StatusHealthy
	}
	return g.monitor.Status()
}

// Alerts returns the attached monitor's alert stream, or nil when no monitor
// is attached.
func (g *Governor) Alerts() <-chan health.Alert {
	if g.monitor == nil {
		return nil
	}
	return g.monitor.Subscribe()
}

// Current returns the instantaneous aggregate over the live sample window.
func (g *Governor) Current() metrics.Snapshot {
	return g.collector.Current()
}

// Report returns the windowed performance report.
func (g *Governor) Report(window time.Duration) metrics.Report {
	return g.collector.Report(window)
}

// CircuitStates returns the current breaker state per known operation class.
func (g *Governor) CircuitStates() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()

	states := make(map[string]string, len(g.managers))
	for class, m := range g.managers {
		states[class] = m.Breaker().State().String()
	}
	return states
}

// Limiter exposes the admission gate, primarily for the health monitor.
func (g *Governor) Limiter() *ratelimit.AdaptiveLimiter {
	return g.limiter
}

// Collector exposes the sample window, primarily for the health monitor.
func (g *Governor) Collector() *metrics.Collector {
	return g.collector
}

// Compile-time wiring checks against the health monitor's interfaces.
var (
	_ health.CeilingController = (*ratelimit.AdaptiveLimiter)(nil)
	_ health.PaceController    = (*ratelimit.AdaptiveLimiter)(nil)
	_ health.Sampler           = (*metrics.Collector)(nil)
)
