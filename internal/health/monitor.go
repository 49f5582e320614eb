package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"crawlguard/internal/metrics"
	obs "crawlguard/internal/observability/metrics"
)

// Status is the overall health classification of the process.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusCritical
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "HEALTHY"
	case StatusDegraded:
		return "DEGRADED"
	case StatusCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Severity classifies an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityFatal    Severity = "fatal"
)

// Alert describes one limit breach or quality degradation observed during an
// evaluation cycle.
type Alert struct {
	ID        uuid.UUID
	Severity  Severity
	Reason    string
	Metric    string
	Value     float64
	Limit     float64
	Timestamp time.Time
}

// ResourceLimits are the hard ceilings the monitor enforces. A metric at or
// above WarningFraction of its limit degrades health; at or above the limit
// itself health is critical. Zero limits disable the corresponding check.
type ResourceLimits struct {
	MaxMemoryMB           float64
	MaxCPUPercent         float64
	MaxConcurrentRequests int
	MaxOpenFiles          int
	WarningFraction       float64
}

// DefaultLimits returns the default resource limits.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MaxMemoryMB:     512,
		MaxCPUPercent:   80,
		MaxOpenFiles:    512,
		WarningFraction: 0.75,
	}
}

// CeilingController is the admission gate the monitor steers. Adjustments are
// advisory: the gate clamps them to its own bounds.
type CeilingController interface {
	Grow() int
	Shrink() int
}

// PaceController is optionally implemented by gates that also pace
// admissions over time. The monitor slows the pace on critical cycles and
// restores it on healthy ones, alongside the ceiling adjustments.
type PaceController interface {
	SlowPace() float64
	QuickenPace() float64
}

// Sampler exposes the live operation window the monitor judges quality from.
type Sampler interface {
	Current() metrics.Snapshot
}

// ResourceProbe yields fresh resource snapshots.
type ResourceProbe interface {
	Sample() metrics.ResourceSnapshot
}

// Config holds the monitor configuration.
type Config struct {
	Limits ResourceLimits

	// Interval between evaluation cycles.
	Interval time.Duration

	// MinSuccessRate is the success-rate floor below which health is
	// critical; WarnSuccessRate the floor below which it is degraded.
	MinSuccessRate  float64
	WarnSuccessRate float64

	// HighWaterSuccessRate is the rate at or above which a healthy cycle may
	// grow the admission ceiling.
	HighWaterSuccessRate float64

	// FatalAfterCycles is the number of consecutive critical cycles after
	// which a single fatal alert is emitted. Zero disables the escalation.
	FatalAfterCycles int
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		Limits:               DefaultLimits(),
		Interval:             10 * time.Second,
		MinSuccessRate:       0.5,
		WarnSuccessRate:      0.8,
		HighWaterSuccessRate: 0.95,
		FatalAfterCycles:     5,
	}
}

// Monitor periodically evaluates resource usage and operation quality,
// adjusts the admission ceiling, and emits alerts.
type Monitor struct {
	cfg     Config
	probe   ResourceProbe
	sampler Sampler
	ceiling CeilingController
	logger  *slog.Logger

	releaseHook func() error
	alerts      chan Alert

	// status is read concurrently by Status(); the remaining cycle state is
	// only touched from the evaluation loop.
	status              atomic.Int32
	consecutiveCritical int
	fatalEmitted        bool
}

// NewMonitor creates a health monitor. Probe, sampler and ceiling controller
// are required; logger may be nil.
func NewMonitor(cfg Config, probe ResourceProbe, sampler Sampler, ceiling CeilingController, logger *slog.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Limits.WarningFraction <= 0 || cfg.Limits.WarningFraction >= 1 {
		cfg.Limits.WarningFraction = def.Limits.WarningFraction
	}
	if cfg.MinSuccessRate <= 0 {
		cfg.MinSuccessRate = def.MinSuccessRate
	}
	if cfg.WarnSuccessRate <= 0 {
		cfg.WarnSuccessRate = def.WarnSuccessRate
	}
	if cfg.HighWaterSuccessRate <= 0 {
		cfg.HighWaterSuccessRate = def.HighWaterSuccessRate
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:     cfg,
		probe:   probe,
		sampler: sampler,
		ceiling: ceiling,
		logger:  logger,
		alerts:  make(chan Alert, 64),
	}
}

// Subscribe returns the alert stream. Alerts are dropped, not blocked on,
// when the subscriber falls behind.
func (m *Monitor) Subscribe() <-chan Alert {
	return m.alerts
}

// SetReleaseHook registers a callback invoked on critical memory pressure so
// the caller can drop caches or buffers. Hook errors are logged, never
// propagated.
func (m *Monitor) SetReleaseHook(hook func() error) {
	m.releaseHook = hook
}

// Status returns the classification from the most recent evaluation cycle.
func (m *Monitor) Status() Status {
	return Status(m.status.Load())
}

// Run evaluates health every Interval until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("health monitor started",
		slog.Duration("interval", m.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.EvaluateOnce()
		}
	}
}

// EvaluateOnce runs a single evaluation cycle and returns the resulting
// status.
func (m *Monitor) EvaluateOnce() Status {
	resources := m.probe.Sample()
	snapshot := m.sampler.Current()

	var breaches []Alert
	status := StatusHealthy

	check := func(metric string, value, limit float64) {
		if limit <= 0 {
			return
		}
		warn := limit * m.cfg.Limits.WarningFraction
		switch {
		case value >= limit:
			status = StatusCritical
			breaches = append(breaches, m.newAlert(SeverityCritical, metric, value, limit,
				fmt.Sprintf("%s %.1f at or above limit %.1f", metric, value, limit)))
		case value >= warn:
			if status == StatusHealthy {
				status = StatusDegraded
			}
			breaches = append(breaches, m.newAlert(SeverityWarning, metric, value, limit,
				fmt.Sprintf("%s %.1f approaching limit %.1f", metric, value, limit)))
		}
	}

	check("memory_mb", resources.MemoryMB, m.cfg.Limits.MaxMemoryMB)
	check("cpu_percent", resources.CPUPercent, m.cfg.Limits.MaxCPUPercent)
	check("open_files", float64(resources.OpenFiles), float64(m.cfg.Limits.MaxOpenFiles))
	check("concurrent_requests", float64(snapshot.InFlight), float64(m.cfg.Limits.MaxConcurrentRequests))

	if snapshot.Samples > 0 {
		rate := snapshot.SuccessRate
		switch {
		case rate < m.cfg.MinSuccessRate:
			status = StatusCritical
			breaches = append(breaches, m.newAlert(SeverityCritical, "success_rate", rate, m.cfg.MinSuccessRate,
				fmt.Sprintf("success rate %.2f below floor %.2f", rate, m.cfg.MinSuccessRate)))
		case rate < m.cfg.WarnSuccessRate:
			if status == StatusHealthy {
				status = StatusDegraded
			}
			breaches = append(breaches, m.newAlert(SeverityWarning, "success_rate", rate, m.cfg.WarnSuccessRate,
				fmt.Sprintf("success rate %.2f below warning floor %.2f", rate, m.cfg.WarnSuccessRate)))
		}
	}

	m.apply(status, resources, snapshot, breaches)
	return status
}

func (m *Monitor) apply(status Status, resources metrics.ResourceSnapshot, snapshot metrics.Snapshot, breaches []Alert) {
	m.status.Store(int32(status))
	obs.HealthStatus.Set(float64(status))

	for _, a := range breaches {
		m.emit(a)
	}

	switch status {
	case StatusCritical:
		m.consecutiveCritical++
		newCeiling := m.ceiling.Shrink()
		if pacer, ok := m.ceiling.(PaceController); ok {
			pacer.SlowPace()
		}
		m.logger.Warn("health critical, shrinking admission ceiling",
			slog.Int("new_ceiling", newCeiling),
			slog.Float64("memory_mb", resources.MemoryMB),
			slog.Float64("cpu_percent", resources.CPUPercent),
			slog.Float64("success_rate", snapshot.SuccessRate))

		if m.memoryCritical(resources) && m.releaseHook != nil {
			if err := m.releaseHook(); err != nil {
				m.logger.Error("memory release hook failed", slog.Any("error", err))
			}
		}

		if m.cfg.FatalAfterCycles > 0 &&
			m.consecutiveCritical >= m.cfg.FatalAfterCycles && !m.fatalEmitted {
			m.fatalEmitted = true
			m.emit(m.newAlert(SeverityFatal, "health", float64(m.consecutiveCritical), float64(m.cfg.FatalAfterCycles),
				fmt.Sprintf("health critical for %d consecutive cycles", m.consecutiveCritical)))
		}

	case StatusDegraded:
		m.consecutiveCritical = 0
		m.fatalEmitted = false
		m.logger.Warn("health degraded, holding admission ceiling",
			slog.Float64("memory_mb", resources.MemoryMB),
			slog.Float64("success_rate", snapshot.SuccessRate))

	case StatusHealthy:
		m.consecutiveCritical = 0
		m.fatalEmitted = false
		if snapshot.Samples == 0 || snapshot.SuccessRate >= m.cfg.HighWaterSuccessRate {
			m.ceiling.Grow()
			if pacer, ok := m.ceiling.(PaceController); ok {
				pacer.QuickenPace()
			}
		}
	}
}

func (m *Monitor) memoryCritical(resources metrics.ResourceSnapshot) bool {
	return m.cfg.Limits.MaxMemoryMB > 0 && resources.MemoryMB >= m.cfg.Limits.MaxMemoryMB
}

func (m *Monitor) newAlert(sev Severity, metric string, value, limit float64, reason string) Alert {
	return Alert{
		ID:        uuid.New(),
		Severity:  sev,
		Reason:    reason,
		Metric:    metric,
		Value:     value,
		Limit:     limit,
		Timestamp: time.Now(),
	}
}

func (m *Monitor) emit(a Alert) {
	obs.HealthAlertsTotal.WithLabelValues(string(a.Severity)).Inc()
	select {
	case m.alerts <- a:
	default:
		m.logger.Warn("alert channel full, dropping alert",
			slog.String("metric", a.Metric),
			slog.String("severity", string(a.Severity)))
	}
}
