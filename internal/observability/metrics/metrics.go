package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Guarded-execution metrics track attempt outcomes and latency per
// operation class.
var (
	// GuardedAttemptsTotal counts operation attempts by class and outcome.
	GuardedAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guarded_attempts_total",
			Help: "Total number of guarded operation attempts",
		},
		[]string{"class", "outcome"},
	)

	// GuardedAttemptDuration measures attempt latency in seconds
	GuardedAttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "guarded_attempt_duration_seconds",
			Help:    "Guarded operation attempt duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"class"},
	)

	// GuardedRetriesTotal counts backoff sleeps taken before re-attempting
	GuardedRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "guarded_retries_total",
			Help: "Total number of retries after a failed attempt",
		},
		[]string{"class"},
	)
)

// Circuit breaker metrics track per-class breaker behavior.
var (
	// CircuitState reports the current breaker state per operation class.
	// Values: 0=closed, 1=half-open, 2=open.
	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"class"},
	)

	// CircuitFastFailsTotal counts calls rejected while the circuit was open
	CircuitFastFailsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_fast_fails_total",
			Help: "Total number of calls rejected by an open circuit",
		},
		[]string{"class"},
	)
)

// Admission metrics track the adaptive rate limiter.
var (
	// AdmissionInFlight tracks currently admitted operations
	AdmissionInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "admission_in_flight",
			Help: "Number of operations currently holding an admission permit",
		},
	)

	// AdmissionCeiling tracks the adaptive concurrency ceiling
	AdmissionCeiling = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "admission_ceiling",
			Help: "Current maximum number of concurrent admitted operations",
		},
	)

	// AdmissionQueueDepth tracks callers waiting for admission
	AdmissionQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "admission_queue_depth",
			Help: "Number of callers queued for an admission permit",
		},
	)

	// AdmissionTimeoutsTotal counts admission waits that exceeded their bound
	AdmissionTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "admission_timeouts_total",
			Help: "Total number of admission waits that timed out",
		},
	)
)

// Health metrics track the periodic evaluation cycle.
var (
	// HealthStatus reports the last computed health status.
	// Values: 0=healthy, 1=degraded, 2=critical.
	HealthStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "health_status",
			Help: "Current health status (0=healthy, 1=degraded, 2=critical)",
		},
	)

	// HealthAlertsTotal counts emitted alerts by severity
	HealthAlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "health_alerts_total",
			Help: "Total number of emitted health alerts",
		},
		[]string{"severity"},
	)

	// ResourceMemoryMB reports resident memory from the last probe
	ResourceMemoryMB = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resource_memory_mb",
			Help: "Resident memory of the process in megabytes",
		},
	)

	// ResourceCPUPercent reports CPU usage from the last probe
	ResourceCPUPercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resource_cpu_percent",
			Help: "CPU usage of the process as a percentage of one core",
		},
	)

	// ResourceOpenFiles reports open file descriptors from the last probe
	ResourceOpenFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "resource_open_files",
			Help: "Number of open file descriptors",
		},
	)
)
