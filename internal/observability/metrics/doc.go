// Package metrics provides Prometheus metrics registry for the execution
// governor.
//
// This package centralizes all application metrics including:
//   - Guarded-execution metrics (attempts, retries, latency)
//   - Circuit breaker state and fast-fail counts
//   - Admission gate gauges (ceiling, in-flight, queue depth)
//   - Health status, alerts, and process resource gauges
//
// All metrics are automatically registered with the Prometheus default registry
// and exposed via the /metrics endpoint.
//
// Example usage:
//
//	import obs "crawlguard/internal/observability/metrics"
//
//	func recordAttempt(class string, d time.Duration) {
//	    obs.GuardedAttemptsTotal.WithLabelValues(class, "success").Inc()
//	    obs.GuardedAttemptDuration.WithLabelValues(class).Observe(d.Seconds())
//	}
package metrics
