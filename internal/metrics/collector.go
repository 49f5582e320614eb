// Package metrics implements the in-memory sample window behind the
// governor's observability surface. Every attempt outcome is recorded as a
// Sample; rolling aggregates and windowed performance reports are computed
// on demand over whatever samples fall inside the requested window.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	obs "crawlguard/internal/observability/metrics"
	"crawlguard/internal/resilience/fault"
)

// Outcome is the result of a single operation attempt.
type Outcome int

const (
	// OutcomeSuccess is a completed attempt.
	OutcomeSuccess Outcome = iota

	// OutcomeFailure is a failed attempt of any retryable or unknown kind.
	OutcomeFailure

	// OutcomeBlocked is a failed attempt caused by remote counter-measures.
	OutcomeBlocked
)

// String returns the lowercase name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// ResourceSnapshot is a point-in-time view of process resource usage.
type ResourceSnapshot struct {
	MemoryMB   float64
	CPUPercent float64
	OpenFiles  int
}

// Sample records the outcome of one operation attempt.
type Sample struct {
	Timestamp time.Time
	Latency   time.Duration
	Outcome   Outcome
	Class     string
	Kind      fault.Kind // meaningful only when Outcome != OutcomeSuccess
	Resources ResourceSnapshot
}

// Config holds the retention bounds for the sample window.
type Config struct {
	// Retention is the reporting horizon; samples older than this are evicted.
	Retention time.Duration

	// MaxSamples caps the window size regardless of age.
	MaxSamples int

	// SnapshotFunc, when set, fills Sample.Resources for samples recorded
	// without an explicit snapshot. It must be cheap; the cached reading
	// from the health probe is the intended source.
	SnapshotFunc func() ResourceSnapshot
}

// DefaultConfig returns the default retention bounds: a 60 minute horizon
// capped at 10000 samples.
func DefaultConfig() Config {
	return Config{
		Retention:  60 * time.Minute,
		MaxSamples: 10000,
	}
}

// Collector is the append-mostly sample window. Eviction is lazy: old
// samples are dropped on Record and Report calls, never by a background
// sweep, so the window stays bounded without an extra scheduling concern.
type Collector struct {
	cfg Config
	now func() time.Time

	inFlight atomic.Int64

	mu      sync.Mutex
	samples []Sample
}

// NewCollector creates a Collector with the given bounds. Zero values fall
// back to DefaultConfig.
func NewCollector(cfg Config) *Collector {
	def := DefaultConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = def.MaxSamples
	}
	return &Collector{
		cfg: cfg,
		now: time.Now,
	}
}

// Record appends one attempt outcome to the window. Amortized O(1); safe for
// concurrent use.
func (c *Collector) Record(s Sample) {
	if s.Timestamp.IsZero() {
		s.Timestamp = c.now()
	}
	if s.Resources == (ResourceSnapshot{}) && c.cfg.SnapshotFunc != nil {
		s.Resources = c.cfg.SnapshotFunc()
	}

	c.mu.Lock()
	c.evictLocked(c.now())
	if len(c.samples) >= c.cfg.MaxSamples {
		c.samples = c.samples[1:]
	}
	c.samples = append(c.samples, s)
	c.mu.Unlock()

	obs.GuardedAttemptsTotal.WithLabelValues(s.Class, s.Outcome.String()).Inc()
	obs.GuardedAttemptDuration.WithLabelValues(s.Class).Observe(s.Latency.Seconds())
}

// evictLocked drops samples that fell off the retention horizon. Samples are
// appended in near-arrival order, so dropping from the front is sufficient.
func (c *Collector) evictLocked(now time.Time) {
	cutoff := now.Add(-c.cfg.Retention)
	i := 0
	for i < len(c.samples) && c.samples[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.samples = append(c.samples[:0], c.samples[i:]...)
	}
}

// OperationStarted marks one guarded operation as admitted and running.
// The admission gauge itself is owned by the limiter.
func (c *Collector) OperationStarted() {
	c.inFlight.Add(1)
}

// OperationFinished is the counterpart of OperationStarted.
func (c *Collector) OperationFinished() {
	c.inFlight.Add(-1)
}

// InFlight returns the number of guarded operations currently running.
func (c *Collector) InFlight() int64 {
	return c.inFlight.Load()
}

// Snapshot is the instantaneous aggregate over the last minute.
type Snapshot struct {
	InFlight    int64
	Samples     int
	SuccessRate float64 // 1.0 when no samples fall in the last minute
	MeanLatency time.Duration
	P95Latency  time.Duration
}

// Current returns the instantaneous aggregate. It is a pure read: calling it
// twice with no intervening Record returns identical values.
func (c *Collector) Current() Snapshot {
	cutoff := c.now().Add(-time.Minute)

	c.mu.Lock()
	var (
		total     int
		successes int
		latencies []time.Duration
	)
	for _, s := range c.samples {
		if s.Timestamp.Before(cutoff) {
			continue
		}
		total++
		if s.Outcome == OutcomeSuccess {
			successes++
		}
		latencies = append(latencies, s.Latency)
	}
	c.mu.Unlock()

	snap := Snapshot{
		InFlight:    c.inFlight.Load(),
		Samples:     total,
		SuccessRate: 1.0,
	}
	if total > 0 {
		snap.SuccessRate = float64(successes) / float64(total)
		snap.MeanLatency = meanDuration(latencies)
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		snap.P95Latency = percentile(latencies, 0.95)
	}
	return snap
}

// LatencyStats summarizes attempt latency over a report window.
type LatencyStats struct {
	Mean time.Duration
	P50  time.Duration
	P95  time.Duration
	P99  time.Duration
	Min  time.Duration
	Max  time.Duration
}

// Report is the windowed performance report.
type Report struct {
	Window      time.Duration
	GeneratedAt time.Time

	// Empty is true when no samples fall inside the window. An empty window
	// is a defined report, not an error.
	Empty bool

	Attempts    int
	Successes   int
	Failures    int
	Blocked     int
	SuccessRate float64
	BlockedRate float64
	Throughput  float64 // attempts per second over the window

	Latency LatencyStats

	// ErrorKinds counts failed attempts per fault kind name.
	ErrorKinds map[string]int
}

// Report computes aggregates over samples recorded within the given window.
// Samples are filtered by timestamp, so out-of-order Record calls from
// concurrent tasks land in whichever window their timestamp falls in.
func (c *Collector) Report(window time.Duration) Report {
	now := c.now()
	cutoff := now.Add(-window)

	c.mu.Lock()
	c.evictLocked(now)
	inWindow := make([]Sample, 0, len(c.samples))
	for _, s := range c.samples {
		if !s.Timestamp.Before(cutoff) {
			inWindow = append(inWindow, s)
		}
	}
	c.mu.Unlock()

	r := Report{
		Window:      window,
		GeneratedAt: now,
		ErrorKinds:  map[string]int{},
	}
	if len(inWindow) == 0 {
		r.Empty = true
		return r
	}

	latencies := make([]time.Duration, 0, len(inWindow))
	for _, s := range inWindow {
		r.Attempts++
		latencies = append(latencies, s.Latency)
		switch s.Outcome {
		case OutcomeSuccess:
			r.Successes++
		case OutcomeBlocked:
			r.Blocked++
			r.ErrorKinds[s.Kind.String()]++
		case OutcomeFailure:
			r.Failures++
			r.ErrorKinds[s.Kind.String()]++
		}
	}
	r.SuccessRate = float64(r.Successes) / float64(r.Attempts)
	r.BlockedRate = float64(r.Blocked) / float64(r.Attempts)
	if window > 0 {
		r.Throughput = float64(r.Attempts) / window.Seconds()
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	r.Latency = LatencyStats{
		Mean: meanDuration(latencies),
		P50:  percentile(latencies, 0.50),
		P95:  percentile(latencies, 0.95),
		P99:  percentile(latencies, 0.99),
		Min:  latencies[0],
		Max:  latencies[len(latencies)-1],
	}
	return r
}

// percentile picks from an ascending-sorted slice.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * q)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func meanDuration(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	return sum / time.Duration(len(ds))
}
