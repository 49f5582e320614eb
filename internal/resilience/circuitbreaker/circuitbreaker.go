// Package circuitbreaker isolates failing operation classes.
// It uses the github.com/sony/gobreaker library to prevent hammering a
// remote endpoint that has started rejecting or blocking traffic.
package circuitbreaker

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	obs "crawlguard/internal/observability/metrics"
	"crawlguard/internal/resilience/fault"
)

// Config holds the configuration for one circuit breaker.
type Config struct {
	// Name identifies the operation class for logging and metrics.
	Name string

	// FailureThreshold is the number of consecutive failures that trips the
	// circuit from closed to open.
	FailureThreshold uint32

	// Cooldown is how long the circuit stays open before allowing trial
	// attempts (half-open state).
	Cooldown time.Duration

	// HalfOpenSuccessThreshold is the number of consecutive successful trial
	// attempts required to close the circuit again. It also bounds how many
	// trial attempts may run concurrently while half-open.
	HalfOpenSuccessThreshold uint32
}

// DefaultConfig returns a default configuration for a circuit breaker.
func DefaultConfig(name string) Config {
	return Config{
		Name:                     name,
		FailureThreshold:         5,
		Cooldown:                 60 * time.Second,
		HalfOpenSuccessThreshold: 1,
	}
}

// Breaker wraps gobreaker.CircuitBreaker for one operation class.
type Breaker struct {
	breaker *gobreaker.CircuitBreaker
	name    string
}

// New creates a circuit breaker with the given configuration. Zero values
// fall back to DefaultConfig. A nil logger uses slog.Default.
func New(cfg Config, logger *slog.Logger) *Breaker {
	def := DefaultConfig(cfg.Name)
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenSuccessThreshold == 0 {
		cfg.HalfOpenSuccessThreshold = def.HalfOpenSuccessThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenSuccessThreshold,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				slog.String("circuit", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			obs.CircuitState.WithLabelValues(name).Set(stateValue(to))
		},
	}

	obs.CircuitState.WithLabelValues(cfg.Name).Set(stateValue(gobreaker.StateClosed))

	return &Breaker{
		breaker: gobreaker.NewCircuitBreaker(settings),
		name:    cfg.Name,
	}
}

// Execute runs the given function through the circuit breaker. While the
// circuit is open the function is never invoked and fault.ErrCircuitOpen is
// returned immediately; this consumes no attempt against the remote resource.
func (b *Breaker) Execute(fn func() (interface{}, error)) (interface{}, error) {
	result, err := b.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		obs.CircuitFastFailsTotal.WithLabelValues(b.name).Inc()
		return nil, fmt.Errorf("%s: %w", b.name, fault.ErrCircuitOpen)
	}
	return result, err
}

// State returns the current state of the circuit breaker.
func (b *Breaker) State() gobreaker.State {
	return b.breaker.State()
}

// Name returns the operation class this breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// IsOpen returns true if the circuit breaker is in the open state.
func (b *Breaker) IsOpen() bool {
	return b.breaker.State() == gobreaker.StateOpen
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
