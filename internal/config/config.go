// Package config loads and validates the application configuration.
//
// Configuration is read from a YAML file, with selected values overridable
// through environment variables. Invalid optional values fall back to safe
// defaults with a logged warning; structurally invalid configuration fails
// Load with an error.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"crawlguard/internal/health"
	"crawlguard/internal/metrics"
	"crawlguard/internal/ratelimit"
	"crawlguard/internal/resilience/circuitbreaker"
	"crawlguard/internal/resilience/fault"
	"crawlguard/internal/resilience/retry"
)

// Duration wraps time.Duration for YAML decoding of values like "30s" or "1m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RetryConfig configures the retry policy applied to every operation class.
type RetryConfig struct {
	// MaxAttempts including the first. Default: 3
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelay after the first failed attempt. Default: 1s
	BaseDelay Duration `yaml:"base_delay"`

	// MaxDelay caps the backoff. Default: 30s
	MaxDelay Duration `yaml:"max_delay"`

	// Multiplier for exponential backoff. Default: 2.0
	Multiplier float64 `yaml:"multiplier"`

	// JitterFraction spreads each delay by the given fraction. Default: 0.1
	JitterFraction float64 `yaml:"jitter_fraction"`

	// RetryableKinds names the error kinds worth retrying.
	// Default: [network, timeout]
	RetryableKinds []string `yaml:"retryable_kinds"`
}

// CircuitConfig configures the per-class circuit breakers.
type CircuitConfig struct {
	// FailureThreshold of consecutive failures that trips the circuit.
	// Default: 5
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// Cooldown the circuit stays open before trial attempts. Default: 60s
	Cooldown Duration `yaml:"cooldown"`

	// HalfOpenSuccessThreshold of trial successes that closes the circuit.
	// Default: 1
	HalfOpenSuccessThreshold uint32 `yaml:"half_open_success_threshold"`
}

// AdmissionConfig configures the adaptive concurrency gate.
type AdmissionConfig struct {
	// MinCeiling and MaxCeiling bound the adaptive ceiling.
	// Defaults: 1 and 10
	MinCeiling int `yaml:"min_ceiling"`
	MaxCeiling int `yaml:"max_ceiling"`

	// InitialCeiling is the starting ceiling. Default: 5
	InitialCeiling int `yaml:"initial_ceiling"`

	// AdjustmentStep for health-driven grow/shrink. Default: 1
	AdjustmentStep int `yaml:"adjustment_step"`

	// AcquireTimeout bounds the admission wait. Zero waits indefinitely.
	AcquireTimeout Duration `yaml:"acquire_timeout"`

	// PacePerSecond enforces an inter-admission delay when positive.
	PacePerSecond float64 `yaml:"pace_per_second"`
}

// LimitsConfig holds the resource ceilings the health monitor enforces.
type LimitsConfig struct {
	// MaxMemoryMB resident memory ceiling. Default: 512
	MaxMemoryMB float64 `yaml:"max_memory_mb"`

	// MaxCPUPercent CPU utilisation ceiling. Default: 80
	MaxCPUPercent float64 `yaml:"max_cpu_percent"`

	// MaxConcurrentRequests ceiling; zero disables the check.
	MaxConcurrentRequests int `yaml:"max_concurrent_requests"`

	// MaxOpenFiles file descriptor ceiling. Default: 512
	MaxOpenFiles int `yaml:"max_open_files"`

	// WarningFraction of a limit at which health degrades. Default: 0.75
	WarningFraction float64 `yaml:"warning_fraction"`
}

// HealthConfig configures the evaluation loop.
type HealthConfig struct {
	// Interval between evaluation cycles. Default: 10s
	Interval Duration `yaml:"interval"`

	// MinSuccessRate below which health is critical. Default: 0.5
	MinSuccessRate float64 `yaml:"min_success_rate"`

	// WarnSuccessRate below which health is degraded. Default: 0.8
	WarnSuccessRate float64 `yaml:"warn_success_rate"`

	// HighWaterSuccessRate at which a healthy cycle grows the ceiling.
	// Default: 0.95
	HighWaterSuccessRate float64 `yaml:"high_water_success_rate"`

	// FatalAfterCycles of consecutive critical health. Default: 5
	FatalAfterCycles int `yaml:"fatal_after_cycles"`
}

// MetricsConfig configures the sample window and the metrics endpoint.
type MetricsConfig struct {
	// Retention horizon of the sample window. Default: 60m
	Retention Duration `yaml:"retention"`

	// MaxSamples caps the window size. Default: 10000
	MaxSamples int `yaml:"max_samples"`

	// ListenAddr of the Prometheus metrics and health HTTP server.
	// Default: ":9090", overridable via METRICS_ADDR.
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the root application configuration.
type Config struct {
	Retry     RetryConfig     `yaml:"retry"`
	Circuit   CircuitConfig   `yaml:"circuit"`
	Admission AdmissionConfig `yaml:"admission"`
	Limits    LimitsConfig    `yaml:"limits"`
	Health    HealthConfig    `yaml:"health"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Retry: RetryConfig{
			MaxAttempts:    3,
			BaseDelay:      Duration(1 * time.Second),
			MaxDelay:       Duration(30 * time.Second),
			Multiplier:     2.0,
			JitterFraction: 0.1,
			RetryableKinds: []string{"network", "timeout"},
		},
		Circuit: CircuitConfig{
			FailureThreshold:         5,
			Cooldown:                 Duration(60 * time.Second),
			HalfOpenSuccessThreshold: 1,
		},
		Admission: AdmissionConfig{
			MinCeiling:     1,
			MaxCeiling:     10,
			InitialCeiling: 5,
			AdjustmentStep: 1,
		},
		Limits: LimitsConfig{
			MaxMemoryMB:     512,
			MaxCPUPercent:   80,
			MaxOpenFiles:    512,
			WarningFraction: 0.75,
		},
		Health: HealthConfig{
			Interval:             Duration(10 * time.Second),
			MinSuccessRate:       0.5,
			WarnSuccessRate:      0.8,
			HighWaterSuccessRate: 0.95,
			FatalAfterCycles:     5,
		},
		Metrics: MetricsConfig{
			Retention:  Duration(60 * time.Minute),
			MaxSamples: 10000,
			ListenAddr: ":9090",
		},
	}
}

// Load reads the configuration file at path, applies environment overrides
// and validates the result. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path is operator supplied
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.Metrics.ListenAddr = GetEnvString("METRICS_ADDR", cfg.Metrics.ListenAddr)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks structural constraints. Values that merely tune behavior
// are normalized by the consuming packages; values that would make the
// pipeline nonsensical fail here.
func (c *Config) Validate() error {
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if err := ValidatePositiveDuration(c.Retry.BaseDelay.Std()); err != nil {
		return fmt.Errorf("retry.base_delay: %w", err)
	}
	if c.Retry.MaxDelay.Std() < c.Retry.BaseDelay.Std() {
		return fmt.Errorf("retry.max_delay %v is below retry.base_delay %v",
			c.Retry.MaxDelay.Std(), c.Retry.BaseDelay.Std())
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1, got %v", c.Retry.Multiplier)
	}
	if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction > 1 {
		return fmt.Errorf("retry.jitter_fraction must be in [0, 1], got %v", c.Retry.JitterFraction)
	}
	for _, name := range c.Retry.RetryableKinds {
		if _, err := fault.ParseKind(name); err != nil {
			return fmt.Errorf("retry.retryable_kinds: %w", err)
		}
	}

	if err := ValidatePositiveDuration(c.Circuit.Cooldown.Std()); err != nil {
		return fmt.Errorf("circuit.cooldown: %w", err)
	}

	if c.Admission.MinCeiling < 1 {
		return fmt.Errorf("admission.min_ceiling must be at least 1, got %d", c.Admission.MinCeiling)
	}
	if c.Admission.MaxCeiling < c.Admission.MinCeiling {
		return fmt.Errorf("admission.max_ceiling %d is below admission.min_ceiling %d",
			c.Admission.MaxCeiling, c.Admission.MinCeiling)
	}
	if err := ValidateNonNegativeDuration(c.Admission.AcquireTimeout.Std()); err != nil {
		return fmt.Errorf("admission.acquire_timeout: %w", err)
	}

	if c.Limits.WarningFraction <= 0 || c.Limits.WarningFraction >= 1 {
		return fmt.Errorf("limits.warning_fraction must be in (0, 1), got %v", c.Limits.WarningFraction)
	}

	if err := ValidateDurationRange(c.Health.Interval.Std(), 100*time.Millisecond, time.Hour); err != nil {
		return fmt.Errorf("health.interval: %w", err)
	}
	if c.Health.MinSuccessRate > c.Health.WarnSuccessRate {
		return fmt.Errorf("health.min_success_rate %v exceeds health.warn_success_rate %v",
			c.Health.MinSuccessRate, c.Health.WarnSuccessRate)
	}

	if err := ValidatePositiveDuration(c.Metrics.Retention.Std()); err != nil {
		return fmt.Errorf("metrics.retention: %w", err)
	}
	if c.Metrics.MaxSamples < 1 {
		return fmt.Errorf("metrics.max_samples must be at least 1, got %d", c.Metrics.MaxSamples)
	}
	return nil
}

// RetryPolicy converts the retry section into the policy the retry manager
// consumes.
func (c *Config) RetryPolicy() retry.Policy {
	retryable := make(map[fault.Kind]bool, len(c.Retry.RetryableKinds))
	for _, name := range c.Retry.RetryableKinds {
		if kind, err := fault.ParseKind(name); err == nil {
			retryable[kind] = true
		}
	}
	return retry.Policy{
		MaxAttempts:    c.Retry.MaxAttempts,
		BaseDelay:      c.Retry.BaseDelay.Std(),
		MaxDelay:       c.Retry.MaxDelay.Std(),
		Multiplier:     c.Retry.Multiplier,
		JitterFraction: c.Retry.JitterFraction,
		Retryable:      retryable,
	}
}

// BreakerConfig converts the circuit section into the per-class breaker
// template. The governor fills in the class name.
func (c *Config) BreakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold:         c.Circuit.FailureThreshold,
		Cooldown:                 c.Circuit.Cooldown.Std(),
		HalfOpenSuccessThreshold: c.Circuit.HalfOpenSuccessThreshold,
	}
}

// LimiterConfig converts the admission section into the limiter configuration.
func (c *Config) LimiterConfig() ratelimit.Config {
	return ratelimit.Config{
		MinCeiling:     c.Admission.MinCeiling,
		MaxCeiling:     c.Admission.MaxCeiling,
		InitialCeiling: c.Admission.InitialCeiling,
		AdjustmentStep: c.Admission.AdjustmentStep,
		AcquireTimeout: c.Admission.AcquireTimeout.Std(),
		PacePerSecond:  c.Admission.PacePerSecond,
	}
}

// MonitorConfig converts the limits and health sections into the monitor
// configuration.
func (c *Config) MonitorConfig() health.Config {
	return health.Config{
		Limits: health.ResourceLimits{
			MaxMemoryMB:           c.Limits.MaxMemoryMB,
			MaxCPUPercent:         c.Limits.MaxCPUPercent,
			MaxConcurrentRequests: c.Limits.MaxConcurrentRequests,
			MaxOpenFiles:          c.Limits.MaxOpenFiles,
			WarningFraction:       c.Limits.WarningFraction,
		},
		Interval:             c.Health.Interval.Std(),
		MinSuccessRate:       c.Health.MinSuccessRate,
		WarnSuccessRate:      c.Health.WarnSuccessRate,
		HighWaterSuccessRate: c.Health.HighWaterSuccessRate,
		FatalAfterCycles:     c.Health.FatalAfterCycles,
	}
}

// CollectorConfig converts the metrics section into the sample window bounds.
func (c *Config) CollectorConfig() metrics.Config {
	return metrics.Config{
		Retention:  c.Metrics.Retention.Std(),
		MaxSamples: c.Metrics.MaxSamples,
	}
}
