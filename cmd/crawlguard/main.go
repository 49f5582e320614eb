package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"crawlguard/internal/config"
	"crawlguard/internal/governor"
	"crawlguard/internal/health"
	"crawlguard/internal/metrics"
	"crawlguard/internal/observability/logging"
	"crawlguard/internal/ratelimit"
	"crawlguard/internal/resilience/fault"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML configuration (optional)")
	workers := flag.Int("workers", 4, "number of crawl workers")
	reportWindow := flag.Duration("report-window", 5*time.Minute, "window of the final performance report")
	flag.Parse()

	logger := logging.NewLogger()
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("configuration loaded",
		slog.Int("retry_max_attempts", cfg.Retry.MaxAttempts),
		slog.Int("admission_max_ceiling", cfg.Admission.MaxCeiling),
		slog.Duration("health_interval", cfg.Health.Interval.Std()))

	urls := flag.Args()
	if len(urls) == 0 {
		logger.Error("no URLs given; pass them as arguments")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runID := uuid.NewString()
	ctx = logging.WithRunIDContext(ctx, runID)
	logger = logging.WithRunID(ctx, logger)
	logger.Info("crawl run starting",
		slog.Int("urls", len(urls)),
		slog.Int("workers", *workers))

	// Wire the guarded pipeline: probe feeds the sample window, the monitor
	// steers the limiter's ceiling from the collector's aggregates.
	probe := health.NewProbe()
	collector := metrics.NewCollector(withSnapshots(cfg.CollectorConfig(), probe))
	limiter := ratelimit.New(cfg.LimiterConfig(), logger)
	gov := governor.New(governor.Config{
		Retry:   cfg.RetryPolicy(),
		Breaker: cfg.BreakerConfig(),
	}, limiter, collector, logger)

	monitor := health.NewMonitor(cfg.MonitorConfig(), probe, collector, limiter, logger)
	gov.AttachMonitor(monitor)

	startMetricsServer(ctx, logger, cfg.Metrics.ListenAddr, monitor, gov)

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		err := monitor.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	group.Go(func() error {
		logAlerts(ctx, logger, gov.Alerts())
		return nil
	})

	jobs := make(chan string)
	group.Go(func() error {
		defer close(jobs)
		for _, u := range urls {
			select {
			case jobs <- u:
			case <-ctx.Done():
				return nil
			}
		}
		return nil
	})

	client := newHTTPClient()
	for i := 0; i < *workers; i++ {
		group.Go(func() error {
			crawlWorker(ctx, logger, gov, client, jobs)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		logger.Error("run failed", slog.Any("error", err))
	}
	stop()

	printReport(logger, gov, *reportWindow)
}

// withSnapshots wires the probe's cached reading into every recorded sample.
func withSnapshots(cfg metrics.Config, probe *health.Probe) metrics.Config {
	cfg.SnapshotFunc = probe.Last
	return cfg
}

// crawlWorker drains the job channel, running each fetch through the
// governor under the "fetch-page" operation class.
func crawlWorker(ctx context.Context, logger *slog.Logger, gov *governor.Governor, client *http.Client, jobs <-chan string) {
	for url := range jobs {
		if ctx.Err() != nil {
			return
		}

		result, err := gov.Execute(ctx, "fetch-page", func(ctx context.Context) (interface{}, error) {
			return fetchPage(ctx, client, url)
		})
		if err != nil {
			logger.Warn("fetch abandoned",
				slog.String("url", url),
				slog.String("kind", fault.KindOf(err).String()),
				slog.Any("error", err))
			continue
		}

		size := result.(int64)
		logger.Info("fetched",
			slog.String("url", url),
			slog.Int64("bytes", size))
	}
}

// fetchPage performs one HTTP GET. Non-2xx statuses are surfaced as
// fault.HTTPError so the retry manager can classify them.
func fetchPage(ctx context.Context, client *http.Client, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "crawlguard/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, &fault.HTTPError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("fetch %s", url),
		}
	}

	size, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return size, fmt.Errorf("read body of %s: %w", url, err)
	}
	return size, nil
}

// logAlerts forwards health alerts to the log until the context ends.
func logAlerts(ctx context.Context, logger *slog.Logger, alerts <-chan health.Alert) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-alerts:
			level := slog.LevelWarn
			if a.Severity != health.SeverityWarning {
				level = slog.LevelError
			}
			logger.Log(ctx, level, "health alert",
				slog.String("alert_id", a.ID.String()),
				slog.String("severity", string(a.Severity)),
				slog.String("metric", a.Metric),
				slog.Float64("value", a.Value),
				slog.Float64("limit", a.Limit),
				slog.String("reason", a.Reason))
		}
	}
}

// printReport logs the windowed performance report at the end of the run.
func printReport(logger *slog.Logger, gov *governor.Governor, window time.Duration) {
	r := gov.Report(window)
	if r.Empty {
		logger.Info("no operations recorded in the report window")
		return
	}
	logger.Info("run report",
		slog.Duration("window", r.Window),
		slog.Int("attempts", r.Attempts),
		slog.Int("successes", r.Successes),
		slog.Int("failures", r.Failures),
		slog.Int("blocked", r.Blocked),
		slog.Float64("success_rate", r.SuccessRate),
		slog.Float64("throughput_per_sec", r.Throughput),
		slog.Duration("latency_mean", r.Latency.Mean),
		slog.Duration("latency_p95", r.Latency.P95),
		slog.Any("error_kinds", r.ErrorKinds))
}

// newHTTPClient creates an HTTP client with timeouts and connection pooling.
// TLS 1.2+ is enforced for security.
func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12, // Enforce TLS 1.2+
			},
		},
	}
}
