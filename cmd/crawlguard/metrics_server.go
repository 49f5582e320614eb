package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crawlguard/internal/governor"
	"crawlguard/internal/health"
)

// HealthResponse represents the overall health check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// CircuitHealthResponse represents the state of all known circuit breakers.
type CircuitHealthResponse struct {
	Healthy  bool              `json:"healthy"`
	Circuits map[string]string `json:"circuits"`
}

// startMetricsServer starts the Prometheus metrics HTTP server.
// It runs in a separate goroutine and supports graceful shutdown via context.
//
// The server exposes the following endpoints:
//   - GET /metrics - Prometheus metrics endpoint
//   - GET /health - Health status from the monitor (503 when critical)
//   - GET /health/circuits - Per-class circuit breaker state (503 when any open)
func startMetricsServer(ctx context.Context, logger *slog.Logger, addr string, monitor *health.Monitor, gov *governor.Governor) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", healthHandler(monitor))
	mux.HandleFunc("/health/circuits", circuitHealthHandler(gov))

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("metrics server starting", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", slog.Any("error", err))
		}
	}()

	go func() {
		<-ctx.Done()
		logger.Info("metrics server shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", slog.Any("error", err))
		} else {
			logger.Info("metrics server stopped")
		}
	}()

	return server
}

// healthHandler reports the monitor's current classification. Degraded still
// answers 200 so orchestrators do not restart a process that is backing off
// on purpose; only critical health returns 503.
func healthHandler(monitor *health.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := monitor.Status()

		statusCode := http.StatusOK
		if status == health.StatusCritical {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(HealthResponse{Status: status.String()})
	}
}

// circuitHealthHandler reports per-class breaker state. Returns 503 if any
// circuit is open.
func circuitHealthHandler(gov *governor.Governor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		states := gov.CircuitStates()

		healthy := true
		for _, state := range states {
			if state == "open" {
				healthy = false
			}
		}

		statusCode := http.StatusOK
		if !healthy {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(CircuitHealthResponse{
			Healthy:  healthy,
			Circuits: states,
		})
	}
}
