package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/flightctl/calcifer/pkg/shutdown"
)

// HealthChecker is the minimal readiness contract /readyz consults;
// internal/health.Monitor.CheckHealth satisfies it directly.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// ReadyzHandler runs every check and returns 503 on the first failure, 200
// if all pass. The response body is always empty: callers needing detail
// should hit /shutdownz instead.
func ReadyzHandler(timeout time.Duration, checks ...HealthChecker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		to := timeout
		if to <= 0 {
			to = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), to)
		defer cancel()

		for _, c := range checks {
			if c == nil {
				continue
			}
			if err := c.CheckHealth(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
}

// HealthzHandler always returns 200: a liveness probe only needs to know
// the process is still scheduling goroutines.
func HealthzHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// ShutdownStatusProvider exposes a ShutdownManager's point-in-time status.
type ShutdownStatusProvider interface {
	GetShutdownStatus() shutdown.ShutdownStatus
}

// ShutdownStatusHandler serves the detailed drain-progress snapshot: 503
// while shutting down, 200 once operational, body always JSON.
func ShutdownStatusHandler(provider ShutdownStatusProvider) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := provider.GetShutdownStatus()

		w.Header().Set("Content-Type", "application/json")
		if status.IsShuttingDown {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		if err := json.NewEncoder(w).Encode(status); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"failed to encode shutdown status"}`))
		}
	})
}
