// Package handlers provides HTTP request handlers for the API.
package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"
)

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// ReadyStatus represents the readiness check response.
type ReadyStatus struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Timestamp  string            `json:"timestamp"`
}

// HealthCheck returns a handler that reports basic service health.
// This endpoint should always return 200 OK if the service is running.
func HealthCheck(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		RespondJSON(w, http.StatusOK, HealthStatus{
			Status:    "healthy",
			Service:   "board-harvester",
			Version:   version,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// ReadyCheck returns a handler that checks every configured dependency. Nil
// checkers are reported as not configured and do not fail readiness.
func ReadyCheck(checkers map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := ReadyStatus{
			Status:     "ready",
			Components: make(map[string]string, len(checkers)),
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		}

		names := make([]string, 0, len(checkers))
		for name := range checkers {
			names = append(names, name)
		}
		sort.Strings(names)

		allReady := true
		for _, name := range names {
			c := checkers[name]
			if c == nil {
				status.Components[name] = "not configured"
				continue
			}
			if err := c.Health(ctx); err != nil {
				status.Components[name] = "unhealthy: " + err.Error()
				allReady = false
				continue
			}
			status.Components[name] = "healthy"
		}

		if !allReady {
			status.Status = "not ready"
			RespondJSON(w, http.StatusServiceUnavailable, status)
			return
		}
		RespondJSON(w, http.StatusOK, status)
	}
}
