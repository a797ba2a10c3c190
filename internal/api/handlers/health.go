// Package handlers provides HTTP request handlers for the nesspipe API.
// This file implements health check and version endpoints.
package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/anstrom/nesspipe/internal/logging"
)

// DatabasePinger defines the interface for database health checking.
type DatabasePinger interface {
	PingContext(ctx context.Context) error
}

// NextRunner reports when the scheduler runs next.
type NextRunner interface {
	NextRun() time.Time
}

const healthCheckTimeout = 5 * time.Second

// Status constants.
const (
	StatusHealthy       = "healthy"
	StatusUnhealthy     = "unhealthy"
	StatusNotConfigured = "not configured"
)

// HealthHandler handles health check and version endpoints.
type HealthHandler struct {
	database  DatabasePinger
	scheduler NextRunner
	logger    *logging.Logger
	version   string
	startTime time.Time
}

// NewHealthHandler creates a new health handler. database and scheduler may be nil.
func NewHealthHandler(database DatabasePinger, scheduler NextRunner, version string, logger *logging.Logger) *HealthHandler {
	return &HealthHandler{
		database:  database,
		scheduler: scheduler,
		logger:    logger.WithFields("handler", "health"),
		version:   version,
		startTime: time.Now(),
	}
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
	NextRun   *time.Time        `json:"next_run,omitempty"`
}

// VersionResponse represents version information.
type VersionResponse struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
}

// Health reports the service status and its dependencies. An unreachable
// database makes the service unhealthy.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	response := HealthResponse{
		Status:    StatusHealthy,
		Version:   h.version,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Checks:    make(map[string]string),
	}

	if h.database != nil {
		if err := h.database.PingContext(ctx); err != nil {
			response.Status = StatusUnhealthy
			response.Checks["database"] = "unreachable"
			h.logger.Warn("Database health check failed", "error", err)
		} else {
			response.Checks["database"] = "ok"
		}
	} else {
		response.Checks["database"] = StatusNotConfigured
	}

	if h.scheduler != nil {
		next := h.scheduler.NextRun().UTC()
		response.NextRun = &next
		response.Checks["scheduler"] = "ok"
	} else {
		response.Checks["scheduler"] = StatusNotConfigured
	}

	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, r, statusCode, response)
}

// Version reports build information.
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, VersionResponse{
		Version:   h.version,
		GoVersion: runtime.Version(),
	})
}
