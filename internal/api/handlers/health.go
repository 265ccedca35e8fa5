package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/mountrix/internal/livemount"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

const healthCheckTimeout = 5 * time.Second

// HealthCheckResult represents the result of a health check.
type HealthCheckResult struct {
	Status   HealthStatus   `json:"status"`
	Duration string         `json:"duration,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// HealthResponse is the response for health check endpoints.
type HealthResponse struct {
	Status  HealthStatus                  `json:"status"`
	Version string                        `json:"version,omitempty"`
	Checks  map[string]*HealthCheckResult `json:"checks,omitempty"`
}

// ShutdownStatus reports whether the daemon still accepts operations.
type ShutdownStatus interface {
	IsAccepting() bool
}

// HealthHandler handles health-related HTTP endpoints.
type HealthHandler struct {
	table    TableStore
	live     livemount.Lister
	shutdown ShutdownStatus
	version  string
	logger   zerolog.Logger
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(table TableStore, live livemount.Lister, version string, logger zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		table:   table,
		live:    live,
		version: version,
		logger:  logger.With().Str("component", "health_handler").Logger(),
	}
}

// WithShutdown makes /health report unhealthy once shutdown has started.
func (h *HealthHandler) WithShutdown(s ShutdownStatus) *HealthHandler {
	h.shutdown = s
	return h
}

// RegisterPublicRoutes registers health check routes.
func (h *HealthHandler) RegisterPublicRoutes(r *gin.Engine) {
	health := r.Group("/health")
	{
		health.GET("", h.Overall)
		health.GET("/live", h.Live)
	}
}

// Live reports that the process is serving requests.
// GET /health/live
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: HealthStatusHealthy, Version: h.version})
}

// Overall checks that the mount table and the live mount table are readable.
// GET /health
func (h *HealthHandler) Overall(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	response := &HealthResponse{
		Status:  HealthStatusHealthy,
		Version: h.version,
		Checks: map[string]*HealthCheckResult{
			"mount_table": h.checkTable(ctx),
			"live_mounts": h.checkLive(ctx),
		},
	}

	if h.shutdown != nil {
		response.Checks["shutdown"] = h.checkShutdown()
	}

	for _, check := range response.Checks {
		if check.Status == HealthStatusUnhealthy {
			response.Status = HealthStatusUnhealthy
		}
	}
	if response.Status == HealthStatusUnhealthy {
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *HealthHandler) checkTable(ctx context.Context) *HealthCheckResult {
	start := time.Now()
	result := &HealthCheckResult{Status: HealthStatusHealthy}

	snap, err := h.table.Load(ctx)
	result.Duration = time.Since(start).String()
	if err != nil {
		result.Status = HealthStatusUnhealthy
		result.Error = "mount table unreadable"
		h.logger.Warn().Err(err).Msg("mount table health check failed")
		return result
	}

	result.Details = map[string]any{
		"entries":  len(snap.Entries()),
		"warnings": len(snap.Warnings),
	}
	return result
}

func (h *HealthHandler) checkLive(ctx context.Context) *HealthCheckResult {
	start := time.Now()
	result := &HealthCheckResult{Status: HealthStatusHealthy}

	mounts, err := h.live.List(ctx)
	result.Duration = time.Since(start).String()
	if err != nil {
		result.Status = HealthStatusUnhealthy
		result.Error = "live mount table unreadable"
		h.logger.Warn().Err(err).Msg("live mount health check failed")
		return result
	}

	result.Details = map[string]any{"mounts": len(mounts)}
	return result
}

func (h *HealthHandler) checkShutdown() *HealthCheckResult {
	if h.shutdown.IsAccepting() {
		return &HealthCheckResult{Status: HealthStatusHealthy}
	}
	return &HealthCheckResult{Status: HealthStatusUnhealthy, Error: "shutting down"}
}
