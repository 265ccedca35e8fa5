package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/mountrix/internal/mounter"
)

// MountRequest is the body of the unmount and remount endpoints.
type MountRequest struct {
	Mountpoint string `json:"mountpoint" binding:"required"`
	FailFast   bool   `json:"fail_fast,omitempty"`
}

// MountsHandler handles live mount endpoints.
type MountsHandler struct {
	orch   Orchestrator
	logger zerolog.Logger
}

// NewMountsHandler creates a new MountsHandler.
func NewMountsHandler(orch Orchestrator, logger zerolog.Logger) *MountsHandler {
	return &MountsHandler{
		orch:   orch,
		logger: logger.With().Str("component", "mounts_handler").Logger(),
	}
}

// RegisterRoutes registers mount routes on the given router group.
func (h *MountsHandler) RegisterRoutes(r *gin.RouterGroup) {
	mounts := r.Group("/mounts")
	{
		mounts.POST("/unmount", h.Unmount)
		mounts.POST("/remount", h.Remount)
	}
	r.GET("/status", h.Status)
}

// Unmount unmounts a mountpoint, forcing it when busy.
// POST /api/v1/mounts/unmount
func (h *MountsHandler) Unmount(c *gin.Context) {
	var req MountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	rep, err := h.orch.Unmount(c.Request.Context(), req.Mountpoint, mounter.UnmountOptions{FailFast: req.FailFast})
	if err != nil {
		respondError(c, h.logger, err, rep)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// Remount unmounts and mounts a table entry again.
// POST /api/v1/mounts/remount
func (h *MountsHandler) Remount(c *gin.Context) {
	var req MountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	rep, err := h.orch.Remount(c.Request.Context(), req.Mountpoint, mounter.UnmountOptions{FailFast: req.FailFast})
	if err != nil {
		respondError(c, h.logger, err, rep)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// Status returns the live status of every table entry.
// GET /api/v1/status
func (h *MountsHandler) Status(c *gin.Context) {
	statuses, err := h.orch.Status(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mounts": statuses})
}
