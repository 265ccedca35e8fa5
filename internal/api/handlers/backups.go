package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/mountrix/internal/mounter"
)

// BackupsHandler handles mount table backup endpoints.
type BackupsHandler struct {
	orch   Orchestrator
	table  TableStore
	logger zerolog.Logger
}

// NewBackupsHandler creates a new BackupsHandler.
func NewBackupsHandler(orch Orchestrator, table TableStore, logger zerolog.Logger) *BackupsHandler {
	return &BackupsHandler{
		orch:   orch,
		table:  table,
		logger: logger.With().Str("component", "backups_handler").Logger(),
	}
}

// RegisterRoutes registers backup routes on the given router group.
func (h *BackupsHandler) RegisterRoutes(r *gin.RouterGroup) {
	backups := r.Group("/backups")
	{
		backups.GET("", h.List)
		backups.GET("/:id", h.Get)
		backups.POST("/:id/restore", h.Restore)
	}
}

// List returns the stored backups, oldest first.
// GET /api/v1/backups
func (h *BackupsHandler) List(c *gin.Context) {
	backups, err := h.table.ListBackups(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"backups": backups})
}

// Get returns the raw content of one backup.
// GET /api/v1/backups/:id
func (h *BackupsHandler) Get(c *gin.Context) {
	data, err := h.table.ReadBackup(c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err, nil)
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", data)
}

// Restore replaces the live table with a backup.
// POST /api/v1/backups/:id/restore
func (h *BackupsHandler) Restore(c *gin.Context) {
	failFast, err := queryBool(c, "fail_fast")
	if err != nil {
		badRequest(c, err)
		return
	}

	rep, err := h.orch.Restore(c.Request.Context(), c.Param("id"), mounter.UnmountOptions{FailFast: failFast})
	if err != nil {
		respondError(c, h.logger, err, rep)
		return
	}
	c.JSON(http.StatusOK, rep)
}
