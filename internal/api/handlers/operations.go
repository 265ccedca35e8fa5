package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/mountrix/internal/journal"
)

const (
	defaultOperationsLimit = 50
	maxOperationsLimit     = 500
)

// OperationsHandler exposes the operation journal.
type OperationsHandler struct {
	journal journal.Journal
	logger  zerolog.Logger
}

// NewOperationsHandler creates a new OperationsHandler.
func NewOperationsHandler(j journal.Journal, logger zerolog.Logger) *OperationsHandler {
	return &OperationsHandler{
		journal: j,
		logger:  logger.With().Str("component", "operations_handler").Logger(),
	}
}

// RegisterRoutes registers journal routes on the given router group.
func (h *OperationsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/operations", h.List)
}

// List returns the most recent operations, newest first.
// GET /api/v1/operations?limit=50
func (h *OperationsHandler) List(c *gin.Context) {
	limit := defaultOperationsLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer", Code: "bad_request"})
			return
		}
		limit = min(n, maxOperationsLimit)
	}

	records, err := h.journal.Recent(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to read operation journal")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to read operation journal", Code: "internal"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"operations": records})
}
