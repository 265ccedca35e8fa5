package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/mountrix/internal/templates"
)

// TemplatesHandler handles vendor template endpoints.
type TemplatesHandler struct {
	catalog *templates.Catalog
	logger  zerolog.Logger
}

// NewTemplatesHandler creates a new TemplatesHandler.
func NewTemplatesHandler(catalog *templates.Catalog, logger zerolog.Logger) *TemplatesHandler {
	return &TemplatesHandler{
		catalog: catalog,
		logger:  logger.With().Str("component", "templates_handler").Logger(),
	}
}

// RegisterRoutes registers template routes on the given router group.
func (h *TemplatesHandler) RegisterRoutes(r *gin.RouterGroup) {
	tmpl := r.Group("/templates")
	{
		tmpl.GET("", h.List)
		tmpl.GET("/:id", h.Get)
		tmpl.POST("/:id/instantiate", h.Instantiate)
	}
}

// List returns every vendor profile.
// GET /api/v1/templates
func (h *TemplatesHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"templates": h.catalog.List()})
}

// Get returns one profile with its rendered help text.
// GET /api/v1/templates/:id
func (h *TemplatesHandler) Get(c *gin.Context) {
	id := c.Param("id")
	profile, err := h.catalog.Get(id)
	if err != nil {
		respondError(c, h.logger, err, nil)
		return
	}
	help, err := h.catalog.Help(id)
	if err != nil {
		respondError(c, h.logger, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"template": profile, "help": help})
}

// Instantiate builds an entry from a profile without writing it.
// POST /api/v1/templates/:id/instantiate
func (h *TemplatesHandler) Instantiate(c *gin.Context) {
	var in templates.Inputs
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}

	entry, err := h.catalog.Instantiate(c.Param("id"), in)
	if err != nil {
		respondError(c, h.logger, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry})
}
