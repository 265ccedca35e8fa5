package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/mountrix/internal/diagnostics"
	"github.com/MacJediWizard/mountrix/internal/fstab"
	"github.com/MacJediWizard/mountrix/internal/models"
	"github.com/MacJediWizard/mountrix/internal/mounter"
	"github.com/MacJediWizard/mountrix/internal/templates"
)

// Orchestrator defines the mount operations the API drives.
type Orchestrator interface {
	Apply(ctx context.Context, entry models.Entry, opts mounter.ApplyOptions) (*mounter.Report, error)
	Remove(ctx context.Context, mountpoint string, opts mounter.RemoveOptions) (*mounter.Report, error)
	Unmount(ctx context.Context, mountpoint string, opts mounter.UnmountOptions) (*mounter.Report, error)
	Remount(ctx context.Context, mountpoint string, opts mounter.UnmountOptions) (*mounter.Report, error)
	Restore(ctx context.Context, backupID string, opts mounter.UnmountOptions) (*mounter.Report, error)
	Diagnose(ctx context.Context, entry models.Entry, temporaryMount bool) (*diagnostics.Result, error)
	Status(ctx context.Context) ([]models.EntryStatus, error)
}

// TableStore defines the read side of the mount table store.
type TableStore interface {
	Load(ctx context.Context) (*fstab.Snapshot, error)
	Preview(ctx context.Context, snap *fstab.Snapshot) (string, error)
	ListBackups(ctx context.Context) ([]fstab.Backup, error)
	ReadBackup(id string) ([]byte, error)
}

// EntryRequest describes an entry either directly or as a template plus
// inputs.
type EntryRequest struct {
	Entry    *models.Entry     `json:"entry,omitempty"`
	Template string            `json:"template,omitempty"`
	Inputs   *templates.Inputs `json:"inputs,omitempty"`
}

// ApplyRequest is the body of POST /api/v1/entries.
type ApplyRequest struct {
	EntryRequest
	OverrideReason     string `json:"override_reason,omitempty"`
	SkipMount          bool   `json:"skip_mount,omitempty"`
	TemporaryMountTest bool   `json:"temporary_mount_test,omitempty"`
	FailFast           bool   `json:"fail_fast,omitempty"`
}

// DiagnoseRequest is the body of POST /api/v1/diagnostics.
type DiagnoseRequest struct {
	EntryRequest
	TemporaryMount bool `json:"temporary_mount,omitempty"`
}

// EntriesResponse lists the managed table.
type EntriesResponse struct {
	Entries  []models.Entry       `json:"entries"`
	Warnings []fstab.ParseWarning `json:"warnings,omitempty"`
}

// EntriesHandler handles mount table entry endpoints.
type EntriesHandler struct {
	orch    Orchestrator
	table   TableStore
	catalog *templates.Catalog
	logger  zerolog.Logger
}

// NewEntriesHandler creates a new EntriesHandler.
func NewEntriesHandler(orch Orchestrator, table TableStore, catalog *templates.Catalog, logger zerolog.Logger) *EntriesHandler {
	return &EntriesHandler{
		orch:    orch,
		table:   table,
		catalog: catalog,
		logger:  logger.With().Str("component", "entries_handler").Logger(),
	}
}

// RegisterRoutes registers entry routes on the given router group.
func (h *EntriesHandler) RegisterRoutes(r *gin.RouterGroup) {
	entries := r.Group("/entries")
	{
		entries.GET("", h.List)
		entries.POST("", h.Apply)
		entries.DELETE("", h.Remove)
		entries.POST("/preview", h.Preview)
	}
	r.POST("/diagnostics", h.Diagnose)
}

// resolve returns the entry described by req.
func (h *EntriesHandler) resolve(req EntryRequest) (models.Entry, error) {
	switch {
	case req.Entry != nil && req.Template != "":
		return models.Entry{}, errors.New("provide either entry or template, not both")
	case req.Entry != nil:
		return *req.Entry, nil
	case req.Template != "":
		var in templates.Inputs
		if req.Inputs != nil {
			in = *req.Inputs
		}
		return h.catalog.Instantiate(req.Template, in)
	default:
		return models.Entry{}, errors.New("entry or template is required")
	}
}

// resolveOrRespond writes the error response when req cannot be resolved.
func (h *EntriesHandler) resolveOrRespond(c *gin.Context, req EntryRequest) (models.Entry, bool) {
	entry, err := h.resolve(req)
	if err == nil {
		return entry, true
	}
	var coder mounter.Coder
	if errors.As(err, &coder) || errors.Is(err, templates.ErrNFSUnsupported) {
		respondError(c, h.logger, err, nil)
	} else {
		badRequest(c, err)
	}
	return models.Entry{}, false
}

// List returns the entries of the mount table.
// GET /api/v1/entries
func (h *EntriesHandler) List(c *gin.Context) {
	snap, err := h.table.Load(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err, nil)
		return
	}
	c.JSON(http.StatusOK, EntriesResponse{Entries: snap.Entries(), Warnings: snap.Warnings})
}

// Apply validates, diagnoses, writes and mounts an entry.
// POST /api/v1/entries
func (h *EntriesHandler) Apply(c *gin.Context) {
	var req ApplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	entry, ok := h.resolveOrRespond(c, req.EntryRequest)
	if !ok {
		return
	}

	opts := mounter.ApplyOptions{
		SkipMount:          req.SkipMount,
		TemporaryMountTest: req.TemporaryMountTest,
		FailFast:           req.FailFast,
	}
	if req.OverrideReason != "" {
		opts.Override = &mounter.Override{Reason: req.OverrideReason}
	}

	rep, err := h.orch.Apply(c.Request.Context(), entry, opts)
	if err != nil {
		respondError(c, h.logger, err, rep)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// Remove deletes an entry from the table, optionally unmounting it first.
// DELETE /api/v1/entries?mountpoint=/mnt/x&unmount=true
func (h *EntriesHandler) Remove(c *gin.Context) {
	mountpoint := c.Query("mountpoint")
	if mountpoint == "" {
		badRequest(c, errors.New("mountpoint is required"))
		return
	}
	unmount, err := queryBool(c, "unmount")
	if err != nil {
		badRequest(c, err)
		return
	}
	failFast, err := queryBool(c, "fail_fast")
	if err != nil {
		badRequest(c, err)
		return
	}
	opts := mounter.RemoveOptions{Unmount: unmount, FailFast: failFast}

	rep, err := h.orch.Remove(c.Request.Context(), mountpoint, opts)
	if err != nil {
		respondError(c, h.logger, err, rep)
		return
	}
	c.JSON(http.StatusOK, rep)
}

// queryBool parses an optional boolean query parameter.
func queryBool(c *gin.Context, name string) (bool, error) {
	raw := c.Query(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q", name, raw)
	}
	return v, nil
}

// Preview returns the unified diff adding or replacing an entry would cause.
// POST /api/v1/entries/preview
func (h *EntriesHandler) Preview(c *gin.Context) {
	var req EntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	entry, ok := h.resolveOrRespond(c, req)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	snap, err := h.table.Load(ctx)
	if err != nil {
		respondError(c, h.logger, err, nil)
		return
	}
	if res := models.ValidateEntry(entry, snap.Others(entry)); !res.Valid() {
		respondError(c, h.logger, &mounter.ValidationError{Errors: res}, nil)
		return
	}
	diff, err := h.table.Preview(ctx, fstab.AddOrReplace(snap, entry))
	if err != nil {
		respondError(c, h.logger, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry": entry, "diff": diff})
}

// Diagnose runs diagnostics for an entry without changing anything.
// POST /api/v1/diagnostics
func (h *EntriesHandler) Diagnose(c *gin.Context) {
	var req DiagnoseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	entry, ok := h.resolveOrRespond(c, req.EntryRequest)
	if !ok {
		return
	}

	result, err := h.orch.Diagnose(c.Request.Context(), entry, req.TemporaryMount)
	if err != nil {
		respondError(c, h.logger, err, nil)
		return
	}
	c.JSON(http.StatusOK, result)
}
