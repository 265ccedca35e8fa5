package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/mountrix/internal/mounter"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error  string          `json:"error"`
	Code   string          `json:"code"`
	Report *mounter.Report `json:"report,omitempty"`
}

// statusForCode maps an operation error code to an HTTP status.
func statusForCode(code string) int {
	switch code {
	case "validation_failed", "missing_field", "nfs_unsupported":
		return http.StatusUnprocessableEntity
	case "override_reason_required":
		return http.StatusBadRequest
	case "contention":
		return http.StatusConflict
	case "unknown_template", "not_in_table", "backup_not_found":
		return http.StatusNotFound
	case "diagnostic_failure":
		return http.StatusFailedDependency
	case "canceled":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with the status for its code. Failures the caller
// could not have caused are logged here.
func respondError(c *gin.Context, logger zerolog.Logger, err error, rep *mounter.Report) {
	code := mounter.ErrorCode(err)
	status := statusForCode(code)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("code", code).Str("path", c.Request.URL.Path).Msg("request failed")
	}
	_ = c.Error(err)
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code, Report: rep})
}

// badRequest rejects a malformed request body or query.
func badRequest(c *gin.Context, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "request body too large", Code: "body_too_large"})
		return
	}
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "bad_request"})
}
