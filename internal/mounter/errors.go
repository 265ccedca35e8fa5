package mounter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MacJediWizard/mountrix/internal/fstab"
	"github.com/MacJediWizard/mountrix/internal/models"
	"github.com/MacJediWizard/mountrix/internal/templates"
)

var (
	// ErrContention is returned with FailFast when the mountpoint or the
	// table is held by another operation.
	ErrContention = errors.New("another operation holds the mountpoint")
	// ErrOverrideReason is returned when an override carries no reason.
	ErrOverrideReason = errors.New("diagnostic override requires a reason")
	// ErrNotInTable is returned when an operation needs a table entry that
	// does not exist.
	ErrNotInTable = errors.New("mountpoint is not defined in the mount table")
)

// Coder is implemented by errors that carry a stable reason code.
type Coder interface {
	Code() string
}

// ValidationError lists every problem found with an entry. Nothing was
// touched when it is returned.
type ValidationError struct {
	Errors models.ValidationResult
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.String()
	}
	return "invalid entry: " + strings.Join(parts, "; ")
}

// Code returns the stable reason code.
func (e *ValidationError) Code() string { return "validation_failed" }

// MountError reports a failed or unverifiable mount.
type MountError struct {
	Mountpoint string
	Reason     string
	Output     string
	Err        error
}

func (e *MountError) Error() string {
	msg := fmt.Sprintf("mount %s failed (%s)", e.Mountpoint, e.Reason)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MountError) Unwrap() error { return e.Err }

// Code returns the stable reason code.
func (e *MountError) Code() string { return "mount_failed" }

// UnmountError reports an unmount that failed even after the forced retry.
type UnmountError struct {
	Mountpoint string
	Reason     string
	Output     string
	Err        error
}

func (e *UnmountError) Error() string {
	msg := fmt.Sprintf("unmount %s failed (%s)", e.Mountpoint, e.Reason)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UnmountError) Unwrap() error { return e.Err }

// Code returns the stable reason code.
func (e *UnmountError) Code() string { return "unmount_failed" }

// ErrorCode returns the reason code for err, or "internal" when err carries none.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var coder Coder
	switch {
	case errors.As(err, &coder):
		return coder.Code()
	case errors.Is(err, ErrContention):
		return "contention"
	case errors.Is(err, ErrOverrideReason):
		return "override_reason_required"
	case errors.Is(err, ErrNotInTable):
		return "not_in_table"
	case errors.Is(err, fstab.ErrBackupNotFound):
		return "backup_not_found"
	case errors.Is(err, templates.ErrNFSUnsupported):
		return "nfs_unsupported"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "internal"
}
