// Package privileged defines the boundary for operations that need elevated
// rights: mounting, unmounting and writing root-owned files.
package privileged

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// OperationKind names a privileged operation.
type OperationKind string

const (
	OpMount              OperationKind = "mount"
	OpUnmount            OperationKind = "unmount"
	OpWriteProtectedFile OperationKind = "write_protected_file"
	OpMakeDir            OperationKind = "make_dir"
	OpRemoveDir          OperationKind = "remove_dir"
)

// Operation is a single privileged request.
type Operation struct {
	Kind   OperationKind `json:"kind"`
	Source string        `json:"source,omitempty"`
	Target string        `json:"target,omitempty"`
	FSType string        `json:"fs_type,omitempty"`
	// Options are logged; SensitiveOptions never are.
	Options          []string `json:"options,omitempty"`
	SensitiveOptions []string `json:"-"`
	Force            bool     `json:"force,omitempty"`

	Path string      `json:"path,omitempty"`
	Data []byte      `json:"-"`
	Mode os.FileMode `json:"mode,omitempty"`
}

// Reason classifies a failed operation.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonNotMounted Reason = "not_mounted"
	ReasonBusy       Reason = "busy"
	ReasonPermission Reason = "permission_denied"
	ReasonTimeout    Reason = "timeout"
	ReasonFailed     Reason = "failed"
)

// Outcome is the result of an operation that ran.
type Outcome struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Reason  Reason `json:"reason,omitempty"`
}

// Executor runs privileged operations. A returned error means the operation
// could not be attempted at all; an attempted but failed operation is
// reported through Outcome.
type Executor interface {
	Run(ctx context.Context, op Operation) (Outcome, error)
}

// Validate checks that op carries the fields its kind needs.
func (op Operation) Validate() error {
	switch op.Kind {
	case OpMount:
		if op.Source == "" || op.Target == "" {
			return fmt.Errorf("mount requires source and target")
		}
	case OpUnmount, OpMakeDir, OpRemoveDir:
		if op.Target == "" {
			return fmt.Errorf("%s requires target", op.Kind)
		}
	case OpWriteProtectedFile:
		if op.Path == "" {
			return fmt.Errorf("write_protected_file requires path")
		}
	default:
		return fmt.Errorf("unknown operation %q", op.Kind)
	}
	return nil
}

// Classify maps helper output to a Reason.
func Classify(output string) Reason {
	out := strings.ToLower(output)
	switch {
	case strings.Contains(out, "not mounted"), strings.Contains(out, "no mount point specified"):
		return ReasonNotMounted
	case strings.Contains(out, "target is busy"), strings.Contains(out, "device is busy"),
		strings.Contains(out, "device or resource busy"):
		return ReasonBusy
	case strings.Contains(out, "permission denied"), strings.Contains(out, "operation not permitted"),
		strings.Contains(out, "only root can"):
		return ReasonPermission
	}
	return ReasonFailed
}
