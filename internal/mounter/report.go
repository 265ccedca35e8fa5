package mounter

import (
	"time"

	"github.com/google/uuid"

	"github.com/MacJediWizard/mountrix/internal/diagnostics"
	"github.com/MacJediWizard/mountrix/internal/models"
)

// State is a step of an orchestrated operation.
type State string

const (
	StateValidating   State = "validating"
	StateDiagnosing   State = "diagnosing"
	StateBackedUp     State = "backed_up"
	StateTableWritten State = "table_written"
	StateUnmounted    State = "unmounted"
	StateMounted      State = "mounted"
	StateVerified     State = "verified"
	StateRolledBack   State = "rolled_back"
)

// Operation names an orchestrated operation.
type Operation string

const (
	OperationApply   Operation = "apply"
	OperationUnmount Operation = "unmount"
	OperationRemount Operation = "remount"
	OperationRemove  Operation = "remove"
	OperationRestore Operation = "restore"
)

// Override lets an operator proceed past failed diagnostics. The reason is
// logged and journaled.
type Override struct {
	Reason string `json:"reason"`
}

// Report describes one operation from start to its terminal state.
type Report struct {
	ID          uuid.UUID           `json:"id"`
	Operation   Operation           `json:"operation"`
	Mountpoint  string              `json:"mountpoint"`
	Entry       *models.Entry       `json:"entry,omitempty"`
	States      []State             `json:"states"`
	Diagnostics *diagnostics.Result `json:"diagnostics,omitempty"`
	Override    *Override           `json:"override,omitempty"`
	BackupID    string              `json:"backup_id,omitempty"`
	Forced      bool                `json:"forced,omitempty"`
	Error       string              `json:"error,omitempty"`
	ErrorCode   string              `json:"error_code,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	FinishedAt  time.Time           `json:"finished_at"`
}

// State returns the last state reached, or "" before validation started.
func (r *Report) State() State {
	if len(r.States) == 0 {
		return ""
	}
	return r.States[len(r.States)-1]
}

// Reached reports whether the operation passed through s.
func (r *Report) Reached(s State) bool {
	for _, st := range r.States {
		if st == s {
			return true
		}
	}
	return false
}

// Duration returns how long the operation took.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *Report) enter(s State) {
	r.States = append(r.States, s)
}

func (r *Report) stateStrings() []string {
	out := make([]string, len(r.States))
	for i, s := range r.States {
		out[i] = string(s)
	}
	return out
}
