// Package mounter applies mount table entries to the live system. Every
// operation either completes or leaves the mount table as it was.
package mounter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/mountrix/internal/credentials"
	"github.com/MacJediWizard/mountrix/internal/diagnostics"
	"github.com/MacJediWizard/mountrix/internal/fstab"
	"github.com/MacJediWizard/mountrix/internal/journal"
	"github.com/MacJediWizard/mountrix/internal/livemount"
	"github.com/MacJediWizard/mountrix/internal/metrics"
	"github.com/MacJediWizard/mountrix/internal/models"
	"github.com/MacJediWizard/mountrix/internal/privileged"
)

// DefaultMountTimeout bounds a single mount call.
const DefaultMountTimeout = 30 * time.Second

// Diagnoser runs pre-flight checks. *diagnostics.Runner satisfies it.
type Diagnoser interface {
	Diagnose(ctx context.Context, entry models.Entry, opts diagnostics.DiagnoseOptions) *diagnostics.Result
}

// ApplyOptions controls Apply.
type ApplyOptions struct {
	// Override proceeds past failed diagnostics. It must carry a reason.
	Override *Override
	// SkipMount writes the table without touching the live system.
	SkipMount bool
	// TemporaryMountTest adds a throwaway mount to the diagnostics.
	TemporaryMountTest bool
	// FailFast returns ErrContention instead of waiting for a busy mountpoint.
	FailFast bool
}

// UnmountOptions controls Unmount and Remount.
type UnmountOptions struct {
	FailFast bool
}

// RemoveOptions controls Remove.
type RemoveOptions struct {
	// Unmount the entry before removing it from the table.
	Unmount  bool
	FailFast bool
}

// Orchestrator runs mount operations against the table and the live system.
type Orchestrator struct {
	store        *fstab.Store
	exec         privileged.Executor
	diag         Diagnoser
	live         livemount.Lister
	prober       livemount.Prober
	secrets      credentials.Store
	journal      journal.Journal
	metrics      *metrics.PrometheusMetrics
	locks        *keyedMutex
	stat         func(string) (os.FileInfo, error)
	mountTimeout time.Duration
	now          func() time.Time
	logger       zerolog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithProber enables stale detection in Status.
func WithProber(p livemount.Prober) Option {
	return func(o *Orchestrator) { o.prober = p }
}

// WithSecrets sets the store used to resolve x-mountrix.secret references.
func WithSecrets(s credentials.Store) Option {
	return func(o *Orchestrator) { o.secrets = s }
}

// WithJournal records every operation.
func WithJournal(j journal.Journal) Option {
	return func(o *Orchestrator) { o.journal = j }
}

// WithMetrics records operation metrics.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithStat replaces the stat call used to check mountpoint directories.
func WithStat(fn func(string) (os.FileInfo, error)) Option {
	return func(o *Orchestrator) { o.stat = fn }
}

// WithMountTimeout bounds each mount call.
func WithMountTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.mountTimeout = d
		}
	}
}

// WithClock sets the time source for reports.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator.
func New(store *fstab.Store, exec privileged.Executor, diag Diagnoser, live livemount.Lister, logger zerolog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:        store,
		exec:         exec,
		diag:         diag,
		live:         live,
		locks:        newKeyedMutex(),
		stat:         os.Stat,
		mountTimeout: DefaultMountTimeout,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       logger.With().Str("component", "orchestrator").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Store returns the table store.
func (o *Orchestrator) Store() *fstab.Store { return o.store }

// Apply validates, diagnoses, persists and mounts entry. On any failure
// after the backup the table is restored before Apply returns.
func (o *Orchestrator) Apply(ctx context.Context, entry models.Entry, opts ApplyOptions) (rep *Report, err error) {
	entry = entry.Clone()
	rep = o.begin(OperationApply, entry.Mountpoint)
	rep.Entry = &entry
	defer func() { o.finish(ctx, rep, err) }()

	if opts.Override != nil && strings.TrimSpace(opts.Override.Reason) == "" {
		return rep, ErrOverrideReason
	}

	unlock, err := o.locks.Lock(ctx, entry.NormalizedMountpoint(), opts.FailFast)
	if err != nil {
		return rep, err
	}
	defer unlock()

	rep.enter(StateValidating)
	snap, err := o.store.Load(ctx)
	if err != nil {
		return rep, fmt.Errorf("load table: %w", err)
	}
	secret, err := o.validate(ctx, entry, snap.Others(entry))
	if err != nil {
		return rep, err
	}

	if entry.IsNetwork() {
		rep.enter(StateDiagnosing)
		if err := o.diagnose(ctx, rep, entry, secret, opts); err != nil {
			return rep, err
		}
	}
	if err := ctx.Err(); err != nil {
		return rep, err
	}

	unlockTable, err := o.lockTable(ctx, opts.FailFast)
	if err != nil {
		return rep, err
	}
	defer unlockTable()

	// Diagnostics ran without the table lock; another writer may have
	// changed the table since.
	snap, err = o.store.Load(ctx)
	if err != nil {
		return rep, fmt.Errorf("load table: %w", err)
	}
	if result := models.ValidateEntry(entry, snap.Others(entry)); !result.Valid() {
		return rep, &ValidationError{Errors: result}
	}
	previous, hadPrevious := snap.Find(entry.Mountpoint)

	replaceLive := false
	if !opts.SkipMount {
		mounts, err := o.live.List(ctx)
		if err != nil {
			return rep, fmt.Errorf("read live mounts: %w", err)
		}
		if m, ok := livemount.Find(mounts, entry.Mountpoint); ok {
			if !hadPrevious {
				return rep, &MountError{
					Mountpoint: entry.Mountpoint,
					Reason:     "already_mounted",
					Output:     m.Source + " is mounted there",
				}
			}
			replaceLive = true
		}
	}

	handle, err := o.store.Backup(ctx)
	if err != nil {
		return rep, err
	}
	rep.BackupID = handle.ID
	rep.enter(StateBackedUp)

	if err := o.store.Save(ctx, handle, fstab.AddOrReplace(snap, entry)); err != nil {
		return rep, o.rollback(ctx, rep, handle, err)
	}
	rep.enter(StateTableWritten)

	if opts.SkipMount {
		return rep, nil
	}

	if replaceLive {
		forced, err := o.unmount(ctx, entry.Mountpoint)
		rep.Forced = forced
		if err != nil {
			return rep, o.rollback(ctx, rep, handle, err)
		}
		rep.enter(StateUnmounted)
	}

	if err := o.mount(ctx, rep, entry, secret); err != nil {
		err = o.rollback(ctx, rep, handle, err)
		if replaceLive {
			o.restorePrevious(ctx, previous)
		}
		return rep, err
	}
	return rep, nil
}

// Diagnose runs the pre-flight checks for entry without changing anything.
func (o *Orchestrator) Diagnose(ctx context.Context, entry models.Entry, temporaryMount bool) (*diagnostics.Result, error) {
	secret, err := o.validate(ctx, entry, nil)
	if err != nil {
		return nil, err
	}
	opts := diagnostics.DiagnoseOptions{TemporaryMount: temporaryMount}
	if secret != nil {
		opts.SensitiveOptions = secret.sensitiveOptions()
	}
	result := o.diag.Diagnose(ctx, entry, opts)
	o.metrics.RecordDiagnostic(result.OK())
	return result, nil
}

// validate checks entry against others and resolves its secret. Every
// problem found is reported together.
func (o *Orchestrator) validate(ctx context.Context, entry models.Entry, others []models.Entry) (*secretMaterial, error) {
	result := models.ValidateEntry(entry, others)
	secret, fe, err := o.resolveSecret(ctx, entry)
	if err != nil {
		return nil, err
	}
	if fe != nil {
		result = append(result, *fe)
	}
	if fe := checkKeyFile(entry); fe != nil {
		result = append(result, *fe)
	}
	if !result.Valid() {
		return nil, &ValidationError{Errors: result}
	}
	return secret, nil
}

func (o *Orchestrator) diagnose(ctx context.Context, rep *Report, entry models.Entry, secret *secretMaterial, opts ApplyOptions) error {
	dopts := diagnostics.DiagnoseOptions{TemporaryMount: opts.TemporaryMountTest}
	if secret != nil {
		dopts.SensitiveOptions = secret.sensitiveOptions()
	}
	result := o.diag.Diagnose(ctx, entry, dopts)
	rep.Diagnostics = result
	if err := ctx.Err(); err != nil {
		return err
	}
	o.metrics.RecordDiagnostic(result.OK())
	if result.OK() {
		return nil
	}
	if opts.Override == nil {
		return &diagnostics.DiagnosticFailure{Result: result}
	}

	rep.Override = opts.Override
	o.logger.Warn().
		Str("operation_id", rep.ID.String()).
		Str("mountpoint", entry.Mountpoint).
		Str("host", result.Host).
		Str("detail", result.Detail).
		Str("override_reason", opts.Override.Reason).
		Msg("proceeding past failed diagnostics on operator override")
	return nil
}

func (o *Orchestrator) lockTable(ctx context.Context, failFast bool) (func(), error) {
	if !failFast {
		return o.store.Lock(ctx)
	}
	unlock, err := o.store.TryLock()
	if errors.Is(err, fstab.ErrBusy) {
		return nil, fmt.Errorf("mount table: %w", ErrContention)
	}
	return unlock, err
}

// rollback restores the table from handle and returns cause, joined with the
// rollback error if the restore failed too.
func (o *Orchestrator) rollback(ctx context.Context, rep *Report, handle *fstab.BackupHandle, cause error) error {
	if err := o.store.Rollback(context.WithoutCancel(ctx), handle); err != nil {
		o.logger.Error().
			Err(err).
			Str("operation_id", rep.ID.String()).
			Str("backup_id", handle.ID).
			Str("mountpoint", rep.Mountpoint).
			Msg("rollback failed, restore the mount table manually")
		return multierror.Append(cause, fmt.Errorf("rollback to backup %s: %w", handle.ID, err))
	}
	rep.enter(StateRolledBack)
	o.metrics.RecordRollback()
	o.logger.Warn().
		Str("operation_id", rep.ID.String()).
		Str("backup_id", handle.ID).
		Str("mountpoint", rep.Mountpoint).
		Str("cause", cause.Error()).
		Msg("mount table rolled back")
	return cause
}

func (o *Orchestrator) begin(op Operation, mountpoint string) *Report {
	return &Report{
		ID:         uuid.New(),
		Operation:  op,
		Mountpoint: mountpoint,
		States:     []State{},
		StartedAt:  o.now(),
	}
}

func (o *Orchestrator) finish(ctx context.Context, rep *Report, err error) {
	rep.FinishedAt = o.now()
	outcome := journal.OutcomeSuccess
	if err != nil {
		rep.Error = err.Error()
		rep.ErrorCode = ErrorCode(err)
		outcome = journal.OutcomeFailed
		if rep.State() == StateRolledBack {
			outcome = journal.OutcomeRolledBack
		}
	}
	o.metrics.RecordOperation(string(rep.Operation), string(outcome), rep.Duration())

	event := o.logger.Info()
	if err != nil {
		event = o.logger.Warn().Err(err).Str("code", rep.ErrorCode)
	}
	event.
		Str("operation_id", rep.ID.String()).
		Str("operation", string(rep.Operation)).
		Str("mountpoint", rep.Mountpoint).
		Strs("states", rep.stateStrings()).
		Dur("duration", rep.Duration()).
		Msg("operation finished")

	// Requests rejected before any step ran are not journaled.
	if o.journal == nil || len(rep.States) == 0 {
		return
	}
	rec := &journal.Record{
		ID:         rep.ID,
		Operation:  string(rep.Operation),
		Mountpoint: rep.Mountpoint,
		Outcome:    outcome,
		ErrorCode:  rep.ErrorCode,
		Error:      rep.Error,
		States:     rep.stateStrings(),
		BackupID:   rep.BackupID,
		StartedAt:  rep.StartedAt,
		FinishedAt: rep.FinishedAt,
	}
	if rep.Entry != nil {
		rec.Source = rep.Entry.Source
	}
	if rep.Override != nil {
		rec.Override = rep.Override.Reason
	}
	if err := o.journal.Append(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Error().Err(err).Str("operation_id", rep.ID.String()).Msg("failed to journal operation")
	}
}
