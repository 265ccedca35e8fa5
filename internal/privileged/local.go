package privileged

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
	"k8s.io/mount-utils"

	"github.com/MacJediWizard/mountrix/internal/fsutil"
)

// LocalExecutor runs operations directly. The process must already hold the
// rights the operations need.
type LocalExecutor struct {
	mounter      mount.Interface
	forceUnmount func(target string) error
	lateGrace    time.Duration
	logger       zerolog.Logger
}

// defaultLateGrace bounds how long a timed out mount helper is waited for.
const defaultLateGrace = 15 * time.Second

// LocalOption configures a LocalExecutor.
type LocalOption func(*LocalExecutor)

// WithMounter replaces the system mounter.
func WithMounter(m mount.Interface) LocalOption {
	return func(e *LocalExecutor) { e.mounter = m }
}

// WithForceUnmount replaces the forced unmount syscall.
func WithForceUnmount(fn func(target string) error) LocalOption {
	return func(e *LocalExecutor) { e.forceUnmount = fn }
}

// WithLateMountGrace sets how long a mount helper that outlived its context
// is waited for before the executor reports the timeout.
func WithLateMountGrace(d time.Duration) LocalOption {
	return func(e *LocalExecutor) { e.lateGrace = d }
}

// NewLocalExecutor creates an executor that calls mount(8) and umount(8)
// without going through systemd-run.
func NewLocalExecutor(logger zerolog.Logger, opts ...LocalOption) *LocalExecutor {
	e := &LocalExecutor{
		mounter: mount.NewWithoutSystemd(""),
		forceUnmount: func(target string) error {
			return unix.Unmount(target, unix.MNT_FORCE)
		},
		lateGrace: defaultLateGrace,
		logger:    logger.With().Str("component", "executor").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run implements Executor.
func (e *LocalExecutor) Run(ctx context.Context, op Operation) (Outcome, error) {
	if err := op.Validate(); err != nil {
		return Outcome{}, err
	}

	start := time.Now()
	var outcome Outcome
	switch op.Kind {
	case OpMount:
		outcome = e.mount(ctx, op)
	case OpUnmount:
		outcome = e.unmount(ctx, op)
	case OpWriteProtectedFile:
		outcome = e.writeFile(ctx, op)
	case OpMakeDir:
		outcome = fromErr(os.MkdirAll(op.Target, dirMode(op.Mode)))
	case OpRemoveDir:
		err := os.Remove(op.Target)
		if errors.Is(err, fs.ErrNotExist) {
			err = nil
		}
		outcome = fromErr(err)
	}

	event := e.logger.Debug()
	if !outcome.Success {
		event = e.logger.Warn().Str("reason", string(outcome.Reason))
	}
	event.
		Str("op", string(op.Kind)).
		Str("target", firstNonEmpty(op.Target, op.Path)).
		Strs("options", op.Options).
		Dur("duration", time.Since(start)).
		Bool("success", outcome.Success).
		Msg("privileged operation finished")
	return outcome, nil
}

func (e *LocalExecutor) unmount(ctx context.Context, op Operation) Outcome {
	if op.Force {
		return e.await(ctx, func() error { return e.forceUnmount(op.Target) })
	}
	outcome := e.await(ctx, func() error { return e.mounter.Unmount(op.Target) })
	if outcome.Reason == ReasonNotMounted {
		// Already in the desired state.
		outcome.Success = true
	}
	return outcome
}

func (e *LocalExecutor) writeFile(ctx context.Context, op Operation) Outcome {
	if err := ctx.Err(); err != nil {
		return Outcome{Reason: ReasonTimeout, Output: err.Error()}
	}
	mode := op.Mode
	if mode == 0 {
		mode = 0o600
	}
	return fromErr(fsutil.WriteFileAtomic(op.Path, op.Data, mode))
}

// mount runs the mount helper. The helper cannot be killed, so when ctx
// expires first it gets lateGrace to finish, and a mount that lands late is
// undone. A timeout outcome therefore never leaves target mounted.
func (e *LocalExecutor) mount(ctx context.Context, op Operation) Outcome {
	done := make(chan error, 1)
	go func() {
		done <- e.mounter.MountSensitive(op.Source, op.Target, op.FSType, op.Options, op.SensitiveOptions)
	}()

	select {
	case err := <-done:
		return fromErr(err)
	case <-ctx.Done():
	}
	timeout := Outcome{Reason: ReasonTimeout, Output: ctx.Err().Error()}

	grace := time.NewTimer(e.lateGrace)
	defer grace.Stop()
	select {
	case err := <-done:
		if err == nil {
			e.undoLateMount(op.Target)
		}
		return timeout
	case <-grace.C:
		e.logger.Warn().
			Str("target", op.Target).
			Dur("grace", e.lateGrace).
			Msg("mount helper still running after timeout, it will be undone when it finishes")
		go func() {
			if err := <-done; err == nil {
				e.undoLateMount(op.Target)
			}
		}()
		timeout.Output += "; mount helper still running"
		return timeout
	}
}

// undoLateMount unmounts a mount that completed after its caller gave up.
func (e *LocalExecutor) undoLateMount(target string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.lateGrace)
	defer cancel()

	out := e.await(ctx, func() error { return e.mounter.Unmount(target) })
	if !out.Success && out.Reason != ReasonNotMounted {
		out = e.await(ctx, func() error { return e.forceUnmount(target) })
	}
	if !out.Success && out.Reason != ReasonNotMounted {
		e.logger.Error().Str("target", target).Str("output", out.Output).Msg("failed to undo late mount")
		return
	}
	e.logger.Warn().Str("target", target).Msg("undid mount that completed after its timeout")
}

// await runs fn in a goroutine so a hung helper cannot block past ctx.
func (e *LocalExecutor) await(ctx context.Context, fn func() error) Outcome {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return fromErr(err)
	case <-ctx.Done():
		return Outcome{Reason: ReasonTimeout, Output: ctx.Err().Error()}
	}
}

func fromErr(err error) Outcome {
	if err == nil {
		return Outcome{Success: true}
	}
	reason := Classify(err.Error())
	switch {
	case errors.Is(err, unix.EINVAL) && reason == ReasonFailed:
		// umount2 on a path that is not a mountpoint
		reason = ReasonNotMounted
	case errors.Is(err, unix.EBUSY):
		reason = ReasonBusy
	case errors.Is(err, fs.ErrPermission):
		reason = ReasonPermission
	}
	return Outcome{Reason: reason, Output: strings.TrimSpace(err.Error())}
}

func dirMode(m os.FileMode) os.FileMode {
	if m == 0 {
		return 0o755
	}
	return m
}

func firstNonEmpty(s ...string) string {
	for _, v := range s {
		if v != "" {
			return v
		}
	}
	return ""
}

// TableWriter routes atomic file writes through an Executor so the mount
// table can be rewritten by an unprivileged caller.
type TableWriter struct {
	Exec Executor
}

// WriteFile writes data to path with perm through the executor.
func (w TableWriter) WriteFile(ctx context.Context, path string, data []byte, perm os.FileMode) error {
	outcome, err := w.Exec.Run(ctx, Operation{Kind: OpWriteProtectedFile, Path: path, Data: data, Mode: perm})
	if err != nil {
		return err
	}
	if !outcome.Success {
		return fmt.Errorf("write %s: %s", path, outcome.Output)
	}
	return nil
}
