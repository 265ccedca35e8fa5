package diagnostics

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/MacJediWizard/mountrix/internal/models"
	"github.com/MacJediWizard/mountrix/internal/privileged"
)

// probeOptions turns entry options into a read-only, non-persistent set for
// a trial mount.
func probeOptions(entry models.Entry, withSecrets bool) models.Options {
	opts := entry.Options.WithoutUserspace().
		Delete("rw").
		Delete("auto").
		Delete("noauto").
		Delete("user").
		Delete("users").
		Delete("_netdev").
		Delete("nofail").
		Delete("defaults").
		Set("ro")
	if entry.FSType.IsNFS() || entry.FSType.IsSMB() {
		opts = opts.Set("soft")
	}
	if withSecrets {
		// The credentials file may not exist yet.
		opts = opts.Delete("credentials")
	}
	return opts
}

// TestMountTemporary mounts entry read-only on a fresh temporary directory,
// confirms it appears in the live table and always unmounts and removes the
// directory afterwards, even when ctx is cancelled.
func (r *Runner) TestMountTemporary(ctx context.Context, entry models.Entry, timeout time.Duration, sensitive ...string) (result *Result) {
	result = &Result{Timestamp: time.Now().UTC(), Reachable: true, PortOpen: true, TemporaryMountTested: true}
	check := CheckResult{Name: "temporary_mount"}

	dir, err := os.MkdirTemp(r.tempDir, "mountrix-probe-*")
	if err != nil {
		check.Status = StatusFail
		check.Message = fmt.Sprintf("Cannot create temporary mountpoint: %v", err)
		result.add(check)
		result.summarize()
		return result
	}

	attempted := false
	defer func() {
		// Runs on a context detached from the caller so cancellation cannot
		// leave a probe mounted.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()

		if cerr := r.cleanupProbe(cctx, dir, attempted); cerr != nil {
			result.add(CheckResult{Name: "temporary_mount_cleanup", Status: StatusWarn, Message: cerr.Error(), Details: map[string]any{"path": dir}})
			r.logger.Error().Err(cerr).Str("path", dir).Msg("temporary mount cleanup incomplete")
			result.CleanupError = cerr.Error()
		}
		result.summarize()
	}()

	mctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := probeOptions(entry, len(sensitive) > 0)
	attempted = true
	outcome, err := r.exec.Run(mctx, privileged.Operation{
		Kind:             privileged.OpMount,
		Source:           entry.Source,
		Target:           dir,
		FSType:           string(entry.FSType),
		Options:          opts,
		SensitiveOptions: sensitive,
	})
	switch {
	case err != nil:
		check.Status = StatusFail
		check.Message = fmt.Sprintf("Temporary mount could not be attempted: %v", err)
	case !outcome.Success:
		check.Status = StatusFail
		check.Message = fmt.Sprintf("Temporary mount failed (%s): %s", outcome.Reason, outcome.Output)
	default:
		if present, lerr := r.isMounted(mctx, dir); lerr != nil {
			check.Status = StatusWarn
			check.Message = fmt.Sprintf("Mount call succeeded but live table could not be read: %v", lerr)
			result.TemporaryMountSucceeded = true
		} else if !present {
			check.Status = StatusFail
			check.Message = "Mount call succeeded but the mount is not in the live table"
		} else {
			check.Status = StatusPass
			check.Message = "Temporary read-only mount succeeded"
			result.TemporaryMountSucceeded = true
		}
	}
	result.add(check)
	return result
}

func (r *Runner) isMounted(ctx context.Context, dir string) (bool, error) {
	if r.live == nil {
		return false, fmt.Errorf("no live table")
	}
	mounts, err := r.live.List(ctx)
	if err != nil {
		return false, err
	}
	for _, m := range mounts {
		if m.Mountpoint == dir {
			return true, nil
		}
	}
	return false, nil
}

// cleanupProbe unmounts dir, forcing when the plain unmount fails, and then
// removes it. Every failure is collected.
func (r *Runner) cleanupProbe(ctx context.Context, dir string, attempted bool) error {
	var result *multierror.Error

	if attempted {
		outcome, err := r.exec.Run(ctx, privileged.Operation{Kind: privileged.OpUnmount, Target: dir})
		if err != nil || !outcome.Success {
			forced, ferr := r.exec.Run(ctx, privileged.Operation{Kind: privileged.OpUnmount, Target: dir, Force: true})
			switch {
			case ferr != nil:
				result = multierror.Append(result, fmt.Errorf("force unmount %s: %w", dir, ferr))
			case !forced.Success:
				result = multierror.Append(result, fmt.Errorf("force unmount %s: %s", dir, forced.Output))
			}
		}
	}

	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		result = multierror.Append(result, fmt.Errorf("remove %s: %w", dir, err))
	}
	return result.ErrorOrNil()
}
