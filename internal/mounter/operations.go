package mounter

import (
	"context"
	"fmt"
	"path"

	"github.com/MacJediWizard/mountrix/internal/fstab"
	"github.com/MacJediWizard/mountrix/internal/livemount"
	"github.com/MacJediWizard/mountrix/internal/models"
)

// usageReader is implemented by probers that can report disk usage.
type usageReader interface {
	Usage(ctx context.Context, path string) (*models.DiskUsage, error)
}

func checkMountpoint(mountpoint string) error {
	switch {
	case mountpoint == "":
		return &ValidationError{Errors: models.ValidationResult{{Field: "mountpoint", Code: models.ReasonRequired}}}
	case !path.IsAbs(mountpoint):
		return &ValidationError{Errors: models.ValidationResult{{Field: "mountpoint", Code: models.ReasonNotAbsolute, Detail: mountpoint}}}
	}
	return nil
}

// Unmount unmounts mountpoint, retrying once with force. The table is not
// changed.
func (o *Orchestrator) Unmount(ctx context.Context, mountpoint string, opts UnmountOptions) (rep *Report, err error) {
	mountpoint = models.NormalizeMountpoint(mountpoint)
	rep = o.begin(OperationUnmount, mountpoint)
	defer func() { o.finish(ctx, rep, err) }()

	if err := checkMountpoint(mountpoint); err != nil {
		return rep, err
	}
	unlock, err := o.locks.Lock(ctx, mountpoint, opts.FailFast)
	if err != nil {
		return rep, err
	}
	defer unlock()

	forced, err := o.unmount(ctx, mountpoint)
	rep.Forced = forced
	if err != nil {
		return rep, err
	}
	rep.enter(StateUnmounted)
	return rep, nil
}

// Remount unmounts mountpoint and mounts its table entry again. If the
// unmount fails the mount is not attempted.
func (o *Orchestrator) Remount(ctx context.Context, mountpoint string, opts UnmountOptions) (rep *Report, err error) {
	mountpoint = models.NormalizeMountpoint(mountpoint)
	rep = o.begin(OperationRemount, mountpoint)
	defer func() { o.finish(ctx, rep, err) }()

	if err := checkMountpoint(mountpoint); err != nil {
		return rep, err
	}
	unlock, err := o.locks.Lock(ctx, mountpoint, opts.FailFast)
	if err != nil {
		return rep, err
	}
	defer unlock()

	rep.enter(StateValidating)
	snap, err := o.store.Load(ctx)
	if err != nil {
		return rep, fmt.Errorf("load table: %w", err)
	}
	entry, ok := snap.Find(mountpoint)
	if !ok {
		return rep, fmt.Errorf("%s: %w", mountpoint, ErrNotInTable)
	}
	rep.Entry = &entry
	secret, fe, err := o.resolveSecret(ctx, entry)
	if err != nil {
		return rep, err
	}
	if fe != nil {
		return rep, &ValidationError{Errors: models.ValidationResult{*fe}}
	}

	forced, err := o.unmount(ctx, mountpoint)
	rep.Forced = forced
	if err != nil {
		return rep, err
	}
	rep.enter(StateUnmounted)

	return rep, o.mount(ctx, rep, entry, secret)
}

// Remove deletes mountpoint's entry from the table, optionally unmounting
// it first. A failed write restores the table.
func (o *Orchestrator) Remove(ctx context.Context, mountpoint string, opts RemoveOptions) (rep *Report, err error) {
	mountpoint = models.NormalizeMountpoint(mountpoint)
	rep = o.begin(OperationRemove, mountpoint)
	defer func() { o.finish(ctx, rep, err) }()

	if err := checkMountpoint(mountpoint); err != nil {
		return rep, err
	}
	unlock, err := o.locks.Lock(ctx, mountpoint, opts.FailFast)
	if err != nil {
		return rep, err
	}
	defer unlock()

	unlockTable, err := o.lockTable(ctx, opts.FailFast)
	if err != nil {
		return rep, err
	}
	defer unlockTable()

	rep.enter(StateValidating)
	snap, err := o.store.Load(ctx)
	if err != nil {
		return rep, fmt.Errorf("load table: %w", err)
	}
	entry, ok := snap.Find(mountpoint)
	if !ok {
		return rep, fmt.Errorf("%s: %w", mountpoint, ErrNotInTable)
	}
	rep.Entry = &entry

	if opts.Unmount {
		forced, err := o.unmount(ctx, mountpoint)
		rep.Forced = forced
		if err != nil {
			return rep, err
		}
		rep.enter(StateUnmounted)
	}

	handle, err := o.store.Backup(ctx)
	if err != nil {
		return rep, err
	}
	rep.BackupID = handle.ID
	rep.enter(StateBackedUp)

	if err := o.store.Save(ctx, handle, fstab.Remove(snap, mountpoint)); err != nil {
		return rep, o.rollback(ctx, rep, handle, err)
	}
	rep.enter(StateTableWritten)
	return rep, nil
}

// Restore replaces the table with a stored backup. The current table is
// backed up first so the restore can itself be undone.
func (o *Orchestrator) Restore(ctx context.Context, backupID string, opts UnmountOptions) (rep *Report, err error) {
	rep = o.begin(OperationRestore, "")
	defer func() { o.finish(ctx, rep, err) }()

	unlockTable, err := o.lockTable(ctx, opts.FailFast)
	if err != nil {
		return rep, err
	}
	defer unlockTable()

	rep.enter(StateValidating)
	// Read the content first: taking the safety backup may prune the target.
	data, err := o.store.ReadBackup(backupID)
	if err != nil {
		return rep, err
	}

	handle, err := o.store.Backup(ctx)
	if err != nil {
		return rep, err
	}
	rep.BackupID = handle.ID
	rep.enter(StateBackedUp)

	if err := o.store.Save(ctx, handle, fstab.Parse(data)); err != nil {
		return rep, o.rollback(ctx, rep, handle, err)
	}
	rep.enter(StateTableWritten)
	o.logger.Warn().
		Str("operation_id", rep.ID.String()).
		Str("restored_from", backupID).
		Str("safety_backup", handle.ID).
		Msg("mount table restored from backup")
	return rep, nil
}

// Status joins every table entry with its live state.
func (o *Orchestrator) Status(ctx context.Context) ([]models.EntryStatus, error) {
	snap, err := o.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load table: %w", err)
	}
	mounts, err := o.live.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("read live mounts: %w", err)
	}

	statuses := livemount.Join(ctx, snap.Entries(), mounts, o.prober)
	if usage, ok := o.prober.(usageReader); ok {
		for i := range statuses {
			if statuses[i].Status != models.MountStatusConnected {
				continue
			}
			u, err := usage.Usage(ctx, statuses[i].Entry.Mountpoint)
			if err != nil {
				o.logger.Debug().Err(err).Str("mountpoint", statuses[i].Entry.Mountpoint).Msg("usage unavailable")
				continue
			}
			statuses[i].Usage = u
		}
	}
	o.metrics.SetMountStatuses(statuses)
	return statuses, nil
}
