package mounter

import (
	"context"
	"errors"
	"testing"

	"github.com/MacJediWizard/mountrix/internal/fstab"
	"github.com/MacJediWizard/mountrix/internal/models"
	"github.com/MacJediWizard/mountrix/internal/privileged"
)

func busyUnless(force bool) func(op privileged.Operation) privileged.Outcome {
	return func(op privileged.Operation) privileged.Outcome {
		if force && op.Force {
			return privileged.Outcome{Success: true}
		}
		return privileged.Outcome{Reason: privileged.ReasonBusy, Output: "umount: /mnt/nas1: target is busy."}
	}
}

func TestUnmount(t *testing.T) {
	tests := []struct {
		name       string
		mounted    bool
		unmount    func(op privileged.Operation) privileged.Outcome
		wantErr    bool
		wantForced bool
		wantOps    int
	}{
		{name: "plain", mounted: true, wantOps: 1},
		{name: "not mounted is success", mounted: false, wantOps: 1},
		{name: "busy then forced", mounted: true, unmount: busyUnless(true), wantForced: true, wantOps: 2},
		{name: "forced retry fails", mounted: true, unmount: busyUnless(false), wantErr: true, wantForced: true, wantOps: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessConfig{})
			if tt.mounted {
				h.exec.SetMounted("192.0.2.5:/export", "/mnt/nas1", "nfs")
			}
			h.exec.UnmountFunc = tt.unmount

			rep, err := h.o.Unmount(context.Background(), "/mnt/nas1/", UnmountOptions{})
			if tt.wantErr {
				var uerr *UnmountError
				if !errors.As(err, &uerr) {
					t.Fatalf("Unmount() error = %v, want UnmountError", err)
				}
				if uerr.Reason != string(privileged.ReasonBusy) {
					t.Errorf("Reason = %q", uerr.Reason)
				}
			} else if err != nil {
				t.Fatalf("Unmount() error = %v", err)
			}
			if rep.Forced != tt.wantForced {
				t.Errorf("Forced = %v, want %v", rep.Forced, tt.wantForced)
			}
			if got := len(h.exec.OpsOfKind(privileged.OpUnmount)); got != tt.wantOps {
				t.Errorf("unmount ops = %d, want %d", got, tt.wantOps)
			}
			if rep.Mountpoint != "/mnt/nas1" {
				t.Errorf("Mountpoint = %q, want normalized", rep.Mountpoint)
			}
			if h.tableContent(t) != baseTable {
				t.Error("unmount must not touch the table")
			}
		})
	}
}

func TestUnmount_RequiresAbsolutePath(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	_, err := h.o.Unmount(context.Background(), "mnt/nas1", UnmountOptions{})
	var verr *ValidationError
	if !errors.As(err, &verr) || !verr.Errors.Has("mountpoint", models.ReasonNotAbsolute) {
		t.Fatalf("Unmount() error = %v", err)
	}
}

func TestRemount(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()
	if _, err := h.o.Apply(ctx, nfsEntry(), ApplyOptions{}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	before := h.tableContent(t)

	rep, err := h.o.Remount(ctx, "/mnt/nas1", UnmountOptions{})
	if err != nil {
		t.Fatalf("Remount() error = %v", err)
	}
	if !statesEqual(rep.States, StateValidating, StateUnmounted, StateMounted, StateVerified) {
		t.Errorf("States = %v", rep.States)
	}
	if !h.exec.IsMounted("/mnt/nas1") {
		t.Error("expected mount to be live again")
	}
	if h.tableContent(t) != before {
		t.Error("remount must not touch the table")
	}
}

func TestRemount_UnmountFailureSkipsMount(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()
	if _, err := h.o.Apply(ctx, nfsEntry(), ApplyOptions{}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	mountsBefore := len(h.exec.OpsOfKind(privileged.OpMount))
	h.exec.UnmountFunc = busyUnless(false)

	rep, err := h.o.Remount(ctx, "/mnt/nas1", UnmountOptions{})
	var uerr *UnmountError
	if !errors.As(err, &uerr) {
		t.Fatalf("Remount() error = %v, want UnmountError", err)
	}
	if got := len(h.exec.OpsOfKind(privileged.OpMount)); got != mountsBefore {
		t.Errorf("mount attempted after failed unmount (%d ops)", got-mountsBefore)
	}
	if rep.Reached(StateUnmounted) {
		t.Errorf("States = %v", rep.States)
	}
	if !h.exec.IsMounted("/mnt/nas1") {
		t.Error("original mount should be unchanged")
	}
}

func TestRemount_NotInTable(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	_, err := h.o.Remount(context.Background(), "/mnt/missing", UnmountOptions{})
	if !errors.Is(err, ErrNotInTable) {
		t.Fatalf("Remount() error = %v, want ErrNotInTable", err)
	}
	if ErrorCode(err) != "not_in_table" {
		t.Errorf("ErrorCode() = %q", ErrorCode(err))
	}
}

func TestRemove_RestoresOriginalBytes(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()
	if _, err := h.o.Apply(ctx, nfsEntry(), ApplyOptions{}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	rep, err := h.o.Remove(ctx, "/mnt/nas1", RemoveOptions{Unmount: true})
	if err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if !statesEqual(rep.States, StateValidating, StateUnmounted, StateBackedUp, StateTableWritten) {
		t.Errorf("States = %v", rep.States)
	}
	if got := h.tableContent(t); got != baseTable {
		t.Errorf("table after add+remove:\n%s", got)
	}
	if h.exec.IsMounted("/mnt/nas1") {
		t.Error("expected entry to be unmounted")
	}
}

func TestRemove_UnmountFailureKeepsEntry(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	ctx := context.Background()
	if _, err := h.o.Apply(ctx, nfsEntry(), ApplyOptions{}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	before := h.tableContent(t)
	h.exec.UnmountFunc = busyUnless(false)

	_, err := h.o.Remove(ctx, "/mnt/nas1", RemoveOptions{Unmount: true})
	var uerr *UnmountError
	if !errors.As(err, &uerr) {
		t.Fatalf("Remove() error = %v, want UnmountError", err)
	}
	if h.tableContent(t) != before {
		t.Error("table changed after failed unmount")
	}
}

func TestRemove_NotInTable(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	_, err := h.o.Remove(context.Background(), "/mnt/nas1", RemoveOptions{})
	if !errors.Is(err, ErrNotInTable) {
		t.Fatalf("Remove() error = %v, want ErrNotInTable", err)
	}
	if h.backupCount(t) != 0 {
		t.Error("no backup should be taken")
	}
}

func TestRestore(t *testing.T) {
	h := newHarness(t, harnessConfig{storeOpts: []fstab.Option{fstab.WithRetention(1)}})
	ctx := context.Background()
	applied, err := h.o.Apply(ctx, nfsEntry(), ApplyOptions{SkipMount: true})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	rep, err := h.o.Restore(ctx, applied.BackupID, UnmountOptions{})
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if !statesEqual(rep.States, StateValidating, StateBackedUp, StateTableWritten) {
		t.Errorf("States = %v", rep.States)
	}
	if got := h.tableContent(t); got != baseTable {
		t.Errorf("restored table:\n%s", got)
	}
	if rep.BackupID == "" || rep.BackupID == applied.BackupID {
		t.Errorf("BackupID = %q, want a new safety backup", rep.BackupID)
	}
}

func TestRestore_UnknownBackup(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	_, err := h.o.Restore(context.Background(), "20200101T000000.000000000Z", UnmountOptions{})
	if !errors.Is(err, fstab.ErrBackupNotFound) {
		t.Fatalf("Restore() error = %v, want ErrBackupNotFound", err)
	}
	if code := ErrorCode(err); code != "backup_not_found" {
		t.Errorf("ErrorCode() = %q", code)
	}
	if h.tableContent(t) != baseTable {
		t.Error("table changed")
	}
}

type stubProber map[string]models.MountStatus

func (p stubProber) CheckStatus(ctx context.Context, path string) models.MountStatus {
	if st, ok := p[path]; ok {
		return st
	}
	return models.MountStatusConnected
}

func (p stubProber) Usage(ctx context.Context, path string) (*models.DiskUsage, error) {
	return &models.DiskUsage{TotalBytes: 100, UsedBytes: 25, FreeBytes: 75, UsedPercent: 25}, nil
}

func TestStatus(t *testing.T) {
	h := newHarness(t, harnessConfig{orchOpts: []Option{WithProber(stubProber{"/mnt/stale": models.MountStatusStale})}})
	ctx := context.Background()

	for _, mp := range []string{"/mnt/nas1", "/mnt/stale", "/mnt/down"} {
		e := nfsEntry()
		e.Source = "192.0.2.5:/export" + mp
		e.Mountpoint = mp
		if _, err := h.o.Apply(ctx, e, ApplyOptions{SkipMount: true}); err != nil {
			t.Fatalf("Apply(%s) error = %v", mp, err)
		}
	}
	h.exec.SetMounted("192.0.2.5:/export/mnt/nas1", "/mnt/nas1", "nfs")
	h.exec.SetMounted("192.0.2.5:/export/mnt/stale", "/mnt/stale", "nfs")
	h.exec.SetMounted("UUID=1111-2222", "/", "ext4")

	statuses, err := h.o.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	got := make(map[string]models.EntryStatus)
	for _, st := range statuses {
		got[st.Entry.Mountpoint] = st
	}
	if len(got) != 4 {
		t.Fatalf("Status() returned %d entries, want 4 (swap excluded)", len(got))
	}
	if got["/mnt/nas1"].Status != models.MountStatusConnected || got["/mnt/nas1"].Usage == nil {
		t.Errorf("/mnt/nas1 = %+v", got["/mnt/nas1"])
	}
	if got["/mnt/stale"].Status != models.MountStatusStale || got["/mnt/stale"].Usage != nil {
		t.Errorf("/mnt/stale = %+v", got["/mnt/stale"])
	}
	if got["/mnt/down"].Status != models.MountStatusDisconnected {
		t.Errorf("/mnt/down = %+v", got["/mnt/down"])
	}
	if got["/"].Status != models.MountStatusConnected || got["/"].Network {
		t.Errorf("/ = %+v", got["/"])
	}
}

func TestDiagnose_RejectsInvalidEntry(t *testing.T) {
	diag := healthyDiagnoser()
	h := newHarness(t, harnessConfig{diag: diag})
	entry := nfsEntry()
	entry.Mountpoint = "mnt/nas1"
	entry.Source = ""

	res, err := h.o.Diagnose(context.Background(), entry, true)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Diagnose() error = %v, want ValidationError", err)
	}
	if !verr.Errors.HasField("mountpoint") || !verr.Errors.HasField("source") {
		t.Errorf("expected mountpoint and source problems, got %v", verr.Errors)
	}
	if res != nil {
		t.Errorf("Diagnose() result = %+v, want nil", res)
	}
	if diag.calls != 0 {
		t.Errorf("diagnoser ran %d times for an invalid entry", diag.calls)
	}
}

func TestDiagnose_MissingSecret(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	_, err := h.o.Diagnose(context.Background(), cifsEntry(), false)
	var verr *ValidationError
	if !errors.As(err, &verr) || !verr.Errors.Has("options", models.ReasonSecretMissing) {
		t.Fatalf("Diagnose() error = %v", err)
	}
}
