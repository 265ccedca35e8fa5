package fstab

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T, content string, opts ...Option) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fstab")
	if content != "" {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write table: %v", err)
		}
	}
	return NewStore(path, filepath.Join(dir, "backups"), zerolog.Nop(), opts...), path
}

// failingWriter fails writes to one path and delegates the rest.
type failingWriter struct {
	path string
}

func (w failingWriter) WriteFile(ctx context.Context, path string, data []byte, perm os.FileMode) error {
	if path == w.path {
		return errors.New("disk full")
	}
	return FileWriter{}.WriteFile(ctx, path, data, perm)
}

func TestStore_LoadMissingFile(t *testing.T) {
	store, _ := newTestStore(t, "")
	snap, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(snap.Lines) != 0 {
		t.Errorf("Load() = %d lines, want 0", len(snap.Lines))
	}
}

func TestStore_BackupWriteRollback(t *testing.T) {
	ctx := context.Background()
	store, path := newTestStore(t, sampleTable)

	snap, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	handle, err := store.Backup(ctx)
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if handle.SHA256 != hashBytes([]byte(sampleTable)) {
		t.Errorf("handle hash mismatch")
	}
	info, err := os.Stat(handle.Path)
	if err != nil {
		t.Fatalf("stat backup: %v", err)
	}
	if info.Mode().Perm() != backupMode {
		t.Errorf("backup mode = %v, want %v", info.Mode().Perm(), os.FileMode(backupMode))
	}

	if err := store.Save(ctx, handle, AddOrReplace(snap, nasEntry())); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	written, _ := os.ReadFile(path)
	if !strings.Contains(string(written), "/mnt/media") {
		t.Errorf("saved table missing new entry")
	}
	if !strings.HasPrefix(string(written), sampleTable) {
		t.Errorf("existing lines were not preserved verbatim")
	}

	if err := store.Rollback(ctx, handle); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	restored, _ := os.ReadFile(path)
	if hashBytes(restored) != handle.SHA256 {
		t.Errorf("rollback content differs from backup")
	}
}

func TestStore_SaveRequiresBackup(t *testing.T) {
	ctx := context.Background()
	store, path := newTestStore(t, sampleTable)
	other, _ := newTestStore(t, sampleTable)

	snap, _ := store.Load(ctx)
	if err := store.Save(ctx, nil, AddOrReplace(snap, nasEntry())); !errors.Is(err, ErrNoBackup) {
		t.Errorf("Save(nil) error = %v, want ErrNoBackup", err)
	}

	foreign, err := other.Backup(ctx)
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if err := store.Save(ctx, foreign, snap); !errors.Is(err, ErrNoBackup) {
		t.Errorf("Save(foreign) error = %v, want ErrNoBackup", err)
	}

	got, _ := os.ReadFile(path)
	if string(got) != sampleTable {
		t.Error("table modified without backup")
	}
}

func TestStore_SaveRefusesStaleBackup(t *testing.T) {
	ctx := context.Background()
	store, path := newTestStore(t, sampleTable)

	handle, err := store.Backup(ctx)
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if err := os.WriteFile(path, []byte("/dev/sda1 / ext4 defaults 0 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	err = store.Save(ctx, handle, Parse([]byte(sampleTable)))
	var we *WriteError
	if !errors.As(err, &we) || !errors.Is(err, ErrStaleBackup) {
		t.Errorf("Save() error = %v, want WriteError wrapping ErrStaleBackup", err)
	}
}

func TestStore_FailingWriterLeavesTableIntact(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "fstab")
	if err := os.WriteFile(path, []byte(sampleTable), 0o644); err != nil {
		t.Fatal(err)
	}
	store := NewStore(path, filepath.Join(dir, "backups"), zerolog.Nop(), WithWriter(failingWriter{path: path}))

	snap, _ := store.Load(ctx)
	handle, err := store.Backup(ctx)
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	err = store.Save(ctx, handle, AddOrReplace(snap, nasEntry()))
	var we *WriteError
	if !errors.As(err, &we) {
		t.Fatalf("Save() error = %v, want WriteError", err)
	}
	if we.Code() != "write_failed" {
		t.Errorf("Code() = %q", we.Code())
	}

	got, _ := os.ReadFile(path)
	if string(got) != sampleTable {
		t.Error("failed write modified the live table")
	}
}

func TestStore_BackupErrorWhenDirUnwritable(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "fstab")
	if err := os.WriteFile(path, []byte(sampleTable), 0o644); err != nil {
		t.Fatal(err)
	}
	// a regular file where the backup directory should be
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	store := NewStore(path, filepath.Join(blocker, "backups"), zerolog.Nop())

	_, err := store.Backup(ctx)
	var be *BackupError
	if !errors.As(err, &be) {
		t.Fatalf("Backup() error = %v, want BackupError", err)
	}

	got, _ := os.ReadFile(path)
	if string(got) != sampleTable {
		t.Error("failed backup modified the live table")
	}
}

func TestStore_RollbackRemovesCreatedTable(t *testing.T) {
	ctx := context.Background()
	store, path := newTestStore(t, "")

	handle, err := store.Backup(ctx)
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if handle.Existed {
		t.Error("handle.Existed = true for missing table")
	}
	if err := store.Save(ctx, handle, AddOrReplace(&Snapshot{}, nasEntry())); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Rollback(ctx, handle); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("table still exists after rollback: %v", err)
	}
}

func TestStore_BackupIDsIncreaseAndPrune(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, _ := newTestStore(t, sampleTable,
		WithRetention(3),
		WithClock(func() time.Time { return fixed }),
	)

	var ids []string
	for i := 0; i < 5; i++ {
		h, err := store.Backup(ctx)
		if err != nil {
			t.Fatalf("Backup() error = %v", err)
		}
		ids = append(ids, h.ID)
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Errorf("backup IDs not increasing: %s after %s", ids[i], ids[i-1])
		}
	}

	backups, err := store.ListBackups(ctx)
	if err != nil {
		t.Fatalf("ListBackups() error = %v", err)
	}
	if len(backups) != 3 {
		t.Fatalf("ListBackups() = %d, want 3 after pruning", len(backups))
	}
	if backups[2].ID != ids[4] || backups[0].ID != ids[2] {
		t.Errorf("kept %v, want newest three of %v", backups, ids)
	}

	data, err := store.ReadBackup(ids[4])
	if err != nil || string(data) != sampleTable {
		t.Errorf("ReadBackup() = %q, %v", data, err)
	}
	if _, err := store.ReadBackup(ids[0]); !errors.Is(err, ErrBackupNotFound) {
		t.Errorf("ReadBackup(pruned) error = %v, want ErrBackupNotFound", err)
	}
	if _, err := store.ReadBackup("../../etc/passwd"); !errors.Is(err, ErrBackupNotFound) {
		t.Errorf("ReadBackup(traversal) error = %v, want ErrBackupNotFound", err)
	}
}

func TestStore_IDsSeededFromDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "fstab")
	backups := filepath.Join(dir, "backups")
	os.WriteFile(path, []byte(sampleTable), 0o644)

	later := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	first := NewStore(path, backups, zerolog.Nop(), WithClock(func() time.Time { return later }))
	h1, err := first.Backup(ctx)
	if err != nil {
		t.Fatal(err)
	}

	earlier := later.Add(-time.Hour)
	second := NewStore(path, backups, zerolog.Nop(), WithClock(func() time.Time { return earlier }))
	h2, err := second.Backup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h2.ID <= h1.ID {
		t.Errorf("second store ID %s not after %s", h2.ID, h1.ID)
	}
}

func TestStore_OpenBackupRestores(t *testing.T) {
	ctx := context.Background()
	store, path := newTestStore(t, sampleTable)
	h, _ := store.Backup(ctx)
	os.WriteFile(path, []byte("garbage\n"), 0o644)

	opened, err := store.OpenBackup(h.ID)
	if err != nil {
		t.Fatalf("OpenBackup() error = %v", err)
	}
	if err := store.Rollback(ctx, opened); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != sampleTable {
		t.Error("restore did not bring back backup content")
	}
}

func TestStore_Preview(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, sampleTable)
	snap, _ := store.Load(ctx)

	diff, err := store.Preview(ctx, snap)
	if err != nil || diff != "" {
		t.Errorf("Preview(unchanged) = %q, %v", diff, err)
	}

	diff, err = store.Preview(ctx, AddOrReplace(snap, nasEntry()))
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if !strings.Contains(diff, "+"+FormatEntry(nasEntry())) {
		t.Errorf("diff missing added line:\n%s", diff)
	}
}

func TestStore_LockContention(t *testing.T) {
	ctx := context.Background()
	store, path := newTestStore(t, sampleTable)
	other := NewStore(path, store.BackupDir(), zerolog.Nop())

	unlock, err := store.Lock(ctx)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	if _, err := store.TryLock(); !errors.Is(err, ErrBusy) {
		t.Errorf("TryLock() in-process error = %v, want ErrBusy", err)
	}
	// a second store shares only the flock, like another process would
	if _, err := other.TryLock(); !errors.Is(err, ErrBusy) {
		t.Errorf("TryLock() cross-store error = %v, want ErrBusy", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 120*time.Millisecond)
	defer cancel()
	if _, err := other.Lock(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Lock() while held error = %v, want deadline exceeded", err)
	}

	unlock()
	unlock()

	release, err := other.TryLock()
	if err != nil {
		t.Fatalf("TryLock() after release error = %v", err)
	}
	release()
}

func TestStore_LockSerializesWriters(t *testing.T) {
	ctx := context.Background()
	store, path := newTestStore(t, "")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unlock, err := store.Lock(ctx)
			if err != nil {
				t.Errorf("Lock() error = %v", err)
				return
			}
			defer unlock()

			snap, _ := store.Load(ctx)
			h, err := store.Backup(ctx)
			if err != nil {
				t.Errorf("Backup() error = %v", err)
				return
			}
			e := nasEntry()
			e.Mountpoint = filepath.Join("/mnt", string(rune('a'+i)))
			if err := store.Save(ctx, h, AddOrReplace(snap, e)); err != nil {
				t.Errorf("Save() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	data, _ := os.ReadFile(path)
	if n := bytes.Count(data, []byte("\n")); n != 8 {
		t.Errorf("table has %d lines, want 8:\n%s", n, data)
	}
}
