package fstab

import (
	"errors"
	"fmt"
)

var (
	// ErrNoBackup is returned when Save is called without a backup taken by
	// the same store.
	ErrNoBackup = errors.New("fstab: write refused without a backup")
	// ErrStaleBackup is returned when the live table changed after the backup
	// was taken.
	ErrStaleBackup = errors.New("fstab: live table changed since backup")
	// ErrBusy is returned by TryLock when another writer holds the table lock.
	ErrBusy = errors.New("fstab: table is locked by another writer")
	// ErrBackupNotFound is returned for unknown backup IDs.
	ErrBackupNotFound = errors.New("fstab: backup not found")
	// ErrBackupCorrupt is returned when backup content no longer matches its hash.
	ErrBackupCorrupt = errors.New("fstab: backup content does not match recorded hash")
)

// BackupError reports that a backup could not be taken. The table was not
// modified.
type BackupError struct {
	Dir string
	Err error
}

func (e *BackupError) Error() string {
	return fmt.Sprintf("backup to %s failed: %v", e.Dir, e.Err)
}

func (e *BackupError) Unwrap() error { return e.Err }

// Code returns the stable reason code.
func (e *BackupError) Code() string { return "backup_failed" }

// WriteError reports that the table could not be written. The live file
// still holds its previous content.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s failed: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Code returns the stable reason code.
func (e *WriteError) Code() string { return "write_failed" }
