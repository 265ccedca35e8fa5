package fstab

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// BackupIDLayout is the sortable UTC timestamp used as backup ID.
	BackupIDLayout = "20060102T150405.000000000Z"
	backupPrefix   = "fstab."
	backupSuffix   = ".bak"
)

// BackupHandle identifies a backup taken by a Store. Save and Rollback only
// accept handles from the store that created them.
type BackupHandle struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	SHA256    string    `json:"sha256"`
	Size      int64     `json:"size"`
	Existed   bool      `json:"existed"`
	CreatedAt time.Time `json:"created_at"`

	store *Store
}

// Backup describes a backup file on disk.
type Backup struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// PruneResult reports which backups a prune kept and removed.
type PruneResult struct {
	Kept    []string `json:"kept"`
	Removed []string `json:"removed"`
}

// Backup copies the live table into the backup directory. Any failure is a
// BackupError and callers must not write the table afterwards.
func (s *Store) Backup(ctx context.Context) (*BackupHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, &BackupError{Dir: s.backupDir, Err: err}
	}

	data, existed, err := s.readLive()
	if err != nil {
		return nil, &BackupError{Dir: s.backupDir, Err: fmt.Errorf("read %s: %w", s.path, err)}
	}
	if err := os.MkdirAll(s.backupDir, 0o700); err != nil {
		return nil, &BackupError{Dir: s.backupDir, Err: err}
	}

	created, err := s.nextID()
	if err != nil {
		return nil, &BackupError{Dir: s.backupDir, Err: err}
	}
	id := created.Format(BackupIDLayout)
	path := s.backupPath(id)
	if err := s.writer.WriteFile(ctx, path, data, backupMode); err != nil {
		return nil, &BackupError{Dir: s.backupDir, Err: err}
	}

	handle := &BackupHandle{
		ID:        id,
		Path:      path,
		SHA256:    hashBytes(data),
		Size:      int64(len(data)),
		Existed:   existed,
		CreatedAt: created,
		store:     s,
	}

	s.logger.Info().
		Str("backup_id", id).
		Int64("size", handle.Size).
		Msg("mount table backed up")

	if s.keep > 0 {
		if res, err := s.Prune(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("failed to prune backups")
		} else if len(res.Removed) > 0 {
			s.logger.Debug().Strs("removed", res.Removed).Msg("pruned old backups")
		}
	}

	if s.mirror != nil {
		if err := s.mirror.Upload(ctx, id, data); err != nil {
			s.logger.Warn().Err(err).Str("backup_id", id).Msg("failed to mirror backup")
		}
	}
	return handle, nil
}

// nextID returns a timestamp strictly after every backup already taken.
func (s *Store) nextID() (time.Time, error) {
	s.idMu.Lock()
	defer s.idMu.Unlock()

	if s.lastID.IsZero() {
		backups, err := s.listBackups()
		if err != nil {
			return time.Time{}, err
		}
		if n := len(backups); n > 0 {
			s.lastID = backups[n-1].CreatedAt
		}
	}

	t := s.now().UTC()
	if !t.After(s.lastID) {
		t = s.lastID.Add(time.Nanosecond)
	}
	s.lastID = t
	return t, nil
}

func (s *Store) backupPath(id string) string {
	return filepath.Join(s.backupDir, backupPrefix+id+backupSuffix)
}

func parseBackupName(name string) (string, time.Time, bool) {
	if !strings.HasPrefix(name, backupPrefix) || !strings.HasSuffix(name, backupSuffix) {
		return "", time.Time{}, false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(name, backupPrefix), backupSuffix)
	t, err := time.Parse(BackupIDLayout, id)
	if err != nil {
		return "", time.Time{}, false
	}
	return id, t, true
}

func (s *Store) listBackups() ([]Backup, error) {
	entries, err := os.ReadDir(s.backupDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Backup
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, created, ok := parseBackupName(e.Name())
		if !ok {
			continue
		}
		b := Backup{ID: id, Path: filepath.Join(s.backupDir, e.Name()), CreatedAt: created}
		if info, err := e.Info(); err == nil {
			b.Size = info.Size()
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListBackups returns the backups on disk, oldest first.
func (s *Store) ListBackups(ctx context.Context) ([]Backup, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.listBackups()
}

// Prune removes all but the newest keep backups.
func (s *Store) Prune(ctx context.Context) (*PruneResult, error) {
	backups, err := s.ListBackups(ctx)
	if err != nil {
		return nil, err
	}

	result := &PruneResult{}
	cut := 0
	if s.keep > 0 && len(backups) > s.keep {
		cut = len(backups) - s.keep
	}
	var firstErr error
	for i, b := range backups {
		if i >= cut {
			result.Kept = append(result.Kept, b.ID)
			continue
		}
		if err := os.Remove(b.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			if firstErr == nil {
				firstErr = fmt.Errorf("remove backup %s: %w", b.ID, err)
			}
			result.Kept = append(result.Kept, b.ID)
			continue
		}
		result.Removed = append(result.Removed, b.ID)
	}
	return result, firstErr
}

// ReadBackup returns the content of the backup with the given ID.
func (s *Store) ReadBackup(id string) ([]byte, error) {
	if _, _, ok := parseBackupName(backupPrefix + id + backupSuffix); !ok {
		return nil, ErrBackupNotFound
	}
	data, err := os.ReadFile(s.backupPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrBackupNotFound
	}
	return data, err
}

// OpenBackup returns a handle for an existing backup so it can be passed to
// Rollback. The handle records the backup's current hash.
func (s *Store) OpenBackup(id string) (*BackupHandle, error) {
	data, err := s.ReadBackup(id)
	if err != nil {
		return nil, err
	}
	_, created, _ := parseBackupName(backupPrefix + id + backupSuffix)
	return &BackupHandle{
		ID:        id,
		Path:      s.backupPath(id),
		SHA256:    hashBytes(data),
		Size:      int64(len(data)),
		Existed:   true,
		CreatedAt: created,
		store:     s,
	}, nil
}
