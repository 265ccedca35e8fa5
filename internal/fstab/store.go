package fstab

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/MacJediWizard/mountrix/internal/fsutil"
)

const (
	// DefaultRetention is the number of backups kept when no option is given.
	DefaultRetention = 10
	defaultTableMode = 0o644
	backupMode       = 0o444
	lockFileName     = ".fstab.lock"
)

// AtomicWriter replaces a file's content so that readers see either the old
// or the new bytes.
type AtomicWriter interface {
	WriteFile(ctx context.Context, path string, data []byte, perm os.FileMode) error
}

// FileWriter writes through a temp file, fsync and rename in the same directory.
type FileWriter struct{}

// WriteFile implements AtomicWriter.
func (FileWriter) WriteFile(ctx context.Context, path string, data []byte, perm os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, perm)
}

// Store reads and rewrites one mount table file.
type Store struct {
	path      string
	backupDir string
	lockPath  string
	keep      int
	writer    AtomicWriter
	mirror    Mirror
	now       func() time.Time
	logger    zerolog.Logger

	idMu   sync.Mutex
	lastID time.Time

	sem chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithRetention sets how many backups are kept. Values below 1 keep all.
func WithRetention(keep int) Option {
	return func(s *Store) { s.keep = keep }
}

// WithWriter replaces the default FileWriter.
func WithWriter(w AtomicWriter) Option {
	return func(s *Store) { s.writer = w }
}

// WithMirror uploads every backup to an off-host copy.
func WithMirror(m Mirror) Option {
	return func(s *Store) { s.mirror = m }
}

// WithClock overrides the time source used for backup IDs.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLockPath overrides the advisory lock file location.
func WithLockPath(p string) Option {
	return func(s *Store) { s.lockPath = p }
}

// NewStore creates a store for the table at path with backups under backupDir.
func NewStore(path, backupDir string, logger zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		path:      path,
		backupDir: backupDir,
		lockPath:  filepath.Join(backupDir, lockFileName),
		keep:      DefaultRetention,
		writer:    FileWriter{},
		now:       time.Now,
		logger:    logger.With().Str("component", "fstab").Logger(),
		sem:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the table path.
func (s *Store) Path() string { return s.path }

// BackupDir returns the backup directory.
func (s *Store) BackupDir() string { return s.backupDir }

func (s *Store) readLive() ([]byte, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Load parses the live table. A missing file yields an empty snapshot.
func (s *Store) Load(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, _, err := s.readLive()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	snap := Parse(data)
	for _, w := range snap.Warnings {
		s.logger.Warn().
			Int("line", w.Line).
			Str("reason", w.Reason).
			Msg("kept unparseable table line verbatim")
	}
	return snap, nil
}

// Save writes snap to the live table. It refuses to write without a backup
// handle from this store, and refuses when the live file changed after that
// backup was taken.
func (s *Store) Save(ctx context.Context, handle *BackupHandle, snap *Snapshot) error {
	if handle == nil || handle.store != s {
		return ErrNoBackup
	}

	live, _, err := s.readLive()
	if err != nil {
		return &WriteError{Path: s.path, Err: err}
	}
	if hashBytes(live) != handle.SHA256 {
		return &WriteError{Path: s.path, Err: ErrStaleBackup}
	}

	mode := fsutil.FileMode(s.path, defaultTableMode)
	if err := s.writer.WriteFile(ctx, s.path, snap.Bytes(), mode); err != nil {
		return &WriteError{Path: s.path, Err: err}
	}

	s.logger.Info().
		Str("backup_id", handle.ID).
		Int("lines", len(snap.Lines)).
		Msg("mount table written")
	return nil
}

// Rollback restores the content captured by handle. When the table did not
// exist at backup time it is removed again.
func (s *Store) Rollback(ctx context.Context, handle *BackupHandle) error {
	if handle == nil || handle.store != s {
		return ErrNoBackup
	}

	data, err := os.ReadFile(handle.Path)
	if err != nil {
		return &WriteError{Path: s.path, Err: fmt.Errorf("read backup %s: %w", handle.ID, err)}
	}
	if hashBytes(data) != handle.SHA256 {
		return &WriteError{Path: s.path, Err: ErrBackupCorrupt}
	}

	if !handle.Existed {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &WriteError{Path: s.path, Err: err}
		}
		s.logger.Warn().Str("backup_id", handle.ID).Msg("rolled back by removing created table")
		return nil
	}

	mode := fsutil.FileMode(s.path, defaultTableMode)
	if err := s.writer.WriteFile(ctx, s.path, data, mode); err != nil {
		return &WriteError{Path: s.path, Err: err}
	}
	s.logger.Warn().Str("backup_id", handle.ID).Msg("mount table rolled back")
	return nil
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
