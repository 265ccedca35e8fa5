package fstab

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

const lockPollInterval = 50 * time.Millisecond

// Lock takes the table lock, waiting until it is free or ctx ends. The lock
// serializes writers within this process and, through flock(2), across
// processes. The returned function releases it.
func (s *Store) Lock(ctx context.Context) (func(), error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	f, err := s.openLockFile()
	if err != nil {
		<-s.sem
		return nil, err
	}

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return s.unlocker(f), nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			f.Close()
			<-s.sem
			return nil, fmt.Errorf("lock %s: %w", s.lockPath, err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			f.Close()
			<-s.sem
			return nil, ctx.Err()
		}
	}
}

// TryLock takes the table lock or fails immediately with ErrBusy.
func (s *Store) TryLock() (func(), error) {
	select {
	case s.sem <- struct{}{}:
	default:
		return nil, ErrBusy
	}

	f, err := s.openLockFile()
	if err != nil {
		<-s.sem
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		<-s.sem
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("lock %s: %w", s.lockPath, err)
	}
	return s.unlocker(f), nil
}

func (s *Store) openLockFile() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(s.lockPath), 0o700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(s.lockPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}

func (s *Store) unlocker(f *os.File) func() {
	released := false
	return func() {
		if released {
			return
		}
		released = true
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		<-s.sem
	}
}
