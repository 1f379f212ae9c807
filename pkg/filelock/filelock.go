// Package filelock provides the exclusive, per-resource advisory locking
// that backs the controller's single-writer-per-durable-resource model
// (nonce store, rate-limit store, policy state, audit log).
package filelock

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock is a held advisory lock on a file. Release it with Unlock.
type Lock struct {
	f *os.File
}

// Acquire blocks until it holds an exclusive lock on path, creating the
// lock file if necessary. The caller must call Unlock when the critical
// section over the protected resource ends.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("filelock: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("filelock: lock %s: %w", path, err)
	}
	return &Lock{f: f}, nil
}

// Unlock releases the lock and closes the underlying file descriptor.
func (l *Lock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return fmt.Errorf("filelock: unlock: %w", err)
	}
	return l.f.Close()
}

// WithLock acquires the lock at path, runs fn, and releases the lock
// even if fn panics.
func WithLock(path string, fn func() error) error {
	l, err := Acquire(path)
	if err != nil {
		return err
	}
	defer l.Unlock()
	return fn()
}

// WriteFileAtomic writes data to path by writing to a sibling temp file
// and renaming it into place, so a reader always observes either the old
// or the new complete contents, never a partial write (§5).
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("filelock: write temp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("filelock: rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}
