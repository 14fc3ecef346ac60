//go:build unix

package lease

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ErrReadersHeld is returned when an exclusive reader lock cannot be taken
// because offline readers hold the shared form.
var ErrReadersHeld = errors.New("offline readers hold the store")

// ReaderLock is a held shared or exclusive lock on readers.lock. Offline
// processes take the shared form to pin the store; GC takes the exclusive
// form. The writer lease is independent of reader locks.
type ReaderLock struct {
	f         *os.File
	exclusive bool
}

// AcquireReader takes the shared reader lock, blocking until granted.
func (m *Manager) AcquireReader() (*ReaderLock, error) {
	return m.acquireReader(unix.LOCK_SH, true)
}

// TryAcquireExclusiveReader takes the exclusive reader lock without blocking,
// failing with ErrReadersHeld when shared readers exist.
func (m *Manager) TryAcquireExclusiveReader() (*ReaderLock, error) {
	return m.acquireReader(unix.LOCK_EX, false)
}

func (m *Manager) acquireReader(how int, block bool) (*ReaderLock, error) {
	path := filepath.Join(m.dir, "readers.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open readers lock: %w", err)
	}
	flags := how
	if !block {
		flags |= unix.LOCK_NB
	}
	if err := unix.Flock(int(f.Fd()), flags); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
			return nil, ErrReadersHeld
		}
		return nil, fmt.Errorf("failed to lock readers lock: %w", err)
	}
	return &ReaderLock{f: f, exclusive: how == unix.LOCK_EX}, nil
}

// Release drops the lock.
func (r *ReaderLock) Release() error {
	if err := unix.Flock(int(r.f.Fd()), unix.LOCK_UN); err != nil {
		_ = r.f.Close()
		return err
	}
	return r.f.Close()
}

// Exclusive reports whether this is the exclusive (GC) form.
func (r *ReaderLock) Exclusive() bool { return r.exclusive }
