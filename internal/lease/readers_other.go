//go:build !unix

package lease

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var ErrReadersHeld = errors.New("offline readers hold the store")

// ReaderLock approximates flock semantics with marker files on platforms
// without flock: shared readers each hold a marker, the exclusive form
// requires no markers to exist.
type ReaderLock struct {
	path      string
	exclusive bool
}

func (m *Manager) AcquireReader() (*ReaderLock, error) {
	path := filepath.Join(m.dir, fmt.Sprintf("readers_%d.lock", os.Getpid()))
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		return nil, err
	}
	return &ReaderLock{path: path}, nil
}

func (m *Manager) TryAcquireExclusiveReader() (*ReaderLock, error) {
	matches, err := filepath.Glob(filepath.Join(m.dir, "readers_*.lock"))
	if err != nil {
		return nil, err
	}
	if len(matches) > 0 {
		return nil, ErrReadersHeld
	}
	path := filepath.Join(m.dir, "readers.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, ErrReadersHeld
	}
	_ = f.Close()
	return &ReaderLock{path: path, exclusive: true}, nil
}

func (r *ReaderLock) Release() error {
	return os.Remove(r.path)
}

func (r *ReaderLock) Exclusive() bool { return r.exclusive }
