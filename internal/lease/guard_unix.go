//go:build unix

package lease

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// guard is a held exclusive lock on the guard file.
type guard struct {
	f *os.File
}

// acquireGuard takes the exclusive guard with a short bounded wait. The guard
// serializes lease mutations only; it is never held across embedding or I/O.
func acquireGuard(ctx context.Context, path string) (*guard, error) {
	deadline := time.Now().Add(2 * time.Second)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open lease guard: %w", err)
		}
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &guard{f: f}, nil
		}
		_ = f.Close()
		if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
			return nil, fmt.Errorf("failed to lock lease guard: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lease guard busy")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (g *guard) release() {
	_ = unix.Flock(int(g.f.Fd()), unix.LOCK_UN)
	_ = g.f.Close()
}

// processAlive reports whether pid exists, for stale-lease detection.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil || unix.Kill(pid, 0) == unix.EPERM
}
