//go:build !unix

package lease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// guard falls back to exclusive-create with a short TTL on platforms without
// flock.
type guard struct {
	path string
}

func acquireGuard(ctx context.Context, path string) (*guard, error) {
	deadline := time.Now().Add(2 * time.Second)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_ = f.Close()
			return &guard{path: path}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create lease guard: %w", err)
		}
		// Break guards abandoned past their TTL.
		if info, serr := os.Stat(path); serr == nil && time.Since(info.ModTime()) > 5*time.Second {
			_ = os.Remove(path)
			continue
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
	_ = os.Remove(g.path)
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
