package lease

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// ReapStaging removes stale staging transaction directories. A directory is
// reaped when it is older than ttl, is not the lease's own live transaction,
// and is not referenced by any retained manifest. Runs at acquisition and at
// service startup, before new writes begin.
func ReapStaging(stagingDir string, ttl time.Duration, liveTxn string, referenced map[string]bool) int {
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return 0
	}
	reaped := 0
	cutoff := time.Now().Add(-ttl)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if name == liveTxn || referenced[name] {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(stagingDir, name)
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("failed to reap staging txn", "path", path, "error", err)
			continue
		}
		reaped++
	}
	if reaped > 0 {
		slog.Info("reaped stale staging transactions", "count", reaped)
	}
	return reaped
}
