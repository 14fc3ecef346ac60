package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dshills/codegrep/internal/lease"
)

// GCResult reports what a collection pass removed.
type GCResult struct {
	SnapshotsDeleted int
	SegmentsDeleted  int
	BytesReclaimed   int64
}

// GC deletes snapshots outside retention and segment artifacts no retained
// snapshot references. It requires the writer lease and the exclusive
// offline-reader lock; in-process pins and the age safety margin are also
// honored, so an in-flight pinned reader never loses its artifacts.
func (m *Manager) GC(ctx context.Context, leases *lease.Manager, ttl time.Duration) (*GCResult, error) {
	ls, err := leases.AcquireWriter(ctx, ttl)
	if err != nil {
		return nil, err
	}
	defer func() { _ = leases.Release(context.Background(), ls) }()

	readerLock, err := leases.TryAcquireExclusiveReader()
	if err != nil {
		return nil, fmt.Errorf("gc requires exclusive reader lock: %w", err)
	}
	defer func() { _ = readerLock.Release() }()

	retained, err := m.RetainedSnapshots()
	if err != nil {
		return nil, err
	}
	for id := range m.PinnedSnapshots() {
		retained[id] = true
	}

	// Segments referenced by any retained snapshot stay.
	keepSegments := make(map[string]bool)
	for id := range retained {
		manifest, err := LoadManifest(filepath.Join(m.store.SnapshotDir(id), "manifest.json"))
		if err != nil {
			continue
		}
		for _, seg := range manifest.Segments {
			keepSegments[seg.ID] = true
		}
	}

	minAge := m.cfg.QueryTimeout() + m.cfg.GCSafetyMargin()
	res := &GCResult{}

	ids, err := m.store.ListSnapshotIDs()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if retained[id] {
			continue
		}
		dir := m.store.SnapshotDir(id)
		if info, serr := os.Stat(dir); serr == nil && time.Since(info.ModTime()) < minAge {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("failed to remove snapshot", "snapshot_id", id, "error", err)
			continue
		}
		res.SnapshotsDeleted++
	}

	entries, err := os.ReadDir(m.store.SegmentsDir())
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		segID := name
		if ext := filepath.Ext(name); ext == ".db" {
			segID = name[:len(name)-len(ext)]
		} else if ext != "" {
			continue // WAL/SHM companions go with their database
		}
		if keepSegments[segID] {
			continue
		}
		info, ierr := e.Info()
		if ierr != nil || time.Since(info.ModTime()) < minAge {
			continue
		}
		path := filepath.Join(m.store.SegmentsDir(), name)
		size := info.Size()
		if err := os.Remove(path); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				slog.Warn("failed to remove segment", "segment", name, "error", err)
			}
			continue
		}
		res.SegmentsDeleted++
		res.BytesReclaimed += size
	}
	return res, nil
}
