// Package maintain provides the offline maintenance operations: integrity
// audit, targeted repair, store garbage collection, and the compaction
// driver. Repair publishes through the writer's Sync and Compact through the
// snapshot manager, both under the writer lease; StoreGC takes each store's
// writer lease and exclusive reader lock before removing it. Audit reads a
// pinned view of the active snapshot and takes neither the lease nor a
// reader lock.
package maintain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dshills/codegrep/internal/config"
	"github.com/dshills/codegrep/internal/lease"
	"github.com/dshills/codegrep/internal/scanner"
	"github.com/dshills/codegrep/internal/snapshot"
)

// AuditResult enumerates drift found by an audit pass.
type AuditResult struct {
	SnapshotID   uint64
	RowsCounted  int
	RowsExpected int
	Problems     []string
}

// OK reports whether the audit found no drift.
func (r *AuditResult) OK() bool { return len(r.Problems) == 0 }

// Audit verifies the active snapshot: referenced artifacts exist with
// matching checksums, and the summed segment row counts equal the manifest's
// chunk count.
func Audit(ctx context.Context, mgr *snapshot.Manager) (*AuditResult, error) {
	view, err := mgr.OpenActive()
	if err != nil {
		return nil, err
	}
	defer mgr.ReleaseView(view)

	m := view.Manifest
	res := &AuditResult{SnapshotID: m.SnapshotID, RowsExpected: m.Counts.Chunks}

	// Artifact verification already ran on open; re-run here so audit also
	// catches corruption that happened after open.
	snapDir := mgr.Store().SnapshotDir(m.SnapshotID)
	if err := m.VerifyArtifacts(mgr.Store().SegmentsDir(), snapDir); err != nil {
		res.Problems = append(res.Problems, err.Error())
	}

	for _, ref := range m.Segments {
		table, ok := view.Tables()[ref.ID]
		if !ok {
			res.Problems = append(res.Problems, fmt.Sprintf("segment %s not open", ref.ID))
			continue
		}
		count, err := table.RowCount(ctx)
		if err != nil {
			res.Problems = append(res.Problems, fmt.Sprintf("segment %s unreadable: %v", ref.ID, err))
			continue
		}
		if count != ref.Rows {
			res.Problems = append(res.Problems, fmt.Sprintf("segment %s has %d rows, manifest says %d", ref.ID, count, ref.Rows))
		}
		res.RowsCounted += count
	}
	if res.RowsCounted != res.RowsExpected {
		res.Problems = append(res.Problems,
			fmt.Sprintf("row total %d does not match manifest chunk count %d", res.RowsCounted, res.RowsExpected))
	}

	// Every live path must map to a referenced segment.
	refs := make(map[string]bool, len(m.Segments))
	for _, ref := range m.Segments {
		refs[ref.ID] = true
	}
	for pathKey, segID := range view.SegIndex() {
		if !refs[segID] {
			res.Problems = append(res.Problems, fmt.Sprintf("path %s maps to unreferenced segment %s", pathKey, segID))
		}
	}

	sort.Strings(res.Problems)
	return res, nil
}

// RepairResult reports what a repair pass did.
type RepairResult struct {
	FilesReindexed int
	FullReindex    bool
	SnapshotID     uint64
}

// Repair looks up, through the per-path segment index, the live paths whose
// segment is not open or holds no rows for them, re-indexes those paths with
// a hinted sync, and then runs Audit, failing when it reports drift. When no
// such path exists it runs a full sync instead, and when the active snapshot
// is unreadable it falls back to a full reindex; neither of those branches
// runs Audit. No branch re-reads the working tree afterwards to compare
// content hashes.
func Repair(ctx context.Context, mgr *snapshot.Manager, writer *snapshot.Writer) (*RepairResult, error) {
	view, err := mgr.OpenActive()
	if err != nil {
		// No usable mapping: full reindex is the fallback.
		res, serr := writer.Sync(ctx, snapshot.SyncOptions{Hint: &scanner.Hint{Full: true}})
		if serr != nil {
			return nil, serr
		}
		return &RepairResult{FullReindex: true, SnapshotID: res.SnapshotID}, nil
	}

	var suspect []string
	for pathKey, segID := range view.SegIndex() {
		select {
		case <-ctx.Done():
			mgr.ReleaseView(view)
			return nil, ctx.Err()
		default:
		}
		table, ok := view.Tables()[segID]
		if !ok {
			suspect = append(suspect, pathKey)
			continue
		}
		rows, err := table.RowsForPath(ctx, pathKey)
		if err != nil || len(rows) == 0 {
			suspect = append(suspect, pathKey)
		}
	}
	mgr.ReleaseView(view)
	sort.Strings(suspect)

	if len(suspect) == 0 {
		// Nothing structurally broken; a regular sync picks up content drift.
		res, serr := writer.Sync(ctx, snapshot.SyncOptions{Hint: &scanner.Hint{Full: true}})
		if serr != nil {
			return nil, serr
		}
		return &RepairResult{SnapshotID: res.SnapshotID}, nil
	}

	res, serr := writer.Sync(ctx, snapshot.SyncOptions{Hint: &scanner.Hint{Paths: suspect}})
	if serr != nil {
		return nil, serr
	}

	audit, aerr := Audit(ctx, mgr)
	if aerr != nil {
		return nil, aerr
	}
	if !audit.OK() {
		return nil, fmt.Errorf("repair left drift: %v", audit.Problems)
	}
	return &RepairResult{FilesReindexed: len(suspect), SnapshotID: res.SnapshotID}, nil
}

// StoreGCResult reports removed stores.
type StoreGCResult struct {
	Removed []string
	Kept    int
}

// StoreGC removes store directories unused for longer than maxIdle. Stores
// whose canonical root still exists are kept unless force is set. Enumeration
// is a single-level scan of the data directory.
func StoreGC(baseDir string, maxIdle time.Duration, force bool) (*StoreGCResult, error) {
	dataDir := filepath.Join(baseDir, "data")
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return &StoreGCResult{}, nil
		}
		return nil, err
	}

	res := &StoreGCResult{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		storeRoot := filepath.Join(dataDir, e.Name())
		store := &snapshot.Store{Root: storeRoot}

		state, _ := store.ReadIndexState()
		lastUsed := time.Time{}
		if state != nil {
			lastUsed = state.LastSyncAt
		}
		if lastUsed.IsZero() {
			if info, serr := e.Info(); serr == nil {
				lastUsed = info.ModTime()
			}
		}
		if time.Since(lastUsed) < maxIdle {
			res.Kept++
			continue
		}

		if !force {
			// A live canonical root keeps its store.
			if m := activeManifest(store); m != nil {
				if _, serr := os.Stat(m.CanonicalRoot); serr == nil {
					res.Kept++
					continue
				}
			}
		}

		// Never delete under a live writer: a daemon heartbeating its lease
		// owns this store even if the idle heuristic fired.
		leases, lerr := lease.NewManager(store.LocksDir())
		if lerr != nil {
			res.Kept++
			continue
		}
		ls, lerr := leases.AcquireWriter(context.Background(), 2*time.Second)
		if lerr != nil {
			res.Kept++
			continue
		}
		// An offline reader holding the shared reader lock also keeps it.
		readerLock, rerr := leases.TryAcquireExclusiveReader()
		if rerr != nil {
			_ = leases.Release(context.Background(), ls)
			res.Kept++
			continue
		}

		if err := os.RemoveAll(storeRoot); err != nil {
			_ = readerLock.Release()
			_ = leases.Release(context.Background(), ls)
			return res, fmt.Errorf("failed to remove store %s: %w", e.Name(), err)
		}
		_ = readerLock.Release()
		res.Removed = append(res.Removed, e.Name())
	}
	return res, nil
}

func activeManifest(store *snapshot.Store) *snapshot.Manifest {
	id, err := store.ReadActivePointer()
	if err != nil {
		return nil
	}
	m, err := snapshot.LoadManifest(filepath.Join(store.SnapshotDir(id), "manifest.json"))
	if err != nil {
		return nil
	}
	return m
}

// Compact drives segment compaction with rebase retries.
func Compact(ctx context.Context, mgr *snapshot.Manager, leases *lease.Manager, cfg *config.Config) (*snapshot.CompactResult, error) {
	ttl := time.Duration(cfg.Index.LeaseTTLMs) * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		res, err := mgr.Compact(ctx, leases, ttl)
		if err == snapshot.ErrCompactionRebase {
			continue
		}
		return res, err
	}
	return nil, snapshot.ErrCompactionRebase
}
