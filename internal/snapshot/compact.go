package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/codegrep/internal/lease"
	"github.com/dshills/codegrep/internal/segment"
	"github.com/dshills/codegrep/pkg/types"
)

// ErrCompactionRebase is returned when the active snapshot moved while a
// replacement segment was being built; the caller retries against the new
// active.
var ErrCompactionRebase = fmt.Errorf("active snapshot moved during compaction")

// CompactResult reports the outcome of one compaction publish.
type CompactResult struct {
	SnapshotID       uint64
	SegmentsBefore   int
	SegmentsAfter    int
	TombstonesPruned int
}

// Compact rewrites the live rows of every referenced segment into a single
// replacement segment, prunes all tombstones, and publishes the result as a
// new snapshot. The replacement is built without the lease; the lease is
// taken only for the publish, and a moved active pointer aborts with
// ErrCompactionRebase.
func (m *Manager) Compact(ctx context.Context, leases *lease.Manager, ttl time.Duration) (*CompactResult, error) {
	baseView, err := m.OpenActive()
	if err != nil {
		return nil, err
	}
	defer m.ReleaseView(baseView)
	base := baseView.Manifest

	if len(base.Segments) <= 1 && base.Counts.Tombstones == 0 {
		return &CompactResult{SnapshotID: base.SnapshotID, SegmentsBefore: len(base.Segments), SegmentsAfter: len(base.Segments)}, nil
	}

	// Build the replacement segment in staging, leaseless.
	txnID := uuid.NewString()
	stagingDir := filepath.Join(m.store.StagingDir(), txnID)
	if err := os.MkdirAll(stagingDir, 0o700); err != nil {
		return nil, err
	}
	defer func() { _ = os.RemoveAll(stagingDir) }()

	snapID := base.SnapshotID + 1
	newSegID := SegmentID(snapID, 0)
	segPath := filepath.Join(stagingDir, newSegID+".db")
	table, err := segment.Create(segPath)
	if err != nil {
		return nil, err
	}

	mapping := baseView.SegIndex()
	paths := make([]string, 0, len(mapping))
	for p := range mapping {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	rowTotal := 0
	for _, p := range paths {
		select {
		case <-ctx.Done():
			_ = table.Close()
			return nil, ctx.Err()
		default:
		}
		src, ok := baseView.Tables()[mapping[p]]
		if !ok {
			_ = table.Close()
			return nil, fmt.Errorf("%w: segment %s not open", ErrIntegrity, mapping[p])
		}
		rows, err := src.RowsForPath(ctx, p)
		if err != nil {
			_ = table.Close()
			return nil, err
		}
		if err := table.AppendRows(ctx, rows); err != nil {
			_ = table.Close()
			return nil, err
		}
		rowTotal += len(rows)
	}
	if err := table.Checkpoint(ctx); err != nil {
		_ = table.Close()
		return nil, err
	}
	if err := table.Close(); err != nil {
		return nil, err
	}

	segRef, err := refFor(segPath)
	if err != nil {
		return nil, err
	}

	// Coalesced index: every live path now maps to the one segment.
	indexEntries := make([]SegIndexEntry, 0, len(paths))
	for _, p := range paths {
		indexEntries = append(indexEntries, SegIndexEntry{PathKey: p, SegmentID: newSegID})
	}
	segIndexPath := filepath.Join(stagingDir, "segment_file_index.jsonl")
	if err := writeJSONL(segIndexPath, indexEntries); err != nil {
		return nil, err
	}
	tombstonesPath := filepath.Join(stagingDir, "tombstones.jsonl")
	if err := writeJSONL(tombstonesPath, []Tombstone{}); err != nil {
		return nil, err
	}
	tombRef, err := refFor(tombstonesPath)
	if err != nil {
		return nil, err
	}
	indexRef, err := refFor(segIndexPath)
	if err != nil {
		return nil, err
	}

	// Publish under the lease, aborting when the active moved.
	ls, err := leases.AcquireWriter(ctx, ttl)
	if err != nil {
		return nil, err
	}
	defer func() { _ = leases.Release(context.Background(), ls) }()

	active, err := m.store.ReadActivePointer()
	if err != nil {
		return nil, err
	}
	if active != base.SnapshotID {
		return nil, ErrCompactionRebase
	}

	manifest := &Manifest{
		SchemaVersion:     types.SchemaVersion,
		SnapshotID:        snapID,
		ParentSnapshotID:  base.SnapshotID,
		CreatedAt:         time.Now().UTC(),
		CanonicalRoot:     base.CanonicalRoot,
		StoreID:           base.StoreID,
		ConfigFingerprint: base.ConfigFingerprint,
		IgnoreFingerprint: base.IgnoreFingerprint,
		LeaseEpoch:        ls.Epoch,
		Git:               base.Git,
		Segments:          []SegmentRef{{ID: newSegID, ArtifactRef: segRef, Rows: rowTotal}},
		Tombstones:        []ArtifactRef{tombRef},
		SegmentFileIndex:  indexRef,
		Counts:            Counts{Files: len(paths), Chunks: rowTotal, Tombstones: 0},
	}
	manifestPath := filepath.Join(stagingDir, "manifest.json")
	if err := writeManifest(manifestPath, manifest); err != nil {
		return nil, err
	}

	if err := leases.Revalidate(ctx, ls); err != nil {
		return nil, err
	}
	// Final rebase check immediately before the swap.
	if active, err := m.store.ReadActivePointer(); err != nil || active != base.SnapshotID {
		return nil, ErrCompactionRebase
	}

	if err := os.Rename(segPath, m.store.SegmentPath(newSegID)); err != nil {
		return nil, err
	}
	if err := syncDir(m.store.SegmentsDir()); err != nil {
		return nil, err
	}
	snapDir := m.store.SnapshotDir(snapID)
	if err := os.MkdirAll(snapDir, 0o700); err != nil {
		return nil, err
	}
	for _, src := range []string{tombstonesPath, segIndexPath, manifestPath} {
		if err := os.Rename(src, filepath.Join(snapDir, filepath.Base(src))); err != nil {
			return nil, err
		}
	}
	if err := syncDir(snapDir); err != nil {
		return nil, err
	}
	if err := syncDir(m.store.SnapshotsDir()); err != nil {
		return nil, err
	}
	if err := m.store.writeActivePointer(snapID); err != nil {
		return nil, err
	}

	return &CompactResult{
		SnapshotID:       snapID,
		SegmentsBefore:   len(base.Segments),
		SegmentsAfter:    1,
		TombstonesPruned: base.Counts.Tombstones,
	}, nil
}
