package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dshills/codegrep/internal/identity"
	"github.com/dshills/codegrep/internal/lease"
	"github.com/dshills/codegrep/internal/scanner"
	"github.com/dshills/codegrep/internal/segment"
	"github.com/dshills/codegrep/pkg/types"
)

// stagedSnapshot holds the staged artifacts awaiting commit.
type stagedSnapshot struct {
	manifest       *Manifest
	segmentPath    string // staging path of the new segment, "" when no rows
	tombstonesPath string
	segIndexPath   string
	manifestPath   string
}

// stage assembles the new snapshot's artifacts in the staging directory and
// runs the integrity preflight. Nothing outside stagingDir is touched.
func (w *Writer) stage(ctx context.Context, stagingDir string, snapID uint64, ls *lease.Lease,
	cs *scanner.ChangeSet, built *builtRows, prior map[string]scanner.FileMeta, ignoreFP string) (*stagedSnapshot, error) {

	parent := w.loadActiveManifest()

	// Fencing: a writer whose epoch regressed against the published chain is
	// stale and must never commit. The lease file normally guarantees this;
	// the check catches lease-file loss.
	if parent != nil && ls.Epoch < parent.LeaseEpoch {
		return nil, fmt.Errorf("%w: lease epoch %d behind published epoch %d",
			ErrIntegrity, ls.Epoch, parent.LeaseEpoch)
	}

	// New live mapping: parent's, minus removals, plus changed paths.
	mapping := make(map[string]string)
	parentSegRefs := make(map[string]SegmentRef)
	var parentID uint64
	if parent != nil {
		parentID = parent.SnapshotID
		for _, ref := range parent.Segments {
			parentSegRefs[ref.ID] = ref
		}
		snapDir := w.mgr.Store().SnapshotDir(parent.SnapshotID)
		entries, err := readJSONL[SegIndexEntry](filepath.Join(snapDir, parent.SegmentFileIndex.Name))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.SegmentID == "" {
				delete(mapping, e.PathKey)
				continue
			}
			mapping[e.PathKey] = e.SegmentID
		}
	}

	removed := make(map[string]string) // path -> tombstone reason
	for _, del := range cs.Delete {
		delete(mapping, del)
		removed[del] = ReasonDelete
	}
	for _, rn := range cs.Rename {
		delete(mapping, rn.From)
		removed[rn.From] = ReasonRenameFrom
	}
	for _, mod := range cs.Modify {
		if _, ok := built.rowsByPath[mod.PathKey]; ok {
			removed[mod.PathKey] = ReasonReplace
		}
	}

	// Append rows sorted by path then ordinal so segment contents are
	// deterministic for identical inputs.
	newSegID := SegmentID(snapID, 0)
	var allRows []*types.ChunkRow
	paths := make([]string, 0, len(built.rowsByPath))
	for p := range built.rowsByPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if len(built.rowsByPath[p]) == 0 {
			// A file that chunked to nothing is treated as a delete.
			delete(mapping, p)
			if _, had := prior[p]; had {
				removed[p] = ReasonDelete
			}
			continue
		}
		mapping[p] = newSegID
		allRows = append(allRows, built.rowsByPath[p]...)
	}

	// Casefold uniqueness over the full live view.
	ci := make(map[string]string, len(mapping))
	for p := range mapping {
		folded := identity.PathKeyCI(p)
		if other, dup := ci[folded]; dup {
			return nil, fmt.Errorf("%w: %s: %s and %s", ErrIntegrity, scanner.ErrCasefoldCollision, other, p)
		}
		ci[folded] = p
	}

	st := &stagedSnapshot{}
	var segRefs []SegmentRef

	if len(allRows) > 0 {
		st.segmentPath = filepath.Join(stagingDir, newSegID+".db")
		table, err := segment.Create(st.segmentPath)
		if err != nil {
			return nil, err
		}
		if err := table.AppendRows(ctx, allRows); err != nil {
			_ = table.Close()
			return nil, err
		}
		if err := table.Checkpoint(ctx); err != nil {
			_ = table.Close()
			return nil, err
		}
		rowCount, err := table.RowCount(ctx)
		if err != nil {
			_ = table.Close()
			return nil, err
		}
		if err := table.Close(); err != nil {
			return nil, err
		}
		ref, err := refFor(st.segmentPath)
		if err != nil {
			return nil, err
		}
		segRefs = append(segRefs, SegmentRef{ID: newSegID, ArtifactRef: ref, Rows: rowCount})
	}

	// Carry forward every parent segment still referenced by the mapping.
	live := make(map[string]bool)
	for _, segID := range mapping {
		live[segID] = true
	}
	carried := make([]string, 0, len(live))
	for segID := range live {
		if segID == newSegID {
			continue
		}
		carried = append(carried, segID)
	}
	sort.Strings(carried)
	for _, segID := range carried {
		ref, ok := parentSegRefs[segID]
		if !ok {
			return nil, fmt.Errorf("%w: mapping references unknown segment %s", ErrIntegrity, segID)
		}
		segRefs = append(segRefs, ref)
	}

	if len(segRefs) > w.cfg.Index.MaxSegmentsPerSnapshot {
		return nil, fmt.Errorf("snapshot would reference %d segments (cap %d); compaction required",
			len(segRefs), w.cfg.Index.MaxSegmentsPerSnapshot)
	}

	// Tombstones: carry parent stones still shadowing nothing, add this
	// sync's removals. A path that came back alive drops its stone.
	stones := make([]Tombstone, 0)
	if parent != nil {
		snapDir := w.mgr.Store().SnapshotDir(parent.SnapshotID)
		for _, ref := range parent.Tombstones {
			old, err := readJSONL[Tombstone](filepath.Join(snapDir, ref.Name))
			if err != nil {
				return nil, err
			}
			for _, ts := range old {
				if _, alive := mapping[ts.PathKey]; alive {
					continue
				}
				if _, again := removed[ts.PathKey]; again {
					continue
				}
				stones = append(stones, ts)
			}
		}
	}
	removedPaths := make([]string, 0, len(removed))
	for p := range removed {
		removedPaths = append(removedPaths, p)
	}
	sort.Strings(removedPaths)
	for _, p := range removedPaths {
		stones = append(stones, Tombstone{PathKey: p, Reason: removed[p]})
	}
	if len(stones) > w.cfg.Index.MaxTombstones {
		return nil, fmt.Errorf("snapshot would carry %d tombstones (cap %d); compaction required",
			len(stones), w.cfg.Index.MaxTombstones)
	}

	st.tombstonesPath = filepath.Join(stagingDir, "tombstones.jsonl")
	if err := writeJSONL(st.tombstonesPath, stones); err != nil {
		return nil, err
	}

	// Coalesced segment-file index, sorted by path key.
	indexEntries := make([]SegIndexEntry, 0, len(mapping))
	mapped := make([]string, 0, len(mapping))
	for p := range mapping {
		mapped = append(mapped, p)
	}
	sort.Strings(mapped)
	for _, p := range mapped {
		indexEntries = append(indexEntries, SegIndexEntry{PathKey: p, SegmentID: mapping[p]})
	}
	st.segIndexPath = filepath.Join(stagingDir, "segment_file_index.jsonl")
	if err := writeJSONL(st.segIndexPath, indexEntries); err != nil {
		return nil, err
	}

	tombRef, err := refFor(st.tombstonesPath)
	if err != nil {
		return nil, err
	}
	indexRef, err := refFor(st.segIndexPath)
	if err != nil {
		return nil, err
	}

	totalChunks := 0
	for _, ref := range segRefs {
		totalChunks += ref.Rows
	}

	m := &Manifest{
		SchemaVersion:     types.SchemaVersion,
		SnapshotID:        snapID,
		ParentSnapshotID:  parentID,
		CreatedAt:         time.Now().UTC(),
		CanonicalRoot:     w.ident.CanonicalRoot,
		StoreID:           w.ident.StoreID,
		ConfigFingerprint: w.ident.ConfigFingerprint,
		IgnoreFingerprint: ignoreFP,
		LeaseEpoch:        ls.Epoch,
		Git:               scanner.GitInfo(w.root, w.cfg.Index.IncludeUntracked),
		Segments:          segRefs,
		Tombstones:        []ArtifactRef{tombRef},
		SegmentFileIndex:  indexRef,
		Counts:            Counts{Files: len(mapping), Chunks: totalChunks, Tombstones: len(stones)},
		Degraded:          len(built.failed) > 0,
		Errors:            built.failed,
	}
	st.manifest = m

	st.manifestPath = filepath.Join(stagingDir, "manifest.json")
	if err := writeManifest(st.manifestPath, m); err != nil {
		return nil, err
	}

	if err := w.preflight(ctx, st, cs, built, mapping, removed); err != nil {
		return nil, err
	}
	return st, nil
}

// preflight re-verifies the staged artifacts against the manifest and checks
// that every eligible-changed path is either present in new segments or
// tombstoned.
func (w *Writer) preflight(ctx context.Context, st *stagedSnapshot, cs *scanner.ChangeSet,
	built *builtRows, mapping map[string]string, removed map[string]string) error {

	stagingDir := filepath.Dir(st.manifestPath)
	for _, seg := range st.manifest.Segments {
		path := filepath.Join(stagingDir, seg.Name)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			// Carried-forward segments live in the store, not staging.
			path = w.mgr.Store().SegmentPath(seg.ID)
		}
		if err := verifyArtifact(path, seg.ArtifactRef); err != nil {
			return err
		}
	}
	for _, ref := range st.manifest.Tombstones {
		if err := verifyArtifact(filepath.Join(stagingDir, ref.Name), ref); err != nil {
			return err
		}
	}
	if err := verifyArtifact(filepath.Join(stagingDir, st.manifest.SegmentFileIndex.Name), st.manifest.SegmentFileIndex); err != nil {
		return err
	}

	// Row-count cross-check on the new segment.
	if st.segmentPath != "" {
		table, err := segment.Open(st.segmentPath)
		if err != nil {
			return err
		}
		count, err := table.RowCount(ctx)
		closeErr := table.Close()
		if err != nil {
			return err
		}
		if closeErr != nil {
			return closeErr
		}
		expected := 0
		for _, rows := range built.rowsByPath {
			expected += len(rows)
		}
		if count != expected {
			return fmt.Errorf("%w: staged segment has %d rows, expected %d", ErrIntegrity, count, expected)
		}
	}

	failedSet := make(map[string]bool)
	for _, f := range built.failed {
		for i := 0; i < len(f); i++ {
			if f[i] == ':' {
				failedSet[f[:i]] = true
				break
			}
		}
	}
	for _, key := range cs.Changed() {
		if failedSet[key] {
			continue
		}
		_, inMapping := mapping[key]
		_, inRemoved := removed[key]
		if !inMapping && !inRemoved {
			return fmt.Errorf("%w: changed path %s neither indexed nor tombstoned", ErrIntegrity, key)
		}
	}
	for _, del := range cs.Delete {
		if removed[del] != ReasonDelete {
			return fmt.Errorf("%w: deleted path %s not tombstoned", ErrIntegrity, del)
		}
	}
	return nil
}

// commit performs the durable publish: artifacts move to their final homes,
// each hop fsynced, and the pointer rename is last.
func (w *Writer) commit(st *stagedSnapshot, stagingDir string, snapID uint64) error {
	store := w.mgr.Store()

	if st.segmentPath != "" {
		dest := store.SegmentPath(st.manifest.Segments[0].ID)
		if err := os.Rename(st.segmentPath, dest); err != nil {
			return err
		}
		if err := syncDir(store.SegmentsDir()); err != nil {
			return err
		}
	}

	snapDir := store.SnapshotDir(snapID)
	if err := os.MkdirAll(snapDir, 0o700); err != nil {
		return err
	}
	for _, src := range []string{st.tombstonesPath, st.segIndexPath, st.manifestPath} {
		if err := os.Rename(src, filepath.Join(snapDir, filepath.Base(src))); err != nil {
			return err
		}
	}
	if err := syncDir(snapDir); err != nil {
		return err
	}
	if err := syncDir(store.SnapshotsDir()); err != nil {
		return err
	}

	// The pointer rename is the commit point; its parent fsync makes it
	// durable.
	return store.writeActivePointer(snapID)
}

// loadActiveManifest returns the active manifest or nil when none exists.
func (w *Writer) loadActiveManifest() *Manifest {
	id, err := w.mgr.Store().ReadActivePointer()
	if err != nil {
		return nil
	}
	m, err := LoadManifest(filepath.Join(w.mgr.Store().SnapshotDir(id), "manifest.json"))
	if err != nil {
		return nil
	}
	return m
}
