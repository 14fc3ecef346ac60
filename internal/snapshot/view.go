package snapshot

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/dshills/codegrep/internal/segment"
)

// handleRegistry owns open segment handles keyed by segment id. Views hold
// reference-counted borrows, so a segment file stays open only while some
// view needs it, and the daemon-wide open handle budget is enforceable.
type handleRegistry struct {
	mu        sync.Mutex
	segDir    string
	maxGlobal int
	open      map[string]*handleEntry
}

type handleEntry struct {
	table *segment.Table
	refs  int
}

func newHandleRegistry(segDir string, maxGlobal int) *handleRegistry {
	if maxGlobal <= 0 {
		maxGlobal = 512
	}
	return &handleRegistry{segDir: segDir, maxGlobal: maxGlobal, open: make(map[string]*handleEntry)}
}

// borrow opens (or shares) the handle for segmentID.
func (r *handleRegistry) borrow(segmentID string) (*segment.Table, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.open[segmentID]; ok {
		e.refs++
		return e.table, nil
	}
	if len(r.open) >= r.maxGlobal {
		return nil, fmt.Errorf("open segment handles exhausted (%d)", r.maxGlobal)
	}
	table, err := segment.Open(filepath.Join(r.segDir, segmentID+".db"))
	if err != nil {
		return nil, err
	}
	r.open[segmentID] = &handleEntry{table: table, refs: 1}
	return table, nil
}

// giveBack releases a borrow, closing the handle at zero refs.
func (r *handleRegistry) giveBack(segmentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.open[segmentID]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		_ = e.table.Close()
		delete(r.open, segmentID)
	}
}

// openCount reports the current handle count for status.
func (r *handleRegistry) openCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

// View is an immutable accessor over one published snapshot. The query
// engine filters every retrieved row through IsVisible; Tables exposes the
// raw segment handles, whose reads apply no tombstone or segment-index filter.
type View struct {
	Manifest *Manifest

	registry *handleRegistry
	tables   map[string]*segment.Table // segment id -> borrowed handle
	segIndex map[string]string         // path_key -> live segment id
	deleted  map[string]bool           // path_key tombstoned with reason delete

	pinMu sync.Mutex
	pins  int
	done  bool
}

// openView borrows handles for every referenced segment and loads the
// tombstone filter and segment-file index. The per-query segment cap is
// enforced by the query engine, not here; only the global handle budget can
// fail the open.
func openView(m *Manifest, snapDir string, registry *handleRegistry) (*View, error) {
	v := &View{
		Manifest: m,
		registry: registry,
		tables:   make(map[string]*segment.Table, len(m.Segments)),
		segIndex: make(map[string]string),
		deleted:  make(map[string]bool),
	}

	for _, seg := range m.Segments {
		t, err := registry.borrow(seg.ID)
		if err != nil {
			v.Release()
			return nil, err
		}
		v.tables[seg.ID] = t
	}

	entries, err := readJSONL[SegIndexEntry](filepath.Join(snapDir, m.SegmentFileIndex.Name))
	if err != nil {
		v.Release()
		return nil, err
	}
	// Delta lines: last entry for a key wins.
	for _, e := range entries {
		if e.SegmentID == "" {
			delete(v.segIndex, e.PathKey)
			continue
		}
		v.segIndex[e.PathKey] = e.SegmentID
	}

	for _, ref := range m.Tombstones {
		stones, err := readJSONL[Tombstone](filepath.Join(snapDir, ref.Name))
		if err != nil {
			v.Release()
			return nil, err
		}
		for _, ts := range stones {
			if ts.Reason == ReasonDelete || ts.Reason == ReasonRenameFrom {
				v.deleted[ts.PathKey] = true
			}
		}
	}
	return v, nil
}

// IsVisible reports whether rows for (pathKey, segmentID) belong to the live
// view: the segment-file index must map the path to exactly this segment at
// snapshot time, and the path must not be deleted. Rows in older segments for
// a replaced path are invisible regardless of tombstone ordering.
func (v *View) IsVisible(pathKey, segmentID string) bool {
	if v.deleted[pathKey] {
		return false
	}
	live, ok := v.segIndex[pathKey]
	return ok && live == segmentID
}

// Tables returns the borrowed segment handles keyed by segment id. Callers
// must hold a pin.
func (v *View) Tables() map[string]*segment.Table { return v.tables }

// LivePaths returns the number of live path keys.
func (v *View) LivePaths() int { return len(v.segIndex) }

// SegmentFor returns the live segment for a path key.
func (v *View) SegmentFor(pathKey string) (string, bool) {
	if v.deleted[pathKey] {
		return "", false
	}
	id, ok := v.segIndex[pathKey]
	return id, ok
}

// SegIndex returns a copy of the live path -> segment mapping.
func (v *View) SegIndex() map[string]string {
	out := make(map[string]string, len(v.segIndex))
	for k, val := range v.segIndex {
		out[k] = val
	}
	return out
}

// Pin takes a counted borrow preventing the view's segments from being
// garbage collected. Returns false when the view is already released.
func (v *View) Pin() bool {
	v.pinMu.Lock()
	defer v.pinMu.Unlock()
	if v.done {
		return false
	}
	v.pins++
	return true
}

// Unpin releases one borrow.
func (v *View) Unpin() {
	v.pinMu.Lock()
	defer v.pinMu.Unlock()
	if v.pins > 0 {
		v.pins--
	}
}

// Pins reports current borrows.
func (v *View) Pins() int {
	v.pinMu.Lock()
	defer v.pinMu.Unlock()
	return v.pins
}

// Release gives back all segment borrows. Idempotent; the manager calls it
// once every pin has drained.
func (v *View) Release() {
	v.pinMu.Lock()
	if v.done {
		v.pinMu.Unlock()
		return
	}
	v.done = true
	v.pinMu.Unlock()

	for id := range v.tables {
		v.registry.giveBack(id)
	}
}
