package snapshot

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dshills/codegrep/internal/config"
	"github.com/dshills/codegrep/internal/scanner"
)

// Manager owns the store's snapshots: opening pinned views, tracking live
// pins for GC safety, and recovering from pointer corruption.
type Manager struct {
	store    *Store
	cfg      *config.Config
	registry *handleRegistry

	mu    sync.Mutex
	views map[uint64]*View // snapshot id -> open view with outstanding pins
}

// NewManager creates a snapshot manager for store.
func NewManager(store *Store, cfg *config.Config) *Manager {
	return &Manager{
		store:    store,
		cfg:      cfg,
		registry: newHandleRegistry(store.SegmentsDir(), cfg.Query.MaxOpenSegmentsGlob),
		views:    make(map[uint64]*View),
	}
}

// Store returns the underlying store.
func (m *Manager) Store() *Store { return m.store }

// OpenHandles reports the registry's open segment handle count.
func (m *Manager) OpenHandles() int { return m.registry.openCount() }

// OpenActive reads the active pointer once, opens the referenced snapshot
// with full checksum verification, and returns a pinned view. Callers must
// Unpin through ReleaseView on every exit path.
func (m *Manager) OpenActive() (*View, error) {
	id, err := m.store.ReadActivePointer()
	if err != nil {
		if errors.Is(err, ErrNoSnapshot) {
			return nil, err
		}
		return m.openFallback()
	}
	v, err := m.openPinned(id)
	if err != nil {
		slog.Warn("active snapshot unreadable, falling back", "snapshot_id", id, "error", err)
		return m.openFallback()
	}
	return v, nil
}

// openPinned returns a pinned view for a specific snapshot id, reusing an
// already-open view when pins are outstanding.
func (m *Manager) openPinned(id uint64) (*View, error) {
	m.mu.Lock()
	if v, ok := m.views[id]; ok && v.Pin() {
		m.mu.Unlock()
		return v, nil
	}
	m.mu.Unlock()

	snapDir := m.store.SnapshotDir(id)
	manifest, err := LoadManifest(filepath.Join(snapDir, "manifest.json"))
	if err != nil {
		return nil, err
	}
	if err := manifest.VerifyArtifacts(m.store.SegmentsDir(), snapDir); err != nil {
		return nil, err
	}

	v, err := openView(manifest, snapDir, m.registry)
	if err != nil {
		return nil, err
	}
	v.Pin()

	m.mu.Lock()
	// Another goroutine may have opened the same snapshot concurrently; keep
	// whichever registered first and fold our pin into it.
	if existing, ok := m.views[id]; ok && existing.Pin() {
		m.mu.Unlock()
		v.Unpin()
		v.Release()
		return existing, nil
	}
	m.views[id] = v
	m.mu.Unlock()
	return v, nil
}

// ReleaseView unpins a view and tears it down when it is no longer the
// active snapshot and no pins remain.
func (m *Manager) ReleaseView(v *View) {
	v.Unpin()
	m.sweepViews()
}

// sweepViews closes non-active views whose pins drained.
func (m *Manager) sweepViews() {
	active, _ := m.store.ReadActivePointer()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, v := range m.views {
		if id == active {
			continue
		}
		if v.Pins() == 0 {
			v.Release()
			delete(m.views, id)
		}
	}
}

// PinnedSnapshots returns the set of snapshot ids with outstanding pins, for
// GC safety checks.
func (m *Manager) PinnedSnapshots() map[uint64]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint64]bool)
	for id, v := range m.views {
		if v.Pins() > 0 {
			out[id] = true
		}
	}
	return out
}

// openFallback scans snapshot directories newest-first by created_at,
// accepting the first fully valid manifest. Used when the pointer is missing
// or names an invalid snapshot.
func (m *Manager) openFallback() (*View, error) {
	candidates, err := m.validManifests()
	if err != nil || len(candidates) == 0 {
		return nil, ErrStoreCorrupt
	}
	best := candidates[0]
	slog.Warn("recovered from fallback scan", "snapshot_id", best.SnapshotID)
	return m.openPinned(best.SnapshotID)
}

// validManifests returns parseable, checksum-clean manifests newest first.
func (m *Manager) validManifests() ([]*Manifest, error) {
	ids, err := m.store.ListSnapshotIDs()
	if err != nil {
		return nil, err
	}
	var out []*Manifest
	for _, id := range ids {
		snapDir := m.store.SnapshotDir(id)
		manifest, err := LoadManifest(filepath.Join(snapDir, "manifest.json"))
		if err != nil {
			continue
		}
		if err := manifest.VerifyArtifacts(m.store.SegmentsDir(), snapDir); err != nil {
			continue
		}
		out = append(out, manifest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// RetainedSnapshots returns the ids protected by retention policy: the active
// snapshot plus at least RetainSnapshots most-recent snapshots and anything
// younger than RetainMinAge.
func (m *Manager) RetainedSnapshots() (map[uint64]bool, error) {
	retained := make(map[uint64]bool)
	if active, err := m.store.ReadActivePointer(); err == nil {
		retained[active] = true
	}

	manifests, err := m.validManifests()
	if err != nil {
		return retained, err
	}
	minAge := time.Duration(m.cfg.Index.RetainMinAgeMin) * time.Minute
	for i, mf := range manifests {
		if i < m.cfg.Index.RetainSnapshots {
			retained[mf.SnapshotID] = true
		}
		if time.Since(mf.CreatedAt) < minAge {
			retained[mf.SnapshotID] = true
		}
	}
	return retained, nil
}

// StagingTxnsReferenced reports staging txn ids referenced by retained
// manifests. Staging dirs are renamed away at commit, so this is normally
// empty; it guards the janitor against half-moved artifacts.
func (m *Manager) StagingTxnsReferenced() map[string]bool {
	return map[string]bool{}
}

// Close tears down every open view. Called on shutdown after pins drain.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, v := range m.views {
		v.Release()
		delete(m.views, id)
	}
}

// NextSnapshotID allocates the id for a new publish: one past the larger of
// the active pointer and any existing snapshot directory.
func (m *Manager) NextSnapshotID() (uint64, error) {
	var max uint64
	if id, err := m.store.ReadActivePointer(); err == nil {
		max = id
	} else if !errors.Is(err, ErrNoSnapshot) && !errors.Is(err, ErrStoreCorrupt) {
		return 0, err
	}
	ids, err := m.store.ListSnapshotIDs()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, err
	}
	for _, id := range ids {
		if id > max {
			max = id
		}
	}
	return max + 1, nil
}

// LoadPriorState reconstructs the recorded file state for the active
// snapshot, used by the change detector. The live set and file hashes come
// from the manifest's view; size and mtime are overlaid from the metadata
// cache when present. A missing cache only costs extra hashing.
func (m *Manager) LoadPriorState(ctx context.Context) (map[string]scanner.FileMeta, error) {
	v, err := m.OpenActive()
	if errors.Is(err, ErrNoSnapshot) {
		return map[string]scanner.FileMeta{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer m.ReleaseView(v)

	prior := make(map[string]scanner.FileMeta)
	for pathKey, segID := range v.SegIndex() {
		table, ok := v.Tables()[segID]
		if !ok {
			continue
		}
		rows, err := table.RowsForPath(ctx, pathKey)
		if err != nil || len(rows) == 0 {
			continue
		}
		prior[pathKey] = scanner.FileMeta{PathKey: pathKey, Size: -1, FileHash: rows[0].FileHash}
	}

	// Overlay the size/mtime cache so unchanged files skip hashing.
	cached, err := readJSONL[scanner.FileMeta](filepath.Join(m.store.Root, "file_meta.jsonl"))
	if err == nil {
		for _, c := range cached {
			if p, ok := prior[c.PathKey]; ok && p.FileHash == c.FileHash {
				prior[c.PathKey] = c
			}
		}
	}
	return prior, nil
}

// SaveFileMetaCache merges the latest file metadata into the size/mtime
// cache after a publish. Best effort; the cache is only an optimization.
func (m *Manager) SaveFileMetaCache(metas map[string]scanner.FileMeta) {
	merged := make(map[string]scanner.FileMeta)
	if existing, err := readJSONL[scanner.FileMeta](filepath.Join(m.store.Root, "file_meta.jsonl")); err == nil {
		for _, e := range existing {
			merged[e.PathKey] = e
		}
	}
	for k, v := range metas {
		merged[k] = v
	}
	list := make([]scanner.FileMeta, 0, len(merged))
	for _, meta := range merged {
		list = append(list, meta)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].PathKey < list[j].PathKey })
	if err := writeJSONL(filepath.Join(m.store.Root, "file_meta.jsonl"), list); err != nil {
		slog.Warn("failed to write file metadata cache", "error", err)
	}
}
