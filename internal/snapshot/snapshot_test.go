package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/codegrep/internal/chunker"
	"github.com/dshills/codegrep/internal/config"
	"github.com/dshills/codegrep/internal/embedder"
	"github.com/dshills/codegrep/internal/identity"
	"github.com/dshills/codegrep/internal/lease"
)

// env bundles a working repo plus a wired write path for tests.
type env struct {
	repo   string
	cfg    *config.Config
	ident  identity.Identity
	store  *Store
	mgr    *Manager
	leases *lease.Manager
	writer *Writer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	repo := t.TempDir()

	cfg := config.Default()
	cfg.BaseDir = t.TempDir()
	cfg.DummyEmbedder = true
	cfg.Embed.Dimension = 64
	cfg.Index.LeaseTTLMs = 5000

	ident := identity.New(repo, cfg, nil)
	store, err := OpenStore(cfg.BaseDir, ident.StoreID, Perms{})
	require.NoError(t, err)

	leases, err := lease.NewManager(store.LocksDir())
	require.NoError(t, err)

	mgr := NewManager(store, cfg)
	emb := embedder.NewDummy(cfg.Embed.Dimension)
	limiter, err := embedder.NewHostLimiter(cfg.BaseDir, 2)
	require.NoError(t, err)

	writer := NewWriter(mgr, leases, cfg, ident, chunker.New(cfg), emb, embedder.NewCache(100), limiter)
	return &env{repo: repo, cfg: cfg, ident: ident, store: store, mgr: mgr, leases: leases, writer: writer}
}

func (e *env) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(e.repo, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (e *env) sync(t *testing.T) *SyncResult {
	t.Helper()
	res, err := e.writer.Sync(context.Background(), SyncOptions{})
	require.NoError(t, err)
	return res
}

func TestFirstPublish(t *testing.T) {
	e := newEnv(t)
	e.write(t, "a.go", "package a\n\nfunc A() {}\n")
	e.write(t, "b.go", "package b\n\nfunc B() {}\n")

	res := e.sync(t)
	assert.True(t, res.Published)
	assert.Equal(t, uint64(1), res.SnapshotID)
	assert.Equal(t, 2, res.Files)
	assert.Positive(t, res.Chunks)
	assert.False(t, res.Degraded)

	active, err := e.store.ReadActivePointer()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), active)

	view, err := e.mgr.OpenActive()
	require.NoError(t, err)
	defer e.mgr.ReleaseView(view)

	assert.Equal(t, 2, view.LivePaths())
	segID, ok := view.SegmentFor("a.go")
	require.True(t, ok)
	assert.True(t, view.IsVisible("a.go", segID))
	assert.False(t, view.IsVisible("a.go", "seg_9_9"))
}

func TestSyncWithoutChangesPublishesNothing(t *testing.T) {
	e := newEnv(t)
	e.write(t, "a.go", "package a\n")

	first := e.sync(t)
	require.True(t, first.Published)

	second := e.sync(t)
	assert.False(t, second.Published, "no delta must publish no snapshot")
	assert.Equal(t, first.SnapshotID, second.SnapshotID)

	active, err := e.store.ReadActivePointer()
	require.NoError(t, err)
	assert.Equal(t, first.SnapshotID, active, "active snapshot unchanged")
}

func TestDeleteSemantics(t *testing.T) {
	e := newEnv(t)
	e.write(t, "a.txt", "alpha content here\n")
	e.write(t, "b.txt", "bravo content here\n")
	first := e.sync(t)
	require.True(t, first.Published)

	require.NoError(t, os.Remove(filepath.Join(e.repo, "b.txt")))
	second := e.sync(t)
	require.True(t, second.Published)
	assert.Greater(t, second.SnapshotID, first.SnapshotID)
	assert.Positive(t, second.Tombstones)

	view, err := e.mgr.OpenActive()
	require.NoError(t, err)
	defer e.mgr.ReleaseView(view)

	_, ok := view.SegmentFor("b.txt")
	assert.False(t, ok, "deleted path has no live segment")
	aSeg, ok := view.SegmentFor("a.txt")
	require.True(t, ok)
	assert.True(t, view.IsVisible("a.txt", aSeg), "survivor unchanged")
}

func TestModifyReplacesRows(t *testing.T) {
	e := newEnv(t)
	e.write(t, "a.go", "package a\n\nfunc One() {}\n")
	first := e.sync(t)

	e.write(t, "a.go", "package a\n\nfunc Two() {}\n")
	second := e.sync(t)
	require.True(t, second.Published)

	view, err := e.mgr.OpenActive()
	require.NoError(t, err)
	defer e.mgr.ReleaseView(view)

	liveSeg, ok := view.SegmentFor("a.go")
	require.True(t, ok)
	assert.Equal(t, SegmentID(second.SnapshotID, 0), liveSeg)

	// Rows in the first snapshot's segment are structurally invisible.
	oldSeg := SegmentID(first.SnapshotID, 0)
	assert.False(t, view.IsVisible("a.go", oldSeg))

	rows, err := view.Tables()[liveSeg].RowsForPath(context.Background(), "a.go")
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	found := false
	for _, r := range rows {
		// Ordinal 0 is the package preamble; the function chunk follows it.
		if r.Kind == "text" && r.Ordinal == 1 {
			found = true
			assert.Contains(t, r.Text, "Two")
		}
	}
	assert.True(t, found)
}

func TestRenamePreservesChunkIDs(t *testing.T) {
	e := newEnv(t)
	content := "fn main() {\n    println!(\"hi\");\n}\n"
	e.write(t, "foo.rs", content)
	first := e.sync(t)
	require.True(t, first.Published)

	view, err := e.mgr.OpenActive()
	require.NoError(t, err)
	seg, _ := view.SegmentFor("foo.rs")
	oldRows, err := view.Tables()[seg].RowsForPath(context.Background(), "foo.rs")
	require.NoError(t, err)
	require.NotEmpty(t, oldRows)
	e.mgr.ReleaseView(view)

	// Simulate a rename. Without git rename reporting this is delete+add,
	// but chunk ids are content derived, so they survive either way.
	require.NoError(t, os.Rename(filepath.Join(e.repo, "foo.rs"), filepath.Join(e.repo, "bar.rs")))
	second := e.sync(t)
	require.True(t, second.Published)

	view2, err := e.mgr.OpenActive()
	require.NoError(t, err)
	defer e.mgr.ReleaseView(view2)

	_, gone := view2.SegmentFor("foo.rs")
	assert.False(t, gone, "old path no longer resolves")

	newSeg, ok := view2.SegmentFor("bar.rs")
	require.True(t, ok)
	newRows, err := view2.Tables()[newSeg].RowsForPath(context.Background(), "bar.rs")
	require.NoError(t, err)
	require.Len(t, newRows, len(oldRows))

	for i := range newRows {
		assert.Equal(t, oldRows[i].ChunkID, newRows[i].ChunkID, "chunk id preserved across rename")
		assert.NotEqual(t, oldRows[i].RowID, newRows[i].RowID, "row id is position dependent")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	e := newEnv(t)
	e.write(t, "a.txt", "isolation test content\n")
	first := e.sync(t)

	// Pin the current snapshot, then publish a delete on top of it.
	pinned, err := e.mgr.OpenActive()
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(e.repo, "a.txt")))
	second := e.sync(t)
	require.True(t, second.Published)

	// The pinned view still sees the old rows.
	assert.Equal(t, first.SnapshotID, pinned.Manifest.SnapshotID)
	seg, ok := pinned.SegmentFor("a.txt")
	assert.True(t, ok)
	assert.True(t, pinned.IsVisible("a.txt", seg))

	// A fresh open sees the new snapshot without the path.
	fresh, err := e.mgr.OpenActive()
	require.NoError(t, err)
	assert.Equal(t, second.SnapshotID, fresh.Manifest.SnapshotID)
	_, ok = fresh.SegmentFor("a.txt")
	assert.False(t, ok)

	e.mgr.ReleaseView(fresh)
	e.mgr.ReleaseView(pinned)
}

func TestManifestEpochFencing(t *testing.T) {
	e := newEnv(t)
	e.write(t, "a.go", "package a\n")
	e.sync(t)

	m := loadActive(t, e)
	assert.Positive(t, m.LeaseEpoch)

	e.write(t, "a.go", "package a // v2\n")
	e.sync(t)
	m2 := loadActive(t, e)
	assert.GreaterOrEqual(t, m2.LeaseEpoch, m.LeaseEpoch, "epochs never regress")
}

func loadActive(t *testing.T, e *env) *Manifest {
	t.Helper()
	id, err := e.store.ReadActivePointer()
	require.NoError(t, err)
	m, err := LoadManifest(filepath.Join(e.store.SnapshotDir(id), "manifest.json"))
	require.NoError(t, err)
	return m
}

func TestFallbackRecoversFromTornPointer(t *testing.T) {
	e := newEnv(t)
	e.write(t, "a.go", "package a\n")
	first := e.sync(t)

	// Corrupt the pointer; open must fall back to the newest valid manifest.
	require.NoError(t, os.WriteFile(e.store.PointerPath(), []byte("garbage\n"), 0o600))

	view, err := e.mgr.OpenActive()
	require.NoError(t, err)
	defer e.mgr.ReleaseView(view)
	assert.Equal(t, first.SnapshotID, view.Manifest.SnapshotID)
}

func TestOpenFailsOnCorruptArtifact(t *testing.T) {
	e := newEnv(t)
	e.write(t, "a.go", "package a\n")
	res := e.sync(t)

	// Flip bytes in the referenced segment; checksum discipline must refuse
	// it and, with no other snapshot, report corruption.
	segPath := e.store.SegmentPath(SegmentID(res.SnapshotID, 0))
	data, err := os.ReadFile(segPath)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(segPath, data, 0o644))

	_, err = e.mgr.OpenActive()
	assert.ErrorIs(t, err, ErrStoreCorrupt)
}

func TestCompaction(t *testing.T) {
	e := newEnv(t)
	e.write(t, "a.go", "package a\n\nfunc A() {}\n")
	e.sync(t)
	e.write(t, "b.go", "package b\n\nfunc B() {}\n")
	e.sync(t)
	e.write(t, "a.go", "package a\n\nfunc A2() {}\n")
	before := e.sync(t)

	m := loadActive(t, e)
	require.Greater(t, len(m.Segments), 1, "multiple segments before compaction")

	res, err := e.mgr.Compact(context.Background(), e.leases, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SegmentsAfter)
	assert.Greater(t, res.SnapshotID, before.SnapshotID)

	view, err := e.mgr.OpenActive()
	require.NoError(t, err)
	defer e.mgr.ReleaseView(view)

	assert.Len(t, view.Manifest.Segments, 1)
	assert.Equal(t, 0, view.Manifest.Counts.Tombstones, "compaction prunes tombstones")
	assert.Equal(t, 2, view.LivePaths())

	segID, _ := view.SegmentFor("a.go")
	rows, err := view.Tables()[segID].RowsForPath(context.Background(), "a.go")
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	// rows[0] is the package preamble; rows[1] is the function chunk.
	assert.Contains(t, rows[1].Text, "A2", "compaction keeps the live version")
}

func TestGCRespectsRetention(t *testing.T) {
	e := newEnv(t)
	// Tight retention so GC has something to do, but the safety margin still
	// protects young artifacts.
	e.cfg.Index.RetainSnapshots = 1
	e.cfg.Index.RetainMinAgeMin = 0
	e.cfg.Daemon.QueryTimeoutMs = 0
	e.cfg.Index.GCSafetyMarginSec = 0

	e.write(t, "a.go", "package a\n")
	first := e.sync(t)
	e.write(t, "a.go", "package a // v2\n")
	e.sync(t)
	e.write(t, "a.go", "package a // v3\n")
	third := e.sync(t)

	res, err := e.mgr.GC(context.Background(), e.leases, 5*time.Second)
	require.NoError(t, err)
	assert.Positive(t, res.SnapshotsDeleted)

	// The active snapshot always survives.
	_, err = os.Stat(filepath.Join(e.store.SnapshotDir(third.SnapshotID), "manifest.json"))
	assert.NoError(t, err)

	// The oldest snapshot directory is gone.
	_, err = os.Stat(e.store.SnapshotDir(first.SnapshotID))
	assert.True(t, os.IsNotExist(err))

	// The store still opens cleanly after collection.
	view, err := e.mgr.OpenActive()
	require.NoError(t, err)
	e.mgr.ReleaseView(view)
}

func TestGCRefusedWhileReadersHeld(t *testing.T) {
	e := newEnv(t)
	e.write(t, "a.go", "package a\n")
	e.sync(t)

	shared, err := e.leases.AcquireReader()
	require.NoError(t, err)
	defer func() { _ = shared.Release() }()

	_, err = e.mgr.GC(context.Background(), e.leases, 5*time.Second)
	assert.Error(t, err, "gc requires the exclusive reader lock")
}

func TestDegradedPublishRequiresOptIn(t *testing.T) {
	e := newEnv(t)
	e.write(t, "ok.go", "package ok\n")
	sub := filepath.Join(e.repo, "locked.go")
	require.NoError(t, os.WriteFile(sub, []byte("package locked\n"), 0o644))
	e.sync(t)

	// Make one file unreadable after it is recorded, then modify it so the
	// next sync must re-read it.
	require.NoError(t, os.WriteFile(sub, []byte("package locked // v2\n"), 0o644))
	require.NoError(t, os.Chmod(sub, 0o000))
	t.Cleanup(func() { _ = os.Chmod(sub, 0o644) })

	if _, err := os.ReadFile(sub); err == nil {
		t.Skip("running as a user unaffected by file modes")
	}

	_, err := e.writer.Sync(context.Background(), SyncOptions{})
	require.Error(t, err, "strict publish fails on unreadable eligible file")

	res, err := e.writer.Sync(context.Background(), SyncOptions{AllowDegraded: true})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	assert.NotEmpty(t, res.Errors)
}

func TestStagingCleanedAfterPublish(t *testing.T) {
	e := newEnv(t)
	e.write(t, "a.go", "package a\n")
	e.sync(t)

	entries, err := os.ReadDir(e.store.StagingDir())
	require.NoError(t, err)
	assert.Empty(t, entries, "staging txn removed after commit")
}
