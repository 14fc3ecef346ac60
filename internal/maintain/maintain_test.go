package maintain

import (
	"context"
	"encoding/json"
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
	"github.com/dshills/codegrep/internal/snapshot"
)

type env struct {
	repo   string
	cfg    *config.Config
	mgr    *snapshot.Manager
	leases *lease.Manager
	writer *snapshot.Writer
	store  *snapshot.Store
}

func newEnv(t *testing.T) *env {
	t.Helper()
	repo := t.TempDir()

	cfg := config.Default()
	cfg.BaseDir = t.TempDir()
	cfg.DummyEmbedder = true
	cfg.Embed.Dimension = 32

	ident := identity.New(repo, cfg, nil)
	store, err := snapshot.OpenStore(cfg.BaseDir, ident.StoreID, snapshot.Perms{})
	require.NoError(t, err)
	leases, err := lease.NewManager(store.LocksDir())
	require.NoError(t, err)
	mgr := snapshot.NewManager(store, cfg)
	limiter, err := embedder.NewHostLimiter(cfg.BaseDir, 2)
	require.NoError(t, err)
	writer := snapshot.NewWriter(mgr, leases, cfg, ident,
		chunker.New(cfg), embedder.NewDummy(cfg.Embed.Dimension), embedder.NewCache(100), limiter)

	return &env{repo: repo, cfg: cfg, mgr: mgr, leases: leases, writer: writer, store: store}
}

func (e *env) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(e.repo, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (e *env) sync(t *testing.T) {
	t.Helper()
	_, err := e.writer.Sync(context.Background(), snapshot.SyncOptions{})
	require.NoError(t, err)
}

func TestAuditCleanAfterPublish(t *testing.T) {
	e := newEnv(t)
	e.write(t, "a.go", "package a\n\nfunc A() {}\n")
	e.write(t, "b.go", "package b\n\nfunc B() {}\n")
	e.sync(t)

	res, err := Audit(context.Background(), e.mgr)
	require.NoError(t, err)
	assert.True(t, res.OK(), "audit(publish(M)) reports no drift: %v", res.Problems)
	assert.Equal(t, res.RowsExpected, res.RowsCounted)
}

func TestAuditDetectsRowCountDrift(t *testing.T) {
	e := newEnv(t)
	e.write(t, "a.go", "package a\n")
	e.sync(t)

	// Tamper with the manifest's row count. The checksum over the segment
	// still matches, so only the cross-check catches it.
	id, err := e.store.ReadActivePointer()
	require.NoError(t, err)
	path := filepath.Join(e.store.SnapshotDir(id), "manifest.json")
	m, err := snapshot.LoadManifest(path)
	require.NoError(t, err)
	m.Counts.Chunks += 5
	require.NoError(t, rewriteManifest(path, m))

	res, err := Audit(context.Background(), e.mgr)
	require.NoError(t, err)
	assert.False(t, res.OK())
}

func rewriteManifest(path string, m *snapshot.Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func TestStoreGCRemovesIdleStores(t *testing.T) {
	base := t.TempDir()
	dataDir := filepath.Join(base, "data")

	// An idle store with no recent sync and no surviving repo.
	idle := filepath.Join(dataDir, "dead__000000000000__000000000000")
	require.NoError(t, os.MkdirAll(idle, 0o755))
	old := time.Now().Add(-90 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(idle, old, old))

	// A fresh store.
	fresh := filepath.Join(dataDir, "live__111111111111__111111111111")
	require.NoError(t, os.MkdirAll(fresh, 0o755))

	res, err := StoreGC(base, 30*24*time.Hour, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"dead__000000000000__000000000000"}, res.Removed)
	assert.Equal(t, 1, res.Kept)

	_, err = os.Stat(idle)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}

func TestCompactDriver(t *testing.T) {
	e := newEnv(t)
	e.write(t, "a.go", "package a\n\nfunc A() {}\n")
	e.sync(t)
	e.write(t, "b.go", "package b\n\nfunc B() {}\n")
	e.sync(t)

	res, err := Compact(context.Background(), e.mgr, e.leases, e.cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SegmentsAfter)

	audit, err := Audit(context.Background(), e.mgr)
	require.NoError(t, err)
	assert.True(t, audit.OK(), "compaction must leave a clean store: %v", audit.Problems)
}
