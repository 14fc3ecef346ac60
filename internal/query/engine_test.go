package query

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
	"github.com/dshills/codegrep/pkg/types"
)

// testEnv wires a repo, a writer, and an engine over the dummy embedder.
type testEnv struct {
	repo   string
	cfg    *config.Config
	writer *snapshot.Writer
	engine *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := t.TempDir()

	cfg := config.Default()
	cfg.BaseDir = t.TempDir()
	cfg.DummyEmbedder = true
	cfg.Embed.Dimension = 64

	ident := identity.New(repo, cfg, nil)
	store, err := snapshot.OpenStore(cfg.BaseDir, ident.StoreID, snapshot.Perms{})
	require.NoError(t, err)
	leases, err := lease.NewManager(store.LocksDir())
	require.NoError(t, err)
	mgr := snapshot.NewManager(store, cfg)
	emb := embedder.NewDummy(cfg.Embed.Dimension)
	limiter, err := embedder.NewHostLimiter(cfg.BaseDir, 2)
	require.NoError(t, err)

	writer := snapshot.NewWriter(mgr, leases, cfg, ident, chunker.New(cfg), emb, embedder.NewCache(100), limiter)
	engine := NewEngine(mgr, cfg, emb, ident)
	return &testEnv{repo: repo, cfg: cfg, writer: writer, engine: engine}
}

func (e *testEnv) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(e.repo, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (e *testEnv) sync(t *testing.T) {
	t.Helper()
	_, err := e.writer.Sync(context.Background(), snapshot.SyncOptions{})
	require.NoError(t, err)
}

func (e *testEnv) query(t *testing.T, req *types.QueryRequest) *types.QueryResponse {
	t.Helper()
	resp, qerr := e.engine.Execute(context.Background(), req, "req-test")
	require.Nil(t, qerr)
	return resp
}

func TestExecuteFindsLexicalMatch(t *testing.T) {
	e := newTestEnv(t)
	e.write(t, "auth.go", "package auth\n\nfunc ValidateToken(token string) error {\n\treturn nil\n}\n")
	e.write(t, "db.go", "package db\n\nfunc OpenDatabase(path string) error {\n\treturn nil\n}\n")
	e.sync(t)

	resp := e.query(t, &types.QueryRequest{Query: "ValidateToken", MaxResults: 5})
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "auth.go", resp.Results[0].Path)
	assert.Positive(t, resp.Results[0].StartLine)
	assert.Positive(t, resp.Results[0].Score)
}

func TestExecuteDeletedPathReturnsNothing(t *testing.T) {
	e := newTestEnv(t)
	e.write(t, "a.txt", "alpha unique marker aardvark\n")
	e.write(t, "b.txt", "bravo unique marker buffalo\n")
	e.sync(t)

	require.NoError(t, os.Remove(filepath.Join(e.repo, "b.txt")))
	e.sync(t)

	resp := e.query(t, &types.QueryRequest{Query: "buffalo", MaxResults: 10})
	for _, r := range resp.Results {
		assert.NotEqual(t, "b.txt", r.Path, "tombstoned path must never surface")
	}

	// The survivor still matches.
	resp = e.query(t, &types.QueryRequest{Query: "aardvark", MaxResults: 10})
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "a.txt", resp.Results[0].Path)
}

func TestExecuteValidatesRequest(t *testing.T) {
	e := newTestEnv(t)
	e.write(t, "a.go", "package a\n")
	e.sync(t)

	_, qerr := e.engine.Execute(context.Background(), &types.QueryRequest{Query: "   "}, "r1")
	require.NotNil(t, qerr)
	assert.Equal(t, types.CodeInvalidRequest, qerr.Code)

	_, qerr = e.engine.Execute(context.Background(), &types.QueryRequest{Query: "x", Mode: "bogus"}, "r2")
	require.NotNil(t, qerr)
	assert.Equal(t, types.CodeInvalidRequest, qerr.Code)

	_, qerr = e.engine.Execute(context.Background(), &types.QueryRequest{Query: "x", Path: "../escape"}, "r3")
	require.NotNil(t, qerr)
	assert.Equal(t, types.CodeInvalidRequest, qerr.Code)
}

func TestExecuteNoSnapshot(t *testing.T) {
	e := newTestEnv(t)
	_, qerr := e.engine.Execute(context.Background(), &types.QueryRequest{Query: "anything"}, "r1")
	require.NotNil(t, qerr)
	assert.Equal(t, types.CodeInvalidRequest, qerr.Code)
}

func TestExecuteDeadlineProducesTimeout(t *testing.T) {
	e := newTestEnv(t)
	e.write(t, "a.go", "package a\n\nfunc Thing() {}\n")
	e.sync(t)

	e.cfg.TestQueryDelay = 500 * time.Millisecond
	defer func() { e.cfg.TestQueryDelay = 0 }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, qerr := e.engine.Execute(ctx, &types.QueryRequest{Query: "Thing"}, "r1")
	require.NotNil(t, qerr)
	assert.Equal(t, types.CodeTimeout, qerr.Code)
	assert.Less(t, time.Since(start), 400*time.Millisecond, "timeout must stop work inside the delay")
}

func TestExecuteCancelProducesCancelled(t *testing.T) {
	e := newTestEnv(t)
	e.write(t, "a.go", "package a\n")
	e.sync(t)

	e.cfg.TestQueryDelay = 500 * time.Millisecond
	defer func() { e.cfg.TestQueryDelay = 0 }()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, qerr := e.engine.Execute(ctx, &types.QueryRequest{Query: "package"}, "r1")
	require.NotNil(t, qerr)
	assert.Equal(t, types.CodeCancelled, qerr.Code)
}

func TestDeterministicModeByteStable(t *testing.T) {
	e := newTestEnv(t)
	e.write(t, "m.go", "package m\n\nfunc Alpha() {}\n\nfunc Beta() {}\n")
	e.write(t, "n.go", "package n\n\nfunc Gamma() {}\n")
	e.sync(t)

	req := func() *types.QueryRequest {
		return &types.QueryRequest{Query: "func", MaxResults: 10, Deterministic: true}
	}
	a := e.query(t, req())
	b := e.query(t, req())

	aj, err := json.Marshal(a)
	require.NoError(t, err)
	bj, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, string(aj), string(bj), "deterministic responses must be byte identical")
	assert.Zero(t, a.Timings.RetrieveMs, "deterministic mode zeroes timings")
}

func TestPathScopeFiltersResults(t *testing.T) {
	e := newTestEnv(t)
	e.write(t, "pkg/a.go", "package a\n\nfunc SharedName() {}\n")
	e.write(t, "other/b.go", "package b\n\nfunc SharedName() {}\n")
	e.sync(t)

	resp := e.query(t, &types.QueryRequest{Query: "SharedName", MaxResults: 10, Path: "pkg"})
	require.NotEmpty(t, resp.Results)
	for _, r := range resp.Results {
		assert.Contains(t, r.Path, "pkg/")
	}
}

func TestSnippetBudgetsSurfaceLimits(t *testing.T) {
	e := newTestEnv(t)
	e.cfg.Query.MaxSnippetBytes = 32
	body := "package big\n\n// padding padding padding padding padding\nfunc Enormous() {}\n"
	e.write(t, "big.go", body)
	e.sync(t)

	resp := e.query(t, &types.QueryRequest{Query: "Enormous", MaxResults: 3, SnippetMode: types.SnippetFull})
	require.NotEmpty(t, resp.Results)
	for _, r := range resp.Results {
		assert.LessOrEqual(t, len(r.Content), 32)
	}
	assert.Contains(t, resp.LimitsHit, "max_snippet_bytes_per_result")
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"keeps newline and tab", "a\n\tb", "a\n\tb"},
		{"strips control", "a\x01b\x02c", "abc"},
		{"strips csi", "red\x1b[31mtext\x1b[0m", "redtext"},
		{"strips osc", "t\x1b]0;evil\x07x", "tx"},
		{"replaces invalid utf8", "ok\xffend", "ok�end"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func TestOrderDeterministicTieBreakers(t *testing.T) {
	mk := func(path string, startByte int64, rowID string, score float64) *candidate {
		return &candidate{
			row: &types.ChunkRow{
				PathKey: path, StartByte: startByte, EndByte: startByte + 1, RowID: rowID,
				Kind: types.ChunkText, Text: "x",
			},
			primary: score,
		}
	}
	cands := []*candidate{
		mk("b.go", 0, "r3", 0.5),
		mk("a.go", 100, "r2", 0.5),
		mk("a.go", 0, "r1", 0.5),
		mk("z.go", 0, "r0", 0.9),
	}
	orderDeterministic(cands)

	assert.Equal(t, "r0", cands[0].row.RowID, "highest score first")
	assert.Equal(t, "r1", cands[1].row.RowID, "path then byte offset")
	assert.Equal(t, "r2", cands[2].row.RowID)
	assert.Equal(t, "r3", cands[3].row.RowID)
}

func TestConfidenceSeparation(t *testing.T) {
	mk := func(score float64) *candidate {
		return &candidate{row: &types.ChunkRow{}, primary: score}
	}
	assert.Equal(t, types.ConfidenceNone, confidence(nil))
	assert.Equal(t, types.ConfidenceStrong, confidence([]*candidate{mk(0.5)}))
	assert.Equal(t, types.ConfidenceStrong, confidence([]*candidate{mk(0.5), mk(0.2)}))
	assert.Equal(t, types.ConfidenceWeak, confidence([]*candidate{mk(0.5), mk(0.49)}))
	assert.Equal(t, types.ConfidenceNone, confidence([]*candidate{mk(0)}))
}

func TestSelectQuotaPerFileCap(t *testing.T) {
	mk := func(path, rowID string, score float64) *candidate {
		return &candidate{row: &types.ChunkRow{PathKey: path, RowID: rowID, Kind: types.ChunkText, Text: "x"}, primary: score}
	}
	cands := []*candidate{
		mk("a.go", "r1", 0.9),
		mk("a.go", "r2", 0.8),
		mk("a.go", "r3", 0.7),
		mk("b.go", "r4", 0.6),
	}
	limitsHit := make(map[string]bool)
	out := selectQuota(cands, ProfileFor(types.ModeBalanced), 10, 2, limitsHit)

	perFile := make(map[string]int)
	for _, c := range out {
		perFile[c.row.PathKey]++
	}
	assert.Equal(t, 2, perFile["a.go"], "per-file cap enforced")
	assert.Equal(t, 1, perFile["b.go"])
	assert.True(t, limitsHit["per_file"])
}
