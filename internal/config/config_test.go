package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 1<<20, cfg.Daemon.MaxRequestBytes)
	assert.Equal(t, 10<<20, cfg.Daemon.MaxResponseBytes)
	assert.Equal(t, 8, cfg.Daemon.MaxConcurrentQueries)
	assert.Equal(t, 32, cfg.Daemon.MaxQueryQueueDepth)
	assert.Equal(t, int64(60000), cfg.Daemon.QueryTimeoutMs)
	assert.Equal(t, 64, cfg.Query.MaxOpenSegments)
	assert.Equal(t, 512, cfg.Query.MaxOpenSegmentsGlob)
	assert.Equal(t, 5, cfg.Index.RetainSnapshots)
	assert.Equal(t, 10, cfg.Index.RetainMinAgeMin)
}

func TestLoadGlobalConfig(t *testing.T) {
	base := t.TempDir()
	t.Setenv(EnvBaseDir, base)

	toml := `
[daemon]
max_concurrent_queries = 4

[embed]
model = "custom-model"
dimension = 512
`
	require.NoError(t, os.WriteFile(filepath.Join(base, "config.toml"), []byte(toml), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Daemon.MaxConcurrentQueries)
	assert.Equal(t, "custom-model", cfg.Embed.Model)
	assert.Equal(t, 512, cfg.Embed.Dimension)
	assert.Equal(t, base, cfg.BaseDir)
}

func TestRepoConfigCannotRaiseCaps(t *testing.T) {
	base := t.TempDir()
	t.Setenv(EnvBaseDir, base)

	repo := t.TempDir()
	repoToml := `
[daemon]
max_request_bytes = 999999999

[query]
max_candidates = 50
max_snippet_bytes_per_result = 999999999
`
	require.NoError(t, os.WriteFile(filepath.Join(repo, ".codegrep.toml"), []byte(repoToml), 0o644))

	cfg, err := Load(repo)
	require.NoError(t, err)

	// Repo config may lower candidate budgets...
	assert.Equal(t, 50, cfg.Query.MaxCandidates)
	// ...but never raise hard limits.
	assert.LessOrEqual(t, cfg.Daemon.MaxRequestBytes, 1<<20)
	assert.LessOrEqual(t, cfg.Query.MaxSnippetBytes, Default().Query.MaxSnippetBytes)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvBaseDir, t.TempDir())
	t.Setenv(EnvDummyEmbedder, "1")
	t.Setenv(EnvOffline, "true")
	t.Setenv(EnvQueryDelayMs, "200")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.DummyEmbedder)
	assert.True(t, cfg.Offline)
	assert.Equal(t, int64(200), cfg.TestQueryDelay.Milliseconds())
}

func TestHardCapsAreConstants(t *testing.T) {
	assert.Equal(t, 10<<20, MaxFileSize)
	assert.Equal(t, 2000, MaxChunksPerFile)
	assert.Equal(t, 256<<20, MaxBytesPerSync)
}
