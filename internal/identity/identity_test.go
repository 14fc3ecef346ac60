package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/codegrep/internal/config"
)

func TestResolveFindsGitRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	got, err := Resolve(nested)
	require.NoError(t, err)

	want, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestResolveWithoutGitUsesPath(t *testing.T) {
	dir := t.TempDir()
	got, err := Resolve(dir)
	require.NoError(t, err)
	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestConfigFingerprintStability(t *testing.T) {
	cfg := config.Default()
	fp1 := ConfigFingerprint(cfg)
	fp2 := ConfigFingerprint(config.Default())
	assert.Equal(t, fp1, fp2, "identical config must fingerprint identically")

	changed := config.Default()
	changed.Embed.Model = "other-model"
	assert.NotEqual(t, fp1, ConfigFingerprint(changed))

	dims := config.Default()
	dims.Embed.Dimension = 1024
	assert.NotEqual(t, fp1, ConfigFingerprint(dims))

	skip := config.Default()
	skip.Index.SkipDefinitions = true
	assert.NotEqual(t, fp1, ConfigFingerprint(skip))
}

func TestIgnoreFingerprintOrderIndependent(t *testing.T) {
	a := IgnoreInput{PathKey: ".gitignore", Content: []byte("*.log\n")}
	b := IgnoreInput{PathKey: "sub/.gitignore", Content: []byte("tmp/\n")}

	fp1 := IgnoreFingerprint([]IgnoreInput{a, b})
	fp2 := IgnoreFingerprint([]IgnoreInput{b, a})
	assert.Equal(t, fp1, fp2, "ignore fingerprint must sort inputs")

	changed := IgnoreInput{PathKey: ".gitignore", Content: []byte("*.tmp\n")}
	assert.NotEqual(t, fp1, IgnoreFingerprint([]IgnoreInput{changed, b}))
}

func TestStoreIDShape(t *testing.T) {
	cfg := config.Default()
	fp := ConfigFingerprint(cfg)
	id := StoreID("/home/user/My Project", fp)
	assert.Regexp(t, `^[a-z0-9_-]+__[0-9a-f]{12}__[0-9a-f]{12}$`, id)

	// Different roots must never share a store id.
	other := StoreID("/home/user/other", fp)
	assert.NotEqual(t, id, other)
}

func TestPathKey(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"a/b.go", "a/b.go", false},
		{"./a/b.go", "a/b.go", false},
		{"a/../b.go", "", true},
		{"../escape.go", "", true},
		{"", "", true},
		{".", "", true},
	}
	for _, tt := range tests {
		got, err := PathKey(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestPathKeyCI(t *testing.T) {
	assert.Equal(t, "readme.md", PathKeyCI("README.md"))
	assert.Equal(t, PathKeyCI("README.md"), PathKeyCI("readme.MD"))
}
