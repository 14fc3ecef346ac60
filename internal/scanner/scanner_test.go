package scanner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/codegrep/internal/config"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newScanner(t *testing.T, root string) *Scanner {
	t.Helper()
	s, err := New(root, config.Default())
	require.NoError(t, err)
	return s
}

func TestScanDetectsAdds(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n")
	writeFile(t, root, "docs/readme.md", "# readme\n")

	cs, err := newScanner(t, root).Scan(context.Background(), nil, nil)
	require.NoError(t, err)

	keys := make([]string, 0, len(cs.Add))
	for _, a := range cs.Add {
		keys = append(keys, a.PathKey)
	}
	assert.ElementsMatch(t, []string{"a.go", "docs/readme.md"}, keys)
	assert.Empty(t, cs.Modify)
	assert.Empty(t, cs.Delete)
}

func TestScanDetectsModifyAndDelete(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n")
	writeFile(t, root, "b.go", "package b\n")

	sc := newScanner(t, root)
	first, err := sc.Scan(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Len(t, first.Add, 2)

	prior := make(map[string]FileMeta)
	for _, a := range first.Add {
		prior[a.PathKey] = a
	}

	writeFile(t, root, "a.go", "package a // changed\n")
	require.NoError(t, os.Remove(filepath.Join(root, "b.go")))

	second, err := newScanner(t, root).Scan(context.Background(), prior, nil)
	require.NoError(t, err)

	require.Len(t, second.Modify, 1)
	assert.Equal(t, "a.go", second.Modify[0].PathKey)
	assert.Equal(t, []string{"b.go"}, second.Delete)
	assert.Empty(t, second.Add)
}

func TestScanUnchangedIsEmpty(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n")

	sc := newScanner(t, root)
	first, err := sc.Scan(context.Background(), nil, nil)
	require.NoError(t, err)

	prior := make(map[string]FileMeta)
	for _, a := range first.Add {
		prior[a.PathKey] = a
	}

	second, err := sc.Scan(context.Background(), prior, nil)
	require.NoError(t, err)
	assert.True(t, second.Empty(), "no changes must yield an empty changeset")
}

func TestScanRespectsGitignore(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, ".gitignore", "*.log\nbuild/\n")
	writeFile(t, root, "keep.go", "package keep\n")
	writeFile(t, root, "debug.log", "noise")
	writeFile(t, root, "build/out.go", "package out\n")

	cs, err := newScanner(t, root).Scan(context.Background(), nil, nil)
	require.NoError(t, err)

	keys := make([]string, 0)
	for _, a := range cs.Add {
		keys = append(keys, a.PathKey)
	}
	assert.Contains(t, keys, "keep.go")
	assert.NotContains(t, keys, "debug.log")
	assert.NotContains(t, keys, "build/out.go")
}

func TestScanToolIgnoreFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, ToolIgnoreName, "secret/\n")
	writeFile(t, root, "secret/creds.go", "package secret\n")
	writeFile(t, root, "open.go", "package open\n")

	cs, err := newScanner(t, root).Scan(context.Background(), nil, nil)
	require.NoError(t, err)

	keys := make([]string, 0)
	for _, a := range cs.Add {
		keys = append(keys, a.PathKey)
	}
	assert.Equal(t, []string{"open.go"}, keys)
}

func TestScanSkipsBinaryAndOversized(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "ok.go", "package ok\n")
	// NUL byte marks binary; .go passes the extension filter so the content
	// sniff must catch it.
	require.NoError(t, os.WriteFile(filepath.Join(root, "blob.go"), []byte{'a', 0, 'b'}, 0o644))
	// One byte over the hard size cap is skipped on its stat alone.
	writeFile(t, root, "big.go", strings.Repeat("a", config.MaxFileSize+1))

	cs, err := newScanner(t, root).Scan(context.Background(), nil, nil)
	require.NoError(t, err)

	keys := make([]string, 0)
	for _, a := range cs.Add {
		keys = append(keys, a.PathKey)
	}
	assert.Equal(t, []string{"ok.go"}, keys)
}

func TestScanCasefoldCollisionFails(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "README.md", "# a\n")
	// A case-insensitive filesystem would reject this create; skip there.
	if err := os.WriteFile(filepath.Join(root, "readme.md"), []byte("# b\n"), 0o644); err != nil {
		t.Skip("filesystem is case insensitive")
	}
	if data, err := os.ReadFile(filepath.Join(root, "README.md")); err == nil && string(data) == "# b\n" {
		t.Skip("filesystem folded the two names")
	}

	_, err := newScanner(t, root).Scan(context.Background(), nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCasefoldCollision)
	assert.Contains(t, err.Error(), "readme.md")
}

func TestScanHintedPaths(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n")
	writeFile(t, root, "b.go", "package b\n")

	cs, err := newScanner(t, root).Scan(context.Background(), nil, &Hint{Paths: []string{"a.go"}})
	require.NoError(t, err)

	require.Len(t, cs.Add, 1)
	assert.Equal(t, "a.go", cs.Add[0].PathKey)
}

func TestHintedDeleteOnlyJudgesNamedPaths(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.go", "package a\n")

	prior := map[string]FileMeta{
		"a.go":  {PathKey: "a.go", Size: -1},
		"b.go":  {PathKey: "b.go", Size: -1},
		"c.txt": {PathKey: "c.txt", Size: -1},
	}
	cs, err := newScanner(t, root).Scan(context.Background(), prior, &Hint{Paths: []string{"b.go"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b.go"}, cs.Delete, "only the hinted missing path becomes a delete")
}

func TestIgnoreSetMatching(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, ".gitignore", "*.log\n!keep.log\nvendor/\nsub/*.txt\n")
	set, err := LoadIgnores(root)
	require.NoError(t, err)

	tests := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{"debug.log", false, true},
		{"keep.log", false, false},
		{"vendor", true, true},
		{"vendor/pkg/mod.go", false, true},
		{"sub/file.txt", false, true},
		{"sub/deep/file.txt", false, false},
		{"main.go", false, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, set.Ignored(tt.path, tt.isDir), tt.path)
	}
}

func TestIsBinary(t *testing.T) {
	assert.True(t, isBinary([]byte{0x7f, 'E', 'L', 'F', 0}))
	assert.False(t, isBinary([]byte("plain text\n")))
	assert.False(t, isBinary([]byte("")))
	assert.False(t, isBinary([]byte("utf8: héllo")))
}
