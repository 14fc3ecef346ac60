package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/codegrep/internal/config"
	"github.com/dshills/codegrep/pkg/types"
)

func newChunker(t *testing.T) *Heuristic {
	t.Helper()
	return New(config.Default())
}

const goSource = `package demo

import "fmt"

func Hello(name string) string {
	return fmt.Sprintf("hello %s", name)
}

type Greeter struct {
	Prefix string
}

func (g *Greeter) Greet(name string) string {
	return g.Prefix + name
}
`

func TestChunkGoSource(t *testing.T) {
	c := newChunker(t)
	chunks, err := c.Chunk("demo/greeter.go", []byte(goSource))
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	var textChunks, anchors []Chunk
	for _, ch := range chunks {
		switch ch.Kind {
		case types.ChunkText:
			textChunks = append(textChunks, ch)
		case types.ChunkAnchor:
			anchors = append(anchors, ch)
		}
	}
	require.NotEmpty(t, textChunks)
	require.NotEmpty(t, anchors)

	// Definitions detected: Hello, Greeter, Greet.
	names := make([]string, 0, len(anchors))
	for _, a := range anchors {
		names = append(names, a.AnchorName)
	}
	assert.Contains(t, names, "Hello")
	assert.Contains(t, names, "Greeter")
	assert.Contains(t, names, "Greet")

	for _, ch := range textChunks {
		assert.Positive(t, ch.StartLine)
		assert.Positive(t, ch.NumLines)
		assert.Equal(t, "go", ch.Language)
		assert.NotEmpty(t, ch.Text)
	}
}

func TestChunkDeterministic(t *testing.T) {
	c := newChunker(t)
	a, err := c.Chunk("x.go", []byte(goSource))
	require.NoError(t, err)
	b, err := c.Chunk("x.go", []byte(goSource))
	require.NoError(t, err)
	assert.Equal(t, a, b, "chunking must be deterministic")
}

func TestChunkEmptyFile(t *testing.T) {
	c := newChunker(t)
	chunks, err := c.Chunk("empty.go", nil)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	chunks, err = c.Chunk("blank.txt", []byte("\n\n\n"))
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestChunkUnstructuredTextUsesWindows(t *testing.T) {
	c := newChunker(t)
	var b strings.Builder
	for i := 0; i < 200; i++ {
		b.WriteString("line of plain prose with no structure\n")
	}
	chunks, err := c.Chunk("notes.txt", []byte(b.String()))
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1, "long unstructured files must window")

	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.NumLines, TargetChunkLines)
		assert.Equal(t, types.ChunkText, ch.Kind)
	}
}

func TestSkipDefinitionsSuppressesAnchors(t *testing.T) {
	cfg := config.Default()
	cfg.Index.SkipDefinitions = true
	c := New(cfg)
	chunks, err := c.Chunk("demo.go", []byte(goSource))
	require.NoError(t, err)
	for _, ch := range chunks {
		assert.NotEqual(t, types.ChunkAnchor, ch.Kind)
	}
}

func TestChunkNormalizesInvalidUTF8(t *testing.T) {
	c := newChunker(t)
	content := append([]byte("hello "), 0xff, 0xfe)
	content = append(content, []byte(" world\n")...)
	chunks, err := c.Chunk("weird.txt", content)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, ch := range chunks {
		assert.True(t, strings.Contains(ch.Text, "hello"), "text preserved")
		assert.NotContains(t, ch.Text, string([]byte{0xff}))
	}
}

func TestLanguageFor(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"a/b.go", "go"},
		{"lib.rs", "rust"},
		{"doc/README.md", "markdown"},
		{"diagram.mmd", "diagram"},
		{"conf.yaml", "config"},
		{"LICENSE", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, LanguageFor(tt.path), tt.path)
	}
}

func TestMarkdownHeadingsAreDefinitions(t *testing.T) {
	c := newChunker(t)
	md := "# Title\n\nIntro text.\n\n## Section Two\n\nMore text.\n"
	chunks, err := c.Chunk("README.md", []byte(md))
	require.NoError(t, err)

	var anchors []string
	for _, ch := range chunks {
		if ch.Kind == types.ChunkAnchor {
			anchors = append(anchors, ch.AnchorName)
		}
	}
	assert.Contains(t, anchors, "Title")
	assert.Contains(t, anchors, "Section Two")
}
