package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkIDStableAcrossPaths(t *testing.T) {
	hash := ChunkHashOf("func main() {}")
	id1 := ChunkIDOf(hash, "cg-chunker-1", ChunkText)
	id2 := ChunkIDOf(hash, "cg-chunker-1", ChunkText)
	assert.Equal(t, id1, id2, "chunk id must be deterministic")

	// Row ids are position dependent: a rename changes the row id but not
	// the chunk id.
	rowA := RowIDOf("foo.rs", id1, 0)
	rowB := RowIDOf("bar.rs", id1, 0)
	assert.NotEqual(t, rowA, rowB)
}

func TestChunkIDChangesWithVersionAndKind(t *testing.T) {
	hash := ChunkHashOf("some text")
	base := ChunkIDOf(hash, "cg-chunker-1", ChunkText)
	assert.NotEqual(t, base, ChunkIDOf(hash, "cg-chunker-2", ChunkText))
	assert.NotEqual(t, base, ChunkIDOf(hash, "cg-chunker-1", ChunkAnchor))
}

func TestChunkRowValidate(t *testing.T) {
	valid := ChunkRow{
		RowID:     "r",
		ChunkID:   "c",
		ChunkHash: "h",
		PathKey:   "a.go",
		PathKeyCI: "a.go",
		Kind:      ChunkText,
		Text:      "body",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*ChunkRow)
	}{
		{"missing path", func(r *ChunkRow) { r.PathKey = "" }},
		{"missing text", func(r *ChunkRow) { r.Text = "" }},
		{"negative ordinal", func(r *ChunkRow) { r.Ordinal = -1 }},
		{"bad kind", func(r *ChunkRow) { r.Kind = "weird" }},
		{"missing row id", func(r *ChunkRow) { r.RowID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			assert.Error(t, r.Validate())
		})
	}
}

func TestSelectProtocol(t *testing.T) {
	assert.Equal(t, 1, SelectProtocol([]int{1}, []int{1, 2}))
	assert.Equal(t, 2, SelectProtocol([]int{1, 2}, []int{2, 3}))
	assert.Equal(t, 0, SelectProtocol([]int{1}, []int{2}))
	assert.Equal(t, 0, SelectProtocol(nil, []int{1}))
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, ExitBusy, ExitCodeFor(CodeBusy))
	assert.Equal(t, ExitTimeout, ExitCodeFor(CodeTimeout))
	assert.Equal(t, ExitCancelled, ExitCodeFor(CodeCancelled))
	assert.Equal(t, ExitIncompatible, ExitCodeFor(CodeIncompatible))
	assert.Equal(t, ExitOther, ExitCodeFor(CodeInternal))
	assert.Equal(t, ExitOther, ExitCodeFor(CodeInvalidRequest))
}
