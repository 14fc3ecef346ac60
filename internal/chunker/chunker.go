// Package chunker turns file bytes into ordered, line-anchored chunks with
// stable hashes. The daemon consumes the Chunker capability; the built-in
// implementation is a language-aware heuristic chunker that splits on
// definition boundaries and falls back to fixed line windows.
package chunker

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/dshills/codegrep/internal/config"
	"github.com/dshills/codegrep/pkg/types"
)

const (
	// TargetChunkLines is the window size for files without recognizable
	// structure.
	TargetChunkLines = 40

	// OverlapLines of context carried between adjacent window chunks.
	OverlapLines = 4

	// ContextLines captured before and after each chunk.
	ContextLines = 2
)

// Chunk is one ordered fragment of a file, pre-embedding.
type Chunk struct {
	Text       string
	Kind       types.ChunkKind
	StartByte  int64
	EndByte    int64
	StartLine  int // 1-based
	NumLines   int
	Language   string
	AnchorName string
	CtxBefore  string
	CtxAfter   string
}

// Chunker maps file bytes to ordered chunks with offsets.
type Chunker interface {
	Chunk(pathKey string, content []byte) ([]Chunk, error)
	Version() string
}

// Heuristic is the built-in Chunker.
type Heuristic struct {
	skipDefinitions bool
}

// New creates the built-in chunker.
func New(cfg *config.Config) *Heuristic {
	return &Heuristic{skipDefinitions: cfg.Index.SkipDefinitions}
}

// Version identifies the chunking rules; it participates in chunk ids.
func (h *Heuristic) Version() string { return "cg-chunker-1" }

// Chunk splits content into definition-aligned chunks when the language is
// recognized and fixed line windows otherwise. Anchor rows are emitted for
// detected definitions unless disabled.
func (h *Heuristic) Chunk(pathKey string, content []byte) ([]Chunk, error) {
	if len(content) == 0 {
		return nil, nil
	}
	lang := LanguageFor(pathKey)
	text := normalize(content)
	lines := splitKeepOffsets(text)

	boundaries := definitionLines(lines, lang)

	var chunks []Chunk
	if len(boundaries) > 0 {
		chunks = h.chunkByBoundaries(lines, boundaries, lang)
	} else {
		chunks = h.chunkByWindow(lines, lang)
	}

	if !h.skipDefinitions {
		for _, b := range boundaries {
			chunks = append(chunks, anchorChunk(lines, b, lang))
		}
	}

	if len(chunks) > config.MaxChunksPerFile {
		return nil, fmt.Errorf("file %s produced %d chunks, cap is %d", pathKey, len(chunks), config.MaxChunksPerFile)
	}
	return chunks, nil
}

// line carries a line's text and byte offset within the file.
type line struct {
	text   string
	offset int64
}

func splitKeepOffsets(text string) []line {
	parts := strings.Split(text, "\n")
	lines := make([]line, len(parts))
	var off int64
	for i, p := range parts {
		lines[i] = line{text: p, offset: off}
		off += int64(len(p)) + 1
	}
	return lines
}

// normalize replaces invalid UTF-8 and normalizes line endings. The result is
// the prepared text that chunk hashes are computed over.
func normalize(content []byte) string {
	s := string(content)
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, string(utf8.RuneError))
	}
	return strings.ReplaceAll(s, "\r\n", "\n")
}

func (h *Heuristic) chunkByBoundaries(lines []line, boundaries []definition, lang string) []Chunk {
	chunks := make([]Chunk, 0, len(boundaries))
	for i, def := range boundaries {
		start := def.line
		end := len(lines)
		if i+1 < len(boundaries) {
			end = boundaries[i+1].line
		}
		// Large definitions are windowed internally to keep chunks bounded.
		for s := start; s < end; s += TargetChunkLines {
			e := s + TargetChunkLines
			if e > end {
				e = end
			}
			c := buildChunk(lines, s, e, lang)
			if c.Text != "" {
				chunks = append(chunks, c)
			}
			if e == end {
				break
			}
		}
	}
	// Preamble before the first definition.
	if first := boundaries[0].line; first > 0 {
		c := buildChunk(lines, 0, first, lang)
		if c.Text != "" {
			chunks = append([]Chunk{c}, chunks...)
		}
	}
	return chunks
}

func (h *Heuristic) chunkByWindow(lines []line, lang string) []Chunk {
	var chunks []Chunk
	step := TargetChunkLines - OverlapLines
	for s := 0; s < len(lines); s += step {
		e := s + TargetChunkLines
		if e > len(lines) {
			e = len(lines)
		}
		c := buildChunk(lines, s, e, lang)
		if c.Text != "" {
			chunks = append(chunks, c)
		}
		if e == len(lines) {
			break
		}
	}
	return chunks
}

func buildChunk(lines []line, start, end int, lang string) Chunk {
	texts := make([]string, 0, end-start)
	for _, l := range lines[start:end] {
		texts = append(texts, l.text)
	}
	body := strings.TrimRight(strings.Join(texts, "\n"), "\n")
	if strings.TrimSpace(body) == "" {
		return Chunk{}
	}

	endByte := lines[end-1].offset + int64(len(lines[end-1].text))
	return Chunk{
		Text:      body,
		Kind:      types.ChunkText,
		StartByte: lines[start].offset,
		EndByte:   endByte,
		StartLine: start + 1,
		NumLines:  end - start,
		Language:  lang,
		CtxBefore: contextAround(lines, start-ContextLines, start),
		CtxAfter:  contextAround(lines, end, end+ContextLines),
	}
}

func anchorChunk(lines []line, def definition, lang string) Chunk {
	l := lines[def.line]
	return Chunk{
		Text:       strings.TrimSpace(l.text),
		Kind:       types.ChunkAnchor,
		StartByte:  l.offset,
		EndByte:    l.offset + int64(len(l.text)),
		StartLine:  def.line + 1,
		NumLines:   1,
		Language:   lang,
		AnchorName: def.name,
	}
}

func contextAround(lines []line, start, end int) string {
	if start < 0 {
		start = 0
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start >= end {
		return ""
	}
	texts := make([]string, 0, end-start)
	for _, l := range lines[start:end] {
		texts = append(texts, l.text)
	}
	return strings.Join(texts, "\n")
}

// LanguageFor maps a path to a language tag, empty when unknown.
func LanguageFor(pathKey string) string {
	switch strings.ToLower(filepath.Ext(pathKey)) {
	case ".go":
		return "go"
	case ".rs":
		return "rust"
	case ".py":
		return "python"
	case ".js", ".mjs", ".cjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".java":
		return "java"
	case ".c", ".h":
		return "c"
	case ".cc", ".cpp", ".hpp", ".cxx":
		return "cpp"
	case ".rb":
		return "ruby"
	case ".sh", ".bash":
		return "shell"
	case ".md", ".markdown":
		return "markdown"
	case ".mmd", ".mermaid", ".dot", ".puml":
		return "diagram"
	case ".json", ".yaml", ".yml", ".toml":
		return "config"
	default:
		return ""
	}
}

// IsDoc reports whether the language tag is documentation rather than code.
func IsDoc(lang string) bool { return lang == "markdown" }

// IsGraph reports whether the language tag is a diagram format.
func IsGraph(lang string) bool { return lang == "diagram" }
