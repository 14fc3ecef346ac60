package segment

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/dshills/codegrep/pkg/types"
)

// VectorHit is a vector-search candidate from one segment.
type VectorHit struct {
	RowID      string
	PathKey    string
	Similarity float64
}

// TextHit is a lexical-search candidate from one segment.
type TextHit struct {
	RowID   string
	PathKey string
	Score   float64
}

// SearchVector ranks rows by cosine similarity to the query vector.
// Cancellation is checked inside the scan loop, not just at entry.
func (t *Table) SearchVector(ctx context.Context, queryVector []float32, limit int) ([]VectorHit, error) {
	if VectorExtensionAvailable {
		return t.searchVectorSQL(ctx, queryVector, limit)
	}
	return t.searchVectorScan(ctx, queryVector, limit)
}

// searchVectorSQL pushes distance computation into sqlite-vec.
func (t *Table) searchVectorSQL(ctx context.Context, queryVector []float32, limit int) ([]VectorHit, error) {
	if limit <= 0 {
		return []VectorHit{}, nil
	}
	blob := SerializeVector(queryVector)
	rows, err := t.db.QueryContext(ctx, `
		SELECT row_id, path_key, 1.0 - vec_distance_cosine(embedding, ?) AS similarity
		FROM rows
		WHERE kind = 'text' OR kind = 'anchor'
		ORDER BY similarity DESC
		LIMIT ?
	`, blob, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to execute vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hits := make([]VectorHit, 0, limit)
	for rows.Next() {
		var h VectorHit
		if err := rows.Scan(&h.RowID, &h.PathKey, &h.Similarity); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// searchVectorScan computes exact cosine similarity in Go. Used when the
// sqlite-vec extension is not compiled in.
func (t *Table) searchVectorScan(ctx context.Context, queryVector []float32, limit int) ([]VectorHit, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT row_id, path_key, embedding FROM rows`)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hits := make([]VectorHit, 0, 256)
	n := 0
	for rows.Next() {
		// Cancellation checkpoint inside the retrieval loop.
		if n%256 == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}
		n++

		var rowID, pathKey string
		var blob []byte
		if err := rows.Scan(&rowID, &pathKey, &blob); err != nil {
			return nil, err
		}
		vec := DeserializeVector(blob)
		if len(vec) != len(queryVector) {
			continue
		}
		hits = append(hits, VectorHit{
			RowID:      rowID,
			PathKey:    pathKey,
			Similarity: CosineSimilarity(queryVector, vec),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].RowID < hits[j].RowID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// SearchText performs BM25 full-text search over the segment's FTS5 index.
func (t *Table) SearchText(ctx context.Context, query string, limit int) ([]TextHit, error) {
	sanitized := SanitizeFTSQuery(query)
	if sanitized == "" {
		return []TextHit{}, nil
	}
	rows, err := t.db.QueryContext(ctx, `
		SELECT r.row_id, r.path_key, bm25(rows_fts) AS score
		FROM rows_fts
		INNER JOIN rows r ON rows_fts.rowid = r.rowid
		WHERE rows_fts MATCH ?
		ORDER BY score
		LIMIT ?
	`, sanitized, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to execute FTS search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectTextHits(rows)
}

func collectTextHits(rows *sql.Rows) ([]TextHit, error) {
	hits := make([]TextHit, 0)
	for rows.Next() {
		var h TextHit
		if err := rows.Scan(&h.RowID, &h.PathKey, &h.Score); err != nil {
			return nil, err
		}
		// BM25 scores are negative, lower is better; normalize to (0, 1].
		h.Score = 1.0 / (1.0 + math.Abs(h.Score)/50.0)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// SerializeVector converts a float32 slice to a little-endian byte blob.
func SerializeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// DeserializeVector converts a byte blob back to a float32 slice.
func DeserializeVector(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		vector[i] = math.Float32frombits(bits)
	}
	return vector
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

var ftsOperatorPattern = regexp.MustCompile(`\b(AND|OR|NOT|NEAR)\b`)

// SanitizeFTSQuery escapes FTS5 operators and special characters so user
// queries cannot inject match syntax.
func SanitizeFTSQuery(query string) string {
	if strings.TrimSpace(query) == "" {
		return ""
	}
	replacer := strings.NewReplacer(
		`"`, `""`,
		`*`, ` `,
		`(`, ` `,
		`)`, ` `,
		`:`, ` `,
		`^`, ` `,
		`-`, ` `,
	)
	escaped := replacer.Replace(query)
	escaped = ftsOperatorPattern.ReplaceAllStringFunc(escaped, strings.ToLower)

	// Quote each remaining term so everything is a plain token match.
	terms := strings.Fields(escaped)
	if len(terms) == 0 {
		return ""
	}
	for i, t := range terms {
		terms[i] = `"` + t + `"`
	}
	return strings.Join(terms, " ")
}

// Hit helpers shared by ranking.

// RowRef pairs a row id with its path key and owning segment.
type RowRef struct {
	RowID     string
	PathKey   string
	SegmentID string
}

// KindOf reports the chunk kind stored for a row id, used by audits.
func (t *Table) KindOf(ctx context.Context, rowID string) (types.ChunkKind, error) {
	var kind string
	err := t.db.QueryRowContext(ctx, `SELECT kind FROM rows WHERE row_id = ?`, rowID).Scan(&kind)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return types.ChunkKind(kind), nil
}
