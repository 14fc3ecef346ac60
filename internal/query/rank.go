package query

import (
	"sort"
	"strings"

	"github.com/dshills/codegrep/internal/chunker"
	"github.com/dshills/codegrep/pkg/types"
)

// rrfConstant is the k value for Reciprocal Rank Fusion.
const rrfConstant = 60.0

// candidate is one row surviving retrieval, with its fused score.
type candidate struct {
	row       *types.ChunkRow
	segmentID string
	vecScore  float64
	vecRank   int // 0 when absent
	textRank  int // 0 when absent
	primary   float64
	matchedBy string
}

// fuse applies RRF over the vector and text rankings, then the profile's
// structural boosts. The fused value is the primary sort key; the raw vector
// similarity stays as the secondary.
func fuse(cands []*candidate, p Profile) {
	for _, c := range cands {
		score := 0.0
		switch {
		case c.vecRank > 0 && c.textRank > 0:
			c.matchedBy = "hybrid"
		case c.vecRank > 0:
			c.matchedBy = "vector"
		default:
			c.matchedBy = "lexical"
		}
		if c.vecRank > 0 {
			score += 1.0 / (rrfConstant + float64(c.vecRank))
		}
		if c.textRank > 0 {
			score += 1.0 / (rrfConstant + float64(c.textRank))
		}

		if c.row.Kind == types.ChunkAnchor || c.row.AnchorName != "" {
			score *= p.DefinitionBoost
		}
		if isTestPath(c.row.PathKey) {
			score *= p.TestPenalty
		}
		switch bucketOf(c.row) {
		case BucketDocs:
			score *= p.DocsScale
		case BucketGraph:
			score *= p.GraphScale
		}
		c.primary = score
	}
}

// bucketOf classifies a row for quota selection.
func bucketOf(row *types.ChunkRow) Bucket {
	switch {
	case chunker.IsGraph(row.Language):
		return BucketGraph
	case chunker.IsDoc(row.Language):
		return BucketDocs
	default:
		return BucketCode
	}
}

func isTestPath(pathKey string) bool {
	base := pathKey[strings.LastIndex(pathKey, "/")+1:]
	return strings.HasSuffix(base, "_test.go") ||
		strings.HasPrefix(base, "test_") ||
		strings.Contains(pathKey, "/tests/") ||
		strings.Contains(pathKey, "/testdata/")
}

// orderDeterministic applies the full tie-break chain: primary desc,
// secondary desc, path asc, byte offset (else ordinal) asc, row id asc.
func orderDeterministic(cands []*candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.primary != b.primary {
			return a.primary > b.primary
		}
		if a.vecScore != b.vecScore {
			return a.vecScore > b.vecScore
		}
		if a.row.PathKey != b.row.PathKey {
			return a.row.PathKey < b.row.PathKey
		}
		ao, bo := offsetKey(a.row), offsetKey(b.row)
		if ao != bo {
			return ao < bo
		}
		return a.row.RowID < b.row.RowID
	})
}

// offsetKey prefers the byte offset and falls back to ordinal for rows
// without offsets.
func offsetKey(row *types.ChunkRow) int64 {
	if row.EndByte > 0 || row.StartByte > 0 {
		return row.StartByte
	}
	return int64(row.Ordinal)
}

// selectQuota walks the ordered candidates applying bucket quotas and the
// per-file cap. Candidates beyond their bucket's quota fill leftover capacity
// in deterministic order, whatever their bucket.
func selectQuota(cands []*candidate, p Profile, maxResults, perFile int, limitsHit map[string]bool) []*candidate {
	if perFile <= 0 {
		perFile = p.PerFileCap
	}
	if perFile <= 0 {
		perFile = maxResults
	}

	budget := map[Bucket]int{
		BucketCode:  quotaFor(p.CodeShare, maxResults),
		BucketDocs:  quotaFor(p.DocsShare, maxResults),
		BucketGraph: quotaFor(p.GraphShare, maxResults),
	}
	// Rounding drift lands on code.
	total := budget[BucketCode] + budget[BucketDocs] + budget[BucketGraph]
	if total < maxResults {
		budget[BucketCode] += maxResults - total
	}

	perFileCount := make(map[string]int)
	out := make([]*candidate, 0, maxResults)
	var spill []*candidate

	for _, c := range cands {
		if len(out) >= maxResults {
			limitsHit["max_results"] = true
			break
		}
		if perFileCount[c.row.PathKey] >= perFile {
			limitsHit["per_file"] = true
			continue
		}
		b := bucketOf(c.row)
		if budget[b] <= 0 {
			spill = append(spill, c)
			continue
		}
		budget[b]--
		perFileCount[c.row.PathKey]++
		out = append(out, c)
	}

	// Spill fills leftover capacity in deterministic order.
	for _, c := range spill {
		if len(out) >= maxResults {
			limitsHit["max_results"] = true
			break
		}
		if perFileCount[c.row.PathKey] >= perFile {
			continue
		}
		perFileCount[c.row.PathKey]++
		out = append(out, c)
	}

	orderDeterministic(out)
	return out
}

func quotaFor(share float64, maxResults int) int {
	return int(share * float64(maxResults))
}

// confidence derives the relative-separation signal from the ordered scores.
// No absolute thresholds: only the drop-off between the leaders matters.
func confidence(cands []*candidate) types.Confidence {
	if len(cands) == 0 {
		return types.ConfidenceNone
	}
	top := cands[0].primary
	if top <= 0 {
		return types.ConfidenceNone
	}
	if len(cands) == 1 {
		return types.ConfidenceStrong
	}
	second := cands[1].primary
	separation := (top - second) / top
	if separation >= 0.15 {
		return types.ConfidenceStrong
	}
	return types.ConfidenceWeak
}

// rerank reorders the top candidates by lexical term overlap with the query,
// blended with the fused score. It runs only when the profile and request
// both allow it.
func rerank(cands []*candidate, queryText string, topK int) {
	if topK > len(cands) {
		topK = len(cands)
	}
	terms := strings.Fields(strings.ToLower(queryText))
	if len(terms) == 0 {
		return
	}
	head := cands[:topK]
	for _, c := range head {
		lower := strings.ToLower(c.row.Text)
		matched := 0
		for _, t := range terms {
			if strings.Contains(lower, t) {
				matched++
			}
		}
		overlap := float64(matched) / float64(len(terms))
		c.primary = c.primary * (0.7 + 0.3*overlap)
	}
	orderDeterministic(head)
}
