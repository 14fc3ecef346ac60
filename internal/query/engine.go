// Package query executes searches against pinned snapshot views: hybrid
// dense+lexical retrieval, deterministic ranking, bounded output shaping, and
// cancellation inside the retrieval loops.
package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/codegrep/internal/config"
	"github.com/dshills/codegrep/internal/embedder"
	"github.com/dshills/codegrep/internal/identity"
	"github.com/dshills/codegrep/internal/segment"
	"github.com/dshills/codegrep/internal/snapshot"
	"github.com/dshills/codegrep/pkg/types"
)

// Engine serves queries for one store.
type Engine struct {
	mgr   *snapshot.Manager
	cfg   *config.Config
	embed embedder.Embedder
	ident identity.Identity
	cache *lru.Cache[string, []types.SearchResult]
}

// NewEngine wires the read path.
func NewEngine(mgr *snapshot.Manager, cfg *config.Config, embed embedder.Embedder, ident identity.Identity) *Engine {
	cache, err := lru.New[string, []types.SearchResult](512)
	if err != nil {
		panic(fmt.Sprintf("failed to create query cache: %v", err))
	}
	return &Engine{mgr: mgr, cfg: cfg, embed: embed, ident: ident, cache: cache}
}

// Execute runs one admitted query. The request must already have passed
// admission; Execute pins the active snapshot for its whole lifetime and
// releases the pin on every exit path.
func (e *Engine) Execute(ctx context.Context, req *types.QueryRequest, requestID string) (*types.QueryResponse, *types.QueryError) {
	if err := e.validate(req); err != nil {
		return nil, &types.QueryError{Code: types.CodeInvalidRequest, Message: err.Error(), RequestID: requestID}
	}

	start := time.Now()
	view, err := e.mgr.OpenActive()
	if err != nil {
		if errors.Is(err, snapshot.ErrNoSnapshot) {
			return nil, &types.QueryError{Code: types.CodeInvalidRequest, Message: "store has no published snapshot; run sync first", RequestID: requestID}
		}
		return nil, &types.QueryError{Code: types.CodeInternal, Message: fmt.Sprintf("store corrupt: %v", err), RequestID: requestID}
	}
	defer e.mgr.ReleaseView(view)
	snapReadMs := time.Since(start).Milliseconds()

	if e.cfg.TestQueryDelay > 0 {
		select {
		case <-time.After(e.cfg.TestQueryDelay):
		case <-ctx.Done():
			return nil, e.ctxError(ctx, view.Manifest.SnapshotID, requestID)
		}
	}

	// Snapshots are immutable, so cached result sets keyed by
	// (snapshot_id, query_fingerprint) never go stale.
	cacheKey := fmt.Sprintf("%d|%s|%s|%t|%t|%t",
		view.Manifest.SnapshotID,
		identity.QueryFingerprint(req.Query, req.Mode, req.MaxResults, req.PerFile, req.SnippetMode),
		req.Path, req.IncludeAnchors, req.Rerank, req.Raw)
	if cached, ok := e.cache.Get(cacheKey); ok {
		resp := e.respond(view, req, requestID, cached, nil, nil, types.Timings{SnapshotReadMs: snapReadMs})
		resp.Confidence = cachedConfidence(cached)
		return resp, nil
	}

	limitsHit := make(map[string]bool)
	warnings := make([]string, 0)
	if view.Manifest.Degraded {
		warnings = append(warnings, "degraded_snapshot")
	}
	if view.Manifest.Git.Dirty && view.Manifest.Git.UntrackedIncluded {
		warnings = append(warnings, "dirty_workspace_included")
	}

	retrieveStart := time.Now()
	cands, qerr := e.retrieve(ctx, view, req, limitsHit, requestID)
	if qerr != nil {
		return nil, qerr
	}
	retrieveMs := time.Since(retrieveStart).Milliseconds()

	rankStart := time.Now()
	profile := ProfileFor(req.Mode)
	fuse(cands, profile)
	orderDeterministic(cands)
	if req.Rerank && profile.AllowRerank && !e.cfg.Query.SkipRerank {
		rerank(cands, req.Query, 50)
	}
	selected := selectQuota(cands, profile, req.MaxResults, req.PerFile, limitsHit)
	conf := confidence(selected)
	rankMs := time.Since(rankStart).Milliseconds()

	formatStart := time.Now()
	results := e.format(selected, req, limitsHit)
	formatMs := time.Since(formatStart).Milliseconds()

	e.cache.Add(cacheKey, results)

	resp := e.respond(view, req, requestID, results, limitsHit, warnings, types.Timings{
		SnapshotReadMs: snapReadMs,
		RetrieveMs:     retrieveMs,
		RankMs:         rankMs,
		FormatMs:       formatMs,
	})
	resp.Confidence = conf
	return resp, nil
}

// respond assembles the response envelope shared by cached and fresh paths.
func (e *Engine) respond(view *snapshot.View, req *types.QueryRequest, requestID string,
	results []types.SearchResult, limitsHit map[string]bool, warnings []string, timings types.Timings) *types.QueryResponse {

	hits := make([]string, 0, len(limitsHit))
	for k := range limitsHit {
		hits = append(hits, k)
	}
	sort.Strings(hits)
	if warnings == nil {
		warnings = []string{}
		if view.Manifest.Degraded {
			warnings = append(warnings, "degraded_snapshot")
		}
	}
	sort.Strings(warnings)

	resp := &types.QueryResponse{
		SchemaVersion:     types.SchemaVersion,
		RequestID:         requestID,
		SnapshotID:        view.Manifest.SnapshotID,
		ConfigFingerprint: view.Manifest.ConfigFingerprint,
		IgnoreFingerprint: view.Manifest.IgnoreFingerprint,
		Git:               view.Manifest.Git,
		Mode:              req.Mode,
		Limits: types.Limits{
			MaxResults:           req.MaxResults,
			PerFile:              req.PerFile,
			MaxSnippetBytes:      e.cfg.Query.MaxSnippetBytes,
			MaxTotalSnippetBytes: e.cfg.Query.MaxTotalSnippetBytes,
			MaxOpenSegments:      e.cfg.Query.MaxOpenSegments,
			DeadlineMs:           req.DeadlineMs,
		},
		LimitsHit: hits,
		Warnings:  warnings,
		Timings:   timings,
		Results:   results,
	}
	if req.Deterministic {
		resp.Timings = types.Timings{}
	}
	return resp
}

// cachedConfidence recomputes the separation signal from cached scores.
func cachedConfidence(results []types.SearchResult) types.Confidence {
	if len(results) == 0 {
		return types.ConfidenceNone
	}
	if results[0].Score <= 0 {
		return types.ConfidenceNone
	}
	if len(results) == 1 {
		return types.ConfidenceStrong
	}
	if (results[0].Score-results[1].Score)/results[0].Score >= 0.15 {
		return types.ConfidenceStrong
	}
	return types.ConfidenceWeak
}

func (e *Engine) validate(req *types.QueryRequest) error {
	if strings.TrimSpace(req.Query) == "" {
		return errors.New("query cannot be empty")
	}
	if req.Mode == "" {
		req.Mode = types.ModeBalanced
	}
	if !types.ValidMode(req.Mode) {
		return fmt.Errorf("unknown mode %q", req.Mode)
	}
	if req.MaxResults <= 0 {
		req.MaxResults = 10
	}
	if req.MaxResults > e.cfg.Query.MaxCandidates {
		req.MaxResults = e.cfg.Query.MaxCandidates
	}
	if req.SnippetMode == "" {
		req.SnippetMode = types.SnippetShort
	}
	if req.Path != "" {
		key, err := identity.PathKey(req.Path)
		if err != nil {
			return fmt.Errorf("path scope must resolve under the canonical root: %v", err)
		}
		req.Path = key
	}
	return nil
}

// retrieve fans vector and lexical search out across the snapshot's
// segments. Visibility filtering happens inside the view; nothing upstream
// sees invisible rows.
func (e *Engine) retrieve(ctx context.Context, view *snapshot.View, req *types.QueryRequest,
	limitsHit map[string]bool, requestID string) ([]*candidate, *types.QueryError) {

	queryVec, err := e.embedQuery(ctx, req.Query)
	if err != nil {
		if qe := e.ctxError(ctx, view.Manifest.SnapshotID, requestID); qe != nil {
			return nil, qe
		}
		return nil, &types.QueryError{Code: types.CodeInternal, Message: fmt.Sprintf("query embedding failed: %v", err), RequestID: requestID}
	}

	tables := view.Tables()
	segIDs := make([]string, 0, len(tables))
	for id := range tables {
		segIDs = append(segIDs, id)
	}
	sort.Strings(segIDs)
	if len(segIDs) > e.cfg.Query.MaxOpenSegments {
		segIDs = segIDs[:e.cfg.Query.MaxOpenSegments]
		limitsHit["max_open_segments_per_query"] = true
	}

	perSegment := e.cfg.Query.MaxCandidates

	type segHits struct {
		segID string
		vec   []segment.VectorHit
		text  []segment.TextHit
	}
	hits := make([]segHits, len(segIDs))

	g, gctx := errgroup.WithContext(ctx)
	for i, segID := range segIDs {
		i, segID := i, segID
		table := tables[segID]
		g.Go(func() error {
			vec, err := table.SearchVector(gctx, queryVec, perSegment)
			if err != nil {
				return err
			}
			text, err := table.SearchText(gctx, req.Query, perSegment)
			if err != nil {
				return err
			}
			hits[i] = segHits{segID: segID, vec: vec, text: text}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if qe := e.ctxError(ctx, view.Manifest.SnapshotID, requestID); qe != nil {
			return nil, qe
		}
		return nil, &types.QueryError{Code: types.CodeInternal, Message: err.Error(), RequestID: requestID}
	}

	// Merge per-segment rankings into global ones by score, then assign
	// ranks for fusion.
	type scoredRef struct {
		segID string
		rowID string
		score float64
	}
	var vecAll, textAll []scoredRef
	for _, h := range hits {
		for _, v := range h.vec {
			if !view.IsVisible(v.PathKey, h.segID) {
				continue
			}
			vecAll = append(vecAll, scoredRef{segID: h.segID, rowID: v.RowID, score: v.Similarity})
		}
		for _, t := range h.text {
			if !view.IsVisible(t.PathKey, h.segID) {
				continue
			}
			textAll = append(textAll, scoredRef{segID: h.segID, rowID: t.RowID, score: t.Score})
		}
	}
	sortRefs := func(refs []scoredRef) {
		sort.SliceStable(refs, func(i, j int) bool {
			if refs[i].score != refs[j].score {
				return refs[i].score > refs[j].score
			}
			return refs[i].rowID < refs[j].rowID
		})
	}
	sortRefs(vecAll)
	sortRefs(textAll)
	if len(vecAll) > e.cfg.Query.MaxCandidates {
		vecAll = vecAll[:e.cfg.Query.MaxCandidates]
		limitsHit["max_candidates"] = true
	}
	if len(textAll) > e.cfg.Query.MaxCandidates {
		textAll = textAll[:e.cfg.Query.MaxCandidates]
		limitsHit["max_candidates"] = true
	}

	byRow := make(map[string]*candidate)
	fetch := func(ref scoredRef) (*candidate, error) {
		if c, ok := byRow[ref.rowID]; ok {
			return c, nil
		}
		row, err := tables[ref.segID].GetRow(ctx, ref.rowID)
		if err != nil {
			return nil, err
		}
		c := &candidate{row: row, segmentID: ref.segID}
		byRow[ref.rowID] = c
		return c, nil
	}

	n := 0
	for rank, ref := range vecAll {
		// Cancellation checkpoint inside the fetch loop.
		if n%64 == 0 {
			select {
			case <-ctx.Done():
				return nil, e.ctxError(ctx, view.Manifest.SnapshotID, requestID)
			default:
			}
		}
		n++
		c, err := fetch(ref)
		if err != nil {
			continue
		}
		if c.vecRank == 0 {
			c.vecRank = rank + 1
			c.vecScore = ref.score
		}
	}
	for rank, ref := range textAll {
		if n%64 == 0 {
			select {
			case <-ctx.Done():
				return nil, e.ctxError(ctx, view.Manifest.SnapshotID, requestID)
			default:
			}
		}
		n++
		c, err := fetch(ref)
		if err != nil {
			continue
		}
		if c.textRank == 0 {
			c.textRank = rank + 1
		}
	}

	// Scope, anchor, and (path, start_line) dedup filters.
	seen := make(map[string]bool)
	out := make([]*candidate, 0, len(byRow))
	rowIDs := make([]string, 0, len(byRow))
	for id := range byRow {
		rowIDs = append(rowIDs, id)
	}
	sort.Strings(rowIDs)
	for _, id := range rowIDs {
		c := byRow[id]
		if req.Path != "" && !underScope(c.row.PathKey, req.Path) {
			continue
		}
		if c.row.Kind == types.ChunkAnchor && !req.IncludeAnchors {
			continue
		}
		dedupKey := fmt.Sprintf("%s\x00%d", c.row.PathKey, c.row.StartLine)
		if seen[dedupKey] {
			continue
		}
		seen[dedupKey] = true
		out = append(out, c)
	}
	return out, nil
}

func underScope(pathKey, scope string) bool {
	return pathKey == scope || strings.HasPrefix(pathKey, scope+"/")
}

func (e *Engine) embedQuery(ctx context.Context, queryText string) ([]float32, error) {
	prepared := queryText
	if e.cfg.Embed.MaxLen > 0 && len(prepared) > e.cfg.Embed.MaxLen {
		prepared = prepared[:e.cfg.Embed.MaxLen]
	}
	vectors, err := e.embed.Embed(ctx, []string{prepared})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// format shapes selected candidates into wire results, applying snippet
// budgets and sanitation.
func (e *Engine) format(selected []*candidate, req *types.QueryRequest, limitsHit map[string]bool) []types.SearchResult {
	results := make([]types.SearchResult, 0, len(selected))
	totalSnippet := 0
	for _, c := range selected {
		content := snippetFor(c.row, req.SnippetMode)
		if len(content) > e.cfg.Query.MaxSnippetBytes {
			content = truncateUTF8(content, e.cfg.Query.MaxSnippetBytes)
			limitsHit["max_snippet_bytes_per_result"] = true
		}
		if totalSnippet+len(content) > e.cfg.Query.MaxTotalSnippetBytes {
			content = ""
			limitsHit["max_total_snippet_bytes"] = true
		}
		totalSnippet += len(content)

		path := c.row.PathKey
		if !req.Raw {
			content = Sanitize(content)
			path = Sanitize(path)
		}

		score := c.primary
		if req.Deterministic {
			score = math.Round(score*1e6) / 1e6
		}

		results = append(results, types.SearchResult{
			Path:        path,
			StartLine:   c.row.StartLine,
			NumLines:    c.row.NumLines,
			ChunkType:   string(c.row.Kind),
			IsAnchor:    c.row.Kind == types.ChunkAnchor,
			Score:       score,
			Content:     content,
			Reason:      reasonFor(c),
			MatchReason: c.matchedBy,
		})
	}
	return results
}

func reasonFor(c *candidate) string {
	if c.row.AnchorName != "" {
		return "definition: " + c.row.AnchorName
	}
	return ""
}

func snippetFor(row *types.ChunkRow, mode types.SnippetMode) string {
	switch mode {
	case types.SnippetNone:
		return ""
	case types.SnippetShort:
		return firstLines(row.Text, 8)
	case types.SnippetCompact:
		return firstLines(row.Text, 3)
	case types.SnippetLong:
		return firstLines(row.Text, 40)
	case types.SnippetFull:
		return row.Text
	default:
		return firstLines(row.Text, 8)
	}
}

func firstLines(s string, n int) string {
	lines := strings.SplitN(s, "\n", n+1)
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}

// truncateUTF8 cuts at max bytes without splitting a rune.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

// ctxError maps a done context to the wire error, or nil when the context is
// still live.
func (e *Engine) ctxError(ctx context.Context, snapshotID uint64, requestID string) *types.QueryError {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &types.QueryError{Code: types.CodeTimeout, Message: "query deadline exceeded", SnapshotID: snapshotID, RequestID: requestID}
	case errors.Is(ctx.Err(), context.Canceled):
		return &types.QueryError{Code: types.CodeCancelled, Message: "query cancelled", SnapshotID: snapshotID, RequestID: requestID}
	default:
		return nil
	}
}
