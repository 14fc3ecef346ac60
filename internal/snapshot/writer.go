package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/codegrep/internal/chunker"
	"github.com/dshills/codegrep/internal/config"
	"github.com/dshills/codegrep/internal/embedder"
	"github.com/dshills/codegrep/internal/identity"
	"github.com/dshills/codegrep/internal/lease"
	"github.com/dshills/codegrep/internal/scanner"
	"github.com/dshills/codegrep/pkg/types"
)

// ErrDegraded is returned by a strict publish when eligible files failed to
// index.
var ErrDegraded = errors.New("eligible files failed to index")

// Writer runs sync transactions: change detection through durable publish.
// One Writer serves one store; cross-process exclusion comes from the lease.
type Writer struct {
	mgr     *Manager
	leases  *lease.Manager
	cfg     *config.Config
	ident   identity.Identity
	chunk   chunker.Chunker
	embed   embedder.Embedder
	cache   *embedder.Cache
	limiter *embedder.HostLimiter
	embedFP string
	root    string
}

// NewWriter wires the write path.
func NewWriter(mgr *Manager, leases *lease.Manager, cfg *config.Config, ident identity.Identity,
	ch chunker.Chunker, emb embedder.Embedder, cache *embedder.Cache, limiter *embedder.HostLimiter) *Writer {
	return &Writer{
		mgr:     mgr,
		leases:  leases,
		cfg:     cfg,
		ident:   ident,
		chunk:   ch,
		embed:   emb,
		cache:   cache,
		limiter: limiter,
		embedFP: identity.EmbedConfigFingerprint(cfg),
		root:    ident.CanonicalRoot,
	}
}

// SyncOptions control one sync transaction.
type SyncOptions struct {
	Hint          *scanner.Hint
	AllowDegraded bool
}

// SyncResult reports the outcome of a sync.
type SyncResult struct {
	SnapshotID uint64
	Published  bool
	Files      int
	Chunks     int
	Tombstones int
	Degraded   bool
	Errors     []string
}

// Sync acquires the writer lease, computes the delta, and publishes a new
// snapshot when there is work. A delta-free sync publishes nothing and keeps
// the active snapshot.
func (w *Writer) Sync(ctx context.Context, opts SyncOptions) (*SyncResult, error) {
	ttl := time.Duration(w.cfg.Index.LeaseTTLMs) * time.Millisecond
	ls, err := w.leases.AcquireWriter(ctx, ttl)
	if err != nil {
		return nil, err
	}
	defer func() { _ = w.leases.Release(context.Background(), ls) }()

	// Heartbeat at ttl/3 for the duration of the transaction.
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go w.heartbeatLoop(hbCtx, ls, ttl/3)

	lease.ReapStaging(w.mgr.Store().StagingDir(),
		time.Duration(w.cfg.Index.StagingTTLMin)*time.Minute, "", w.mgr.StagingTxnsReferenced())

	return w.syncUnderLease(ctx, ls, opts)
}

func (w *Writer) heartbeatLoop(ctx context.Context, ls *lease.Lease, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.leases.Heartbeat(ctx, ls); err != nil {
				slog.Error("lease heartbeat failed", "error", err)
				return
			}
		}
	}
}

func (w *Writer) syncUnderLease(ctx context.Context, ls *lease.Lease, opts SyncOptions) (*SyncResult, error) {
	sc, err := scanner.New(w.root, w.cfg)
	if err != nil {
		return nil, err
	}

	prior, err := w.mgr.LoadPriorState(ctx)
	if err != nil {
		return nil, err
	}

	cs, err := sc.Scan(ctx, prior, opts.Hint)
	if err != nil {
		return nil, err
	}
	if cs.Empty() {
		id, perr := w.mgr.Store().ReadActivePointer()
		if errors.Is(perr, ErrNoSnapshot) {
			id = 0
		}
		return &SyncResult{SnapshotID: id, Published: false}, nil
	}

	snapID, err := w.mgr.NextSnapshotID()
	if err != nil {
		return nil, err
	}

	txnID := uuid.NewString()
	ls.StagingTxnID = txnID
	stagingDir := filepath.Join(w.mgr.Store().StagingDir(), txnID)
	if err := os.MkdirAll(stagingDir, 0o700); err != nil {
		return nil, err
	}
	defer func() { _ = os.RemoveAll(stagingDir) }()

	// Revalidate before the expensive stages.
	if err := w.leases.Revalidate(ctx, ls); err != nil {
		return nil, err
	}

	built, err := w.buildRows(ctx, sc, cs)
	if err != nil {
		return nil, err
	}
	for _, key := range sortedKeys(cs.Failed) {
		built.failed = append(built.failed, fmt.Sprintf("%s: %s", key, cs.Failed[key]))
	}
	sort.Strings(built.failed)
	if len(built.failed) > 0 && !opts.AllowDegraded {
		return nil, fmt.Errorf("%w: %s", ErrDegraded, strings.Join(built.failed, "; "))
	}

	if w.cfg.TestPublishDelay > 0 {
		select {
		case <-time.After(w.cfg.TestPublishDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// Ignore-only changes keep the store identity but stamp the manifest
	// with the fresh ignore fingerprint.
	ignoreFP := identity.IgnoreFingerprint(sc.Ignores().Inputs())
	staged, err := w.stage(ctx, stagingDir, snapID, ls, cs, built, prior, ignoreFP)
	if err != nil {
		return nil, err
	}

	// Lease preflight: re-read and assert (owner, epoch) before the swap.
	if err := w.leases.Revalidate(ctx, ls); err != nil {
		return nil, err
	}

	if err := w.commit(staged, stagingDir, snapID); err != nil {
		return nil, err
	}

	w.afterPublish(cs, staged, snapID)

	return &SyncResult{
		SnapshotID: snapID,
		Published:  true,
		Files:      staged.manifest.Counts.Files,
		Chunks:     staged.manifest.Counts.Chunks,
		Tombstones: staged.manifest.Counts.Tombstones,
		Degraded:   staged.manifest.Degraded,
		Errors:     staged.manifest.Errors,
	}, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// builtRows is the chunked+embedded output of one sync.
type builtRows struct {
	rowsByPath map[string][]*types.ChunkRow
	failed     []string
}

// buildRows chunks and embeds every changed file. Renamed files copy their
// rows from the prior segment without re-embedding, preserving chunk ids.
// Batch failures don't abort other batches; failures are enumerated.
func (w *Writer) buildRows(ctx context.Context, sc *scanner.Scanner, cs *scanner.ChangeSet) (*builtRows, error) {
	built := &builtRows{rowsByPath: make(map[string][]*types.ChunkRow)}

	// Rename preservation first: copy rows under the new path key.
	if len(cs.Rename) > 0 {
		v, err := w.mgr.OpenActive()
		if err != nil && !errors.Is(err, ErrNoSnapshot) {
			return nil, err
		}
		if err == nil {
			for _, rn := range cs.Rename {
				rows := w.copyRenamedRows(ctx, v, rn)
				if rows == nil {
					// No prior rows to carry; index the target as an add.
					cs.Add = append(cs.Add, scanner.FileMeta{PathKey: rn.To, FileHash: rn.Hash, Size: -1})
					continue
				}
				built.rowsByPath[rn.To] = rows
			}
			w.mgr.ReleaseView(v)
		}
	}

	work := make([]scanner.FileMeta, 0, len(cs.Add)+len(cs.Modify))
	work = append(work, cs.Add...)
	work = append(work, cs.Modify...)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Index.EmbedConcurrency)
	results := make(chan fileRows, len(work))

	for _, meta := range work {
		meta := meta
		g.Go(func() error {
			rows, err := w.buildFileRows(gctx, sc, meta)
			if err != nil {
				results <- fileRows{pathKey: meta.PathKey, err: err}
				return nil // enumerate, don't abort siblings
			}
			results <- fileRows{pathKey: meta.PathKey, rows: rows}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(results)

	for fr := range results {
		if fr.err != nil {
			built.failed = append(built.failed, fmt.Sprintf("%s: %v", fr.pathKey, fr.err))
			continue
		}
		built.rowsByPath[fr.pathKey] = fr.rows
	}
	sort.Strings(built.failed)
	return built, nil
}

type fileRows struct {
	pathKey string
	rows    []*types.ChunkRow
	err     error
}

func (w *Writer) copyRenamedRows(ctx context.Context, v *View, rn scanner.Rename) []*types.ChunkRow {
	segID, ok := v.SegmentFor(rn.From)
	if !ok {
		return nil
	}
	table, ok := v.Tables()[segID]
	if !ok {
		return nil
	}
	old, err := table.RowsForPath(ctx, rn.From)
	if err != nil || len(old) == 0 {
		return nil
	}
	out := make([]*types.ChunkRow, 0, len(old))
	for _, r := range old {
		nr := *r
		nr.PathKey = rn.To
		nr.PathKeyCI = identity.PathKeyCI(rn.To)
		nr.RowID = types.RowIDOf(rn.To, nr.ChunkID, nr.Ordinal)
		out = append(out, &nr)
	}
	return out
}

// buildFileRows chunks one file and embeds its chunks, consulting the cache
// keyed by (embed_config_fingerprint, chunk_hash).
func (w *Writer) buildFileRows(ctx context.Context, sc *scanner.Scanner, meta scanner.FileMeta) ([]*types.ChunkRow, error) {
	content, fresh, err := sc.ReadStable(meta.PathKey)
	if err != nil {
		return nil, err
	}

	chunks, err := w.chunk.Chunk(meta.PathKey, content)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	rows := make([]*types.ChunkRow, len(chunks))
	var toEmbed []int
	var texts []string
	for i, c := range chunks {
		prepared := w.prepare(c.Text)
		chunkHash := types.ChunkHashOf(prepared)
		chunkID := types.ChunkIDOf(chunkHash, w.chunk.Version(), c.Kind)
		rows[i] = &types.ChunkRow{
			RowID:          types.RowIDOf(meta.PathKey, chunkID, i),
			ChunkID:        chunkID,
			PathKey:        meta.PathKey,
			PathKeyCI:      identity.PathKeyCI(meta.PathKey),
			Ordinal:        i,
			FileHash:       fresh.FileHash,
			ChunkHash:      chunkHash,
			ChunkerVersion: w.chunk.Version(),
			Kind:           c.Kind,
			Text:           c.Text,
			StartByte:      c.StartByte,
			EndByte:        c.EndByte,
			StartLine:      c.StartLine,
			NumLines:       c.NumLines,
			Language:       c.Language,
			AnchorName:     c.AnchorName,
			ContextBefore:  c.CtxBefore,
			ContextAfter:   c.CtxAfter,
		}
		if vec, ok := w.cache.Get(embedder.CacheKey{EmbedConfigFP: w.embedFP, ChunkHash: chunkHash}); ok {
			rows[i].Embedding = vec
		} else {
			toEmbed = append(toEmbed, i)
			texts = append(texts, prepared)
		}
	}

	if len(toEmbed) > 0 {
		vectors, err := w.embedBatches(ctx, texts)
		if err != nil {
			return nil, err
		}
		for j, idx := range toEmbed {
			rows[idx].Embedding = vectors[j]
			w.cache.Set(embedder.CacheKey{EmbedConfigFP: w.embedFP, ChunkHash: rows[idx].ChunkHash}, vectors[j])
		}
	}
	return rows, nil
}

// prepare applies the embedding-time prefix and length cap. Chunk hashes are
// computed over this prepared text, so the prefix participates in identity.
func (w *Writer) prepare(text string) string {
	prepared := w.cfg.Embed.Prefix + text
	if w.cfg.Embed.MaxLen > 0 && len(prepared) > w.cfg.Embed.MaxLen {
		prepared = prepared[:w.cfg.Embed.MaxLen]
	}
	return prepared
}

// embedBatches runs the embedder under the host-wide limiter in configured
// batch sizes.
func (w *Writer) embedBatches(ctx context.Context, texts []string) ([][]float32, error) {
	slot, err := w.limiter.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer w.limiter.Release(slot)

	batch := w.cfg.Embed.BatchSize
	if batch <= 0 {
		batch = 32
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batch {
		end := start + batch
		if end > len(texts) {
			end = len(texts)
		}
		w.limiter.Heartbeat(slot)
		vectors, err := w.embed.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// afterPublish refreshes the sidecar state and metadata cache.
func (w *Writer) afterPublish(cs *scanner.ChangeSet, staged *stagedSnapshot, snapID uint64) {
	_ = w.mgr.Store().WriteIndexState(&IndexState{
		ConfigFingerprint: w.ident.ConfigFingerprint,
		IgnoreFingerprint: staged.manifest.IgnoreFingerprint,
		LastHead:          staged.manifest.Git.Head,
		LastSyncAt:        time.Now().UTC(),
		LastSnapshotID:    snapID,
	})

	metas := make(map[string]scanner.FileMeta)
	for _, meta := range append(append([]scanner.FileMeta{}, cs.Add...), cs.Modify...) {
		metas[meta.PathKey] = meta
	}
	if len(metas) > 0 {
		w.mgr.SaveFileMetaCache(metas)
	}
}
