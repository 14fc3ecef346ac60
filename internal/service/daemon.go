package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/codegrep/internal/config"
	"github.com/dshills/codegrep/internal/identity"
	"github.com/dshills/codegrep/internal/lease"
	"github.com/dshills/codegrep/internal/query"
	"github.com/dshills/codegrep/internal/scanner"
	"github.com/dshills/codegrep/internal/snapshot"
	"github.com/dshills/codegrep/pkg/types"
)

// BinaryVersion is stamped into handshake replies.
var BinaryVersion = "dev"

// Daemon is one service process bound to one store.
type Daemon struct {
	cfg       *config.Config
	ident     identity.Identity
	mgr       *snapshot.Manager
	writer    *snapshot.Writer
	engine    *query.Engine
	leases    *lease.Manager
	admission *Admission
	watcher   *Watcher

	syncCh   chan *scanner.Hint
	shutdown chan struct{}
	stopOnce sync.Once

	startedAt time.Time

	staleMu      sync.Mutex
	staleConfig  bool
	staleCheckAt time.Time

	syncMu      sync.Mutex
	lastSync    *snapshot.SyncResult
	lastSyncErr string

	timingsMu    sync.Mutex
	stageTimings map[string]*Histogram
}

func (d *Daemon) setSyncState(res *snapshot.SyncResult, errMsg string) {
	d.syncMu.Lock()
	defer d.syncMu.Unlock()
	if res != nil {
		d.lastSync = res
	}
	d.lastSyncErr = errMsg
}

func (d *Daemon) syncError() string {
	d.syncMu.Lock()
	defer d.syncMu.Unlock()
	return d.lastSyncErr
}

// NewDaemon wires a daemon from its parts.
func NewDaemon(cfg *config.Config, ident identity.Identity, mgr *snapshot.Manager,
	writer *snapshot.Writer, engine *query.Engine, leases *lease.Manager) *Daemon {

	d := &Daemon{
		cfg:       cfg,
		ident:     ident,
		mgr:       mgr,
		writer:    writer,
		engine:    engine,
		leases:    leases,
		admission: NewAdmission(cfg.Daemon.MaxConcurrentQueries, cfg.Daemon.MaxQueryQueueDepth, cfg.Daemon.PerClientConcurrency, time.Duration(cfg.Daemon.SlowQueryMs)*time.Millisecond),
		syncCh:    make(chan *scanner.Hint, 64),
		shutdown:  make(chan struct{}),
		startedAt: time.Now(),
		stageTimings: map[string]*Histogram{
			"admission": NewHistogram(),
			"retrieve":  NewHistogram(),
			"rank":      NewHistogram(),
			"format":    NewHistogram(),
		},
	}
	d.watcher = NewWatcher(ident.CanonicalRoot, time.Duration(cfg.Daemon.DebounceMs)*time.Millisecond, d.enqueueHint)
	return d
}

// Run serves until ctx is done or a shutdown request arrives. On exit,
// in-flight queries are cancelled, staging is left untouched, and the socket
// is removed.
func (d *Daemon) Run(ctx context.Context) error {
	sockPath, err := SocketPath(d.ident.StoreID)
	if err != nil {
		return err
	}
	_ = os.Remove(sockPath)
	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", sockPath, err)
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(sockPath)
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Startup janitor pass before any writes.
	lease.ReapStaging(d.mgr.Store().StagingDir(),
		time.Duration(d.cfg.Index.StagingTTLMin)*time.Minute, "", d.mgr.StagingTxnsReferenced())

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); d.watcher.Run(runCtx) }()
	go func() { defer wg.Done(); d.syncWorker(runCtx) }()
	go func() { defer wg.Done(); d.reconcileLoop(runCtx) }()

	go func() {
		select {
		case <-runCtx.Done():
		case <-d.shutdown:
			cancel()
		}
		_ = listener.Close()
	}()

	slog.Info("daemon listening", "socket", sockPath, "store_id", d.ident.StoreID)

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-runCtx.Done():
				wg.Wait()
				d.mgr.Close()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				wg.Wait()
				d.mgr.Close()
				return nil
			}
			slog.Warn("accept failed", "error", err)
			continue
		}
		go d.handleConn(runCtx, conn)
	}
}

// Stop requests shutdown.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.shutdown) })
}

func (d *Daemon) enqueueHint(h *scanner.Hint) {
	select {
	case d.syncCh <- h:
	default:
		// Queue full: collapse into a full reconcile, which supersedes any
		// dropped hints.
		select {
		case d.syncCh <- &scanner.Hint{Full: true}:
		default:
		}
	}
}

// syncWorker runs sync transactions off the query path, so publish proceeds
// under query saturation.
func (d *Daemon) syncWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case hint := <-d.syncCh:
			// Coalesce any backlog into this pass.
			merged := hint
			for {
				select {
				case extra := <-d.syncCh:
					if extra.Full {
						merged = &scanner.Hint{Full: true}
					} else if !merged.Full {
						merged.Paths = append(merged.Paths, extra.Paths...)
					}
					continue
				default:
				}
				break
			}
			d.runSync(ctx, merged, false)
		}
	}
}

func (d *Daemon) runSync(ctx context.Context, hint *scanner.Hint, allowDegraded bool) *snapshot.SyncResult {
	if d.checkStaleConfig() {
		d.setSyncState(nil, "stale config: writes refused")
		return nil
	}
	res, err := d.writer.Sync(ctx, snapshot.SyncOptions{Hint: hint, AllowDegraded: allowDegraded})
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			slog.Debug("sync skipped, lease held elsewhere")
		} else {
			slog.Error("sync failed", "error", err)
		}
		d.setSyncState(nil, err.Error())
		return nil
	}
	d.setSyncState(res, "")
	if res.Published {
		slog.Info("published snapshot", "snapshot_id", res.SnapshotID,
			"files", res.Files, "chunks", res.Chunks, "tombstones", res.Tombstones, "degraded", res.Degraded)
	}
	return res
}

// reconcileLoop schedules the periodic full reconcile that guarantees
// progress when watcher events are lost.
func (d *Daemon) reconcileLoop(ctx context.Context) {
	interval := time.Duration(d.cfg.Daemon.ReconcileIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial reconcile at startup.
	d.enqueueHint(&scanner.Hint{Full: true})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.enqueueHint(&scanner.Hint{Full: true})
		}
	}
}

// checkStaleConfig recomputes the fingerprints, debounced, and latches the
// stale state when the config fingerprint moved. Ignore-only changes are not
// stale: they publish within the same store.
func (d *Daemon) checkStaleConfig() bool {
	d.staleMu.Lock()
	defer d.staleMu.Unlock()
	if d.staleConfig {
		return true
	}
	if time.Since(d.staleCheckAt) < 5*time.Second {
		return false
	}
	d.staleCheckAt = time.Now()

	cfg, err := config.Load(d.ident.CanonicalRoot)
	if err != nil {
		return false
	}
	if identity.ConfigFingerprint(cfg) != d.ident.ConfigFingerprint {
		slog.Warn("config fingerprint changed; daemon entering stale state")
		d.staleConfig = true
	}
	return d.staleConfig
}

func (d *Daemon) isStale() bool {
	d.staleMu.Lock()
	defer d.staleMu.Unlock()
	return d.staleConfig
}

// handleConn speaks the framed protocol on one connection. The handshake is
// mandatory before any other verb.
func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	shaken := false
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		body, err := ReadFrame(conn, d.cfg.Daemon.MaxRequestBytes)
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				_ = WriteReply(conn, &types.Reply{OK: false, Error: &types.QueryError{
					Code: types.CodeInvalidRequest, Message: err.Error(),
				}}, d.cfg.Daemon.MaxResponseBytes)
			}
			return
		}

		var env types.Envelope
		if err := json.Unmarshal(body, &env); err != nil {
			_ = WriteReply(conn, &types.Reply{OK: false, Error: &types.QueryError{
				Code: types.CodeInvalidRequest, Message: "malformed envelope",
			}}, d.cfg.Daemon.MaxResponseBytes)
			return
		}
		if env.RequestID == "" {
			env.RequestID = uuid.NewString()
		}

		if !shaken {
			if env.Verb != types.VerbHandshake {
				_ = WriteReply(conn, &types.Reply{RequestID: env.RequestID, OK: false, Error: &types.QueryError{
					Code: types.CodeInvalidRequest, Message: "handshake required", RequestID: env.RequestID,
				}}, d.cfg.Daemon.MaxResponseBytes)
				return
			}
			if !d.handleHandshake(conn, &env) {
				return
			}
			shaken = true
			continue
		}

		switch env.Verb {
		case types.VerbQuery:
			d.handleQuery(ctx, conn, &env)
		case types.VerbStatus:
			d.replyJSON(conn, env.RequestID, d.statusPayload())
		case types.VerbHealth:
			d.replyJSON(conn, env.RequestID, d.healthPayload(ctx))
		case types.VerbSync:
			d.handleSync(ctx, conn, &env)
		case types.VerbShutdown:
			d.replyJSON(conn, env.RequestID, map[string]bool{"stopping": true})
			d.Stop()
			return
		default:
			_ = WriteReply(conn, &types.Reply{RequestID: env.RequestID, OK: false, Error: &types.QueryError{
				Code: types.CodeInvalidRequest, Message: fmt.Sprintf("unknown verb %q", env.Verb), RequestID: env.RequestID,
			}}, d.cfg.Daemon.MaxResponseBytes)
		}
	}
}

func (d *Daemon) handleHandshake(conn net.Conn, env *types.Envelope) bool {
	var hs types.Handshake
	if err := json.Unmarshal(env.Payload, &hs); err != nil {
		_ = WriteReply(conn, &types.Reply{RequestID: env.RequestID, OK: false, Error: &types.QueryError{
			Code: types.CodeInvalidRequest, Message: "malformed handshake", RequestID: env.RequestID,
		}}, d.cfg.Daemon.MaxResponseBytes)
		return false
	}

	selected := types.SelectProtocol(types.ProtocolVersions, hs.ProtocolVersions)
	if selected == 0 {
		_ = WriteReply(conn, &types.Reply{RequestID: env.RequestID, OK: false, Error: &types.QueryError{
			Code: types.CodeIncompatible, Message: "no common protocol version", RequestID: env.RequestID,
		}}, d.cfg.Daemon.MaxResponseBytes)
		return false
	}
	// An empty store id marks an administrative client (stop --all) that
	// discovered the socket without knowing the store behind it. It learns
	// the identity from the reply; a named store must still match exactly.
	admin := hs.StoreID == "" && hs.ConfigFingerprint == ""
	if !admin && (hs.StoreID != d.ident.StoreID || hs.ConfigFingerprint != d.ident.ConfigFingerprint) {
		_ = WriteReply(conn, &types.Reply{RequestID: env.RequestID, OK: false, Error: &types.QueryError{
			Code: types.CodeInvalidRequest, Message: "store or config fingerprint mismatch", RequestID: env.RequestID,
		}}, d.cfg.Daemon.MaxResponseBytes)
		return false
	}

	reply := types.HandshakeReply{
		ProtocolVersions: types.ProtocolVersions,
		Selected:         selected,
		BinaryVersion:    BinaryVersion,
		SchemaVersions: map[string]string{
			"response": types.SchemaVersion,
			"manifest": types.SchemaVersion,
		},
		StoreID:           d.ident.StoreID,
		ConfigFingerprint: d.ident.ConfigFingerprint,
	}
	d.replyJSON(conn, env.RequestID, reply)
	return true
}

func (d *Daemon) handleQuery(ctx context.Context, conn net.Conn, env *types.Envelope) {
	var req types.QueryRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		_ = WriteReply(conn, &types.Reply{RequestID: env.RequestID, OK: false, Error: &types.QueryError{
			Code: types.CodeInvalidRequest, Message: "malformed query", RequestID: env.RequestID,
		}}, d.cfg.Daemon.MaxResponseBytes)
		return
	}

	deadline := d.cfg.QueryTimeout()
	if req.DeadlineMs > 0 {
		deadline = time.Duration(req.DeadlineMs) * time.Millisecond
	}
	qctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	admitStart := time.Now()
	release, qerr := d.admission.Acquire(qctx, req.ClientID, env.RequestID)
	if qerr != nil {
		_ = WriteReply(conn, &types.Reply{RequestID: env.RequestID, OK: false, Error: qerr}, d.cfg.Daemon.MaxResponseBytes)
		return
	}
	defer release()
	admissionMs := time.Since(admitStart).Milliseconds()
	d.observe("admission", admissionMs)

	start := time.Now()
	resp, qerr := d.engine.Execute(qctx, &req, env.RequestID)
	d.admission.RecordDuration(time.Since(start))
	if qerr != nil {
		_ = WriteReply(conn, &types.Reply{RequestID: env.RequestID, OK: false, Error: qerr}, d.cfg.Daemon.MaxResponseBytes)
		return
	}
	resp.Timings.AdmissionMs = admissionMs
	if req.Deterministic {
		resp.Timings = types.Timings{}
	}
	if d.isStale() {
		resp.Warnings = append(resp.Warnings, "stale_config_warning")
	}
	d.observe("retrieve", resp.Timings.RetrieveMs)
	d.observe("rank", resp.Timings.RankMs)
	d.observe("format", resp.Timings.FormatMs)

	d.replyJSON(conn, env.RequestID, resp)
}

func (d *Daemon) handleSync(ctx context.Context, conn net.Conn, env *types.Envelope) {
	var req types.SyncRequest
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			_ = WriteReply(conn, &types.Reply{RequestID: env.RequestID, OK: false, Error: &types.QueryError{
				Code: types.CodeInvalidRequest, Message: "malformed sync request", RequestID: env.RequestID,
			}}, d.cfg.Daemon.MaxResponseBytes)
			return
		}
	}
	if d.checkStaleConfig() {
		_ = WriteReply(conn, &types.Reply{RequestID: env.RequestID, OK: false, Error: &types.QueryError{
			Code: types.CodeInvalidRequest, Message: "configuration changed; restart the daemon", RequestID: env.RequestID,
		}}, d.cfg.Daemon.MaxResponseBytes)
		return
	}

	res := d.runSync(ctx, &scanner.Hint{Full: true}, req.AllowDegraded)
	if res == nil {
		_ = WriteReply(conn, &types.Reply{RequestID: env.RequestID, OK: false, Error: &types.QueryError{
			Code: types.CodeInternal, Message: d.syncError(), RequestID: env.RequestID,
		}}, d.cfg.Daemon.MaxResponseBytes)
		return
	}
	d.replyJSON(conn, env.RequestID, types.SyncReply{
		SnapshotID: res.SnapshotID,
		Published:  res.Published,
		Files:      res.Files,
		Chunks:     res.Chunks,
		Tombstones: res.Tombstones,
		Degraded:   res.Degraded,
		Errors:     res.Errors,
	})
}

func (d *Daemon) replyJSON(conn net.Conn, requestID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		_ = WriteReply(conn, &types.Reply{RequestID: requestID, OK: false, Error: &types.QueryError{
			Code: types.CodeInternal, Message: err.Error(), RequestID: requestID,
		}}, d.cfg.Daemon.MaxResponseBytes)
		return
	}
	_ = WriteReply(conn, &types.Reply{RequestID: requestID, OK: true, Payload: data}, d.cfg.Daemon.MaxResponseBytes)
}

func (d *Daemon) observe(stage string, ms int64) {
	d.timingsMu.Lock()
	if h, ok := d.stageTimings[stage]; ok {
		h.Observe(ms)
	}
	d.timingsMu.Unlock()
}
