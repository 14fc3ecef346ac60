package service

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/dshills/codegrep/internal/identity"
)

// Histogram is a fixed-bucket latency histogram in milliseconds.
type Histogram struct {
	Buckets map[string]int64 `json:"buckets"`
	Count   int64            `json:"count"`
	SumMs   int64            `json:"sum_ms"`
}

var histogramBounds = []int64{1, 5, 10, 50, 100, 500, 1000, 5000}

// NewHistogram creates an empty histogram.
func NewHistogram() *Histogram {
	return &Histogram{Buckets: make(map[string]int64)}
}

// Observe records one sample.
func (h *Histogram) Observe(ms int64) {
	h.Count++
	h.SumMs += ms
	for _, bound := range histogramBounds {
		if ms <= bound {
			h.Buckets[bucketLabel(bound)]++
			return
		}
	}
	h.Buckets["+inf"]++
}

func bucketLabel(bound int64) string {
	return "le_" + itoa(bound)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// StatusPayload is the daemon's status response.
type StatusPayload struct {
	StoreID           string                `json:"store_id"`
	ConfigFingerprint string                `json:"config_fingerprint"`
	UptimeSec         int64                 `json:"uptime_sec"`
	Admission         Stats                 `json:"admission"`
	StageTimings      map[string]*Histogram `json:"stage_timings_ms"`
	ActiveSnapshot    uint64                `json:"active_snapshot"`
	LeaseHeld         bool                  `json:"lease_held"`
	LeaseEpoch        uint64                `json:"lease_epoch,omitempty"`
	OpenSegments      int                   `json:"open_segments"`
	WatcherHealthy    bool                  `json:"watcher_healthy"`
	StaleConfig       bool                  `json:"stale_config"`
	LastSyncError     string                `json:"last_sync_error,omitempty"`
	EmbedConcurrency  int                   `json:"embed_concurrency"`
	StoreBytes        int64                 `json:"store_bytes"`
}

func (d *Daemon) statusPayload() *StatusPayload {
	p := &StatusPayload{
		StoreID:           d.ident.StoreID,
		ConfigFingerprint: d.ident.ConfigFingerprint,
		UptimeSec:         int64(time.Since(d.startedAt).Seconds()),
		Admission:         d.admission.Snapshot(),
		OpenSegments:      d.mgr.OpenHandles(),
		WatcherHealthy:    d.watcher.Healthy(),
		StaleConfig:       d.isStale(),
		LastSyncError:     d.syncError(),
		EmbedConcurrency:  d.cfg.Index.EmbedConcurrency,
		StoreBytes:        dirSize(d.mgr.Store().Root),
	}

	d.timingsMu.Lock()
	p.StageTimings = make(map[string]*Histogram, len(d.stageTimings))
	for k, h := range d.stageTimings {
		cp := &Histogram{Buckets: make(map[string]int64, len(h.Buckets)), Count: h.Count, SumMs: h.SumMs}
		for b, n := range h.Buckets {
			cp.Buckets[b] = n
		}
		p.StageTimings[k] = cp
	}
	d.timingsMu.Unlock()

	if id, err := d.mgr.Store().ReadActivePointer(); err == nil {
		p.ActiveSnapshot = id
	}
	if ls, err := d.leases.Current(); err == nil && ls != nil {
		p.LeaseHeld = !ls.Stale(time.Now().UTC())
		p.LeaseEpoch = ls.Epoch
	}
	return p
}

// HealthPayload reports pass/fail checks plus details.
type HealthPayload struct {
	OK     bool              `json:"ok"`
	Checks map[string]bool   `json:"checks"`
	Detail map[string]string `json:"detail,omitempty"`
}

func (d *Daemon) healthPayload(ctx context.Context) *HealthPayload {
	h := &HealthPayload{Checks: make(map[string]bool), Detail: make(map[string]string)}

	// Manifest integrity of the active snapshot.
	view, err := d.mgr.OpenActive()
	if err != nil {
		h.Checks["manifest_integrity"] = false
		h.Detail["manifest_integrity"] = err.Error()
	} else {
		h.Checks["manifest_integrity"] = true

		// Casefold uniqueness across the live view.
		ci := make(map[string]string)
		collision := ""
		for pathKey := range view.SegIndex() {
			folded := identity.PathKeyCI(pathKey)
			if other, dup := ci[folded]; dup {
				collision = other + " / " + pathKey
				break
			}
			ci[folded] = pathKey
		}
		h.Checks["no_casefold_collisions"] = collision == ""
		if collision != "" {
			h.Detail["no_casefold_collisions"] = collision
		}

		// Segment growth vs. compaction-overdue threshold.
		overdue := len(view.Manifest.Segments) > d.cfg.Index.MaxSegmentsPerSnapshot*3/4
		h.Checks["compaction_current"] = !overdue

		d.mgr.ReleaseView(view)
	}

	// Tombstone enforcement is structural: the only read path goes through
	// the snapshot view.
	h.Checks["tombstone_enforcement"] = true

	// Reconcile-only mode still makes progress, so a dead watcher degrades
	// rather than fails.
	h.Checks["watcher"] = true
	if d.watcher.Healthy() {
		h.Detail["watcher_mode"] = "events"
	} else {
		h.Detail["watcher_mode"] = "reconcile-only"
	}

	h.Checks["config_current"] = !d.isStale()

	h.OK = true
	for _, ok := range h.Checks {
		if !ok {
			h.OK = false
		}
	}
	_ = ctx
	return h
}

// dirSize sums a directory tree's file sizes, best effort.
func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, ierr := d.Info(); ierr == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
