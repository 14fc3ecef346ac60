package embedder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"
)

// HostLimiter caps concurrent embedding work across every daemon on the
// machine. Each slot is a lease file with a heartbeat timestamp; slots whose
// heartbeat is older than the TTL are reclaimable, so a crashed daemon frees
// its slots without manual cleanup. Within the process a weighted semaphore
// provides the fast path.
type HostLimiter struct {
	dir   string
	max   int
	ttl   time.Duration
	local *semaphore.Weighted
}

type slotLease struct {
	PID         int       `json:"pid"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// NewHostLimiter creates a limiter rooted at baseDir with max host-wide slots.
func NewHostLimiter(baseDir string, max int) (*HostLimiter, error) {
	if max <= 0 {
		max = 4
	}
	dir := filepath.Join(baseDir, "embed_slots")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create embed slot dir: %w", err)
	}
	return &HostLimiter{
		dir:   dir,
		max:   max,
		ttl:   30 * time.Second,
		local: semaphore.NewWeighted(int64(max)),
	}, nil
}

// Acquire claims one embedding slot, blocking until one is available or ctx
// is done.
func (l *HostLimiter) Acquire(ctx context.Context) (slot int, err error) {
	if err := l.local.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			l.local.Release(1)
		}
	}()

	backoff := 50 * time.Millisecond
	for {
		for i := 0; i < l.max; i++ {
			if l.tryClaim(i) {
				return i, nil
			}
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff):
			if backoff < time.Second {
				backoff *= 2
			}
		}
	}
}

// Release frees the slot claimed by Acquire.
func (l *HostLimiter) Release(slot int) {
	_ = os.Remove(l.slotPath(slot))
	l.local.Release(1)
}

// Heartbeat refreshes a held slot; callers doing long embedding batches call
// this between batches.
func (l *HostLimiter) Heartbeat(slot int) {
	lease := slotLease{PID: os.Getpid(), HeartbeatAt: time.Now().UTC()}
	data, err := json.Marshal(lease)
	if err != nil {
		return
	}
	_ = os.WriteFile(l.slotPath(slot), data, 0o600)
}

func (l *HostLimiter) slotPath(i int) string {
	return filepath.Join(l.dir, fmt.Sprintf("slot_%d.json", i))
}

// tryClaim takes slot i when it is free or stale. O_EXCL create is the claim;
// a stale lease is removed first and the create retried.
func (l *HostLimiter) tryClaim(i int) bool {
	path := l.slotPath(i)
	lease := slotLease{PID: os.Getpid(), HeartbeatAt: time.Now().UTC()}
	data, err := json.Marshal(lease)
	if err != nil {
		return false
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err == nil {
		_, werr := f.Write(data)
		cerr := f.Close()
		return werr == nil && cerr == nil
	}

	// Occupied: reclaim only if the heartbeat is past the TTL.
	raw, rerr := os.ReadFile(path)
	if rerr != nil {
		return false
	}
	var existing slotLease
	if json.Unmarshal(raw, &existing) == nil && time.Since(existing.HeartbeatAt) <= l.ttl {
		return false
	}
	if err := os.Remove(path); err != nil {
		return false
	}
	f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return false
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	return werr == nil && cerr == nil
}
