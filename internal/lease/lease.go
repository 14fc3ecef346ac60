// Package lease implements single-writer exclusion for a store: a writer
// lease with heartbeat, TTL, and a strictly increasing fencing epoch, plus
// shared/exclusive offline reader locks and the staging janitor.
//
// Every lease mutation is serialized by a short-lived flock guard held only
// across the read/verify/write of the lease file, so acquisition and steal
// linearize through the guard.
package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrHeld is returned when a live writer already owns the lease.
	ErrHeld = errors.New("writer lease held")
	// ErrLost is returned when a revalidation finds the lease owned by
	// someone else or at a different epoch.
	ErrLost = errors.New("writer lease lost")
	// ErrNotStale is returned by StealIfStale when the incumbent is live.
	ErrNotStale = errors.New("writer lease not stale")
)

// Lease is a granted writer lease. The Epoch is the fencing token embedded in
// every manifest published under it.
type Lease struct {
	OwnerID      string    `json:"owner_id"`
	PID          int       `json:"pid"`
	Hostname     string    `json:"hostname"`
	StartedAt    time.Time `json:"started_at"`
	HeartbeatAt  time.Time `json:"last_heartbeat_at"`
	Epoch        uint64    `json:"lease_epoch"`
	TTLMs        int64     `json:"lease_ttl_ms"`
	StagingTxnID string    `json:"staging_txn_id,omitempty"`
}

// TTL returns the lease TTL as a duration.
func (l *Lease) TTL() time.Duration { return time.Duration(l.TTLMs) * time.Millisecond }

// Stale reports whether the lease is past its heartbeat TTL at now.
func (l *Lease) Stale(now time.Time) bool {
	return now.Sub(l.HeartbeatAt) > l.TTL()
}

// Manager grants and verifies leases for one store's locks directory.
type Manager struct {
	dir string // <store>/locks
}

// NewManager creates a lease manager over a store's locks directory.
func NewManager(locksDir string) (*Manager, error) {
	if err := os.MkdirAll(locksDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create locks dir: %w", err)
	}
	return &Manager{dir: locksDir}, nil
}

func (m *Manager) leasePath() string { return filepath.Join(m.dir, "writer_lease.json") }
func (m *Manager) guardPath() string { return filepath.Join(m.dir, "lease_guard.lock") }

// AcquireWriter grants the writer lease when it is free or stale. The granted
// epoch is one past the epoch in the lease file, so it is strictly greater
// than any epoch previously granted while that file stays readable.
func (m *Manager) AcquireWriter(ctx context.Context, ttl time.Duration) (*Lease, error) {
	g, err := acquireGuard(ctx, m.guardPath())
	if err != nil {
		return nil, err
	}
	defer g.release()

	existing, err := m.readLease()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var epoch uint64 = 1
	if existing != nil {
		if !existing.Stale(now) && processAlive(existing.PID) {
			return nil, fmt.Errorf("%w: owner %s pid %d", ErrHeld, existing.OwnerID, existing.PID)
		}
		epoch = existing.Epoch + 1
	}

	hostname, _ := os.Hostname()
	lease := &Lease{
		OwnerID:     uuid.NewString(),
		PID:         os.Getpid(),
		Hostname:    hostname,
		StartedAt:   now,
		HeartbeatAt: now,
		Epoch:       epoch,
		TTLMs:       ttl.Milliseconds(),
	}
	if err := m.writeLease(lease); err != nil {
		return nil, err
	}
	return lease, nil
}

// Heartbeat refreshes the lease, failing with ErrLost when ownership moved.
func (m *Manager) Heartbeat(ctx context.Context, lease *Lease) error {
	g, err := acquireGuard(ctx, m.guardPath())
	if err != nil {
		return err
	}
	defer g.release()

	current, err := m.readLease()
	if err != nil {
		return err
	}
	if current == nil || current.OwnerID != lease.OwnerID || current.Epoch != lease.Epoch {
		return ErrLost
	}
	current.HeartbeatAt = time.Now().UTC()
	current.StagingTxnID = lease.StagingTxnID
	lease.HeartbeatAt = current.HeartbeatAt
	return m.writeLease(current)
}

// Release gives the lease up by marking it immediately stale. The lease file
// is kept so the epoch counter survives: the next grant continues from the
// released epoch, keeping fencing tokens strictly increasing for the store's
// life. Releasing a lease that is no longer ours is not an error.
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	g, err := acquireGuard(ctx, m.guardPath())
	if err != nil {
		return err
	}
	defer g.release()

	current, err := m.readLease()
	if err != nil {
		return err
	}
	if current == nil || current.OwnerID != lease.OwnerID {
		return nil
	}
	current.HeartbeatAt = time.Unix(0, 0).UTC()
	current.PID = 0
	return m.writeLease(current)
}

// StealIfStale takes over a lease whose heartbeat expired, compare-and-swap
// against the observed incumbent.
func (m *Manager) StealIfStale(ctx context.Context, observed *Lease, ttl time.Duration) (*Lease, error) {
	g, err := acquireGuard(ctx, m.guardPath())
	if err != nil {
		return nil, err
	}
	defer g.release()

	current, err := m.readLease()
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrNotStale
	}
	if current.OwnerID != observed.OwnerID || current.Epoch != observed.Epoch {
		// Someone else already moved it.
		return nil, ErrNotStale
	}
	if !current.Stale(time.Now().UTC()) {
		return nil, ErrNotStale
	}

	hostname, _ := os.Hostname()
	now := time.Now().UTC()
	lease := &Lease{
		OwnerID:     uuid.NewString(),
		PID:         os.Getpid(),
		Hostname:    hostname,
		StartedAt:   now,
		HeartbeatAt: now,
		Epoch:       current.Epoch + 1,
		TTLMs:       ttl.Milliseconds(),
	}
	if err := m.writeLease(lease); err != nil {
		return nil, err
	}
	return lease, nil
}

// Revalidate asserts that the lease file still names (owner, epoch). Writers
// call this before every expensive stage and before the pointer swap.
func (m *Manager) Revalidate(ctx context.Context, lease *Lease) error {
	g, err := acquireGuard(ctx, m.guardPath())
	if err != nil {
		return err
	}
	defer g.release()

	current, err := m.readLease()
	if err != nil {
		return err
	}
	if current == nil || current.OwnerID != lease.OwnerID || current.Epoch != lease.Epoch {
		return ErrLost
	}
	return nil
}

// Current returns the lease on disk, nil when free. Read-only, no guard.
func (m *Manager) Current() (*Lease, error) {
	return m.readLease()
}

func (m *Manager) readLease() (*Lease, error) {
	data, err := os.ReadFile(m.leasePath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var lease Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		// A torn lease file is treated as free, so the next grant
		// restarts at epoch 1; no earlier epoch is recovered. The
		// snapshot writer refuses to publish under an epoch below the
		// active manifest's.
		return nil, nil
	}
	return &lease, nil
}

func (m *Manager) writeLease(lease *Lease) error {
	data, err := json.MarshalIndent(lease, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.leasePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, m.leasePath())
}
