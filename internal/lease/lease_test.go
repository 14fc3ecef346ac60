package lease

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "locks"))
	require.NoError(t, err)
	return m
}

func TestAcquireRelease(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	ls, err := m.AcquireWriter(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ls.Epoch)
	assert.Equal(t, os.Getpid(), ls.PID)

	// A second acquire while held fails.
	_, err = m.AcquireWriter(ctx, time.Second)
	assert.ErrorIs(t, err, ErrHeld)

	require.NoError(t, m.Release(ctx, ls))

	// Re-acquire continues the epoch sequence: fencing tokens never regress
	// within a store.
	ls2, err := m.AcquireWriter(ctx, time.Second)
	require.NoError(t, err)
	assert.Greater(t, ls2.Epoch, ls.Epoch)
	require.NoError(t, m.Release(ctx, ls2))
}

func TestEpochIncreasesAcrossStaleTakeover(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	ls, err := m.AcquireWriter(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	epoch1 := ls.Epoch

	// Let the heartbeat expire; the dead lease is taken over with a higher
	// epoch. A stale heartbeat frees the lease even though the PID is alive,
	// so AcquireWriter would also grant it; this exercises StealIfStale.
	time.Sleep(30 * time.Millisecond)

	stolen, err := m.StealIfStale(ctx, ls, time.Second)
	require.NoError(t, err)
	assert.Greater(t, stolen.Epoch, epoch1)
	assert.NotEqual(t, ls.OwnerID, stolen.OwnerID)
}

func TestStealRefusesLiveLease(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	ls, err := m.AcquireWriter(ctx, time.Minute)
	require.NoError(t, err)

	_, err = m.StealIfStale(ctx, ls, time.Minute)
	assert.ErrorIs(t, err, ErrNotStale)
}

func TestStealCompareAndSwap(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	ls, err := m.AcquireWriter(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	first, err := m.StealIfStale(ctx, ls, 10*time.Millisecond)
	require.NoError(t, err)

	// The original observation is stale now; a second CAS against it fails.
	_, err = m.StealIfStale(ctx, ls, time.Second)
	assert.ErrorIs(t, err, ErrNotStale)
	_ = first
}

func TestHeartbeatAndRevalidate(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	ls, err := m.AcquireWriter(ctx, 50*time.Millisecond)
	require.NoError(t, err)

	before := ls.HeartbeatAt
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, m.Heartbeat(ctx, ls))
	assert.True(t, ls.HeartbeatAt.After(before))

	require.NoError(t, m.Revalidate(ctx, ls))
}

func TestRevalidateDetectsLoss(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	ls, err := m.AcquireWriter(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	_, err = m.StealIfStale(ctx, ls, time.Minute)
	require.NoError(t, err)

	// The original holder must see the loss before committing anything.
	assert.ErrorIs(t, m.Revalidate(ctx, ls), ErrLost)
	assert.ErrorIs(t, m.Heartbeat(ctx, ls), ErrLost)
}

func TestReaderLocks(t *testing.T) {
	m := newManager(t)

	shared, err := m.AcquireReader()
	require.NoError(t, err)
	assert.False(t, shared.Exclusive())

	// Exclusive acquisition fails while a shared reader holds the lock.
	_, err = m.TryAcquireExclusiveReader()
	assert.ErrorIs(t, err, ErrReadersHeld)

	require.NoError(t, shared.Release())

	excl, err := m.TryAcquireExclusiveReader()
	require.NoError(t, err)
	assert.True(t, excl.Exclusive())
	require.NoError(t, excl.Release())
}

func TestReapStaging(t *testing.T) {
	staging := t.TempDir()

	old := filepath.Join(staging, "txn-old")
	require.NoError(t, os.MkdirAll(old, 0o755))
	require.NoError(t, os.Chtimes(old, time.Now().Add(-2*time.Hour), time.Now().Add(-2*time.Hour)))

	fresh := filepath.Join(staging, "txn-fresh")
	require.NoError(t, os.MkdirAll(fresh, 0o755))

	live := filepath.Join(staging, "txn-live")
	require.NoError(t, os.MkdirAll(live, 0o755))
	require.NoError(t, os.Chtimes(live, time.Now().Add(-2*time.Hour), time.Now().Add(-2*time.Hour)))

	reaped := ReapStaging(staging, time.Hour, "txn-live", nil)
	assert.Equal(t, 1, reaped)

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err), "stale txn reaped")
	_, err = os.Stat(fresh)
	assert.NoError(t, err, "fresh txn kept")
	_, err = os.Stat(live)
	assert.NoError(t, err, "live txn kept")
}
