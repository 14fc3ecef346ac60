package service

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/codegrep/pkg/types"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte(`{"verb":"status"}`)
	require.NoError(t, WriteFrame(&buf, body, 1<<20))

	got, err := ReadFrame(&buf, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestReadFrameRejectsOversizedBeforeAllocation(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 100<<20)
	buf.Write(header[:])
	buf.Write([]byte("tiny"))

	_, err := ReadFrame(&buf, 1<<20)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestWriteFrameRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, 2048), 1024)
	assert.ErrorIs(t, err, ErrResponseTooLarge)
	assert.Zero(t, buf.Len(), "nothing written on rejection")
}

func TestSocketPathShortAndStable(t *testing.T) {
	a, err := SocketPath("some-store__abc123__def456")
	require.NoError(t, err)
	b, err := SocketPath("some-store__abc123__def456")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Less(t, len(a), 100, "socket path must stay under platform limits")

	c, err := SocketPath("other-store__abc123__def456")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestAdmissionBusyOnSaturation(t *testing.T) {
	// One execution permit, one queue slot.
	a := NewAdmission(1, 1, 0, time.Second)
	ctx := context.Background()

	release1, qerr := a.Acquire(ctx, "", "r1")
	require.Nil(t, qerr)

	// Second request queues; acquire it on a goroutine.
	var wg sync.WaitGroup
	wg.Add(1)
	queuedAdmitted := make(chan struct{})
	go func() {
		defer wg.Done()
		release2, qerr2 := a.Acquire(ctx, "", "r2")
		if qerr2 == nil {
			close(queuedAdmitted)
			release2()
		}
	}()

	// Give the goroutine time to enter the queue.
	time.Sleep(20 * time.Millisecond)

	// Third request finds the queue full: busy with a retry hint.
	_, qerr3 := a.Acquire(ctx, "", "r3")
	require.NotNil(t, qerr3)
	assert.Equal(t, types.CodeBusy, qerr3.Code)
	assert.Positive(t, qerr3.RetryAfterMs)

	release1()
	select {
	case <-queuedAdmitted:
	case <-time.After(time.Second):
		t.Fatal("queued request was never admitted")
	}
	wg.Wait()

	stats := a.Snapshot()
	assert.Equal(t, int64(1), stats.BusyTotal)
	assert.Zero(t, stats.InFlight)
}

func TestAdmissionDeadlineWhileQueued(t *testing.T) {
	a := NewAdmission(1, 4, 0, time.Second)
	ctx := context.Background()

	release, qerr := a.Acquire(ctx, "", "r1")
	require.Nil(t, qerr)
	defer release()

	shortCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()

	_, qerr2 := a.Acquire(shortCtx, "", "r2")
	require.NotNil(t, qerr2)
	assert.Equal(t, types.CodeTimeout, qerr2.Code)
}

func TestAdmissionPerClientCap(t *testing.T) {
	a := NewAdmission(8, 8, 1, time.Second)
	ctx := context.Background()

	release, qerr := a.Acquire(ctx, "client-a", "r1")
	require.Nil(t, qerr)
	defer release()

	_, qerr2 := a.Acquire(ctx, "client-a", "r2")
	require.NotNil(t, qerr2)
	assert.Equal(t, types.CodeBusy, qerr2.Code)

	// A different client is unaffected.
	release3, qerr3 := a.Acquire(ctx, "client-b", "r3")
	require.Nil(t, qerr3)
	release3()
}

func TestAdmissionReleaseIdempotent(t *testing.T) {
	a := NewAdmission(1, 1, 0, time.Second)
	release, qerr := a.Acquire(context.Background(), "", "r1")
	require.Nil(t, qerr)
	release()
	release() // double release must not over-credit the semaphore

	r2, qerr := a.Acquire(context.Background(), "", "r2")
	require.Nil(t, qerr)
	r2()
}

func TestHistogram(t *testing.T) {
	h := NewHistogram()
	h.Observe(0)
	h.Observe(3)
	h.Observe(70)
	h.Observe(9999)

	assert.Equal(t, int64(4), h.Count)
	assert.Equal(t, int64(1), h.Buckets["le_1"])
	assert.Equal(t, int64(1), h.Buckets["le_5"])
	assert.Equal(t, int64(1), h.Buckets["le_100"])
	assert.Equal(t, int64(1), h.Buckets["+inf"])
}
