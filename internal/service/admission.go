package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/dshills/codegrep/pkg/types"
)

// Admission gates query execution: a weighted semaphore of execution permits
// fronted by a bounded FIFO queue. Saturation rejects immediately with busy
// and a retry hint; queued requests that outlive their deadline surface
// timeout. Sync and maintenance never pass through here, so publish work
// cannot be starved by query bursts.
type Admission struct {
	sem       *semaphore.Weighted
	maxQueue  int
	perClient int
	slowAfter time.Duration

	mu       sync.Mutex
	queued   int
	inFlight int
	clients  map[string]*clientState

	// Counters surfaced by status.
	busyTotal    int64
	timeoutTotal int64
	slowTotal    int64
}

type clientState struct {
	inFlight int
	limiter  *rate.Limiter
}

// NewAdmission sizes the controller.
func NewAdmission(maxConcurrent, maxQueue, perClient int, slowAfter time.Duration) *Admission {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Admission{
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		maxQueue:  maxQueue,
		perClient: perClient,
		slowAfter: slowAfter,
		clients:   make(map[string]*clientState),
	}
}

// Acquire admits one query. On success the returned release func MUST be
// called exactly once. On failure the returned error carries the wire code.
func (a *Admission) Acquire(ctx context.Context, clientID, requestID string) (func(), *types.QueryError) {
	a.mu.Lock()
	if a.queued >= a.maxQueue {
		a.busyTotal++
		a.mu.Unlock()
		return nil, &types.QueryError{
			Code:         types.CodeBusy,
			Message:      "query queue full",
			RetryAfterMs: a.retryHintLocked(),
			RequestID:    requestID,
		}
	}
	if clientID != "" && a.perClient > 0 {
		cs := a.clientLocked(clientID)
		if cs.inFlight >= a.perClient {
			a.busyTotal++
			a.mu.Unlock()
			return nil, &types.QueryError{
				Code:         types.CodeBusy,
				Message:      "per-client concurrency cap reached",
				RetryAfterMs: a.retryHintLocked(),
				RequestID:    requestID,
			}
		}
		if !cs.limiter.Allow() {
			a.busyTotal++
			a.mu.Unlock()
			return nil, &types.QueryError{
				Code:         types.CodeBusy,
				Message:      "per-client rate exceeded",
				RetryAfterMs: 250,
				RequestID:    requestID,
			}
		}
	}
	a.queued++
	a.mu.Unlock()

	err := a.sem.Acquire(ctx, 1)

	a.mu.Lock()
	a.queued--
	if err != nil {
		a.mu.Unlock()
		if errors.Is(err, context.DeadlineExceeded) {
			a.countTimeout()
			return nil, &types.QueryError{Code: types.CodeTimeout, Message: "deadline exceeded while queued", RequestID: requestID}
		}
		return nil, &types.QueryError{Code: types.CodeCancelled, Message: "cancelled while queued", RequestID: requestID}
	}
	a.inFlight++
	var cs *clientState
	if clientID != "" && a.perClient > 0 {
		cs = a.clientLocked(clientID)
		cs.inFlight++
	}
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			a.inFlight--
			if cs != nil {
				cs.inFlight--
			}
			a.mu.Unlock()
			a.sem.Release(1)
		})
	}, nil
}

func (a *Admission) clientLocked(id string) *clientState {
	cs, ok := a.clients[id]
	if !ok {
		cs = &clientState{limiter: rate.NewLimiter(rate.Limit(50), 100)}
		a.clients[id] = cs
	}
	return cs
}

// retryHintLocked estimates how long the caller should back off, scaled by
// current pressure.
func (a *Admission) retryHintLocked() int64 {
	hint := int64(100 * (a.inFlight + a.queued + 1))
	if hint < 100 {
		hint = 100
	}
	if hint > 5000 {
		hint = 5000
	}
	return hint
}

func (a *Admission) countTimeout() {
	a.mu.Lock()
	a.timeoutTotal++
	a.mu.Unlock()
}

// RecordDuration tracks slow queries for status.
func (a *Admission) RecordDuration(d time.Duration) {
	if d >= a.slowAfter {
		a.mu.Lock()
		a.slowTotal++
		a.mu.Unlock()
	}
}

// Stats is the admission snapshot exposed by status.
type Stats struct {
	InFlight     int   `json:"in_flight"`
	QueueDepth   int   `json:"queue_depth"`
	BusyTotal    int64 `json:"busy_total"`
	TimeoutTotal int64 `json:"timeouts_total"`
	SlowTotal    int64 `json:"slow_total"`
}

// Snapshot returns current counters.
func (a *Admission) Snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		InFlight:     a.inFlight,
		QueueDepth:   a.queued,
		BusyTotal:    a.busyTotal,
		TimeoutTotal: a.timeoutTotal,
		SlowTotal:    a.slowTotal,
	}
}
