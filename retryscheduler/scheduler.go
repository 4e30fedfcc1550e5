// Package retryscheduler implements the retry scheduler of spec §4.5: a
// min-heap of pending RetryScheduledEvents keyed by fire_at, persisted
// through a storage.Backend before the in-memory entry is considered live.
// Delay computation (fixed/linear/exponential + jitter) is grounded on the
// teacher's runtime/a2a/retry.Config (InitialBackoff/MaxBackoff/
// BackoffMultiplier/Jitter) adapted to the spec's three named strategies.
package retryscheduler

import (
	"container/heap"
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gleitzeit-dev/gleitzeit/storage"
	"github.com/gleitzeit-dev/gleitzeit/task"
)

// Event is a scheduled retry (spec §3.1 RetryScheduledEvent).
type Event struct {
	TaskID  string
	FireAt  time.Time
	Attempt int

	index int // heap.Interface bookkeeping
}

// Store persists retry events so a crash cannot lose them before they fire
// (spec §4.5 "every scheduled retry is written through to the backend
// before the in-memory heap entry is considered live"). storage.Backend
// satisfies this directly.
type Store interface {
	UpsertRetry(ctx context.Context, taskID string, fireAt time.Time, attempt int) error
	DeleteRetry(ctx context.Context, taskID string) error
	ListPendingRetries(ctx context.Context) ([]storage.RetryRecord, error)
}

type eventHeap []*Event

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].FireAt.Before(h[j].FireAt) }
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *eventHeap) Push(x any) {
	e := x.(*Event)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler holds pending retries and fires each exactly once at or after
// its fire_at wall-clock time (spec §4.5).
type Scheduler struct {
	store Store
	clock func() time.Time

	mu      sync.Mutex
	heap    eventHeap
	byTask  map[string]*Event
}

// New constructs a Scheduler backed by store. clock defaults to time.Now
// when nil; tests may override it for deterministic firing.
func New(store Store, clock func() time.Time) *Scheduler {
	if clock == nil {
		clock = time.Now
	}
	s := &Scheduler{store: store, clock: clock, byTask: make(map[string]*Event)}
	heap.Init(&s.heap)
	return s
}

// Restore reloads pending retries from the backend on startup (spec §4.1
// enumerate_pending_on_startup, §4.5 "on startup, pending retries are
// reloaded"). Any pending retry fires no earlier than its original fire_at
// (spec §8).
func (s *Scheduler) Restore(ctx context.Context) error {
	events, err := s.store.ListPendingRetries(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range events {
		e := &Event{TaskID: rec.TaskID, FireAt: rec.FireAt, Attempt: rec.Attempt}
		heap.Push(&s.heap, e)
		s.byTask[e.TaskID] = e
	}
	return nil
}

// Schedule persists and arms a retry for taskID at attempt, computed to
// fire after delay elapses from now.
func (s *Scheduler) Schedule(ctx context.Context, taskID string, attempt int, delay time.Duration) error {
	fireAt := s.clock().Add(delay)
	if err := s.store.UpsertRetry(ctx, taskID, fireAt, attempt); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byTask[taskID]; ok {
		heap.Remove(&s.heap, existing.index)
	}
	e := &Event{TaskID: taskID, FireAt: fireAt, Attempt: attempt}
	heap.Push(&s.heap, e)
	s.byTask[taskID] = e
	return nil
}

// Cancel removes a pending retry, used on workflow cancel or task
// reconfiguration (spec §4.5 "cancellation ... is O(log n)").
func (s *Scheduler) Cancel(ctx context.Context, taskID string) {
	s.mu.Lock()
	e, ok := s.byTask[taskID]
	if ok {
		heap.Remove(&s.heap, e.index)
		delete(s.byTask, taskID)
	}
	s.mu.Unlock()
	if ok {
		_ = s.store.DeleteRetry(ctx, taskID)
	}
}

// DrainDue pops every event whose FireAt is at or before now in one pass
// (spec §4.5 "multiple simultaneously-due entries are drained in one
// pass"), removing them from the persisted store.
func (s *Scheduler) DrainDue(ctx context.Context, now time.Time) []Event {
	s.mu.Lock()
	var due []Event
	for s.heap.Len() > 0 && !s.heap[0].FireAt.After(now) {
		e := heap.Pop(&s.heap).(*Event)
		delete(s.byTask, e.TaskID)
		due = append(due, *e)
	}
	s.mu.Unlock()
	for _, e := range due {
		_ = s.store.DeleteRetry(ctx, e.TaskID)
	}
	return due
}

// NextFireAt returns the earliest pending fire time, for a driver loop to
// size its wait; ok is false when nothing is scheduled.
func (s *Scheduler) NextFireAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heap.Len() == 0 {
		return time.Time{}, false
	}
	return s.heap[0].FireAt, true
}

// Delay computes the retry delay for attempt k (1-indexed, k>1 meaning this
// is the k-th attempt about to be made) per spec §4.5:
//
//	fixed:       min(max_delay, base_delay)
//	linear:      min(max_delay, base_delay * (k-1))
//	exponential: min(max_delay, base_delay * 2^(k-2))
//
// jitter, when true, multiplies the result by U(0.5, 1.5).
func Delay(policy task.RetryPolicy, attempt int) time.Duration {
	var d time.Duration
	switch policy.Strategy {
	case task.RetryLinear:
		d = policy.BaseDelay * time.Duration(attempt-1)
	case task.RetryExponential:
		exp := attempt - 2
		if exp < 0 {
			exp = 0
		}
		d = time.Duration(float64(policy.BaseDelay) * math.Pow(2, float64(exp)))
	default: // task.RetryFixed
		d = policy.BaseDelay
	}
	if policy.MaxDelay > 0 && d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	if policy.Jitter {
		factor := 0.5 + rand.Float64() // U(0.5, 1.5)
		d = time.Duration(float64(d) * factor)
	}
	return d
}
