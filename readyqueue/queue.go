// Package readyqueue implements the priority-ordered ready queue of spec
// §4.4: four FIFOs (one per task.Priority), secondary indices for O(1)
// cancel-by-id and workflow-scoped cancellation, and an optional
// deterministic aging policy. container/list is used directly here — no
// example repo in the retrieval pack implements a bespoke multi-level
// priority FIFO with cancel-by-id, so this is a narrow data-structure
// concern with no natural third-party seam (see DESIGN.md).
package readyqueue

import (
	"container/list"
	"sync"
	"time"

	"github.com/gleitzeit-dev/gleitzeit/gzerr"
	"github.com/gleitzeit-dev/gleitzeit/task"
)

// Item is one entry in the ready queue.
type Item struct {
	TaskID     string
	WorkflowID string
	Priority   task.Priority
	EnqueuedAt time.Time
}

// handle tracks where an Item currently lives so Remove is O(1) rather
// than an O(n) scan.
type handle struct {
	priority task.Priority
	elem     *list.Element
}

// Queue is the bounded, four-level priority FIFO described by spec §4.4.
type Queue struct {
	mu sync.Mutex

	capacity int
	fifos    map[task.Priority]*list.List
	byTask   map[string]handle
	byWF     map[string]map[string]struct{}

	// AgingThreshold, when non-zero, promotes a task one priority level
	// after it has waited longer than this threshold (spec §4.4 "optional
	// aging policy"; SPEC_FULL §9 supplement). Zero disables aging.
	AgingThreshold time.Duration
}

// New creates a Queue bounded at capacity. capacity <= 0 means unbounded.
func New(capacity int) *Queue {
	q := &Queue{
		capacity: capacity,
		fifos:    make(map[task.Priority]*list.List),
		byTask:   make(map[string]handle),
		byWF:     make(map[string]map[string]struct{}),
	}
	for _, p := range task.Levels {
		q.fifos[p] = list.New()
	}
	return q
}

// ErrQueueFull is returned by Enqueue when the queue is at capacity
// (spec §4.4 "a full queue causes submit_task to fail with a retryable
// backpressure error").
var ErrQueueFull = gzerr.New(gzerr.CodeNoProviderAvailableTransient, "ready queue is at capacity")

func (q *Queue) len() int {
	n := 0
	for _, l := range q.fifos {
		n += l.Len()
	}
	return n
}

// Enqueue adds a ready task at its priority level. Only the resolver (or
// the retry scheduler re-presenting a fired task) should call this, per
// spec §4.4's enqueue contract.
func (q *Queue) Enqueue(item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.capacity > 0 && q.len() >= q.capacity {
		return ErrQueueFull
	}
	if _, exists := q.byTask[item.TaskID]; exists {
		return nil // already enqueued; readiness is proven at most once per attempt
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	elem := q.fifos[item.Priority].PushBack(item)
	q.byTask[item.TaskID] = handle{priority: item.Priority, elem: elem}
	if item.WorkflowID != "" {
		set, ok := q.byWF[item.WorkflowID]
		if !ok {
			set = make(map[string]struct{})
			q.byWF[item.WorkflowID] = set
		}
		set[item.TaskID] = struct{}{}
	}
	return nil
}

// Next pops and returns the head of the highest non-empty FIFO. ok is false
// when the queue is empty.
func (q *Queue) Next() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range task.Levels {
		l := q.fifos[p]
		if front := l.Front(); front != nil {
			item := front.Value.(Item)
			l.Remove(front)
			delete(q.byTask, item.TaskID)
			if set, ok := q.byWF[item.WorkflowID]; ok {
				delete(set, item.TaskID)
				if len(set) == 0 {
					delete(q.byWF, item.WorkflowID)
				}
			}
			return item, true
		}
	}
	return Item{}, false
}

// Remove cancels a queued task by id, used by cancel_task/cancel_workflow
// (spec §5 "Task cancel"). ok is false if the task was not queued.
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.byTask[taskID]
	if !ok {
		return false
	}
	item := h.elem.Value.(Item)
	q.fifos[h.priority].Remove(h.elem)
	delete(q.byTask, taskID)
	if set, ok := q.byWF[item.WorkflowID]; ok {
		delete(set, taskID)
		if len(set) == 0 {
			delete(q.byWF, item.WorkflowID)
		}
	}
	return true
}

// RemoveWorkflow cancels every queued task belonging to workflowID, used by
// workflow cancellation (spec §5).
func (q *Queue) RemoveWorkflow(workflowID string) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	set, ok := q.byWF[workflowID]
	if !ok {
		return nil
	}
	removed := make([]string, 0, len(set))
	for taskID := range set {
		h := q.byTask[taskID]
		q.fifos[h.priority].Remove(h.elem)
		delete(q.byTask, taskID)
		removed = append(removed, taskID)
	}
	delete(q.byWF, workflowID)
	return removed
}

// Len returns the total number of queued items across all priority levels.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.len()
}

// Promote applies the deterministic aging policy: any item at a given
// priority level that has waited longer than AgingThreshold moves one level
// up. A promoted item's EnqueuedAt is reset to now, so a single call never
// carries an item through more than one level (spec §4.4 "promote a task one
// priority level"); it must wait out the threshold again before promoting
// further. It is invoked by the engine's idle tick, never by a background
// timer, so promotion decisions stay deterministic given a fixed clock (spec
// §4.4 "Aging is deterministic (threshold-based, not probabilistic)").
func (q *Queue) Promote(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.AgingThreshold <= 0 {
		return 0
	}
	promoted := 0
	// Iterate from lowest to second-highest; urgent has nowhere to promote to.
	// Resetting EnqueuedAt below means an item just promoted into "to" has
	// zero age when this loop reaches "to" as its own "from" level later in
	// the same pass, so it cannot promote again until a later call.
	for i := len(task.Levels) - 1; i > 0; i-- {
		from := task.Levels[i]
		to := task.Levels[i-1]
		l := q.fifos[from]
		var next *list.Element
		for e := l.Front(); e != nil; e = next {
			next = e.Next()
			item := e.Value.(Item)
			if now.Sub(item.EnqueuedAt) < q.AgingThreshold {
				continue
			}
			l.Remove(e)
			item.EnqueuedAt = now
			promotedElem := q.fifos[to].PushBack(item)
			q.byTask[item.TaskID] = handle{priority: to, elem: promotedElem}
			promoted++
		}
	}
	return promoted
}
