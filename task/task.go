// Package task defines the Gleitzeit data model: Task, TaskResult, Workflow,
// and the status machine that governs their lifecycle (spec §3). Tasks are
// owned exclusively by their Workflow; TaskResults are owned by their Task
// (spec §3.3 invariant 7).
package task

import (
	"time"

	"github.com/gleitzeit-dev/gleitzeit/value"
)

// Priority is one of four dispatch priority levels (spec §3.1, §4.4).
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// Levels lists all priorities from highest to lowest dispatch precedence.
var Levels = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

// String renders the priority's wire/document name.
func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority parses a document-level priority string, defaulting to
// PriorityNormal per spec §6.1 ("priority? (default normal)").
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "", "normal":
		return PriorityNormal, true
	case "urgent":
		return PriorityUrgent, true
	case "high":
		return PriorityHigh, true
	case "low":
		return PriorityLow, true
	default:
		return PriorityNormal, false
	}
}

// Status is a Task's position in the state machine of spec §3.2.
type Status string

const (
	StatusCreated   Status = "created"
	StatusQueued    Status = "queued"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is one of the three terminal states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// RetryStrategy selects the delay-growth function used by the retry
// scheduler (spec §4.5).
type RetryStrategy string

const (
	RetryFixed       RetryStrategy = "fixed"
	RetryLinear      RetryStrategy = "linear"
	RetryExponential RetryStrategy = "exponential"
)

// RetryPolicy is the per-task retry configuration (spec §4.5, §6.1).
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts" validate:"required,min=1"`
	Strategy    RetryStrategy `json:"strategy" validate:"required,oneof=fixed linear exponential"`
	BaseDelay   time.Duration `json:"base_delay" validate:"required,gt=0"`
	MaxDelay    time.Duration `json:"max_delay"`
	Jitter      bool          `json:"jitter"`
	// RetryOn lists the taxonomy error categories this policy treats as
	// retryable, overriding gzerr.DefaultRetryable. Empty means "use the
	// taxonomy defaults" (spec §4.5 "classification of which error codes
	// are retryable (default: transient categories only)").
	RetryOn []string `json:"retry_on,omitempty"`
}

// DefaultRetryPolicy returns a conservative single-attempt policy, used when
// a task document omits `retry` entirely.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 1,
		Strategy:    RetryFixed,
		BaseDelay:   time.Second,
		MaxDelay:    time.Second,
	}
}

// Task is a single unit of work within a Workflow (spec §3.1).
type Task struct {
	ID         string
	WorkflowID string // mandatory whenever the task belongs to a workflow (SPEC_FULL §3)
	Name       string
	Protocol   string
	Method     string
	Params     value.Value
	// Dependencies holds sibling task ids within the same workflow
	// (spec §3.3 invariant 2).
	Dependencies []string
	Priority     Priority
	Timeout      time.Duration
	RetryPolicy  RetryPolicy

	Status       Status
	AttemptCount int

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// Ready reports whether completed holds for every dependency, i.e. the
// readiness test of spec §3.3 invariant 1.
func (t *Task) Ready(completed func(taskID string) bool) bool {
	for _, dep := range t.Dependencies {
		if !completed(dep) {
			return false
		}
	}
	return true
}

// TaskResult is the immutable outcome of a task's final attempt
// (spec §3.1, §3.3 invariant 5).
type TaskResult struct {
	TaskID     string
	Status     Status // StatusCompleted, StatusFailed or StatusCancelled
	Result     value.Value
	ErrorCode  string
	ErrorMsg   string
	Duration   time.Duration
	ProviderID string
}

// FailureStrategy controls whether a single failed task poisons the whole
// workflow (spec §3.3 invariant 6; SPEC_FULL §9 supplement).
type FailureStrategy string

const (
	FailFast        FailureStrategy = "fail_fast"
	ContinueOnError FailureStrategy = "continue_on_error"
)

// Workflow is an acyclic graph of tasks submitted and tracked as one unit
// (spec §3.1).
type Workflow struct {
	ID          string
	Name        string
	Description string
	TaskIDs     []string // ordered as submitted
	Failure     FailureStrategy

	Status    Status
	Total     int
	Completed int
	Failed    int
	Cancelled int

	CreatedAt   time.Time
	CompletedAt time.Time
}

// Done reports whether every task has reached a terminal state, i.e. the
// workflow-completion test of spec §3.3 invariant 6.
func (w *Workflow) Done() bool {
	return w.Completed+w.Failed+w.Cancelled >= w.Total
}

// ComputeStatus derives the aggregate workflow status from its counters,
// per spec §3.3 invariant 6.
func (w *Workflow) ComputeStatus() Status {
	if !w.Done() {
		return StatusRunning
	}
	if w.Failed > 0 && w.Failure != ContinueOnError {
		return StatusFailed
	}
	if w.Cancelled > 0 && w.Completed+w.Failed == 0 {
		return StatusCancelled
	}
	return StatusCompleted
}
