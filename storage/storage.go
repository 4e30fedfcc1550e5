// Package storage defines the persistence backend contract of spec §4.1:
// durable storage for tasks, results, workflows, and pending retries, with
// a startup-recovery enumeration. Three implementations are provided:
// memstore (in-memory, for tests and ephemeral runs), boltstore (embedded
// file store via go.etcd.io/bbolt), and redistore (external KV via
// github.com/redis/go-redis/v9). Grounded on the teacher's pluggable
// registry/store interface (registry/store/memory, registry/store/
// replicated): one interface, multiple concrete backends selected at
// startup by configuration.
package storage

import (
	"context"
	"time"

	"github.com/gleitzeit-dev/gleitzeit/task"
)

// RetryRecord is the persisted form of a scheduled retry.
type RetryRecord struct {
	TaskID  string
	FireAt  time.Time
	Attempt int
}

// Backend is the full persistence contract every storage implementation
// satisfies. All methods must be safe for concurrent use.
type Backend interface {
	// Tasks
	PutTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, bool, error)
	UpdateTask(ctx context.Context, t *task.Task) error
	ListTasksByWorkflow(ctx context.Context, workflowID string) ([]*task.Task, error)

	// Results
	PutResult(ctx context.Context, r *task.TaskResult) error
	GetResult(ctx context.Context, taskID string) (*task.TaskResult, bool, error)

	// Workflows
	PutWorkflow(ctx context.Context, w *task.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*task.Workflow, bool, error)
	UpdateWorkflow(ctx context.Context, w *task.Workflow) error

	// Retries
	UpsertRetry(ctx context.Context, taskID string, fireAt time.Time, attempt int) error
	DeleteRetry(ctx context.Context, taskID string) error
	ListPendingRetries(ctx context.Context) ([]RetryRecord, error)

	// EnumeratePendingOnStartup returns every task left in a non-terminal
	// status (queued, ready, running, retrying) across all workflows, for
	// the engine's crash-recovery pass (spec §4.1, §5 "Recovery").
	EnumeratePendingOnStartup(ctx context.Context) ([]*task.Task, error)

	Close() error
}
