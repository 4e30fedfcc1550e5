package engine

import (
	"context"
	"time"

	"github.com/gleitzeit-dev/gleitzeit/gzerr"
	"github.com/gleitzeit-dev/gleitzeit/readyqueue"
	"github.com/gleitzeit-dev/gleitzeit/task"
)

// recover rebuilds every workflow's graph from persisted tasks, restores
// pending retries, and resolves tasks left in a non-terminal state by a
// prior crash, per spec §4.1 enumerate_pending_on_startup and §5 Recovery.
func (e *Engine) recover(ctx context.Context) error {
	if err := e.sched.Restore(ctx); err != nil {
		return err
	}

	pending, err := e.store.EnumeratePendingOnStartup(ctx)
	if err != nil {
		return err
	}

	for _, t := range pending {
		if _, ok := e.graphs[t.WorkflowID]; !ok {
			if err := e.loadGraph(ctx, t.WorkflowID); err != nil {
				e.logger.Error(ctx, "failed to rebuild graph on recovery", "workflow_id", t.WorkflowID, "error", err)
				continue
			}
		}
	}

	for _, t := range pending {
		e.recoverTask(ctx, t)
	}
	return nil
}

func (e *Engine) recoverTask(ctx context.Context, t *task.Task) {
	switch t.Status {
	case task.StatusQueued, task.StatusReady:
		_ = e.queue.Enqueue(readyqueue.Item{TaskID: t.ID, WorkflowID: t.WorkflowID, Priority: t.Priority, EnqueuedAt: time.Now()})
	case task.StatusRetrying:
		// Already re-armed by sched.Restore above; nothing further to do.
	case task.StatusRunning:
		e.recoverRunningTask(ctx, t)
	}
}

// recoverRunningTask applies Config.RecoveryPolicy to a task the persisted
// state still calls running, since the process that was dispatching it is
// gone and no response will ever arrive for its correlation id.
func (e *Engine) recoverRunningTask(ctx context.Context, t *task.Task) {
	switch e.cfg.RecoveryPolicy {
	case RecoveryFailForInvestigation:
		t.Status = task.StatusFailed
		t.CompletedAt = time.Now()
		_ = e.store.UpdateTask(ctx, t)
		_ = e.store.PutResult(ctx, &task.TaskResult{
			TaskID: t.ID, Status: task.StatusFailed, ErrorCode: string(gzerr.CodeInternalError),
			ErrorMsg: "task was running when the engine restarted",
		})
		e.onTaskTerminal(ctx, t, false)
	default: // RecoveryRequeue
		t.Status = task.StatusReady
		t.AttemptCount++
		_ = e.store.UpdateTask(ctx, t)
		_ = e.queue.Enqueue(readyqueue.Item{TaskID: t.ID, WorkflowID: t.WorkflowID, Priority: t.Priority, EnqueuedAt: time.Now()})
	}
}
