// Package gleitzeit is the top-level client facade (spec §6.3): a thin
// wrapper around an engine.Engine exposing the workflow submission and
// control operations an embedder or CLI calls. Grounded on the teacher's
// top-level client package shape in runtime/a2a (a facade struct wrapping
// the lower-level registry/engine types behind a small public API).
package gleitzeit

import (
	"context"

	"github.com/google/uuid"

	"github.com/gleitzeit-dev/gleitzeit/engine"
	"github.com/gleitzeit-dev/gleitzeit/ingestion"
	"github.com/gleitzeit-dev/gleitzeit/task"
)

// Client is the public entry point for submitting and controlling
// workflows (spec §6.3).
type Client struct {
	engine *engine.Engine
}

// NewClient wraps an already-constructed engine.Engine. Run the engine
// (typically via go client.Run(ctx)) before issuing submissions.
func NewClient(eng *engine.Engine) *Client {
	return &Client{engine: eng}
}

// Run drives the underlying engine's dispatch loop until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	return c.engine.Run(ctx)
}

// SubmitWorkflow validates, persists, and begins executing doc, assigning
// it a new workflow id (spec §6.3 submit_workflow).
func (c *Client) SubmitWorkflow(ctx context.Context, doc ingestion.Document) (*task.Workflow, error) {
	return c.engine.SubmitWorkflow(ctx, uuid.NewString(), doc)
}

// GetWorkflowStatus returns workflowID's current aggregate status (spec
// §6.3 get_workflow_status).
func (c *Client) GetWorkflowStatus(ctx context.Context, workflowID string) (*task.Workflow, error) {
	return c.engine.GetWorkflowStatus(ctx, workflowID)
}

// GetTaskResult returns taskID's persisted result, if any (spec §6.3
// get_task_result).
func (c *Client) GetTaskResult(ctx context.Context, taskID string) (*task.TaskResult, bool, error) {
	return c.engine.GetTaskResult(ctx, taskID)
}

// CancelWorkflow cancels every non-terminal task of workflowID (spec §6.3
// cancel_workflow).
func (c *Client) CancelWorkflow(ctx context.Context, workflowID string) error {
	return c.engine.CancelWorkflow(ctx, workflowID)
}

// CancelTask cancels a single task (spec §6.3 cancel_task).
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	return c.engine.CancelTask(ctx, taskID)
}
