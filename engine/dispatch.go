package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gleitzeit-dev/gleitzeit/gzerr"
	"github.com/gleitzeit-dev/gleitzeit/providerregistry"
	"github.com/gleitzeit-dev/gleitzeit/readyqueue"
	"github.com/gleitzeit-dev/gleitzeit/retryscheduler"
	"github.com/gleitzeit-dev/gleitzeit/task"
	"github.com/gleitzeit-dev/gleitzeit/transport"
	"github.com/gleitzeit-dev/gleitzeit/value"
)

// handleEvent processes one asynchronous occurrence on the run loop
// goroutine: a received envelope, or a connection's death.
func (e *Engine) handleEvent(ctx context.Context, ev incomingEvent) {
	switch {
	case ev.deadConn != nil:
		e.handleConnDeath(ctx, ev.deadConn, ev.deadReason)
	case ev.envelope != nil:
		e.handleEnvelope(ctx, ev.fromConn, *ev.envelope)
	case ev.cancelTaskID != "":
		e.processCancelTask(ctx, ev.cancelTaskID)
	case ev.cancelWorkflowID != "":
		e.cancelWorkflowDescendants(ctx, ev.cancelWorkflowID, "")
	}
}

// processCancelTask cancels taskID wherever it currently sits: dequeues it
// if ready/queued, cancels its pending retry if retrying, or sends
// cancel_request to its provider if running (spec §5 "Task cancel").
func (e *Engine) processCancelTask(ctx context.Context, taskID string) {
	t, ok, err := e.store.GetTask(ctx, taskID)
	if err != nil || !ok || t.Status.Terminal() {
		return
	}

	e.queue.Remove(taskID)
	e.sched.Cancel(ctx, taskID)

	if t.Status == task.StatusRunning {
		for corrID, pr := range e.correlations {
			if pr.taskID != taskID {
				continue
			}
			delete(e.correlations, corrID)
			e.active--
			if pr.session != nil {
				pr.session.EndRequest()
			}
			e.connsMu.Lock()
			conn, ok := e.conns[pr.providerID]
			e.connsMu.Unlock()
			if ok {
				_ = conn.Send(ctx, transport.Envelope{Kind: transport.KindCancelRequest, CorrelationID: corrID})
			}
		}
	}

	t.Status = task.StatusCancelled
	t.CompletedAt = time.Now()
	_ = e.store.UpdateTask(ctx, t)
	_ = e.store.PutResult(ctx, &task.TaskResult{TaskID: t.ID, Status: task.StatusCancelled, ErrorCode: string(gzerr.CodeCancelled)})
	e.onTaskTerminal(ctx, t, true)
}

func (e *Engine) handleEnvelope(ctx context.Context, conn transport.Conn, env transport.Envelope) {
	switch env.Kind {
	case transport.KindRegisterProvider:
		e.handleRegister(ctx, conn, env)
	case transport.KindDeregisterProvider:
		e.handleDeregister(ctx, env.ProviderID)
	case transport.KindResponse:
		e.handleResponse(ctx, env)
	case transport.KindHeartbeat:
		if sess, ok := e.registry.Session(env.ProviderID); ok {
			sess.Heartbeat(time.Now())
		}
	default:
		e.logger.Warn(ctx, "unhandled envelope kind", "kind", env.Kind)
	}
}

func (e *Engine) handleRegister(ctx context.Context, conn transport.Conn, env transport.Envelope) {
	keys := make([]providerregistry.MethodKey, 0, len(env.Methods))
	for _, m := range env.Methods {
		keys = append(keys, providerregistry.MethodKey{Protocol: env.Protocol, Method: m})
	}
	if _, err := e.registry.RegisterProvider(env.ProviderID, keys, env.MaxConcurrent); err != nil {
		e.logger.Warn(ctx, "provider registration rejected", "provider_id", env.ProviderID, "error", err)
		return
	}
	e.connsMu.Lock()
	e.conns[env.ProviderID] = conn
	e.connsMu.Unlock()
	e.logger.Info(ctx, "provider connected", "provider_id", env.ProviderID)
}

func (e *Engine) handleDeregister(ctx context.Context, providerID string) {
	e.registry.DeregisterProvider(providerID)
	e.connsMu.Lock()
	delete(e.conns, providerID)
	e.connsMu.Unlock()
}

// handleConnDeath treats an unexpected disconnect as a deregistration and
// fails every in-flight request that was outstanding on that connection,
// per spec §4.2/§4.6 ("a provider disconnecting mid-request surfaces
// provider_disconnected for every outstanding correlation on that
// connection").
func (e *Engine) handleConnDeath(ctx context.Context, conn transport.Conn, reason error) {
	providerID := conn.ProviderID()
	e.logger.Warn(ctx, "provider connection lost", "provider_id", providerID, "error", reason)
	e.handleDeregister(ctx, providerID)

	for corrID, pr := range e.correlations {
		if pr.providerID != providerID {
			continue
		}
		delete(e.correlations, corrID)
		e.active--
		e.onOutcome(ctx, pr, gzerr.New(gzerr.CodeProviderDisconnected, "provider connection lost mid-request"), value.Null())
	}
}

func (e *Engine) handleResponse(ctx context.Context, env transport.Envelope) {
	pr, ok := e.correlations[env.CorrelationID]
	if !ok {
		e.logger.Warn(ctx, "response for unknown correlation id", "correlation_id", env.CorrelationID)
		return
	}
	delete(e.correlations, env.CorrelationID)
	e.active--

	latency := time.Since(pr.startedAt)
	if pr.session != nil {
		pr.session.EndRequest()
	}

	if env.ErrorCode != "" {
		if pr.session != nil {
			e.registry.MarkOutcome(pr.session, false, latency)
		}
		e.onOutcome(ctx, pr, gzerr.New(gzerr.Code(env.ErrorCode), env.ErrorMessage), value.Null())
		return
	}
	if pr.session != nil {
		e.registry.MarkOutcome(pr.session, true, latency)
	}
	result, err := value.FromJSON(env.Result)
	if err != nil {
		e.onOutcome(ctx, pr, gzerr.Wrap(gzerr.CodeTaskResultInvalid, err), value.Null())
		return
	}
	e.onOutcome(ctx, pr, nil, result)
}

// onOutcome applies a request's success/failure outcome to task and
// workflow state: success completes the task and propagates new readiness;
// failure either schedules a retry or fails the task (and, per its
// workflow's failure strategy, the workflow), per spec §4.6 response
// procedure and §3.3 invariant 6.
func (e *Engine) onOutcome(ctx context.Context, pr *pendingRequest, outcomeErr error, result value.Value) {
	t, ok, err := e.store.GetTask(ctx, pr.taskID)
	if err != nil || !ok {
		e.logger.Error(ctx, "outcome for missing task", "task_id", pr.taskID, "error", err)
		return
	}

	if outcomeErr == nil {
		t.Status = task.StatusCompleted
		t.CompletedAt = time.Now()
		_ = e.store.UpdateTask(ctx, t)
		_ = e.store.PutResult(ctx, &task.TaskResult{
			TaskID: t.ID, Status: task.StatusCompleted, Result: result,
			Duration: time.Since(t.StartedAt), ProviderID: pr.providerID,
		})
		e.onTaskCompleted(ctx, t)
		return
	}

	retryable := gzerr.IsRetryable(outcomeErr)
	if len(t.RetryPolicy.RetryOn) > 0 {
		retryable = containsCode(t.RetryPolicy.RetryOn, gzerr.CodeOf(outcomeErr))
	}
	freeAttempt := gzerr.CodeOf(outcomeErr) == gzerr.CodeProviderDisconnected && e.cfg.FreeRetryOnDisconnect
	if !freeAttempt {
		t.AttemptCount++
	}

	if retryable && t.AttemptCount < t.RetryPolicy.MaxAttempts {
		t.Status = task.StatusRetrying
		_ = e.store.UpdateTask(ctx, t)
		delay := retryscheduler.Delay(t.RetryPolicy, t.AttemptCount+1)
		if err := e.sched.Schedule(ctx, t.ID, t.AttemptCount+1, delay); err != nil {
			e.logger.Error(ctx, "failed to schedule retry", "task_id", t.ID, "error", err)
		}
		return
	}

	t.Status = task.StatusFailed
	t.CompletedAt = time.Now()
	_ = e.store.UpdateTask(ctx, t)
	_ = e.store.PutResult(ctx, &task.TaskResult{
		TaskID: t.ID, Status: task.StatusFailed, ErrorCode: string(gzerr.CodeOf(outcomeErr)),
		ErrorMsg: outcomeErr.Error(), Duration: time.Since(t.StartedAt), ProviderID: pr.providerID,
	})
	e.onTaskTerminal(ctx, t, false)
}

func containsCode(codes []string, c gzerr.Code) bool {
	for _, s := range codes {
		if gzerr.Code(s) == c {
			return true
		}
	}
	return false
}

// onTaskCompleted evaluates which dependents just became ready and enqueues
// them, then updates the workflow aggregate (spec §4.3 reverse-edge walk,
// §3.3 invariant 6).
func (e *Engine) onTaskCompleted(ctx context.Context, t *task.Task) {
	res := e.resolvers[t.WorkflowID]
	if res == nil {
		e.logger.Error(ctx, "completed task has no loaded graph", "task_id", t.ID, "workflow_id", t.WorkflowID)
		return
	}
	for _, readyID := range res.NewlyReady(t.ID) {
		rt, ok, err := e.store.GetTask(ctx, readyID)
		if err != nil || !ok {
			continue
		}
		rt.Status = task.StatusReady
		_ = e.store.UpdateTask(ctx, rt)
		_ = e.queue.Enqueue(readyqueue.Item{TaskID: rt.ID, WorkflowID: rt.WorkflowID, Priority: rt.Priority, EnqueuedAt: time.Now()})
	}
	e.updateWorkflow(ctx, t.WorkflowID, func(wf *task.Workflow) { wf.Completed++ })
}

// onTaskTerminal handles a task reaching failed or cancelled: applies the
// workflow's failure strategy, cascading a cancellation of every other
// non-terminal task of the workflow when the task was cancelled or when it
// failed under fail_fast (spec §3.3 invariant 6).
func (e *Engine) onTaskTerminal(ctx context.Context, t *task.Task, cancelled bool) {
	e.updateWorkflow(ctx, t.WorkflowID, func(wf *task.Workflow) {
		if cancelled {
			wf.Cancelled++
		} else {
			wf.Failed++
		}
	})

	wf, ok, err := e.store.GetWorkflow(ctx, t.WorkflowID)
	if err != nil || !ok {
		return
	}
	if !cancelled && wf.Failure == task.ContinueOnError {
		return
	}
	e.cancelWorkflowDescendants(ctx, t.WorkflowID, t.ID)
}

func (e *Engine) updateWorkflow(ctx context.Context, workflowID string, mutate func(*task.Workflow)) {
	wf, ok, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil || !ok {
		return
	}
	mutate(wf)
	wf.Status = wf.ComputeStatus()
	if wf.Done() {
		wf.CompletedAt = time.Now()
	}
	_ = e.store.UpdateWorkflow(ctx, wf)
}

// cancelWorkflowDescendants cancels every not-yet-terminal task of
// workflowID except excludeID (the task whose failure triggered this),
// removing any that were queued and recording a cancelled result for each
// (spec §3.3 invariant 6 "fail_fast cancels the rest of the workflow").
func (e *Engine) cancelWorkflowDescendants(ctx context.Context, workflowID, excludeID string) {
	tasks, err := e.store.ListTasksByWorkflow(ctx, workflowID)
	if err != nil {
		return
	}
	var cancelledCount int
	for _, t := range tasks {
		if t.ID == excludeID || t.Status.Terminal() {
			continue
		}
		e.queue.Remove(t.ID)
		e.sched.Cancel(ctx, t.ID)
		t.Status = task.StatusCancelled
		t.CompletedAt = time.Now()
		_ = e.store.UpdateTask(ctx, t)
		_ = e.store.PutResult(ctx, &task.TaskResult{TaskID: t.ID, Status: task.StatusCancelled, ErrorCode: string(gzerr.CodeCancelled)})
		cancelledCount++
	}
	if cancelledCount > 0 {
		e.updateWorkflow(ctx, workflowID, func(wf *task.Workflow) { wf.Cancelled += cancelledCount })
	}
}

// requeueRetry re-presents a fired retry to the ready queue (spec §4.5
// "firing re-presents the task to the resolver/queue exactly as if it had
// just become ready").
func (e *Engine) requeueRetry(ctx context.Context, taskID string) {
	t, ok, err := e.store.GetTask(ctx, taskID)
	if err != nil || !ok {
		return
	}
	if t.Status.Terminal() {
		return
	}
	t.Status = task.StatusReady
	_ = e.store.UpdateTask(ctx, t)
	if err := e.queue.Enqueue(readyqueue.Item{TaskID: t.ID, WorkflowID: t.WorkflowID, Priority: t.Priority, EnqueuedAt: time.Now()}); err != nil {
		e.logger.Error(ctx, "failed to requeue fired retry", "task_id", t.ID, "error", err)
	}
}

// drainDispatch dequeues and dispatches ready tasks while concurrency
// capacity remains (spec §4.6 dispatch procedure).
func (e *Engine) drainDispatch(ctx context.Context) {
	for e.cfg.MaxConcurrency <= 0 || e.active < e.cfg.MaxConcurrency {
		item, ok := e.queue.Next()
		if !ok {
			return
		}
		e.dispatch(ctx, item)
	}
}

// dispatch resolves parameters, selects a provider session, marks the task
// running, and emits the request envelope (spec §4.6 dispatch procedure:
// "dequeue -> resolve params -> select provider -> mark running -> record
// correlation -> emit request -> arm timeout").
func (e *Engine) dispatch(ctx context.Context, item readyqueue.Item) {
	t, ok, err := e.store.GetTask(ctx, item.TaskID)
	if err != nil || !ok || t.Status.Terminal() {
		return
	}

	res := e.resolvers[item.WorkflowID]
	if res == nil {
		e.logger.Error(ctx, "dispatch with no loaded graph", "task_id", t.ID, "workflow_id", item.WorkflowID)
		return
	}
	params, err := res.ResolveParams(t.ID)
	if err != nil {
		e.failImmediately(ctx, t, err)
		return
	}

	sess, err := e.registry.Select(t.Protocol, t.Method, nil)
	if err != nil {
		e.onOutcome(ctx, &pendingRequest{taskID: t.ID, workflowID: t.WorkflowID, startedAt: time.Now()}, err, value.Null())
		return
	}

	e.connsMu.Lock()
	conn, ok := e.conns[sess.ProviderID]
	e.connsMu.Unlock()
	if !ok {
		e.onOutcome(ctx, &pendingRequest{taskID: t.ID, workflowID: t.WorkflowID, startedAt: time.Now()},
			gzerr.New(gzerr.CodeProviderDisconnected, "provider session has no live connection"), value.Null())
		return
	}

	t.Status = task.StatusRunning
	t.StartedAt = time.Now()
	if err := e.store.UpdateTask(ctx, t); err != nil {
		e.logger.Error(ctx, "failed to persist running status", "task_id", t.ID, "error", err)
		return
	}

	corrID := uuid.NewString()
	sess.BeginRequest()
	e.active++
	var deadline time.Time
	if t.Timeout > 0 {
		deadline = time.Now().Add(t.Timeout)
	}
	e.correlations[corrID] = &pendingRequest{
		taskID: t.ID, workflowID: t.WorkflowID, providerID: sess.ProviderID,
		session: sess, attempt: t.AttemptCount + 1, startedAt: time.Now(), deadline: deadline,
	}

	var deadlineMs int64
	if !deadline.IsZero() {
		deadlineMs = deadline.UnixMilli()
	}
	paramsJSON, _ := params.MarshalJSON()
	env := transport.Envelope{
		Kind:          transport.KindRequest,
		CorrelationID: corrID,
		TaskID:        t.ID,
		Attempt:       t.AttemptCount + 1,
		Protocol:      t.Protocol,
		Method:        t.Method,
		Params:        paramsJSON,
		DeadlineMs:    deadlineMs,
	}
	if err := conn.Send(ctx, env); err != nil {
		delete(e.correlations, corrID)
		e.active--
		sess.EndRequest()
		e.onOutcome(ctx, &pendingRequest{taskID: t.ID, workflowID: t.WorkflowID, providerID: sess.ProviderID, session: sess, startedAt: time.Now()},
			gzerr.Wrap(gzerr.CodeConnectionLost, err), value.Null())
	}
}

// failImmediately records a permanent failure for a task that never
// reached a provider (e.g. unresolved_reference/field_not_found from
// parameter substitution), consuming no attempt and never retrying, per
// spec §4.3 ("substitution failures are not retryable; they indicate the
// workflow itself is malformed").
func (e *Engine) failImmediately(ctx context.Context, t *task.Task, err error) {
	t.Status = task.StatusFailed
	t.CompletedAt = time.Now()
	_ = e.store.UpdateTask(ctx, t)
	_ = e.store.PutResult(ctx, &task.TaskResult{
		TaskID: t.ID, Status: task.StatusFailed, ErrorCode: string(gzerr.CodeOf(err)), ErrorMsg: err.Error(),
	})
	e.onTaskTerminal(ctx, t, false)
}
