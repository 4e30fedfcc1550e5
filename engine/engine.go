// Package engine implements the execution engine of spec §4.6: a
// single-threaded cooperative loop that dispatches ready tasks to provider
// sessions, matches responses by correlation id, drives retry scheduling,
// and recovers in-flight work after a restart. Grounded on the teacher's
// runtime/toolregistry/provider/provider.go Serve function: a worker pool
// fed by channels rather than a pool of OS threads sharing locks.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gleitzeit-dev/gleitzeit/gzerr"
	"github.com/gleitzeit-dev/gleitzeit/ingestion"
	"github.com/gleitzeit-dev/gleitzeit/providerregistry"
	"github.com/gleitzeit-dev/gleitzeit/readyqueue"
	"github.com/gleitzeit-dev/gleitzeit/resolver"
	"github.com/gleitzeit-dev/gleitzeit/retryscheduler"
	"github.com/gleitzeit-dev/gleitzeit/storage"
	"github.com/gleitzeit-dev/gleitzeit/task"
	"github.com/gleitzeit-dev/gleitzeit/telemetry"
	"github.com/gleitzeit-dev/gleitzeit/transport"
	"github.com/gleitzeit-dev/gleitzeit/value"
)

// pendingRequest tracks one in-flight provider request awaiting a
// response, keyed by correlation id.
type pendingRequest struct {
	taskID     string
	workflowID string
	providerID string
	session    *providerregistry.Session
	attempt    int
	startedAt  time.Time
	deadline   time.Time
}

// Engine is the central orchestrator described by spec §4.6.
type Engine struct {
	cfg      Config
	store    storage.Backend
	registry *providerregistry.Registry
	queue    *readyqueue.Queue
	sched    *retryscheduler.Scheduler
	bus      transport.Bus
	ingestor *ingestion.Ingestor
	logger   telemetry.Logger
	metrics  telemetry.Metrics

	// Owned exclusively by the run loop goroutine once Run has been
	// called; no mutex guards them because only that goroutine mutates or
	// reads them (spec §5 "a single goroutine owns every in-memory index"),
	// except conns, which connsMu also guards.
	graphs      map[string]*resolver.Graph
	resolvers   map[string]*resolver.Resolver
	correlations map[string]*pendingRequest
	conns       map[string]transport.Conn
	active      int

	incoming chan incomingEvent

	connsMu sync.Mutex // guards conns map against concurrent Send from dispatch + reads from connection goroutines
}

// incomingEvent funnels every asynchronous occurrence (a received envelope,
// a newly accepted connection, a connection's death) through one channel so
// the run loop stays single-threaded over engine state, per spec §4.6.
type incomingEvent struct {
	envelope   *transport.Envelope
	fromConn   transport.Conn
	newConn    transport.Conn
	deadConn   transport.Conn
	deadReason error

	cancelTaskID     string
	cancelWorkflowID string
}

// New constructs an Engine. store, registry, queue, and sched must already
// be wired to the same storage.Backend (the scheduler's Store and the
// engine's store should be the same instance).
func New(cfg Config, store storage.Backend, registry *providerregistry.Registry, queue *readyqueue.Queue, sched *retryscheduler.Scheduler, bus transport.Bus, ingestor *ingestion.Ingestor, logger telemetry.Logger, metrics telemetry.Metrics) *Engine {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Engine{
		cfg:          cfg,
		store:        store,
		registry:     registry,
		queue:        queue,
		sched:        sched,
		bus:          bus,
		ingestor:     ingestor,
		logger:       logger,
		metrics:      metrics,
		graphs:       make(map[string]*resolver.Graph),
		resolvers:    make(map[string]*resolver.Resolver),
		correlations: make(map[string]*pendingRequest),
		conns:        make(map[string]transport.Conn),
		incoming:     make(chan incomingEvent, 256),
	}
}

// SubmitWorkflow validates and persists doc, then loads its graph into the
// engine's in-memory index so future completions can evaluate readiness.
func (e *Engine) SubmitWorkflow(ctx context.Context, workflowID string, doc ingestion.Document) (*task.Workflow, error) {
	wf, err := e.ingestor.Submit(ctx, workflowID, doc)
	if err != nil {
		return nil, err
	}
	if err := e.loadGraph(ctx, workflowID); err != nil {
		return nil, err
	}
	return wf, nil
}

func (e *Engine) loadGraph(ctx context.Context, workflowID string) error {
	tasks, err := e.store.ListTasksByWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	graph, err := resolver.BuildGraph(workflowID, tasks)
	if err != nil {
		return err
	}
	e.graphs[workflowID] = graph
	e.resolvers[workflowID] = resolver.New(graph, e.resultLookup(ctx))
	return nil
}

// CancelTask requests cancellation of a single task (spec §5 "Task
// cancel"). The request is applied on the run loop goroutine; Cancel
// returns once it has been queued for processing, not once it has taken
// effect.
func (e *Engine) CancelTask(ctx context.Context, taskID string) error {
	select {
	case e.incoming <- incomingEvent{cancelTaskID: taskID}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelWorkflow requests cancellation of every non-terminal task in a
// workflow (spec §5 "Workflow cancel").
func (e *Engine) CancelWorkflow(ctx context.Context, workflowID string) error {
	select {
	case e.incoming <- incomingEvent{cancelWorkflowID: workflowID}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetWorkflowStatus returns the persisted aggregate status of a workflow
// (spec §6.3 get_workflow_status). Safe to call concurrently with Run.
func (e *Engine) GetWorkflowStatus(ctx context.Context, workflowID string) (*task.Workflow, error) {
	wf, ok, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, gzerr.New(gzerr.CodeInternalError, "unknown workflow "+workflowID)
	}
	return wf, nil
}

// GetTaskResult returns a task's persisted result, if it has one (spec
// §6.3 get_task_result). Safe to call concurrently with Run.
func (e *Engine) GetTaskResult(ctx context.Context, taskID string) (*task.TaskResult, bool, error) {
	return e.store.GetResult(ctx, taskID)
}

func (e *Engine) resultLookup(ctx context.Context) resolver.ResultLookup {
	return func(taskID string) (*task.TaskResult, bool) {
		r, ok, err := e.store.GetResult(ctx, taskID)
		if err != nil || !ok {
			return nil, false
		}
		return r, true
	}
}

// Run recovers any in-flight state and then drives the dispatch/response
// loop until ctx is cancelled. Run blocks; callers typically invoke it from
// its own goroutine.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.recover(ctx); err != nil {
		return fmt.Errorf("engine: recovery: %w", err)
	}
	go e.acceptLoop(ctx)

	ticker := time.NewTicker(e.cfg.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.incoming:
			e.handleEvent(ctx, ev)
		case now := <-ticker.C:
			e.onTick(ctx, now)
		}
		e.drainDispatch(ctx)
	}
}

func (e *Engine) acceptLoop(ctx context.Context) {
	for {
		conn, err := e.bus.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Warn(ctx, "accept failed", "error", err)
			continue
		}
		go e.connLoop(ctx, conn)
	}
}

func (e *Engine) connLoop(ctx context.Context, conn transport.Conn) {
	for {
		env, err := conn.Recv(ctx)
		if err != nil {
			select {
			case e.incoming <- incomingEvent{deadConn: conn, deadReason: err}:
			case <-ctx.Done():
			}
			return
		}
		envCopy := env
		select {
		case e.incoming <- incomingEvent{envelope: &envCopy, fromConn: conn}:
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) onTick(ctx context.Context, now time.Time) {
	e.queue.Promote(now)
	for _, rec := range e.sched.DrainDue(ctx, now) {
		e.requeueRetry(ctx, rec.TaskID)
	}
	e.checkTimeouts(ctx, now)
}

func (e *Engine) checkTimeouts(ctx context.Context, now time.Time) {
	for corrID, pr := range e.correlations {
		if pr.deadline.IsZero() || now.Before(pr.deadline) {
			continue
		}
		delete(e.correlations, corrID)
		if pr.session != nil {
			pr.session.EndRequest()
			e.registry.MarkOutcome(pr.session, false, now.Sub(pr.startedAt))
		}
		e.active--
		e.onOutcome(ctx, pr, gzerr.New(gzerr.CodeTaskTimeout, "provider did not respond before the task timeout elapsed"), value.Null())
	}
}
