package ingestion

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/gleitzeit-dev/gleitzeit/gzerr"
	"github.com/gleitzeit-dev/gleitzeit/providerregistry"
	"github.com/gleitzeit-dev/gleitzeit/readyqueue"
	"github.com/gleitzeit-dev/gleitzeit/resolver"
	"github.com/gleitzeit-dev/gleitzeit/storage"
	"github.com/gleitzeit-dev/gleitzeit/task"
	"github.com/gleitzeit-dev/gleitzeit/value"
)

// FS abstracts the filesystem batch expansion reads from, so tests can
// supply an in-memory fs.FS (spec §4.8 batch expansion).
type FS interface {
	fs.FS
	fs.ReadDirFS
}

// Ingestor validates and persists submitted workflow documents, seeding the
// initial ready set (spec §4.8).
type Ingestor struct {
	store    storage.Backend
	registry *providerregistry.Registry
	queue    *readyqueue.Queue
	validate *validator.Validate
	fsys     FS
	now      func() time.Time
}

// New constructs an Ingestor. fsys is used to resolve BatchSpec directories
// and may be nil if batch submission is not used.
func New(store storage.Backend, registry *providerregistry.Registry, queue *readyqueue.Queue, fsys FS) *Ingestor {
	return &Ingestor{
		store:    store,
		registry: registry,
		queue:    queue,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		fsys:     fsys,
		now:      time.Now,
	}
}

// Submit validates doc, expands any batch spec, persists the workflow and
// its tasks, and enqueues the initially-ready (dependency-free) tasks. On
// any validation failure nothing is persisted (spec §4.8 "Submission is
// all-or-nothing: either every task is validated, persisted, and the ready
// ones enqueued, or none are").
func (ing *Ingestor) Submit(ctx context.Context, workflowID string, doc Document) (*task.Workflow, error) {
	if workflowID == "" {
		return nil, gzerr.New(gzerr.CodeWorkflowValidationFailed, "workflow id is required")
	}
	if err := ing.validate.Struct(doc); err != nil {
		return nil, gzerr.Wrap(gzerr.CodeWorkflowValidationFailed, err)
	}

	docs := doc.Tasks
	if doc.Batch != nil {
		expanded, err := ing.expandBatch(*doc.Batch)
		if err != nil {
			return nil, err
		}
		docs = append(append([]TaskDoc{}, docs...), expanded...)
	}
	if len(docs) == 0 {
		return nil, gzerr.New(gzerr.CodeWorkflowValidationFailed, "workflow has no tasks")
	}

	tasks, err := ing.buildTasks(workflowID, docs)
	if err != nil {
		return nil, err
	}

	// Acyclicity and sibling-reference checks (spec §3.3 invariants 2, 3).
	graph, err := resolver.BuildGraph(workflowID, tasks)
	if err != nil {
		return nil, err
	}

	// Protocol/method registration and param token syntax (spec §4.8 items 4, 5).
	for _, t := range tasks {
		if err := ing.registry.ValidateMethod(t.Protocol, t.Method); err != nil {
			return nil, err
		}
		if err := value.ValidateSyntax(t.Params); err != nil {
			return nil, gzerr.Wrap(gzerr.CodeWorkflowValidationFailed, err)
		}
	}

	failure := doc.Failure
	if failure == "" {
		failure = task.FailFast
	}
	wf := &task.Workflow{
		ID:        workflowID,
		Name:      doc.Name,
		Description: doc.Description,
		Failure:   failure,
		Total:     len(tasks),
		Status:    task.StatusRunning,
		CreatedAt: ing.now(),
	}
	for _, t := range tasks {
		wf.TaskIDs = append(wf.TaskIDs, t.ID)
	}

	if err := ing.store.PutWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if err := ing.store.PutTask(ctx, t); err != nil {
			return nil, err
		}
	}

	for _, id := range graph.Roots() {
		t, _ := graph.Task(id)
		t.Status = task.StatusReady
		if err := ing.store.UpdateTask(ctx, t); err != nil {
			return nil, err
		}
		if err := ing.queue.Enqueue(readyqueue.Item{
			TaskID:     t.ID,
			WorkflowID: workflowID,
			Priority:   t.Priority,
			EnqueuedAt: ing.now(),
		}); err != nil {
			return nil, err
		}
	}

	return wf, nil
}

// buildTasks validates task-id uniqueness and dependency scope (spec §4.8
// items 1-3) and converts each TaskDoc to a runtime task.Task.
func (ing *Ingestor) buildTasks(workflowID string, docs []TaskDoc) ([]*task.Task, error) {
	seen := make(map[string]bool, len(docs))
	for _, d := range docs {
		if seen[d.ID] {
			return nil, gzerr.New(gzerr.CodeWorkflowValidationFailed, fmt.Sprintf("duplicate task id %q", d.ID))
		}
		seen[d.ID] = true
	}
	tasks := make([]*task.Task, 0, len(docs))
	for _, d := range docs {
		for _, dep := range d.Dependencies {
			if !seen[dep] {
				return nil, gzerr.New(gzerr.CodeWorkflowValidationFailed,
					fmt.Sprintf("task %q depends on unknown task %q", d.ID, dep))
			}
		}
		priority, ok := task.ParsePriority(d.Priority)
		if !ok {
			return nil, gzerr.New(gzerr.CodeWorkflowValidationFailed, fmt.Sprintf("task %q: invalid priority %q", d.ID, d.Priority))
		}
		params, err := value.FromJSON(d.Params)
		if err != nil {
			return nil, gzerr.Wrap(gzerr.CodeWorkflowValidationFailed, err)
		}
		policy := task.DefaultRetryPolicy()
		if d.Retry != nil {
			policy = d.Retry.ToPolicy()
		}
		tasks = append(tasks, &task.Task{
			ID:           d.ID,
			WorkflowID:   workflowID,
			Name:         d.Name,
			Protocol:     d.Protocol,
			Method:       d.Method,
			Params:       params,
			Dependencies: d.Dependencies,
			Priority:     priority,
			Timeout:      d.Timeout,
			RetryPolicy:  policy,
			Status:       task.StatusCreated,
			CreatedAt:    ing.now(),
		})
	}
	return tasks, nil
}

// expandBatch materializes one TaskDoc per file matching spec.Pattern under
// spec.Directory (spec §4.8, SPEC_FULL §4.8), in lexical filename
// order for deterministic task ids.
func (ing *Ingestor) expandBatch(spec BatchSpec) ([]TaskDoc, error) {
	if ing.fsys == nil {
		return nil, gzerr.New(gzerr.CodeConfigurationError, "batch submission requires a filesystem")
	}
	entries, err := fs.ReadDir(ing.fsys, spec.Directory)
	if err != nil {
		return nil, gzerr.Wrap(gzerr.CodeWorkflowValidationFailed, err)
	}
	var out []TaskDoc
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		matched, err := filepath.Match(spec.Pattern, e.Name())
		if err != nil {
			return nil, gzerr.Wrap(gzerr.CodeWorkflowValidationFailed, err)
		}
		if !matched {
			continue
		}
		td := spec.Template
		td.ID = spec.TaskIDPrefix + e.Name()
		path := filepath.Join(spec.Directory, e.Name())
		params, err := mergeFileParam(td.Params, path)
		if err != nil {
			return nil, err
		}
		td.Params = params
		out = append(out, td)
	}
	return out, nil
}

// mergeFileParam injects {"file": path} into the template's params object,
// preserving any other keys the template already declares.
func mergeFileParam(raw []byte, path string) ([]byte, error) {
	v, err := value.FromJSON(raw)
	if err != nil {
		return nil, gzerr.Wrap(gzerr.CodeWorkflowValidationFailed, err)
	}
	m, ok := v.AsMapping()
	if !ok {
		m = map[string]value.Value{}
	} else {
		cp := make(map[string]value.Value, len(m)+1)
		for k, val := range m {
			cp[k] = val
		}
		m = cp
	}
	m["file"] = value.String(path)
	merged := value.Mapping(m)
	return merged.MarshalJSON()
}
