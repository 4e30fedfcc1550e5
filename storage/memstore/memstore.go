// Package memstore is the in-memory storage.Backend: the reference
// implementation the engine, ingestion and retry scheduler tests run on,
// and the default for ephemeral runs. Grounded on the teacher's
// registry/store/memory implementation (a mutex-guarded map behind the
// same interface as its networked counterpart).
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/gleitzeit-dev/gleitzeit/storage"
	"github.com/gleitzeit-dev/gleitzeit/task"
)

// Store is an in-memory storage.Backend.
type Store struct {
	mu sync.RWMutex

	tasks        map[string]*task.Task
	tasksByWF    map[string][]string // workflowID -> taskIDs, insertion order
	results      map[string]*task.TaskResult
	workflows    map[string]*task.Workflow
	retries      map[string]storage.RetryRecord
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		tasks:     make(map[string]*task.Task),
		tasksByWF: make(map[string][]string),
		results:   make(map[string]*task.TaskResult),
		workflows: make(map[string]*task.Workflow),
		retries:   make(map[string]storage.RetryRecord),
	}
}

func (s *Store) PutTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	if _, exists := s.tasks[t.ID]; !exists {
		s.tasksByWF[t.WorkflowID] = append(s.tasksByWF[t.WorkflowID], t.ID)
	}
	s.tasks[t.ID] = &cp
	return nil
}

func (s *Store) GetTask(_ context.Context, id string) (*task.Task, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, false, nil
	}
	cp := *t
	return &cp, true, nil
}

func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	return s.PutTask(ctx, t)
}

func (s *Store) ListTasksByWorkflow(_ context.Context, workflowID string) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.tasksByWF[workflowID]
	out := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := s.tasks[id]; ok {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) PutResult(_ context.Context, r *task.TaskResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.results[r.TaskID] = &cp
	return nil
}

func (s *Store) GetResult(_ context.Context, taskID string) (*task.TaskResult, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[taskID]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

func (s *Store) PutWorkflow(_ context.Context, w *task.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.workflows[w.ID] = &cp
	return nil
}

func (s *Store) GetWorkflow(_ context.Context, id string) (*task.Workflow, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, false, nil
	}
	cp := *w
	return &cp, true, nil
}

func (s *Store) UpdateWorkflow(ctx context.Context, w *task.Workflow) error {
	return s.PutWorkflow(ctx, w)
}

func (s *Store) UpsertRetry(_ context.Context, taskID string, fireAt time.Time, attempt int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries[taskID] = storage.RetryRecord{TaskID: taskID, FireAt: fireAt, Attempt: attempt}
	return nil
}

func (s *Store) DeleteRetry(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retries, taskID)
	return nil
}

func (s *Store) ListPendingRetries(_ context.Context) ([]storage.RetryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.RetryRecord, 0, len(s.retries))
	for _, r := range s.retries {
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) EnumeratePendingOnStartup(_ context.Context) ([]*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*task.Task
	for _, t := range s.tasks {
		switch t.Status {
		case task.StatusQueued, task.StatusReady, task.StatusRunning, task.StatusRetrying:
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) Close() error { return nil }
