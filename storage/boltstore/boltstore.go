// Package boltstore is the embedded-file storage.Backend, for single-node
// deployments that want durability without an external database. Grounded
// on the teacher's registry/store interface shape, backed here by
// go.etcd.io/bbolt instead of the teacher's networked replicated store,
// per SPEC_FULL §4.1 (the embedded local file store alongside memstore and
// redistore).
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/gleitzeit-dev/gleitzeit/storage"
	"github.com/gleitzeit-dev/gleitzeit/task"
)

var (
	bucketTasks     = []byte("tasks")
	bucketResults   = []byte("results")
	bucketWorkflows = []byte("workflows")
	bucketRetries   = []byte("retries")
)

// Store is a storage.Backend backed by a single bbolt file.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the bbolt file at path and ensures
// every bucket this backend needs exists.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketTasks, bucketResults, bucketWorkflows, bucketRetries} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltstore: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) put(bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *Store) get(bucket []byte, key string, v any) (bool, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucket).Get([]byte(key))
		if raw != nil {
			data = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

func (s *Store) PutTask(_ context.Context, t *task.Task) error {
	return s.put(bucketTasks, t.ID, t)
}

func (s *Store) GetTask(_ context.Context, id string) (*task.Task, bool, error) {
	var t task.Task
	ok, err := s.get(bucketTasks, id, &t)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &t, true, nil
}

func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	return s.PutTask(ctx, t)
}

func (s *Store) ListTasksByWorkflow(_ context.Context, workflowID string) ([]*task.Task, error) {
	var out []*task.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			var t task.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.WorkflowID == workflowID {
				out = append(out, &t)
			}
			return nil
		})
	})
	return out, err
}

func (s *Store) PutResult(_ context.Context, r *task.TaskResult) error {
	return s.put(bucketResults, r.TaskID, r)
}

func (s *Store) GetResult(_ context.Context, taskID string) (*task.TaskResult, bool, error) {
	var r task.TaskResult
	ok, err := s.get(bucketResults, taskID, &r)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &r, true, nil
}

func (s *Store) PutWorkflow(_ context.Context, w *task.Workflow) error {
	return s.put(bucketWorkflows, w.ID, w)
}

func (s *Store) GetWorkflow(_ context.Context, id string) (*task.Workflow, bool, error) {
	var w task.Workflow
	ok, err := s.get(bucketWorkflows, id, &w)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &w, true, nil
}

func (s *Store) UpdateWorkflow(ctx context.Context, w *task.Workflow) error {
	return s.PutWorkflow(ctx, w)
}

func (s *Store) UpsertRetry(_ context.Context, taskID string, fireAt time.Time, attempt int) error {
	return s.put(bucketRetries, taskID, storage.RetryRecord{TaskID: taskID, FireAt: fireAt, Attempt: attempt})
}

func (s *Store) DeleteRetry(_ context.Context, taskID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRetries).Delete([]byte(taskID))
	})
}

func (s *Store) ListPendingRetries(_ context.Context) ([]storage.RetryRecord, error) {
	var out []storage.RetryRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRetries).ForEach(func(_, v []byte) error {
			var r storage.RetryRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

func (s *Store) EnumeratePendingOnStartup(_ context.Context) ([]*task.Task, error) {
	var out []*task.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(_, v []byte) error {
			var t task.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			switch t.Status {
			case task.StatusQueued, task.StatusReady, task.StatusRunning, task.StatusRetrying:
				out = append(out, &t)
			}
			return nil
		})
	})
	return out, err
}

func (s *Store) Close() error { return s.db.Close() }
