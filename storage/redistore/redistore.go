// Package redistore is the external-KV storage.Backend, for multi-process
// or multi-node deployments that share one Redis instance. Grounded on
// kubernaut's use of github.com/redis/go-redis/v9 for durable, externally
// shared state; tasks/results/workflows are stored as JSON strings, and
// pending retries as members of a sorted set scored by fire_at's unix
// timestamp so ListPendingRetries can range over it directly.
package redistore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gleitzeit-dev/gleitzeit/storage"
	"github.com/gleitzeit-dev/gleitzeit/task"
)

// Store is a storage.Backend backed by Redis.
type Store struct {
	rdb    *redis.Client
	prefix string
}

// New wraps an existing *redis.Client. prefix namespaces every key this
// backend writes, so multiple Gleitzeit deployments can share one Redis
// instance.
func New(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "gleitzeit"
	}
	return &Store{rdb: rdb, prefix: prefix}
}

func (s *Store) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *Store) taskWFKey(workflowID string) string { return s.key("wf_tasks", workflowID) }
func (s *Store) retriesKey() string                  { return s.key("retries") }

func (s *Store) PutTask(ctx context.Context, t *task.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.key("task", t.ID), data, 0)
	pipe.SAdd(ctx, s.taskWFKey(t.WorkflowID), t.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, bool, error) {
	data, err := s.rdb.Get(ctx, s.key("task", id)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, false, err
	}
	return &t, true, nil
}

func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	return s.PutTask(ctx, t)
}

func (s *Store) ListTasksByWorkflow(ctx context.Context, workflowID string) ([]*task.Task, error) {
	ids, err := s.rdb.SMembers(ctx, s.taskWFKey(workflowID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		t, ok, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) PutResult(ctx context.Context, r *task.TaskResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.key("result", r.TaskID), data, 0).Err()
}

func (s *Store) GetResult(ctx context.Context, taskID string) (*task.TaskResult, bool, error) {
	data, err := s.rdb.Get(ctx, s.key("result", taskID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var r task.TaskResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, false, err
	}
	return &r, true, nil
}

func (s *Store) PutWorkflow(ctx context.Context, w *task.Workflow) error {
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.key("workflow", w.ID), data, 0)
	pipe.SAdd(ctx, s.key("workflows"), w.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (*task.Workflow, bool, error) {
	data, err := s.rdb.Get(ctx, s.key("workflow", id)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var w task.Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, false, err
	}
	return &w, true, nil
}

func (s *Store) UpdateWorkflow(ctx context.Context, w *task.Workflow) error {
	return s.PutWorkflow(ctx, w)
}

func (s *Store) UpsertRetry(ctx context.Context, taskID string, fireAt time.Time, attempt int) error {
	rec := storage.RetryRecord{TaskID: taskID, FireAt: fireAt, Attempt: attempt}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.key("retry_data"), taskID, data)
	pipe.ZAdd(ctx, s.retriesKey(), redis.Z{Score: float64(fireAt.Unix()), Member: taskID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) DeleteRetry(ctx context.Context, taskID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.HDel(ctx, s.key("retry_data"), taskID)
	pipe.ZRem(ctx, s.retriesKey(), taskID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) ListPendingRetries(ctx context.Context) ([]storage.RetryRecord, error) {
	ids, err := s.rdb.ZRange(ctx, s.retriesKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raw, err := s.rdb.HMGet(ctx, s.key("retry_data"), ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]storage.RetryRecord, 0, len(raw))
	for _, v := range raw {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec storage.RetryRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("redistore: decode retry record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) EnumeratePendingOnStartup(ctx context.Context) ([]*task.Task, error) {
	wfIDs, err := s.rdb.SMembers(ctx, s.key("workflows")).Result()
	if err != nil {
		return nil, err
	}
	var out []*task.Task
	for _, wfID := range wfIDs {
		tasks, err := s.ListTasksByWorkflow(ctx, wfID)
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			switch t.Status {
			case task.StatusQueued, task.StatusReady, task.StatusRunning, task.StatusRetrying:
				out = append(out, t)
			}
		}
	}
	return out, nil
}

func (s *Store) Close() error { return s.rdb.Close() }
