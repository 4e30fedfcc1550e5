package redistore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gleitzeit-dev/gleitzeit/task"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "gztest")
}

func TestPutAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutTask(ctx, &task.Task{ID: "t1", WorkflowID: "wf1", Status: task.StatusCreated}))

	got, ok, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "wf1", got.WorkflowID)

	_, ok, err = s.GetTask(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListTasksByWorkflowIndexesByWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutTask(ctx, &task.Task{ID: "a", WorkflowID: "wf1"}))
	require.NoError(t, s.PutTask(ctx, &task.Task{ID: "b", WorkflowID: "wf2"}))

	tasks, err := s.ListTasksByWorkflow(ctx, "wf1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "a", tasks[0].ID)
}

func TestEnumeratePendingOnStartupAcrossWorkflows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutWorkflow(ctx, &task.Workflow{ID: "wf1"}))
	require.NoError(t, s.PutTask(ctx, &task.Task{ID: "running", WorkflowID: "wf1", Status: task.StatusRunning}))
	require.NoError(t, s.PutTask(ctx, &task.Task{ID: "done", WorkflowID: "wf1", Status: task.StatusCompleted}))

	pending, err := s.EnumeratePendingOnStartup(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "running", pending[0].ID)
}

func TestRetryRoundTripUsesSortedSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	fireAt := time.Now().Add(time.Minute).Truncate(time.Second)
	require.NoError(t, s.UpsertRetry(ctx, "t1", fireAt, 2))

	pending, err := s.ListPendingRetries(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "t1", pending[0].TaskID)
	assert.Equal(t, 2, pending[0].Attempt)
	assert.Equal(t, fireAt.Unix(), pending[0].FireAt.Unix())

	require.NoError(t, s.DeleteRetry(ctx, "t1"))
	pending, err = s.ListPendingRetries(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestKeyPrefixNamespacesDeployments(t *testing.T) {
	s1 := newTestStore(t)
	s2 := New(s1.rdb, "other")
	ctx := context.Background()

	require.NoError(t, s1.PutTask(ctx, &task.Task{ID: "t1", WorkflowID: "wf1"}))
	_, ok, err := s2.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok, "a store with a different prefix must not see another deployment's keys")
}
