package boltstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gleitzeit-dev/gleitzeit/task"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gleitzeit.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutAndGetTask(t *testing.T) {
	s := openTest(t)
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

func TestListTasksByWorkflowFiltersByWorkflow(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	require.NoError(t, s.PutTask(ctx, &task.Task{ID: "a", WorkflowID: "wf1"}))
	require.NoError(t, s.PutTask(ctx, &task.Task{ID: "b", WorkflowID: "wf2"}))

	tasks, err := s.ListTasksByWorkflow(ctx, "wf1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "a", tasks[0].ID)
}

func TestEnumeratePendingOnStartupFiltersTerminal(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	require.NoError(t, s.PutTask(ctx, &task.Task{ID: "running", Status: task.StatusRunning}))
	require.NoError(t, s.PutTask(ctx, &task.Task{ID: "failed", Status: task.StatusFailed}))

	pending, err := s.EnumeratePendingOnStartup(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "running", pending[0].ID)
}

func TestRetryRoundTrip(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	fireAt := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	require.NoError(t, s.UpsertRetry(ctx, "t1", fireAt, 3))

	pending, err := s.ListPendingRetries(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 3, pending[0].Attempt)
	assert.WithinDuration(t, fireAt, pending[0].FireAt, time.Second)

	require.NoError(t, s.DeleteRetry(ctx, "t1"))
	pending, err = s.ListPendingRetries(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReopenPersistsAcrossClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gleitzeit.db")
	ctx := context.Background()

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.PutWorkflow(ctx, &task.Workflow{ID: "wf1", Name: "wf"}))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	got, ok, err := s2.GetWorkflow(ctx, "wf1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "wf", got.Name)
}
