package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskReady(t1 *testing.T) {
	tsk := &Task{ID: "b", Dependencies: []string{"a"}}
	done := map[string]bool{}
	assert.False(t1, tsk.Ready(func(id string) bool { return done[id] }))
	done["a"] = true
	assert.True(t1, tsk.Ready(func(id string) bool { return done[id] }))
}

func TestWorkflowDoneAndStatus(t *testing.T) {
	wf := &Workflow{Total: 3, Failure: FailFast}
	assert.False(t, wf.Done())
	assert.Equal(t, StatusRunning, wf.ComputeStatus())

	wf.Completed = 2
	wf.Failed = 1
	assert.True(t, wf.Done())
	assert.Equal(t, StatusFailed, wf.ComputeStatus())
}

func TestWorkflowContinueOnErrorStillCompletes(t *testing.T) {
	wf := &Workflow{Total: 2, Failure: ContinueOnError, Completed: 1, Failed: 1}
	assert.Equal(t, StatusCompleted, wf.ComputeStatus())
}

func TestParsePriorityDefaultsNormal(t *testing.T) {
	p, ok := ParsePriority("")
	assert.True(t, ok)
	assert.Equal(t, PriorityNormal, p)

	_, ok = ParsePriority("nonsense")
	assert.False(t, ok)
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusRunning.Terminal())
}
