package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gleitzeit-dev/gleitzeit/gzerr"
	"github.com/gleitzeit-dev/gleitzeit/task"
	"github.com/gleitzeit-dev/gleitzeit/value"
)

func chain(t1, t2, t3 string) []*task.Task {
	return []*task.Task{
		{ID: t1},
		{ID: t2, Dependencies: []string{t1}},
		{ID: t3, Dependencies: []string{t2}},
	}
}

func TestBuildGraphDetectsCycle(t *testing.T) {
	tasks := []*task.Task{
		{ID: "a", Dependencies: []string{"c"}},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"b"}},
	}
	_, err := BuildGraph("wf1", tasks)
	require.Error(t, err)
	assert.Equal(t, gzerr.CodeWorkflowCircularDependency, gzerr.CodeOf(err))
	var cyc *CycleError
	require.ErrorAs(t, err, &cyc)
}

func TestBuildGraphRejectsUnknownDependency(t *testing.T) {
	tasks := []*task.Task{{ID: "a", Dependencies: []string{"ghost"}}}
	_, err := BuildGraph("wf1", tasks)
	require.Error(t, err)
	assert.Equal(t, gzerr.CodeWorkflowValidationFailed, gzerr.CodeOf(err))
}

func TestLevelsAndRoots(t *testing.T) {
	g, err := BuildGraph("wf1", chain("a", "b", "c"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, g.Roots())

	levels := g.Levels()
	assert.Equal(t, 0, levels["a"])
	assert.Equal(t, 1, levels["b"])
	assert.Equal(t, 2, levels["c"])
}

func TestResolverReadyAndNewlyReady(t *testing.T) {
	g, err := BuildGraph("wf1", chain("a", "b", "c"))
	require.NoError(t, err)

	results := map[string]*task.TaskResult{}
	res := New(g, func(id string) (*task.TaskResult, bool) {
		r, ok := results[id]
		return r, ok
	})

	assert.True(t, res.Ready("a"))
	assert.False(t, res.Ready("b"))

	results["a"] = &task.TaskResult{TaskID: "a", Status: task.StatusCompleted}
	assert.ElementsMatch(t, []string{"b"}, res.NewlyReady("a"))
}

func TestResolveParamsSubstitution(t *testing.T) {
	tasks := []*task.Task{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}, Params: value.String("${a.count}")},
	}
	g, err := BuildGraph("wf1", tasks)
	require.NoError(t, err)

	results := map[string]*task.TaskResult{
		"a": {TaskID: "a", Status: task.StatusCompleted, Result: value.Mapping(map[string]value.Value{"count": value.Number(7)})},
	}
	res := New(g, func(id string) (*task.TaskResult, bool) {
		r, ok := results[id]
		return r, ok
	})

	out, err := res.ResolveParams("b")
	require.NoError(t, err)
	n, ok := out.AsNumber()
	require.True(t, ok)
	assert.Equal(t, float64(7), n)
}

func TestResolveParamsOutOfClosureFails(t *testing.T) {
	tasks := []*task.Task{
		{ID: "a"},
		{ID: "sibling"},
		{ID: "b", Dependencies: []string{"a"}, Params: value.String("${sibling.x}")},
	}
	g, err := BuildGraph("wf1", tasks)
	require.NoError(t, err)

	results := map[string]*task.TaskResult{
		"sibling": {TaskID: "sibling", Status: task.StatusCompleted, Result: value.Mapping(map[string]value.Value{"x": value.Number(1)})},
	}
	res := New(g, func(id string) (*task.TaskResult, bool) {
		r, ok := results[id]
		return r, ok
	})

	_, err = res.ResolveParams("b")
	require.Error(t, err)
	assert.Equal(t, gzerr.CodeUnresolvedReference, gzerr.CodeOf(err))
}

func TestResolveParamsFieldNotFound(t *testing.T) {
	tasks := []*task.Task{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}, Params: value.String("${a.missing}")},
	}
	g, err := BuildGraph("wf1", tasks)
	require.NoError(t, err)

	results := map[string]*task.TaskResult{
		"a": {TaskID: "a", Status: task.StatusCompleted, Result: value.Mapping(map[string]value.Value{"present": value.Number(1)})},
	}
	res := New(g, func(id string) (*task.TaskResult, bool) {
		r, ok := results[id]
		return r, ok
	})

	_, err = res.ResolveParams("b")
	require.Error(t, err)
	assert.Equal(t, gzerr.CodeFieldNotFound, gzerr.CodeOf(err))
}
