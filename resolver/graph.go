// Package resolver implements the dependency resolver of spec §4.3: cycle
// detection, topological leveling, the reverse-edge "who becomes ready when
// I complete" index, and parameter substitution against completed task
// results. The reverse-edge bookkeeping (children derived from each task's
// Dependencies, in-degree counting) is grounded on the teacher pack's
// anhnv24810310060-source-SWARM-INTELLIGENCE-NETWORK orchestrator's
// buildDAG/executeDAG (Kahn's-algorithm-over-a-channel); this package
// replaces its weak "no roots => cycle" check with the three-color DFS
// spec §4.3 requires, which names the offending cycle.
package resolver

import (
	"fmt"
	"sort"

	"github.com/gleitzeit-dev/gleitzeit/gzerr"
	"github.com/gleitzeit-dev/gleitzeit/task"
)

// CycleError reports a detected cycle, naming the offending path
// (spec §4.3, S3: "workflow_circular_dependency naming the cycle [t1,t2,t1]").
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency: %v", e.Path)
}

// color marks a node's DFS visitation state for cycle detection.
type color int

const (
	white color = iota // unvisited
	gray               // open (on the current DFS stack)
	black              // closed
)

// Graph is the per-workflow dependency graph: task definitions plus the
// reverse-edge index (dependents) used to evaluate readiness as tasks
// complete.
type Graph struct {
	WorkflowID string
	tasks      map[string]*task.Task
	dependents map[string][]string // taskID -> ids that depend on it
}

// BuildGraph constructs a Graph from tasks, validating that every
// dependency refers to a sibling task id (spec §3.3 invariant 2) and that
// the graph is acyclic (spec §3.3 invariant 3). It does not mutate tasks.
func BuildGraph(workflowID string, tasks []*task.Task) (*Graph, error) {
	g := &Graph{
		WorkflowID: workflowID,
		tasks:      make(map[string]*task.Task, len(tasks)),
		dependents: make(map[string][]string),
	}
	for _, t := range tasks {
		g.tasks[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			if _, ok := g.tasks[dep]; !ok {
				return nil, gzerr.New(gzerr.CodeWorkflowValidationFailed,
					fmt.Sprintf("task %q depends on unknown task %q", t.ID, dep))
			}
			g.dependents[dep] = append(g.dependents[dep], t.ID)
		}
	}
	if cyc := detectCycle(g.tasks); cyc != nil {
		return nil, gzerr.Wrap(gzerr.CodeWorkflowCircularDependency, &CycleError{Path: cyc})
	}
	return g, nil
}

// detectCycle runs a three-color DFS over tasks' Dependencies edges,
// returning the cycle path (including the repeated closing id) the first
// time it encounters a gray (open) node, or nil if the graph is acyclic.
func detectCycle(tasks map[string]*task.Task) []string {
	colors := make(map[string]color, len(tasks))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colors[id] = gray
		stack = append(stack, id)
		t := tasks[id]
		for _, dep := range t.Dependencies {
			switch colors[dep] {
			case white:
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			case gray:
				// Found the cycle: slice the stack from dep's first
				// occurrence through id, then close it back to dep.
				start := indexOf(stack, dep)
				cyc := append([]string{}, stack[start:]...)
				cyc = append(cyc, dep)
				return cyc
			case black:
				// already fully explored, no cycle through here
			}
		}
		colors[id] = black
		stack = stack[:len(stack)-1]
		return nil
	}

	// Sorted so the starting node of a detected cycle is deterministic
	// across runs despite Go's randomized map iteration order.
	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if colors[id] == white {
			if cyc := visit(id); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}

func indexOf(s []string, v string) int {
	for i, e := range s {
		if e == v {
			return i
		}
	}
	return -1
}

// Levels computes Kahn's-algorithm topological levels: tasks at level k
// depend only on tasks at levels < k. Levels are an execution hint only,
// not a dispatch barrier (spec §4.3).
func (g *Graph) Levels() map[string]int {
	inDegree := make(map[string]int, len(g.tasks))
	for id, t := range g.tasks {
		inDegree[id] = len(t.Dependencies)
	}
	levels := make(map[string]int, len(g.tasks))
	var frontier []string
	for id, deg := range inDegree {
		if deg == 0 {
			frontier = append(frontier, id)
			levels[id] = 0
		}
	}
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			for _, childID := range g.dependents[id] {
				inDegree[childID]--
				if lv := levels[id] + 1; lv > levels[childID] {
					levels[childID] = lv
				}
				if inDegree[childID] == 0 {
					next = append(next, childID)
				}
			}
		}
		frontier = next
	}
	return levels
}

// Dependents returns the task ids that depend on taskID directly.
func (g *Graph) Dependents(taskID string) []string {
	return g.dependents[taskID]
}

// Task looks up a task definition by id within this graph.
func (g *Graph) Task(taskID string) (*task.Task, bool) {
	t, ok := g.tasks[taskID]
	return t, ok
}

// Roots returns the task ids with no dependencies, the initial ready set
// seeded by workflow ingestion (spec §4.8).
func (g *Graph) Roots() []string {
	var roots []string
	for id, t := range g.tasks {
		if len(t.Dependencies) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// InClosure reports whether candidateID is in taskID's transitive
// dependency closure, used to scope substitution references (spec §4.3
// "TASK_ID must refer to a task in the same workflow and in the current
// task's transitive dependency closure").
func (g *Graph) InClosure(taskID, candidateID string) bool {
	t, ok := g.tasks[taskID]
	if !ok {
		return false
	}
	visited := make(map[string]bool)
	var stack []string
	stack = append(stack, t.Dependencies...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == candidateID {
			return true
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		if dt, ok := g.tasks[id]; ok {
			stack = append(stack, dt.Dependencies...)
		}
	}
	return false
}
