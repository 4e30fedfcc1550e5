package resolver

import (
	"fmt"

	"github.com/gleitzeit-dev/gleitzeit/gzerr"
	"github.com/gleitzeit-dev/gleitzeit/task"
	"github.com/gleitzeit-dev/gleitzeit/value"
)

// ResultLookup returns the persisted result for taskID, if one exists,
// whatever its status; the resolver itself checks for a completed
// outcome. The resolver holds only a read-only view of task
// definitions and result look-ups; it never mutates tasks (spec §4.3
// Ownership).
type ResultLookup func(taskID string) (*task.TaskResult, bool)

// Resolver evaluates readiness and performs dispatch-time parameter
// substitution for a single workflow's Graph.
type Resolver struct {
	graph   *Graph
	lookup  ResultLookup
}

// New constructs a Resolver bound to graph and a result lookup function.
func New(graph *Graph, lookup ResultLookup) *Resolver {
	return &Resolver{graph: graph, lookup: lookup}
}

// completed reports whether taskID's persisted result is a completed
// outcome, the sole readiness test per spec §3.3 invariant 1.
func (r *Resolver) completed(taskID string) bool {
	res, ok := r.lookup(taskID)
	return ok && res.Status == task.StatusCompleted
}

// Ready reports whether every dependency of taskID is completed.
func (r *Resolver) Ready(taskID string) bool {
	t, ok := r.graph.Task(taskID)
	if !ok {
		return false
	}
	return t.Ready(r.completed)
}

// NewlyReady evaluates every dependent of completedTaskID and returns the
// ids that have just become ready, per spec §4.3's reverse-edge walk: "On
// completion of t, the resolver iterates dependents(t) and tests each for
// readiness."
func (r *Resolver) NewlyReady(completedTaskID string) []string {
	var ready []string
	for _, depID := range r.graph.Dependents(completedTaskID) {
		if r.Ready(depID) {
			ready = append(ready, depID)
		}
	}
	return ready
}

// ResolveParams performs dispatch-time parameter substitution for taskID's
// Params tree (spec §4.3 "Substitution happens at dispatch time, never at
// ingestion"). References outside taskID's transitive dependency closure,
// or to tasks without a completed result, fail with unresolved_reference.
func (r *Resolver) ResolveParams(taskID string) (value.Value, error) {
	t, ok := r.graph.Task(taskID)
	if !ok {
		return value.Value{}, gzerr.New(gzerr.CodeInternalError, fmt.Sprintf("unknown task %q", taskID))
	}
	resolved, err := value.Substitute(t.Params, func(refID string) (value.Value, bool) {
		if !r.graph.InClosure(taskID, refID) {
			return value.Value{}, false
		}
		res, ok := r.lookup(refID)
		if !ok || res.Status != task.StatusCompleted {
			return value.Value{}, false
		}
		return res.Result, true
	})
	if err != nil {
		if pathErr, ok := asPathNotFound(err); ok {
			return value.Value{}, gzerr.Wrap(gzerr.CodeFieldNotFound, pathErr)
		}
		return value.Value{}, gzerr.Wrap(gzerr.CodeUnresolvedReference, err)
	}
	return resolved, nil
}

func asPathNotFound(err error) (*value.PathNotFoundError, bool) {
	pnf, ok := err.(*value.PathNotFoundError)
	return pnf, ok
}
