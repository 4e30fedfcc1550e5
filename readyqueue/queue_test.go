package readyqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gleitzeit-dev/gleitzeit/task"
)

func TestPriorityOrdering(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Enqueue(Item{TaskID: "low", Priority: task.PriorityLow}))
	require.NoError(t, q.Enqueue(Item{TaskID: "urgent", Priority: task.PriorityUrgent}))
	require.NoError(t, q.Enqueue(Item{TaskID: "normal", Priority: task.PriorityNormal}))

	item, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, "urgent", item.TaskID)

	item, ok = q.Next()
	require.True(t, ok)
	assert.Equal(t, "normal", item.TaskID)

	item, ok = q.Next()
	require.True(t, ok)
	assert.Equal(t, "low", item.TaskID)

	_, ok = q.Next()
	assert.False(t, ok)
}

func TestFIFOWithinPriority(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Enqueue(Item{TaskID: "first", Priority: task.PriorityNormal}))
	require.NoError(t, q.Enqueue(Item{TaskID: "second", Priority: task.PriorityNormal}))

	item, _ := q.Next()
	assert.Equal(t, "first", item.TaskID)
	item, _ = q.Next()
	assert.Equal(t, "second", item.TaskID)
}

func TestRemoveByID(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Enqueue(Item{TaskID: "a", Priority: task.PriorityNormal}))
	require.True(t, q.Remove("a"))
	assert.False(t, q.Remove("a"))
	assert.Equal(t, 0, q.Len())
}

func TestRemoveWorkflow(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Enqueue(Item{TaskID: "a", WorkflowID: "wf1", Priority: task.PriorityNormal}))
	require.NoError(t, q.Enqueue(Item{TaskID: "b", WorkflowID: "wf1", Priority: task.PriorityHigh}))
	require.NoError(t, q.Enqueue(Item{TaskID: "c", WorkflowID: "wf2", Priority: task.PriorityHigh}))

	removed := q.RemoveWorkflow("wf1")
	assert.ElementsMatch(t, []string{"a", "b"}, removed)
	assert.Equal(t, 1, q.Len())
}

func TestQueueFull(t *testing.T) {
	q := New(1)
	require.NoError(t, q.Enqueue(Item{TaskID: "a", Priority: task.PriorityNormal}))
	err := q.Enqueue(Item{TaskID: "b", Priority: task.PriorityNormal})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestDuplicateEnqueueIsNoop(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Enqueue(Item{TaskID: "a", Priority: task.PriorityNormal}))
	require.NoError(t, q.Enqueue(Item{TaskID: "a", Priority: task.PriorityUrgent}))
	assert.Equal(t, 1, q.Len())
}

func TestPromoteAging(t *testing.T) {
	q := New(0)
	q.AgingThreshold = time.Minute
	base := time.Now()
	require.NoError(t, q.Enqueue(Item{TaskID: "old", Priority: task.PriorityLow, EnqueuedAt: base.Add(-2 * time.Minute)}))
	require.NoError(t, q.Enqueue(Item{TaskID: "fresh", Priority: task.PriorityLow, EnqueuedAt: base}))

	promoted := q.Promote(base)
	assert.Equal(t, 1, promoted)

	item, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, "old", item.TaskID, "aged item should now be at PriorityNormal, dequeued before the fresh low-priority item")
}

func TestPromoteOnlyOneLevelPerPass(t *testing.T) {
	q := New(0)
	q.AgingThreshold = time.Minute
	base := time.Now()
	// Far older than the threshold, enqueued at Low: a single Promote call
	// must move it to Normal only, never all the way to Urgent.
	require.NoError(t, q.Enqueue(Item{TaskID: "ancient", Priority: task.PriorityLow, EnqueuedAt: base.Add(-10 * time.Minute)}))
	require.NoError(t, q.Enqueue(Item{TaskID: "urgent-item", Priority: task.PriorityUrgent, EnqueuedAt: base}))

	promoted := q.Promote(base)
	assert.Equal(t, 1, promoted)

	item, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, "urgent-item", item.TaskID, "a genuinely urgent task must still be dequeued before a once-promoted low task")

	item, ok = q.Next()
	require.True(t, ok)
	assert.Equal(t, "ancient", item.TaskID)

	// A second Promote at the same instant must not promote it again: its
	// EnqueuedAt was reset, so it has not waited out the threshold at Normal.
	require.NoError(t, q.Enqueue(Item{TaskID: "ancient2", Priority: task.PriorityLow, EnqueuedAt: base.Add(-10 * time.Minute)}))
	q.Promote(base)
	promotedAgain := q.Promote(base)
	assert.Equal(t, 0, promotedAgain, "an item promoted by the previous call must not promote again before waiting out the threshold")
}
