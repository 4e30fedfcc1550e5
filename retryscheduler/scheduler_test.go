package retryscheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gleitzeit-dev/gleitzeit/storage/memstore"
	"github.com/gleitzeit-dev/gleitzeit/task"
)

func TestDelayFixed(t *testing.T) {
	p := task.RetryPolicy{Strategy: task.RetryFixed, BaseDelay: 2 * time.Second}
	assert.Equal(t, 2*time.Second, Delay(p, 2))
	assert.Equal(t, 2*time.Second, Delay(p, 5))
}

func TestDelayLinear(t *testing.T) {
	p := task.RetryPolicy{Strategy: task.RetryLinear, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	assert.Equal(t, time.Second, Delay(p, 2))
	assert.Equal(t, 3*time.Second, Delay(p, 4))
}

func TestDelayExponentialCapsAtMax(t *testing.T) {
	p := task.RetryPolicy{Strategy: task.RetryExponential, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, Delay(p, 2))
	assert.Equal(t, 2*time.Second, Delay(p, 3))
	assert.Equal(t, 4*time.Second, Delay(p, 4))
	assert.Equal(t, 5*time.Second, Delay(p, 5), "5th attempt would be 8s uncapped, clamped to MaxDelay")
}

func TestScheduleAndDrainDue(t *testing.T) {
	store := memstore.New()
	clockVal := time.Now()
	clock := func() time.Time { return clockVal }
	s := New(store, clock)

	ctx := context.Background()
	require.NoError(t, s.Schedule(ctx, "t1", 2, 10*time.Second))

	due := s.DrainDue(ctx, clockVal)
	assert.Empty(t, due)

	due = s.DrainDue(ctx, clockVal.Add(11*time.Second))
	require.Len(t, due, 1)
	assert.Equal(t, "t1", due[0].TaskID)

	pending, err := store.ListPendingRetries(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "drained retries must be removed from persisted store")
}

func TestCancelRemovesPending(t *testing.T) {
	store := memstore.New()
	s := New(store, nil)
	ctx := context.Background()
	require.NoError(t, s.Schedule(ctx, "t1", 1, time.Millisecond))
	s.Cancel(ctx, "t1")

	_, ok := s.NextFireAt()
	assert.False(t, ok)
}

func TestRestoreReloadsFromStore(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	fireAt := time.Now().Add(time.Minute)
	require.NoError(t, store.UpsertRetry(ctx, "t1", fireAt, 1))

	s := New(store, nil)
	require.NoError(t, s.Restore(ctx))

	next, ok := s.NextFireAt()
	require.True(t, ok)
	assert.WithinDuration(t, fireAt, next, time.Second)
}
