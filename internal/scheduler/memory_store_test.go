package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedTask(t *testing.T, store *MemoryTaskStore, rec TaskRecord) string {
	t.Helper()
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if rec.ScheduledAt.IsZero() {
		rec.ScheduledAt = time.Now().UTC()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	require.NoError(t, store.CreateTask(context.Background(), &rec))
	return rec.ID
}

func TestMemoryTaskStore_ClaimNext_PriorityOrder(t *testing.T) {
	t.Parallel()

	store := NewMemoryTaskStore()
	ctx := context.Background()
	seedTask(t, store, TaskRecord{ID: "low", Type: "a", Priority: 8})
	seedTask(t, store, TaskRecord{ID: "urgent", Type: "a", Priority: 2})
	seedTask(t, store, TaskRecord{ID: "mid", Type: "a", Priority: 5})

	candidates := []string{"low", "urgent", "mid"}

	rec, err := store.ClaimNext(ctx, "w1", candidates, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "urgent", rec.ID)
	assert.Equal(t, StatusProcessing, rec.Status)
	assert.Equal(t, "w1", rec.LeaseOwner)
	assert.Equal(t, float64(progressStarted), rec.Progress)

	// A claimed task is invisible to other workers.
	rec, err = store.ClaimNext(ctx, "w2", candidates, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "mid", rec.ID)
}

func TestMemoryTaskStore_ClaimNext_SkipsNotDue(t *testing.T) {
	t.Parallel()

	store := NewMemoryTaskStore()
	ctx := context.Background()
	seedTask(t, store, TaskRecord{
		ID: "future", Type: "a", Priority: 1,
		ScheduledAt: time.Now().UTC().Add(time.Hour),
	})

	rec, err := store.ClaimNext(ctx, "w1", []string{"future"}, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, rec)

	n, err := store.CountPending(ctx, []string{"future"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMemoryTaskStore_ClaimNext_ReclaimsExpiredLease(t *testing.T) {
	t.Parallel()

	store := NewMemoryTaskStore()
	ctx := context.Background()
	stale := time.Now().UTC().Add(-10 * time.Minute)
	seedTask(t, store, TaskRecord{
		ID: "stuck", Type: "a", Priority: 5,
		Status: StatusProcessing, LeaseOwner: "dead-worker", LeaseAt: &stale,
	})

	rec, err := store.ClaimNext(ctx, "w1", []string{"stuck"}, 5*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "w1", rec.LeaseOwner)
}

func TestMemoryTaskStore_RecoverOrphans(t *testing.T) {
	t.Parallel()

	store := NewMemoryTaskStore()
	ctx := context.Background()
	stale := time.Now().UTC().Add(-10 * time.Minute)
	fresh := time.Now().UTC()
	seedTask(t, store, TaskRecord{
		ID: "orphan", Type: "a", Priority: 5,
		Status: StatusProcessing, LeaseOwner: "dead", LeaseAt: &stale,
	})
	seedTask(t, store, TaskRecord{
		ID: "alive", Type: "a", Priority: 5,
		Status: StatusProcessing, LeaseOwner: "w1", LeaseAt: &fresh,
	})

	recovered, err := store.RecoverOrphans(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"orphan"}, recovered)

	got, err := store.GetTask(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.LeaseOwner)

	got, err = store.GetTask(ctx, "alive")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
}

func TestMemoryTaskStore_CancelTask(t *testing.T) {
	t.Parallel()

	store := NewMemoryTaskStore()
	ctx := context.Background()
	seedTask(t, store, TaskRecord{ID: "p", Type: "a", Priority: 5})
	seedTask(t, store, TaskRecord{ID: "done", Type: "a", Priority: 5, Status: StatusCompleted})

	ok, err := store.CancelTask(ctx, "p")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.CancelTask(ctx, "done")
	require.NoError(t, err)
	assert.False(t, ok, "terminal tasks are not cancellable")

	ok, err = store.CancelTask(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryTaskStore_ResetForRetry(t *testing.T) {
	t.Parallel()

	store := NewMemoryTaskStore()
	ctx := context.Background()
	seedTask(t, store, TaskRecord{
		ID: "f", Type: "a", Priority: 5,
		Status: StatusFailed, ErrorMessage: "boom", RetryCount: 3,
	})

	ok, err := store.ResetForRetry(ctx, "f")
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.GetTask(ctx, "f")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, got.ErrorMessage)

	ok, err = store.ResetForRetry(ctx, "f")
	require.NoError(t, err)
	assert.False(t, ok, "only failed tasks reset")
}

func TestMemoryTaskStore_CompleteTask(t *testing.T) {
	t.Parallel()

	store := NewMemoryTaskStore()
	ctx := context.Background()
	seedTask(t, store, TaskRecord{ID: "t", Type: "a", Priority: 5, Status: StatusProcessing})

	ok, err := store.CompleteTask(ctx, "t", json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.GetTask(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, float64(100), got.Progress)
	assert.NotNil(t, got.CompletedAt)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))

	ok, err = store.CompleteTask(ctx, "missing", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryTaskStore_CancelledTaskStaysCancelled(t *testing.T) {
	t.Parallel()

	store := NewMemoryTaskStore()
	ctx := context.Background()
	for _, id := range []string{"c1", "c2", "c3"} {
		seedTask(t, store, TaskRecord{ID: id, Type: "a", Priority: 5, Status: StatusProcessing})
		ok, err := store.CancelTask(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
	}

	// A worker that finishes executing after the cancellation must not be
	// able to move the task out of its terminal state.
	ok, err := store.CompleteTask(ctx, "c1", json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.FailTask(ctx, "c2", "boom")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.RescheduleRetry(ctx, "c3", "boom", 1, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok)

	for _, id := range []string{"c1", "c2", "c3"} {
		got, err := store.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, got.Status)
		assert.False(t, got.NeedsRollback)
	}
}

func TestMemoryTaskStore_ClaimNext_ExactlyOneWinner(t *testing.T) {
	t.Parallel()

	store := NewMemoryTaskStore()
	ctx := context.Background()
	seedTask(t, store, TaskRecord{ID: "only", Type: "a", Priority: 5})

	const workers = 16
	var wg sync.WaitGroup
	var claimed atomic.Int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			rec, err := store.ClaimNext(ctx, fmt.Sprintf("w%d", n), []string{"only"}, time.Minute)
			assert.NoError(t, err)
			if rec != nil {
				claimed.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), claimed.Load(), "a task is claimed by exactly one worker")

	got, err := store.GetTask(ctx, "only")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.NotEmpty(t, got.LeaseOwner)
}

func TestMemoryTaskStore_ListTasks_FilterAndPaging(t *testing.T) {
	t.Parallel()

	store := NewMemoryTaskStore()
	ctx := context.Background()
	seedTask(t, store, TaskRecord{ID: "a", Type: "x", Priority: 5})
	seedTask(t, store, TaskRecord{ID: "b", Type: "y", Priority: 1})
	seedTask(t, store, TaskRecord{ID: "c", Type: "x", Priority: 3, Status: StatusFailed})

	all, err := store.ListTasks(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "b", all[0].ID, "lowest priority value first")

	failed, err := store.ListTasks(ctx, ListFilter{Status: StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "c", failed[0].ID)

	typed, err := store.ListTasks(ctx, ListFilter{TaskType: "x"})
	require.NoError(t, err)
	assert.Len(t, typed, 2)

	page, err := store.ListTasks(ctx, ListFilter{Skip: 1, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, page, 1)

	empty, err := store.ListTasks(ctx, ListFilter{Skip: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryTaskStore_DeleteFinishedBefore(t *testing.T) {
	t.Parallel()

	store := NewMemoryTaskStore()
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)
	recent := time.Now().UTC()
	seedTask(t, store, TaskRecord{ID: "old-done", Type: "a", Status: StatusCompleted, CompletedAt: &old})
	seedTask(t, store, TaskRecord{ID: "old-cancelled", Type: "a", Status: StatusCancelled, CompletedAt: &old})
	seedTask(t, store, TaskRecord{ID: "old-failed", Type: "a", Status: StatusFailed, CompletedAt: &old})
	seedTask(t, store, TaskRecord{ID: "new-done", Type: "a", Status: StatusCompleted, CompletedAt: &recent})

	n, err := store.DeleteFinishedBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Failed tasks are kept for inspection regardless of age.
	_, err = store.GetTask(ctx, "old-failed")
	assert.NoError(t, err)
	_, err = store.GetTask(ctx, "new-done")
	assert.NoError(t, err)
	_, err = store.GetTask(ctx, "old-done")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}
