package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryDelay_DoublesAndCaps(t *testing.T) {
	t.Parallel()

	expected := []time.Duration{
		30 * time.Second,
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		300 * time.Second,
		300 * time.Second,
	}
	for attempt, want := range expected {
		assert.Equal(t, want, RetryDelay(attempt), "attempt %d", attempt)
	}

	assert.Equal(t, 30*time.Second, RetryDelay(-1))
	// Very large attempts must not overflow past the cap.
	assert.Equal(t, 300*time.Second, RetryDelay(63))
}

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *MemoryTaskStore) {
	t.Helper()
	store := NewMemoryTaskStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, NewExecutorRegistry(), nil, cfg, logger), store
}

func TestHandleFailure_SchedulesRetryWithBackoff(t *testing.T) {
	t.Parallel()

	sched, store := newTestScheduler(t, Config{})
	ctx := context.Background()

	rec := &TaskRecord{
		ID:          "task-1",
		Type:        "record_create",
		Status:      StatusProcessing,
		Priority:    5,
		RetryCount:  1,
		MaxRetries:  3,
		ScheduledAt: time.Now().UTC(),
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.CreateTask(ctx, rec))
	sched.router.assign(rec.ID, "queue-a")

	before := time.Now().UTC()
	sched.handleFailure(ctx, rec, assert.AnError)

	got, err := store.GetTask(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, assert.AnError.Error(), got.ErrorMessage)

	// Second retry backs off 60s from now.
	delay := got.ScheduledAt.Sub(before)
	assert.InDelta(t, (60 * time.Second).Seconds(), delay.Seconds(), 2)

	// The assignment survives so the same queue retries the task.
	assert.True(t, sched.router.isAssigned(rec.ID))
}

func TestHandleFailure_ExhaustedBudgetFailsPermanently(t *testing.T) {
	t.Parallel()

	sched, store := newTestScheduler(t, Config{})
	ctx := context.Background()

	rec := &TaskRecord{
		ID:          "task-1",
		Type:        "record_create",
		Status:      StatusProcessing,
		Priority:    5,
		RetryCount:  3,
		MaxRetries:  3,
		ScheduledAt: time.Now().UTC(),
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.CreateTask(ctx, rec))
	sched.router.assign(rec.ID, "queue-a")

	sched.handleFailure(ctx, rec, assert.AnError)

	got, err := store.GetTask(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.True(t, got.NeedsRollback)
	assert.False(t, sched.router.isAssigned(rec.ID))
	assert.Equal(t, int64(1), sched.stats.failed.Load())
}

func TestHandleFailure_InjectsRollbackTask(t *testing.T) {
	t.Parallel()

	sched, store := newTestScheduler(t, Config{DefaultMaxRetries: 3})
	ctx := context.Background()

	rec := &TaskRecord{
		ID:              "task-1",
		Type:            "record_create",
		Status:          StatusProcessing,
		Priority:        5,
		RetryCount:      2,
		MaxRetries:      2,
		ScheduledAt:     time.Now().UTC(),
		RollbackPayload: json.RawMessage(`{"record_id":"rec-9"}`),
		CreatedAt:       time.Now().UTC(),
	}
	require.NoError(t, store.CreateTask(ctx, rec))

	sched.handleFailure(ctx, rec, assert.AnError)

	rollbacks, err := store.ListTasks(ctx, ListFilter{TaskType: TypeRollback})
	require.NoError(t, err)
	require.Len(t, rollbacks, 1)

	rb := rollbacks[0]
	assert.Equal(t, PriorityHighest, rb.Priority)
	assert.Equal(t, StatusPending, rb.Status)
	assert.Equal(t, 3, rb.MaxRetries)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rb.Payload, &payload))
	assert.Equal(t, "rec-9", payload["record_id"])
	assert.Equal(t, "task-1", payload["original_task_id"])
}

func TestHandleFailure_NoRollbackWithoutPayload(t *testing.T) {
	t.Parallel()

	sched, store := newTestScheduler(t, Config{})
	ctx := context.Background()

	rec := &TaskRecord{
		ID:          "task-1",
		Type:        "record_create",
		Status:      StatusProcessing,
		Priority:    5,
		RetryCount:  0,
		MaxRetries:  0,
		ScheduledAt: time.Now().UTC(),
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.CreateTask(ctx, rec))

	sched.handleFailure(ctx, rec, assert.AnError)

	rollbacks, err := store.ListTasks(ctx, ListFilter{TaskType: TypeRollback})
	require.NoError(t, err)
	assert.Empty(t, rollbacks)
}
