package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastConfig keeps polling tight so lifecycle tests finish quickly.
func fastConfig(queues ...QueueConfig) Config {
	for i := range queues {
		if queues[i].PollInterval == 0 {
			queues[i].PollInterval = 10 * time.Millisecond
		}
	}
	return Config{
		LeaseTimeout:      time.Minute,
		DefaultMaxRetries: 3,
		DefaultQueues:     queues,
	}
}

func startScheduler(t *testing.T, cfg Config, registry *ExecutorRegistry) (*Scheduler, *MemoryTaskStore) {
	t.Helper()
	store := NewMemoryTaskStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := New(store, registry, nil, cfg, logger)
	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(sched.Stop)
	return sched, store
}

func TestScheduler_SubmitAndComplete(t *testing.T) {
	t.Parallel()

	registry := NewExecutorRegistry()
	registry.Register("echo", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})

	cfg := fastConfig(QueueConfig{
		Name: "main", PriorityMin: 1, PriorityMax: 10, MinWorkers: 1, MaxWorkers: 2,
	})
	sched, store := startScheduler(t, cfg, registry)

	result, err := sched.Submit(context.Background(), SubmitRequest{
		Type:    "echo",
		Payload: json.RawMessage(`{"n":1}`),
	})
	require.NoError(t, err)
	assert.True(t, result.Assigned)
	assert.NotEmpty(t, result.QueueID)
	assert.Equal(t, DefaultPriority, result.Priority)

	require.Eventually(t, func() bool {
		rec, err := store.GetTask(context.Background(), result.TaskID)
		return err == nil && rec.Status == StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	rec, err := sched.GetTask(context.Background(), result.TaskID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(rec.Result))
	assert.Equal(t, float64(100), rec.Progress)

	// The assignment is released once the task completes.
	assert.False(t, sched.router.isAssigned(result.TaskID))
}

func TestScheduler_UnroutableSubmissionRoutedByNewQueue(t *testing.T) {
	t.Parallel()

	registry := NewExecutorRegistry()
	registry.Register("echo", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})

	cfg := fastConfig(QueueConfig{
		Name: "narrow", PriorityMin: 1, PriorityMax: 3, MinWorkers: 1, MaxWorkers: 1,
	})
	sched, store := startScheduler(t, cfg, registry)

	priority := 9
	result, err := sched.Submit(context.Background(), SubmitRequest{
		Type:     "echo",
		Priority: &priority,
	})
	require.NoError(t, err)
	assert.False(t, result.Assigned, "no queue covers priority 9")

	// Creating a covering queue sweeps the stranded task in.
	_, err = sched.CreateQueue(context.Background(), QueueConfig{
		Name: "bulk", PriorityMin: 8, PriorityMax: 10, MinWorkers: 1, MaxWorkers: 1,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := store.GetTask(context.Background(), result.TaskID)
		return err == nil && rec.Status == StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
}

func TestScheduler_FailureExhaustsRetriesAndRunsRollback(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var rollbackPayload json.RawMessage

	registry := NewExecutorRegistry()
	registry.Register("flaky", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("always fails")
	})
	registry.Register(TypeRollback, func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		mu.Lock()
		rollbackPayload = payload
		mu.Unlock()
		return nil, nil
	})

	cfg := fastConfig(QueueConfig{
		Name: "main", PriorityMin: 1, PriorityMax: 10, MinWorkers: 1, MaxWorkers: 2,
	})
	sched, store := startScheduler(t, cfg, registry)

	result, err := sched.Submit(context.Background(), SubmitRequest{
		Type:            "flaky",
		MaxRetries:      0, // fail permanently on the first attempt
		RollbackPayload: json.RawMessage(`{"record_id":"r1"}`),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := store.GetTask(context.Background(), result.TaskID)
		return err == nil && rec.Status == StatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	// The injected rollback task runs through the normal pipeline.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return rollbackPayload != nil
	}, 3*time.Second, 10*time.Millisecond)

	var payload map[string]any
	mu.Lock()
	require.NoError(t, json.Unmarshal(rollbackPayload, &payload))
	mu.Unlock()
	assert.Equal(t, result.TaskID, payload["original_task_id"])
	assert.Equal(t, "r1", payload["record_id"])
}

func TestScheduler_CancelPendingTask(t *testing.T) {
	t.Parallel()

	// No worker ever claims: zero workers, long poll.
	cfg := Config{
		LeaseTimeout: time.Minute,
		DefaultQueues: []QueueConfig{{
			Name: "idle", PriorityMin: 1, PriorityMax: 10,
			MinWorkers: 0, MaxWorkers: 1, PollInterval: time.Hour,
		}},
	}
	sched, store := startScheduler(t, cfg, NewExecutorRegistry())

	result, err := sched.Submit(context.Background(), SubmitRequest{Type: "noop"})
	require.NoError(t, err)
	require.True(t, result.Assigned)

	ok, err := sched.CancelTask(context.Background(), result.TaskID)
	require.NoError(t, err)
	require.True(t, ok)

	rec, err := store.GetTask(context.Background(), result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, rec.Status)
	assert.False(t, sched.router.isAssigned(result.TaskID))

	ok, err = sched.CancelTask(context.Background(), result.TaskID)
	require.NoError(t, err)
	assert.False(t, ok, "terminal task is not cancellable")
}

func TestScheduler_CancelDuringExecutionWins(t *testing.T) {
	t.Parallel()

	executing := make(chan struct{})
	release := make(chan struct{})
	registry := NewExecutorRegistry()
	registry.Register("slow", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		close(executing)
		<-release
		return json.RawMessage(`{"done":true}`), nil
	})

	cfg := fastConfig(QueueConfig{
		Name: "main", PriorityMin: 1, PriorityMax: 10, MinWorkers: 1, MaxWorkers: 1,
	})
	sched, store := startScheduler(t, cfg, registry)
	ctx := context.Background()

	result, err := sched.Submit(ctx, SubmitRequest{Type: "slow"})
	require.NoError(t, err)

	// Cancel while the worker holds the task mid-execution.
	<-executing
	ok, err := sched.CancelTask(ctx, result.TaskID)
	require.NoError(t, err)
	require.True(t, ok)

	close(release)

	// The worker's completion write loses: the task stays cancelled and
	// the late result is discarded.
	rec, err := store.GetTask(ctx, result.TaskID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, rec.Status)

	require.Never(t, func() bool {
		rec, err := store.GetTask(ctx, result.TaskID)
		return err != nil || rec.Status != StatusCancelled || rec.Result != nil
	}, 200*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, int64(0), sched.stats.completed.Load())
}

func TestScheduler_RetryTaskReroutes(t *testing.T) {
	t.Parallel()

	attempts := make(chan struct{}, 4)
	fail := true
	var mu sync.Mutex
	registry := NewExecutorRegistry()
	registry.Register("flaky", func(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
		attempts <- struct{}{}
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, errors.New("not yet")
		}
		return nil, nil
	})

	cfg := fastConfig(QueueConfig{
		Name: "main", PriorityMin: 1, PriorityMax: 10, MinWorkers: 1, MaxWorkers: 1,
	})
	sched, store := startScheduler(t, cfg, registry)

	result, err := sched.Submit(context.Background(), SubmitRequest{Type: "flaky", MaxRetries: 0})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := store.GetTask(context.Background(), result.TaskID)
		return err == nil && rec.Status == StatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	fail = false
	mu.Unlock()

	ok, err := sched.RetryTask(context.Background(), result.TaskID)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		rec, err := store.GetTask(context.Background(), result.TaskID)
		return err == nil && rec.Status == StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
}

func TestScheduler_StartRecoversOrphans(t *testing.T) {
	t.Parallel()

	registry := NewExecutorRegistry()
	registry.Register("echo", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})

	store := NewMemoryTaskStore()
	stale := time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, store.CreateTask(context.Background(), &TaskRecord{
		ID: "orphan", Type: "echo", Status: StatusProcessing, Priority: 5,
		LeaseOwner: "dead-worker", LeaseAt: &stale,
		ScheduledAt: stale, CreatedAt: stale,
	}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := fastConfig(QueueConfig{
		Name: "main", PriorityMin: 1, PriorityMax: 10, MinWorkers: 1, MaxWorkers: 1,
	})
	cfg.LeaseTimeout = 5 * time.Minute
	sched := New(store, registry, nil, cfg, logger)
	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(sched.Stop)

	require.Eventually(t, func() bool {
		rec, err := store.GetTask(context.Background(), "orphan")
		return err == nil && rec.Status == StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
}

func TestScheduler_QueueLifecycle(t *testing.T) {
	t.Parallel()

	cfg := fastConfig(QueueConfig{
		Name: "main", PriorityMin: 1, PriorityMax: 10, MinWorkers: 1, MaxWorkers: 4,
	})
	sched, _ := startScheduler(t, cfg, NewExecutorRegistry())
	ctx := context.Background()

	t.Run("create validates bounds", func(t *testing.T) {
		_, err := sched.CreateQueue(ctx, QueueConfig{
			Name: "bad", PriorityMin: 5, PriorityMax: 2, MinWorkers: 1, MaxWorkers: 1,
		})
		assert.ErrorIs(t, err, ErrInvalidPriorityRange)

		_, err = sched.CreateQueue(ctx, QueueConfig{
			Name: "bad", PriorityMin: 1, PriorityMax: 2, MinWorkers: 3, MaxWorkers: 1,
		})
		assert.ErrorIs(t, err, ErrInvalidWorkerBounds)
	})

	t.Run("scale within bounds", func(t *testing.T) {
		result, err := sched.ScaleWorkers("main", 3)
		require.NoError(t, err)
		assert.Equal(t, 1, result.PreviousWorkers)
		assert.Equal(t, 3, result.ActiveWorkers)

		// Scale to zero drains the queue without removing it.
		result, err = sched.ScaleWorkers("main", 0)
		require.NoError(t, err)
		assert.Equal(t, 0, result.ActiveWorkers)

		_, err = sched.ScaleWorkers("main", 5)
		assert.ErrorIs(t, err, ErrInvalidWorkerBounds)

		_, err = sched.ScaleWorkers("missing", 1)
		assert.ErrorIs(t, err, ErrQueueNotFound)
	})

	t.Run("remove queue", func(t *testing.T) {
		def, err := sched.CreateQueue(ctx, QueueConfig{
			Name: "temp", PriorityMin: 1, PriorityMax: 10, MinWorkers: 0, MaxWorkers: 1,
			PollInterval: 10 * time.Millisecond,
		})
		require.NoError(t, err)

		queues, err := sched.ListQueues(ctx)
		require.NoError(t, err)
		assert.Len(t, queues, 2)

		require.NoError(t, sched.RemoveQueue(ctx, def.ID))
		queues, err = sched.ListQueues(ctx)
		require.NoError(t, err)
		assert.Len(t, queues, 1)

		assert.ErrorIs(t, sched.RemoveQueue(ctx, def.ID), ErrQueueNotFound)
	})
}

func TestScheduler_RemoveQueueReroutesPendingTasks(t *testing.T) {
	t.Parallel()

	registry := NewExecutorRegistry()
	registry.Register("echo", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})

	// Two covering queues: a drained narrow one that receives the task,
	// and a working wide one that picks it up after removal.
	cfg := fastConfig(
		QueueConfig{Name: "narrow", PriorityMin: 5, PriorityMax: 5, MinWorkers: 0, MaxWorkers: 1, PollInterval: time.Hour},
		QueueConfig{Name: "wide", PriorityMin: 1, PriorityMax: 10, MinWorkers: 1, MaxWorkers: 1},
	)
	sched, store := startScheduler(t, cfg, registry)
	ctx := context.Background()

	result, err := sched.Submit(ctx, SubmitRequest{Type: "echo"})
	require.NoError(t, err)
	require.True(t, result.Assigned)

	queues, err := sched.ListQueues(ctx)
	require.NoError(t, err)
	var narrowID string
	for _, q := range queues {
		if q.Name == "narrow" {
			narrowID = q.ID
		}
	}
	require.Equal(t, narrowID, result.QueueID, "narrowest range wins routing")

	require.NoError(t, sched.RemoveQueue(ctx, narrowID))

	require.Eventually(t, func() bool {
		rec, err := store.GetTask(ctx, result.TaskID)
		return err == nil && rec.Status == StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
}

func TestScheduler_GetStats(t *testing.T) {
	t.Parallel()

	registry := NewExecutorRegistry()
	registry.Register("echo", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})
	cfg := fastConfig(QueueConfig{
		Name: "main", PriorityMin: 1, PriorityMax: 10, MinWorkers: 1, MaxWorkers: 2,
	})
	sched, store := startScheduler(t, cfg, registry)
	ctx := context.Background()

	result, err := sched.Submit(ctx, SubmitRequest{Type: "echo"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec, err := store.GetTask(ctx, result.TaskID)
		return err == nil && rec.Status == StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	stats, err := sched.GetStats(ctx)
	require.NoError(t, err)
	assert.True(t, stats.Running)
	assert.Equal(t, 1, stats.TaskCounts[StatusCompleted])
	assert.Equal(t, 1, stats.TotalTasks)
	assert.Equal(t, int64(1), stats.TasksCompleted)
	assert.GreaterOrEqual(t, stats.TasksProcessed, int64(1))
	require.Len(t, stats.Queues, 1)
	assert.Equal(t, "main", stats.Queues[0].Name)
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	cfg := fastConfig(QueueConfig{
		Name: "main", PriorityMin: 1, PriorityMax: 10, MinWorkers: 2, MaxWorkers: 4,
	})
	sched, _ := startScheduler(t, cfg, NewExecutorRegistry())

	assert.True(t, sched.IsRunning())
	sched.Stop()
	assert.False(t, sched.IsRunning())
	sched.Stop()

	_, err := sched.CreateQueue(context.Background(), QueueConfig{
		Name: "late", PriorityMin: 1, PriorityMax: 10, MinWorkers: 0, MaxWorkers: 1,
	})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestScheduler_UnknownExecutorFailsThroughRetryPath(t *testing.T) {
	t.Parallel()

	cfg := fastConfig(QueueConfig{
		Name: "main", PriorityMin: 1, PriorityMax: 10, MinWorkers: 1, MaxWorkers: 1,
	})
	sched, store := startScheduler(t, cfg, NewExecutorRegistry())

	result, err := sched.Submit(context.Background(), SubmitRequest{Type: "nobody-home", MaxRetries: 0})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := store.GetTask(context.Background(), result.TaskID)
		return err == nil && rec.Status == StatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	rec, err := store.GetTask(context.Background(), result.TaskID)
	require.NoError(t, err)
	assert.Contains(t, rec.ErrorMessage, "no executor registered")
}
