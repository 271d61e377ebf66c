package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Alexis-Lijeron/microservicioAsync/internal/events"
)

// addWorker spawns one worker loop for the queue. Each worker gets its own
// context derived from the queue's, so scale-down and queue removal can
// both stop it.
func (s *Scheduler) addWorker(q *queueRuntime) {
	ctx, cancel := context.WithCancel(q.ctx)
	w := &workerHandle{
		id:        fmt.Sprintf("%s-worker-%s", q.def.Name, uuid.NewString()[:8]),
		createdAt: time.Now().UTC(),
		cancel:    cancel,
	}
	w.touch()

	q.mu.Lock()
	q.workers[w.id] = w
	q.mu.Unlock()

	s.wg.Add(1)
	go s.runWorker(ctx, q, w)
}

// removeOneWorker cancels the most recently added worker, reversing the
// scale-up order. The worker finishes its current task before exiting.
func (s *Scheduler) removeOneWorker(q *queueRuntime) {
	q.mu.Lock()
	var victim *workerHandle
	for _, w := range q.workers {
		if victim == nil || w.createdAt.After(victim.createdAt) {
			victim = w
		}
	}
	if victim != nil {
		delete(q.workers, victim.id)
	}
	q.mu.Unlock()

	if victim != nil {
		victim.cancel()
	}
}

// runMonitor periodically checks the queue's backlog, wakes workers when
// pending work exists, and drives auto-scaling. One monitor runs per queue
// for its whole lifetime.
func (s *Scheduler) runMonitor(q *queueRuntime) {
	defer s.wg.Done()
	logger := s.logger.With("queue_name", q.def.Name, "queue_id", q.def.ID)
	logger.Debug("queue monitor started", "poll_interval", q.def.PollInterval)

	ticker := time.NewTicker(q.def.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			logger.Debug("queue monitor stopped")
			return
		case <-ticker.C:
		}

		pending, err := s.store.CountPending(q.ctx, s.router.tasksFor(q.def.ID))
		if err != nil {
			if q.ctx.Err() == nil {
				logger.Warn("failed to count pending tasks", "error", err)
			}
			continue
		}
		if pending == 0 {
			continue
		}

		q.notifier.Broadcast()
		if q.def.AutoScale {
			s.autoscale(q, pending)
		}
	}
}

// autoscale adjusts the queue's worker count by at most one worker per
// monitor tick: grow when the backlog is more than three times the active
// workers, shrink when it is smaller than the worker count. Bounds are the
// queue's configured MinWorkers and MaxWorkers.
func (s *Scheduler) autoscale(q *queueRuntime, pending int) {
	active := q.activeWorkers()
	switch {
	case pending > active*3 && active < q.def.MaxWorkers:
		s.addWorker(q)
		s.logger.Info("queue scaled up",
			"queue_name", q.def.Name,
			"pending_tasks", pending,
			"active_workers", active+1)
	case pending < active && active > q.def.MinWorkers:
		s.removeOneWorker(q)
		s.logger.Info("queue scaled down",
			"queue_name", q.def.Name,
			"pending_tasks", pending,
			"active_workers", active-1)
	}
}

// runWorker is the main worker loop: drain claimable tasks, then block on
// either the queue's notifier or the poll interval. The wake channel is
// taken before draining so a broadcast arriving mid-drain is not lost.
func (s *Scheduler) runWorker(ctx context.Context, q *queueRuntime, w *workerHandle) {
	defer s.wg.Done()
	logger := s.logger.With(
		"queue_name", q.def.Name,
		"worker_id", w.id)
	logger.Debug("worker started")

	for {
		wake := q.notifier.wait()
		claimed := s.drainQueue(ctx, q, w)
		if ctx.Err() != nil {
			logger.Debug("worker stopped")
			return
		}
		if claimed {
			// The batch cap was hit with work possibly remaining; loop
			// again without sleeping.
			continue
		}

		timer := time.NewTimer(q.def.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Debug("worker stopped")
			return
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// drainQueue claims and executes tasks until the queue is empty, a store
// error occurs, or the batch cap is reached. Returns whether the final
// claim attempt still found work.
func (s *Scheduler) drainQueue(ctx context.Context, q *queueRuntime, w *workerHandle) bool {
	limit := claimBatchLimit(q.def)
	for i := 0; i < limit; i++ {
		if ctx.Err() != nil {
			return false
		}
		if !s.processNext(ctx, q, w) {
			return false
		}
	}
	return true
}

// processNext claims one due task assigned to the queue and runs it to a
// terminal outcome for this attempt: completed, retried, or failed.
// Returns false when nothing was claimed.
func (s *Scheduler) processNext(ctx context.Context, q *queueRuntime, w *workerHandle) bool {
	candidates := s.router.tasksFor(q.def.ID)
	if len(candidates) == 0 {
		return false
	}

	rec, err := s.store.ClaimNext(ctx, w.id, candidates, s.cfg.LeaseTimeout)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to claim task",
				"queue_name", q.def.Name,
				"worker_id", w.id,
				"error", err)
		}
		return false
	}
	if rec == nil {
		return false
	}

	w.touch()
	s.stats.processed.Add(1)
	logger := s.logger.With(
		"task_id", rec.ID,
		"task_type", rec.Type,
		"worker_id", w.id)
	logger.Info("task claimed", "priority", rec.Priority, "retry_count", rec.RetryCount)
	s.emit(ctx, events.TaskEvent{
		Kind:     events.TaskClaimed,
		TaskID:   rec.ID,
		TaskType: rec.Type,
		QueueID:  q.def.ID,
		WorkerID: w.id,
		At:       time.Now().UTC(),
	})

	exec, ok := s.executors.Get(rec.Type)
	if !ok {
		s.handleFailure(ctx, rec, fmt.Errorf("no executor registered for task type %q", rec.Type))
		return true
	}

	started := time.Now()
	result, execErr := exec(ctx, rec.Payload)
	if execErr != nil {
		logger.Warn("task execution failed",
			"duration", time.Since(started),
			"error", execErr)
		s.handleFailure(ctx, rec, execErr)
		return true
	}

	if err := s.store.UpdateProgress(ctx, rec.ID, progressFinishing); err != nil {
		logger.Warn("failed to update task progress", "error", err)
	}
	applied, err := s.store.CompleteTask(ctx, rec.ID, result)
	if err != nil {
		logger.Error("failed to mark task as completed", "error", err)
		return true
	}
	if !applied {
		// The task left the processing state while we executed it, which
		// means it was cancelled. Its terminal status stands.
		logger.Info("task no longer processing, discarding result")
		s.router.release(rec.ID)
		return true
	}

	s.router.release(rec.ID)
	s.stats.completed.Add(1)
	q.processed.Add(1)
	w.processed.Add(1)
	w.touch()

	logger.Info("task completed", "duration", time.Since(started))
	s.emit(ctx, events.TaskEvent{
		Kind:     events.TaskCompleted,
		TaskID:   rec.ID,
		TaskType: rec.Type,
		QueueID:  q.def.ID,
		WorkerID: w.id,
		At:       time.Now().UTC(),
	})
	return true
}

// Progress milestones: the store sets progressStarted when a claim
// succeeds; the worker reports progressFinishing after the executor
// returns, before the completion write.
const (
	progressStarted   = 10
	progressFinishing = 90
)
