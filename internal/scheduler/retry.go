package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Alexis-Lijeron/microservicioAsync/internal/events"
)

// Retry backoff bounds: the delay doubles per attempt starting at
// retryBackoffBase and never exceeds retryBackoffCap.
const (
	retryBackoffBase = 30 * time.Second
	retryBackoffCap  = 300 * time.Second
)

// RetryDelay returns the backoff before retry attempt n (0-based): 30s,
// 60s, 120s, 240s, then capped at 300s.
func RetryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := retryBackoffBase << attempt
	if delay > retryBackoffCap || delay <= 0 {
		return retryBackoffCap
	}
	return delay
}

// handleFailure classifies an execution failure: schedule a delayed retry
// while the retry budget lasts, otherwise mark the task permanently failed,
// release its assignment, and inject a rollback task if the record carries
// a rollback payload.
func (s *Scheduler) handleFailure(ctx context.Context, rec *TaskRecord, execErr error) {
	logger := s.logger.With("task_id", rec.ID, "task_type", rec.Type)

	if rec.RetryCount < rec.MaxRetries {
		delay := RetryDelay(rec.RetryCount)
		retryCount := rec.RetryCount + 1
		scheduledAt := time.Now().UTC().Add(delay)

		applied, err := s.store.RescheduleRetry(ctx, rec.ID, execErr.Error(), retryCount, scheduledAt)
		if err != nil {
			logger.Error("failed to reschedule retry", "error", err)
			return
		}
		if !applied {
			// Cancelled while executing; the cancellation wins over the retry.
			logger.Info("task no longer processing, skipping retry")
			s.router.release(rec.ID)
			return
		}

		// The assignment is kept: the retry stays with the same queue.
		logger.Info("scheduled task retry",
			"retry_count", retryCount,
			"max_retries", rec.MaxRetries,
			"delay", delay)
		s.emit(ctx, events.TaskEvent{
			Kind:     events.TaskRetried,
			TaskID:   rec.ID,
			TaskType: rec.Type,
			Error:    execErr.Error(),
			At:       time.Now().UTC(),
		})
		return
	}

	applied, err := s.store.FailTask(ctx, rec.ID, execErr.Error())
	if err != nil {
		logger.Error("failed to mark task as failed", "error", err)
		return
	}
	if !applied {
		// Cancelled while executing; no failure accounting, no rollback.
		logger.Info("task no longer processing, skipping failure handling")
		s.router.release(rec.ID)
		return
	}
	s.router.release(rec.ID)
	s.stats.failed.Add(1)

	logger.Error("task failed permanently",
		"retry_count", rec.RetryCount,
		"max_retries", rec.MaxRetries,
		"error", execErr)
	s.emit(ctx, events.TaskEvent{
		Kind:     events.TaskFailed,
		TaskID:   rec.ID,
		TaskType: rec.Type,
		Error:    execErr.Error(),
		At:       time.Now().UTC(),
	})

	if len(rec.RollbackPayload) > 0 {
		s.injectRollback(ctx, rec)
	}
}

// injectRollback submits a compensating task at the highest urgency,
// carrying the failed task's rollback payload and id. It goes through the
// normal submission path, so it is routed, claimed, and executed like any
// other task.
func (s *Scheduler) injectRollback(ctx context.Context, failed *TaskRecord) {
	payload := make(map[string]json.RawMessage)
	if err := json.Unmarshal(failed.RollbackPayload, &payload); err != nil {
		s.logger.Error("rollback payload is not a JSON object, skipping rollback",
			"task_id", failed.ID,
			"error", err)
		return
	}
	originalID, err := json.Marshal(failed.ID)
	if err != nil {
		s.logger.Error("failed to encode original task id", "task_id", failed.ID, "error", err)
		return
	}
	payload["original_task_id"] = originalID

	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to encode rollback payload", "task_id", failed.ID, "error", err)
		return
	}

	priority := PriorityHighest
	result, err := s.Submit(ctx, SubmitRequest{
		Type:       TypeRollback,
		Payload:    body,
		Priority:   &priority,
		MaxRetries: s.cfg.DefaultMaxRetries,
	})
	if err != nil {
		s.logger.Error("failed to submit rollback task",
			"original_task_id", failed.ID,
			"error", err)
		return
	}

	s.logger.Info("rollback task scheduled",
		"original_task_id", failed.ID,
		"rollback_task_id", result.TaskID)
}
