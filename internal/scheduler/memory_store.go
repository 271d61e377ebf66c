package scheduler

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryTaskStore is a TaskStore backed by a mutex-guarded map. It applies
// the same conditional state transitions as the SQL store, so the
// scheduler behaves identically against either. Used in tests and for
// running without a database.
type MemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*TaskRecord
}

// NewMemoryTaskStore creates an empty in-memory task store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]*TaskRecord)}
}

var _ TaskStore = (*MemoryTaskStore)(nil)

// CreateTask stores a copy of the record.
func (s *MemoryTaskStore) CreateTask(_ context.Context, record *TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *record
	s.tasks[record.ID] = &clone
	return nil
}

// GetTask returns a copy of the task or ErrTaskNotFound.
func (s *MemoryTaskStore) GetTask(_ context.Context, id string) (*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	clone := *rec
	return &clone, nil
}

// ClaimNext picks the most urgent due candidate and moves it to processing
// under the whole-store lock, which gives the same exclusivity as the SQL
// store's row locking.
func (s *MemoryTaskStore) ClaimNext(
	_ context.Context,
	workerID string,
	candidateIDs []string,
	leaseTimeout time.Duration,
) (*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	leaseCutoff := now.Add(-leaseTimeout)

	var best *TaskRecord
	for _, id := range candidateIDs {
		rec, ok := s.tasks[id]
		if !ok {
			continue
		}
		eligible := rec.Status == StatusPending ||
			(rec.Status == StatusProcessing && rec.LeaseAt != nil && rec.LeaseAt.Before(leaseCutoff))
		if !eligible || rec.ScheduledAt.After(now) {
			continue
		}
		if best == nil ||
			rec.Priority < best.Priority ||
			(rec.Priority == best.Priority && rec.ScheduledAt.Before(best.ScheduledAt)) {
			best = rec
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Status = StatusProcessing
	best.LeaseOwner = workerID
	leaseAt := now
	best.LeaseAt = &leaseAt
	startedAt := now
	best.StartedAt = &startedAt
	best.Progress = progressStarted

	clone := *best
	return &clone, nil
}

// UpdateProgress records a progress checkpoint.
func (s *MemoryTaskStore) UpdateProgress(_ context.Context, id string, progress float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	rec.Progress = progress
	return nil
}

// CompleteTask marks a processing task completed. A task that is no longer
// processing (cancelled while the worker ran it) is left untouched.
func (s *MemoryTaskStore) CompleteTask(_ context.Context, id string, result json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok || rec.Status != StatusProcessing {
		return false, nil
	}
	now := time.Now().UTC()
	rec.Status = StatusCompleted
	rec.Result = result
	rec.Progress = 100
	rec.CompletedAt = &now
	rec.LeaseOwner = ""
	rec.LeaseAt = nil
	return true, nil
}

// FailTask marks a processing task permanently failed and flags it for
// rollback.
func (s *MemoryTaskStore) FailTask(_ context.Context, id string, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok || rec.Status != StatusProcessing {
		return false, nil
	}
	now := time.Now().UTC()
	rec.Status = StatusFailed
	rec.ErrorMessage = errMsg
	rec.NeedsRollback = true
	rec.CompletedAt = &now
	rec.LeaseOwner = ""
	rec.LeaseAt = nil
	return true, nil
}

// RescheduleRetry moves a processing task back to pending with a future
// due time.
func (s *MemoryTaskStore) RescheduleRetry(
	_ context.Context,
	id string,
	errMsg string,
	retryCount int,
	scheduledAt time.Time,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok || rec.Status != StatusProcessing {
		return false, nil
	}
	rec.Status = StatusPending
	rec.ErrorMessage = errMsg
	rec.RetryCount = retryCount
	rec.ScheduledAt = scheduledAt
	rec.Progress = 0
	rec.StartedAt = nil
	rec.LeaseOwner = ""
	rec.LeaseAt = nil
	return true, nil
}

// CancelTask cancels a pending or processing task.
func (s *MemoryTaskStore) CancelTask(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return false, nil
	}
	if rec.Status != StatusPending && rec.Status != StatusProcessing {
		return false, nil
	}
	now := time.Now().UTC()
	rec.Status = StatusCancelled
	rec.CompletedAt = &now
	rec.LeaseOwner = ""
	rec.LeaseAt = nil
	return true, nil
}

// ResetForRetry moves a failed task back to pending.
func (s *MemoryTaskStore) ResetForRetry(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok || rec.Status != StatusFailed {
		return false, nil
	}
	rec.Status = StatusPending
	rec.ErrorMessage = ""
	rec.Progress = 0
	rec.ScheduledAt = time.Now().UTC()
	rec.StartedAt = nil
	rec.CompletedAt = nil
	rec.LeaseOwner = ""
	rec.LeaseAt = nil
	return true, nil
}

// DeleteTask removes a task record.
func (s *MemoryTaskStore) DeleteTask(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return false, nil
	}
	delete(s.tasks, id)
	return true, nil
}

// ListTasks returns matching tasks ordered by (priority asc, scheduled_at desc).
func (s *MemoryTaskStore) ListTasks(_ context.Context, filter ListFilter) ([]*TaskRecord, error) {
	s.mu.Lock()
	matched := make([]*TaskRecord, 0, len(s.tasks))
	for _, rec := range s.tasks {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.TaskType != "" && rec.Type != filter.TaskType {
			continue
		}
		clone := *rec
		matched = append(matched, &clone)
	}
	s.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority < matched[j].Priority
		}
		return matched[i].ScheduledAt.After(matched[j].ScheduledAt)
	})

	if filter.Skip > 0 {
		if filter.Skip >= len(matched) {
			return []*TaskRecord{}, nil
		}
		matched = matched[filter.Skip:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// CountByStatus returns the number of tasks in each status.
func (s *MemoryTaskStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[Status]int)
	for _, rec := range s.tasks {
		counts[rec.Status]++
	}
	return counts, nil
}

// CountPending returns how many of the given tasks are pending and due.
func (s *MemoryTaskStore) CountPending(_ context.Context, candidateIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	count := 0
	for _, id := range candidateIDs {
		rec, ok := s.tasks[id]
		if ok && rec.Status == StatusPending && !rec.ScheduledAt.After(now) {
			count++
		}
	}
	return count, nil
}

// RecoverOrphans resets processing tasks with expired leases to pending.
func (s *MemoryTaskStore) RecoverOrphans(_ context.Context, leaseTimeout time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-leaseTimeout)
	var recovered []string
	for id, rec := range s.tasks {
		if rec.Status != StatusProcessing {
			continue
		}
		if rec.LeaseAt != nil && !rec.LeaseAt.Before(cutoff) {
			continue
		}
		rec.Status = StatusPending
		rec.Progress = 0
		rec.StartedAt = nil
		rec.LeaseOwner = ""
		rec.LeaseAt = nil
		recovered = append(recovered, id)
	}
	return recovered, nil
}

// DeleteFinishedBefore removes completed and cancelled tasks finished
// before the cutoff.
func (s *MemoryTaskStore) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, rec := range s.tasks {
		if rec.Status != StatusCompleted && rec.Status != StatusCancelled {
			continue
		}
		if rec.CompletedAt == nil || !rec.CompletedAt.Before(cutoff) {
			continue
		}
		delete(s.tasks, id)
		deleted++
	}
	return deleted, nil
}
