package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status represents the current lifecycle state of a task.
type Status string

// Possible task status values.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// TypeRollback is the task type used for compensating tasks injected when
// a task fails permanently and carries a rollback payload.
const TypeRollback = "rollback_operation"

// PriorityHighest is the most urgent priority. Lower values are more urgent.
const PriorityHighest = 1

// Sentinel errors for scheduler operations.
var (
	// ErrTaskNotFound is returned when the referenced task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrQueueNotFound is returned when the referenced queue does not exist.
	ErrQueueNotFound = errors.New("queue not found")

	// ErrInvalidPriorityRange is returned when a queue is created with
	// priorityMin > priorityMax.
	ErrInvalidPriorityRange = errors.New("invalid priority range")

	// ErrInvalidWorkerBounds is returned when a queue is created with
	// negative worker bounds or minWorkers > maxWorkers.
	ErrInvalidWorkerBounds = errors.New("invalid worker bounds")

	// ErrNotRunning is returned by operations that require a started scheduler.
	ErrNotRunning = errors.New("scheduler is not running")
)

// TaskRecord is the durable representation of a task. It is owned by the
// TaskStore and mutated only through the store's conditional updates.
type TaskRecord struct {
	ID              string
	Type            string
	Status          Status
	Priority        int
	Payload         json.RawMessage
	Result          json.RawMessage
	ErrorMessage    string
	Progress        float64
	RetryCount      int
	MaxRetries      int
	ScheduledAt     time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	LeaseOwner      string
	LeaseAt         *time.Time
	RollbackPayload json.RawMessage
	NeedsRollback   bool
	CreatedAt       time.Time
}

// ListFilter narrows ListTasks results. Zero values mean "no filter";
// Limit of zero applies the store's default page size.
type ListFilter struct {
	Status   Status
	TaskType string
	Skip     int
	Limit    int
}

// TaskStore defines the persistence contract for task records. All state
// transitions are conditional updates: they only apply when the record is
// in the expected prior state, which makes concurrent workers safe.
type TaskStore interface {
	// CreateTask persists a new task record.
	CreateTask(ctx context.Context, record *TaskRecord) error

	// GetTask returns the task with the given id, or ErrTaskNotFound.
	GetTask(ctx context.Context, id string) (*TaskRecord, error)

	// ClaimNext atomically claims one due task (scheduled_at <= now) among
	// candidateIDs that is either pending or processing with a lease older
	// than leaseTimeout (an expired lease is reclaimed from its dead
	// worker), preferring lower priority values and earlier scheduled_at.
	// The claimed task is moved to processing with the lease fields set.
	// Returns (nil, nil) when no task is eligible.
	// A task claimed by a concurrent worker is never returned (skip-locked
	// semantics).
	ClaimNext(
		ctx context.Context,
		workerID string,
		candidateIDs []string,
		leaseTimeout time.Duration,
	) (*TaskRecord, error)

	// UpdateProgress records an observability progress checkpoint.
	UpdateProgress(ctx context.Context, id string, progress float64) error

	// CompleteTask marks a processing task completed, stores the result,
	// and clears the lease. Returns false when the task is no longer
	// processing (cancelled mid-flight, or already finished), in which
	// case nothing is written.
	CompleteTask(ctx context.Context, id string, result json.RawMessage) (bool, error)

	// FailTask marks a processing task permanently failed, records the
	// error, flags it for rollback, and clears the lease. Returns false
	// when the task is no longer processing.
	FailTask(ctx context.Context, id string, errMsg string) (bool, error)

	// RescheduleRetry moves a processing task back to pending with the
	// incremented retry count, the recorded error, and the new due time.
	// The lease and started_at are cleared. Returns false when the task is
	// no longer processing.
	RescheduleRetry(
		ctx context.Context,
		id string,
		errMsg string,
		retryCount int,
		scheduledAt time.Time,
	) (bool, error)

	// CancelTask cancels a pending or processing task. Returns false when
	// the task does not exist or is already in a terminal state.
	CancelTask(ctx context.Context, id string) (bool, error)

	// ResetForRetry moves a failed task back to pending, clearing the
	// error, lease, and completion timestamps. Returns false when the task
	// does not exist or is not failed.
	ResetForRetry(ctx context.Context, id string) (bool, error)

	// DeleteTask removes a task record. Returns false when it does not exist.
	DeleteTask(ctx context.Context, id string) (bool, error)

	// ListTasks returns tasks matching the filter, ordered by
	// (priority asc, scheduled_at desc).
	ListTasks(ctx context.Context, filter ListFilter) ([]*TaskRecord, error)

	// CountByStatus returns the number of tasks in each status.
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// CountPending returns how many of the given tasks are pending and due.
	CountPending(ctx context.Context, candidateIDs []string) (int, error)

	// RecoverOrphans resets processing tasks whose lease is older than
	// leaseTimeout back to pending, clearing the lease and started_at.
	// Returns the ids of the recovered tasks.
	RecoverOrphans(ctx context.Context, leaseTimeout time.Duration) ([]string, error)

	// DeleteFinishedBefore removes completed and cancelled tasks whose
	// completion time is before the cutoff. Returns the number deleted.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
}
