package events

import (
	"context"
	"time"
)

// Event kinds emitted by the scheduler.
const (
	TaskSubmitted = "task.submitted"
	TaskClaimed   = "task.claimed"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
	TaskRetried   = "task.retried"
	TaskCancelled = "task.cancelled"
)

// TaskEvent describes a single task lifecycle transition.
type TaskEvent struct {
	Kind     string    `json:"kind"`
	TaskID   string    `json:"task_id"`
	TaskType string    `json:"task_type"`
	QueueID  string    `json:"queue_id,omitempty"`
	WorkerID string    `json:"worker_id,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Emitter publishes task events. Implementations must be safe for
// concurrent use and must not block the caller on slow consumers.
type Emitter interface {
	Emit(ctx context.Context, event TaskEvent)
}

// Handler receives events dispatched by the in-memory emitter.
type Handler interface {
	HandleEvent(ctx context.Context, event TaskEvent)
}

// NoopEmitter discards all events. Used when event publishing is disabled.
type NoopEmitter struct{}

// Emit implements Emitter.
func (NoopEmitter) Emit(context.Context, TaskEvent) {}
