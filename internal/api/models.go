package api

import (
	"encoding/json"
	"time"

	"github.com/Alexis-Lijeron/microservicioAsync/internal/scheduler"
)

// SubmitTaskRequest is the request body for task submission.
type SubmitTaskRequest struct {
	TaskType        string          `json:"task_type"        validate:"required"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Priority        *int            `json:"priority,omitempty"         validate:"omitempty,gte=1,lte=10"`
	MaxRetries      int             `json:"max_retries"       validate:"gte=0"`
	RollbackPayload json.RawMessage `json:"rollback_payload,omitempty"`
}

// SubmitTaskResponse reports where a submitted task landed.
type SubmitTaskResponse struct {
	TaskID   string `json:"task_id"`
	QueueID  string `json:"queue_id,omitempty"`
	Assigned bool   `json:"assigned"`
	Priority int    `json:"priority"`
	Status   string `json:"status"`
}

// TaskResponse is the API representation of a task record.
type TaskResponse struct {
	ID            string          `json:"id"`
	TaskType      string          `json:"task_type"`
	Status        string          `json:"status"`
	Priority      int             `json:"priority"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	Progress      float64         `json:"progress"`
	RetryCount    int             `json:"retry_count"`
	MaxRetries    int             `json:"max_retries"`
	ScheduledAt   time.Time       `json:"scheduled_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	NeedsRollback bool            `json:"needs_rollback"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewTaskResponse converts a task record into its API representation.
func NewTaskResponse(rec *scheduler.TaskRecord) TaskResponse {
	return TaskResponse{
		ID:            rec.ID,
		TaskType:      rec.Type,
		Status:        string(rec.Status),
		Priority:      rec.Priority,
		Payload:       rec.Payload,
		Result:        rec.Result,
		ErrorMessage:  rec.ErrorMessage,
		Progress:      rec.Progress,
		RetryCount:    rec.RetryCount,
		MaxRetries:    rec.MaxRetries,
		ScheduledAt:   rec.ScheduledAt,
		StartedAt:     rec.StartedAt,
		CompletedAt:   rec.CompletedAt,
		NeedsRollback: rec.NeedsRollback,
		CreatedAt:     rec.CreatedAt,
	}
}

// TaskListResponse is a page of task records.
type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
	Count int            `json:"count"`
	Skip  int            `json:"skip"`
	Limit int            `json:"limit"`
}

// CreateQueueRequest is the request body for dynamic queue creation.
type CreateQueueRequest struct {
	Name        string `json:"name"         validate:"required,min=1,max=64"`
	PriorityMin int    `json:"priority_min" validate:"gte=1,lte=10"`
	PriorityMax int    `json:"priority_max" validate:"gte=1,lte=10"`
	MinWorkers  int    `json:"min_workers"  validate:"gte=0"`
	MaxWorkers  int    `json:"max_workers"  validate:"gte=1"`
	PollSeconds int    `json:"poll_seconds" validate:"gte=0"`
	AutoScale   bool   `json:"auto_scale"`
}

// QueueResponse is the API representation of a queue definition.
type QueueResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	PriorityMin int       `json:"priority_min"`
	PriorityMax int       `json:"priority_max"`
	MinWorkers  int       `json:"min_workers"`
	MaxWorkers  int       `json:"max_workers"`
	PollSeconds float64   `json:"poll_seconds"`
	AutoScale   bool      `json:"auto_scale"`
	Dynamic     bool      `json:"dynamic"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewQueueResponse converts a queue definition into its API representation.
func NewQueueResponse(def scheduler.QueueDefinition) QueueResponse {
	return QueueResponse{
		ID:          def.ID,
		Name:        def.Name,
		PriorityMin: def.PriorityMin,
		PriorityMax: def.PriorityMax,
		MinWorkers:  def.MinWorkers,
		MaxWorkers:  def.MaxWorkers,
		PollSeconds: def.PollInterval.Seconds(),
		AutoScale:   def.AutoScale,
		Dynamic:     def.Dynamic,
		CreatedAt:   def.CreatedAt,
	}
}

// ScaleWorkersRequest is the request body for manual worker scaling.
type ScaleWorkersRequest struct {
	Workers int `json:"workers" validate:"gte=0"`
}

// SetPriorityRequest is the request body for updating the priority of a
// task type.
type SetPriorityRequest struct {
	Priority int `json:"priority" validate:"required,gte=1,lte=10"`
}

// CleanupRequest is the request body for old-task cleanup. OlderThanHours
// of zero applies the server's configured retention.
type CleanupRequest struct {
	OlderThanHours int `json:"older_than_hours" validate:"gte=0"`
}

// CleanupResponse reports how many finished tasks were removed.
type CleanupResponse struct {
	Deleted int `json:"deleted"`
}

// MessageResponse is a generic acknowledgement body.
type MessageResponse struct {
	Message string `json:"message"`
}
