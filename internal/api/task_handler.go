package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/Alexis-Lijeron/microservicioAsync/internal/api/shared"
	"github.com/Alexis-Lijeron/microservicioAsync/internal/scheduler"
)

// maxListLimit caps the page size of task listings.
const maxListLimit = 500

// TaskHandler handles task submission and lifecycle API requests.
type TaskHandler struct {
	scheduler    *scheduler.Scheduler
	cleanupAfter time.Duration
	validator    *validator.Validate
	logger       *slog.Logger
}

// NewTaskHandler creates a new TaskHandler with the given dependencies.
// cleanupAfter is the retention applied when a cleanup request does not
// specify its own.
func NewTaskHandler(
	sched *scheduler.Scheduler,
	cleanupAfter time.Duration,
	logger *slog.Logger,
) *TaskHandler {
	return &TaskHandler{
		scheduler:    sched,
		cleanupAfter: cleanupAfter,
		validator:    validator.New(),
		logger:       logger.With("component", "task_handler"),
	}
}

// Submit handles POST /tasks. The task is persisted and routed before the
// response is written; execution happens asynchronously.
func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	result, err := h.scheduler.Submit(r.Context(), scheduler.SubmitRequest{
		Type:            req.TaskType,
		Payload:         req.Payload,
		Priority:        req.Priority,
		MaxRetries:      req.MaxRetries,
		RollbackPayload: req.RollbackPayload,
	})
	if err != nil {
		h.logger.Error("failed to submit task",
			"task_type", req.TaskType,
			"error", err)
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, SubmitTaskResponse{
		TaskID:   result.TaskID,
		QueueID:  result.QueueID,
		Assigned: result.Assigned,
		Priority: result.Priority,
		Status:   string(scheduler.StatusPending),
	})
}

// Get handles GET /tasks/{id}.
func (h *TaskHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.scheduler.GetTask(r.Context(), id)
	if err != nil {
		shared.RespondWithError(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err))
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, NewTaskResponse(rec))
}

// List handles GET /tasks with optional status, task_type, skip, and limit
// query parameters.
func (h *TaskHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := scheduler.ListFilter{
		Status:   scheduler.Status(r.URL.Query().Get("status")),
		TaskType: r.URL.Query().Get("task_type"),
	}

	var err error
	if filter.Skip, err = queryInt(r, "skip", 0); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid skip parameter")
		return
	}
	if filter.Limit, err = queryInt(r, "limit", 0); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid limit parameter")
		return
	}
	if filter.Skip < 0 || filter.Limit < 0 || filter.Limit > maxListLimit {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid pagination parameters")
		return
	}

	recs, err := h.scheduler.ListTasks(r.Context(), filter)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	tasks := make([]TaskResponse, 0, len(recs))
	for _, rec := range recs {
		tasks = append(tasks, NewTaskResponse(rec))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, TaskListResponse{
		Tasks: tasks,
		Count: len(tasks),
		Skip:  filter.Skip,
		Limit: filter.Limit,
	})
}

// Cancel handles POST /tasks/{id}/cancel. Only pending and processing
// tasks can be cancelled.
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ok, err := h.scheduler.CancelTask(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	if !ok {
		shared.RespondWithError(w, r, http.StatusConflict, "Task cannot be cancelled in its current state")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, MessageResponse{Message: "Task cancelled"})
}

// Retry handles POST /tasks/{id}/retry. Only failed tasks can be retried
// manually.
func (h *TaskHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ok, err := h.scheduler.RetryTask(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	if !ok {
		shared.RespondWithError(w, r, http.StatusConflict, "Task is not in a failed state")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, MessageResponse{Message: "Task queued for retry"})
}

// Delete handles DELETE /tasks/{id}.
func (h *TaskHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ok, err := h.scheduler.DeleteTask(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	if !ok {
		shared.RespondWithError(w, r, http.StatusNotFound, "Task not found")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, MessageResponse{Message: "Task deleted"})
}

// Stats handles GET /scheduler/stats.
func (h *TaskHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.scheduler.GetStats(r.Context())
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, stats)
}

// Cleanup handles POST /scheduler/cleanup, removing completed and
// cancelled tasks older than the requested (or configured) retention.
func (h *TaskHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	req := CleanupRequest{}
	if r.ContentLength > 0 {
		if err := shared.DecodeJSON(r, &req); err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
			return
		}
		if err := h.validator.Struct(req); err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
			return
		}
	}

	olderThan := h.cleanupAfter
	if req.OlderThanHours > 0 {
		olderThan = time.Duration(req.OlderThanHours) * time.Hour
	}

	deleted, err := h.scheduler.CleanupOldTasks(r.Context(), olderThan)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, CleanupResponse{Deleted: deleted})
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("invalid integer parameter")
	}
	return n, nil
}
