package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/Alexis-Lijeron/microservicioAsync/internal/api/shared"
	"github.com/Alexis-Lijeron/microservicioAsync/internal/scheduler"
)

// QueueHandler handles queue management API requests.
type QueueHandler struct {
	scheduler *scheduler.Scheduler
	validator *validator.Validate
	logger    *slog.Logger
}

// NewQueueHandler creates a new QueueHandler with the given dependencies.
func NewQueueHandler(sched *scheduler.Scheduler, logger *slog.Logger) *QueueHandler {
	return &QueueHandler{
		scheduler: sched,
		validator: validator.New(),
		logger:    logger.With("component", "queue_handler"),
	}
}

// List handles GET /queues, returning all queues with live stats.
func (h *QueueHandler) List(w http.ResponseWriter, r *http.Request) {
	stats, err := h.scheduler.ListQueues(r.Context())
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]interface{}{
		"queues": stats,
		"count":  len(stats),
	})
}

// Create handles POST /queues, adding a dynamic queue at runtime.
func (h *QueueHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateQueueRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	def, err := h.scheduler.CreateQueue(r.Context(), scheduler.QueueConfig{
		Name:         req.Name,
		PriorityMin:  req.PriorityMin,
		PriorityMax:  req.PriorityMax,
		MinWorkers:   req.MinWorkers,
		MaxWorkers:   req.MaxWorkers,
		PollInterval: time.Duration(req.PollSeconds) * time.Second,
		AutoScale:    req.AutoScale,
	})
	if err != nil {
		h.logger.Error("failed to create queue",
			"queue_name", req.Name,
			"error", err)
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusCreated, NewQueueResponse(def))
}

// Remove handles DELETE /queues/{id}. Pending tasks assigned to the queue
// are re-routed across the remaining queues.
func (h *QueueHandler) Remove(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.scheduler.RemoveQueue(r.Context(), id); err != nil {
		if errors.Is(err, scheduler.ErrQueueNotFound) {
			shared.RespondWithError(w, r, http.StatusNotFound, "Queue not found")
			return
		}
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, MessageResponse{Message: "Queue removed"})
}

// Scale handles POST /queues/{id}/scale, setting the queue's worker count.
// The queue may be referenced by id or by name.
func (h *QueueHandler) Scale(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "id")

	var req ScaleWorkersRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	result, err := h.scheduler.ScaleWorkers(ref, req.Workers)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, result)
}

// ListPriorities handles GET /priorities, returning the current task-type
// to priority bindings.
func (h *QueueHandler) ListPriorities(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]interface{}{
		"priorities": h.scheduler.Priorities().Snapshot(),
	})
}

// SetPriority handles PUT /priorities/{task_type}, binding a task type to
// a priority for future submissions.
func (h *QueueHandler) SetPriority(w http.ResponseWriter, r *http.Request) {
	taskType := chi.URLParam(r, "task_type")
	if taskType == "" {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Task type is required")
		return
	}

	var req SetPriorityRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	h.scheduler.SetTaskPriority(taskType, req.Priority)
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]interface{}{
		"task_type": taskType,
		"priority":  req.Priority,
	})
}
