package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/Alexis-Lijeron/microservicioAsync/internal/scheduler"
	"github.com/Alexis-Lijeron/microservicioAsync/internal/service/auth"
	"github.com/Alexis-Lijeron/microservicioAsync/internal/store"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status
// codes based on the error type. This prevents leaking internal error
// types or messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	// Authentication errors
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrTokenNotYetValid),
		errors.Is(err, auth.ErrMissingToken):
		return http.StatusUnauthorized

	// Not found errors
	case errors.Is(err, scheduler.ErrTaskNotFound),
		errors.Is(err, scheduler.ErrQueueNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	// Conflict errors
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict

	// Bad request errors
	case errors.Is(err, scheduler.ErrInvalidPriorityRange),
		errors.Is(err, scheduler.ErrInvalidWorkerBounds),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	// Scheduler not started
	case errors.Is(err, scheduler.ErrNotRunning):
		return http.StatusServiceUnavailable

	// Default: internal server error
	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type. This prevents leaking internal details.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrTokenNotYetValid):
		return "Invalid token"

	case errors.Is(err, auth.ErrMissingToken):
		return "Authentication required"

	case errors.Is(err, scheduler.ErrTaskNotFound):
		return "Task not found"

	case errors.Is(err, scheduler.ErrQueueNotFound):
		return "Queue not found"

	case errors.Is(err, store.ErrRecordNotFound):
		return "Record not found"

	case errors.Is(err, store.ErrNotFound):
		return "Not found"

	case errors.Is(err, store.ErrDuplicate):
		return "Already exists"

	case errors.Is(err, scheduler.ErrInvalidPriorityRange):
		return "Invalid priority range"

	case errors.Is(err, scheduler.ErrInvalidWorkerBounds):
		return "Invalid worker bounds"

	case errors.Is(err, store.ErrInvalidEntity):
		return "Invalid entity data"

	case errors.Is(err, scheduler.ErrNotRunning):
		return "Scheduler is not running"

	default:
		return "An unexpected error occurred"
	}
}

// SanitizeValidationError removes sensitive details from validation errors
// and returns a user-friendly message.
func SanitizeValidationError(err error) string {
	errMsg := err.Error()

	if strings.Contains(errMsg, "Field validation") {
		// Example: "Key: 'SubmitTaskRequest.Type' Error:Field validation
		// for 'Type' failed on the 'required' tag"
		parts := strings.Split(errMsg, "Error:")
		if len(parts) >= 2 {
			fieldParts := strings.Split(parts[1], "'")
			if len(fieldParts) >= 3 {
				field := fieldParts[1]
				var tag string
				if len(fieldParts) >= 5 {
					tag = fieldParts[3]
				}
				if tag != "" {
					return "Invalid " + field + ": " + getValidationTagMessage(tag)
				}
				return "Invalid " + field
			}
		}
	}

	return "Validation error"
}

// getValidationTagMessage maps validation tags to user-friendly error messages
func getValidationTagMessage(tag string) string {
	switch tag {
	case "required":
		return "required field"
	case "min", "gte":
		return "too small"
	case "max", "lte":
		return "too large"
	case "oneof":
		return "invalid value"
	default:
		return "validation failed"
	}
}
