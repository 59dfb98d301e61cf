// Package api provides HTTP handlers for the API.
package api

import (
	"errors"
	"net/http"

	"github.com/phrazzld/taskrelay/internal/domain"
	"github.com/phrazzld/taskrelay/internal/queue"
	"github.com/phrazzld/taskrelay/internal/repository"
	"github.com/phrazzld/taskrelay/internal/store"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status
// codes based on the error type. This prevents leaking internal error
// types or messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	// Not found errors
	case errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	// Backpressure: admission rejected, retry later
	case errors.Is(err, repository.ErrQueueFull):
		return http.StatusTooManyRequests

	// The task exists but has no terminal result yet
	case errors.Is(err, repository.ErrResultNotReady):
		return http.StatusConflict

	// Conflict errors
	case errors.Is(err, store.ErrTaskExists),
		errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict

	// Bad request errors
	case errors.Is(err, domain.ErrInvalidSpec),
		errors.Is(err, store.ErrInvalidEntity),
		errors.Is(err, queue.ErrInvalidLimit):
		return http.StatusBadRequest

	// Default: internal server error
	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-friendly error message
// based on the error type. This prevents leaking sensitive internal
// details.
func GetSafeErrorMessage(err error) string {
	if err == nil {
		return "An unexpected error occurred"
	}

	switch {
	case errors.Is(err, store.ErrTaskNotFound),
		errors.Is(err, store.ErrNotFound):
		return "Task not found"

	case errors.Is(err, repository.ErrQueueFull):
		return "Queue is full"

	case errors.Is(err, repository.ErrResultNotReady):
		return "Task result not ready"

	case errors.Is(err, store.ErrTaskExists),
		errors.Is(err, store.ErrDuplicate):
		return "Task already exists"

	case errors.Is(err, domain.ErrInvalidSpec):
		// The spec validation errors are all caller-facing.
		return err.Error()

	case errors.Is(err, store.ErrInvalidEntity):
		return "Invalid task data"

	case errors.Is(err, queue.ErrInvalidLimit):
		return "Limit must be at least 1"

	default:
		return "An unexpected error occurred"
	}
}
