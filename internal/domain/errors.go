package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrInvalidSpec is returned when a task spec fails validation.
	// This is often wrapped with a more specific error message.
	ErrInvalidSpec = errors.New("invalid task spec")

	// ErrEmptyTaskURL is returned when a spec has no target URL.
	ErrEmptyTaskURL = errors.New("task URL cannot be empty")

	// ErrInvalidTaskURL is returned when the target URL cannot be parsed
	// or uses an unsupported scheme.
	ErrInvalidTaskURL = errors.New("invalid task URL")

	// ErrInvalidTaskMethod is returned when the HTTP method is not one
	// of the supported verbs.
	ErrInvalidTaskMethod = errors.New("invalid task method")

	// ErrNegativeRetries is returned when the retry budget is negative.
	ErrNegativeRetries = errors.New("retry budget cannot be negative")

	// ErrInvalidTaskStatus is returned when a status is not valid.
	ErrInvalidTaskStatus = errors.New("invalid task status")

	// ErrResultWithoutTerminal is returned when a result is attached to a
	// task that has not reached a terminal status.
	ErrResultWithoutTerminal = errors.New("result requires a terminal status")
)
