// Package scheduler defines the contract for the external execution
// facility the queue delegates dispatched work to, together with a
// read-through state cache and a local in-process implementation.
//
// The facility is allowed to run submitted work on a schedule of its
// own choosing. Callers must never assume timely observation of state
// changes and must tolerate StateNotFound meaning either "not yet
// visible" or "lost"; the two are disambiguated only by task age.
package scheduler

import "context"

// State is the execution facility's view of a submitted task.
type State string

// Possible facility states.
const (
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateNotFound  State = "not_found"
)

// Adapter abstracts the execution facility. Submitted work may run on
// a schedule of the facility's own choosing, including after the
// submitting process has restarted, so callers never assume timely
// observation of state changes.
type Adapter interface {
	// Submit hands the task to the facility. Best-effort and idempotent:
	// submitting an id that is already running is a no-op.
	Submit(ctx context.Context, taskID string) error

	// QueryState returns the facility's view of the task. forceRefresh
	// bypasses any read-through cache in front of the facility.
	QueryState(ctx context.Context, taskID string, forceRefresh bool) (State, error)

	// Cancel best-effort-interrupts the task if it is running.
	Cancel(ctx context.Context, taskID string) error
}
