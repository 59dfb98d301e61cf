package domain

import (
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

// Possible task status values
const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusDispatched TaskStatus = "dispatched"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal reports whether the status is a final state that will
// never change again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Default spec values applied by NewTask when the caller leaves the
// corresponding field zero. The timeouts are tunable via configuration;
// these are the documented fallbacks.
const (
	DefaultRetries      = 3
	DefaultQueueTimeout = 600 * time.Second
	DefaultStuckBuffer  = 60 * time.Second
	DefaultAttemptTO    = 30 * time.Second
)

// TaskSpec is the immutable request description for a task. It is fixed
// at creation time; retries and resubmissions reuse the same spec.
type TaskSpec struct {
	URL     string            `json:"url"               validate:"required,url"`
	Method  string            `json:"method"            validate:"required,oneof=GET POST PUT PATCH DELETE HEAD"`
	Headers map[string]string `json:"headers,omitempty"`

	// Body is the request payload. BodyRef may carry an external
	// reference (e.g. a file path) instead of inline bytes; at most one
	// of the two is set.
	Body    []byte `json:"body,omitempty"`
	BodyRef string `json:"body_ref,omitempty"`

	// Timeout bounds a single attempt's round trip.
	Timeout time.Duration `json:"timeout,omitempty"`

	// Retries is the per-task retry budget for non-connectivity failures.
	Retries int `json:"retries"`

	// StuckBuffer is the extra grace period added on top of QueueTimeout
	// before a dispatched task with no result is declared stuck.
	StuckBuffer time.Duration `json:"stuck_buffer,omitempty"`

	// QueueTimeout bounds how long the task may sit without reaching a
	// terminal state before the staleness rule applies.
	QueueTimeout time.Duration `json:"queue_timeout,omitempty"`
}

// TaskResult records the terminal outcome of a task: the last response
// observed, or the error that exhausted the retry budget.
type TaskResult struct {
	StatusCode int               `json:"status_code,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       []byte            `json:"body,omitempty"`
	BodyRef    string            `json:"body_ref,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Task is the central entity: one unit of submitted work with its own
// id, spec, status, and eventual result.
type Task struct {
	ID     string     `json:"id"`
	Spec   TaskSpec   `json:"spec"`
	Status TaskStatus `json:"status"`

	// RegisteredAt is assigned once at first persistence and only reset
	// by explicit re-registration after loss recovery. It is the clock
	// the staleness rule measures against.
	RegisteredAt time.Time `json:"registered_at"`

	// StartTime is set when the task is handed to the execution
	// facility; nil while still queued.
	StartTime *time.Time `json:"start_time,omitempty"`

	// Message is an optional human-readable progress note, e.g.
	// "retrying after server error".
	Message string `json:"message,omitempty"`

	// Result is non-nil only once Status is terminal.
	Result *TaskResult `json:"result,omitempty"`

	// RetriesRemaining counts down from Spec.Retries across
	// non-connectivity failed attempts. Never negative.
	RetriesRemaining int `json:"retries_remaining"`
}

// NewTask creates a Task from the given id and spec. An empty id gets a
// generated UUID. Zero-valued spec timeouts and the retry budget are
// filled with the package defaults. Returns an error wrapping
// ErrInvalidSpec if validation fails.
func NewTask(id string, spec TaskSpec) (*Task, error) {
	if id == "" {
		id = uuid.NewString()
	}

	if spec.Retries == 0 {
		spec.Retries = DefaultRetries
	}
	if spec.QueueTimeout == 0 {
		spec.QueueTimeout = DefaultQueueTimeout
	}
	if spec.StuckBuffer == 0 {
		spec.StuckBuffer = DefaultStuckBuffer
	}
	if spec.Timeout == 0 {
		spec.Timeout = DefaultAttemptTO
	}

	task := &Task{
		ID:               id,
		Spec:             spec,
		Status:           TaskStatusQueued,
		RegisteredAt:     time.Now().UTC(),
		RetriesRemaining: spec.Retries,
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// Validate checks the task's invariants. Returns an error wrapping
// ErrInvalidSpec if any field fails validation.
func (t *Task) Validate() error {
	if err := t.Spec.Validate(); err != nil {
		return err
	}

	if !isValidTaskStatus(t.Status) {
		return ErrInvalidTaskStatus
	}

	if t.Result != nil && !t.Status.IsTerminal() {
		return ErrResultWithoutTerminal
	}

	if t.RetriesRemaining < 0 {
		return fmt.Errorf("%w: retries remaining is negative", ErrInvalidSpec)
	}

	return nil
}

// Validate checks the spec's fields against the supported methods and
// URL schemes.
func (s *TaskSpec) Validate() error {
	if s.URL == "" {
		return fmt.Errorf("%w: %w", ErrInvalidSpec, ErrEmptyTaskURL)
	}

	u, err := url.Parse(s.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: %w: %q", ErrInvalidSpec, ErrInvalidTaskURL, s.URL)
	}

	switch s.Method {
	case "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD":
	default:
		return fmt.Errorf("%w: %w: %q", ErrInvalidSpec, ErrInvalidTaskMethod, s.Method)
	}

	if s.Retries < 0 {
		return fmt.Errorf("%w: %w", ErrInvalidSpec, ErrNegativeRetries)
	}

	return nil
}

// Age returns how long the task has existed since registration.
func (t *Task) Age(now time.Time) time.Duration {
	return now.Sub(t.RegisteredAt)
}

// IsStale reports whether the task has gone too long without reaching
// a terminal state. A queued task is stale past its queue timeout; a
// dispatched one gets the stuck buffer on top, since an attempt may
// still legitimately be in flight.
func (t *Task) IsStale(now time.Time) bool {
	if t.Status.IsTerminal() {
		return false
	}
	deadline := t.Spec.QueueTimeout
	if t.Status == TaskStatusDispatched {
		deadline += t.Spec.StuckBuffer
	}
	return t.Age(now) > deadline
}

// Reregister resets RegisteredAt to now. Used only when a lost task is
// resubmitted to the execution facility, so the staleness clock
// restarts.
func (t *Task) Reregister(now time.Time) {
	t.RegisteredAt = now.UTC()
	t.Status = TaskStatusQueued
	t.StartTime = nil
}

// MarkDispatched transitions the task to Dispatched and records the
// hand-off time.
func (t *Task) MarkDispatched(now time.Time) {
	now = now.UTC()
	t.Status = TaskStatusDispatched
	t.StartTime = &now
}

// isValidTaskStatus checks if the given status is a valid TaskStatus.
func isValidTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskStatusQueued, TaskStatusDispatched, TaskStatusCompleted, TaskStatusFailed:
		return true
	default:
		return false
	}
}
