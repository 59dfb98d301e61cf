package store

import (
	"context"
	"time"

	"github.com/phrazzld/taskrelay/internal/domain"
)

// TaskStore persists per-task records. All writes are whole-record
// replacements and must be flushed to stable storage before returning,
// so a crash immediately after a successful call never loses that
// specific write.
type TaskStore interface {
	// Save persists the full task record, replacing any prior record
	// with the same id.
	Save(ctx context.Context, task *domain.Task) error

	// Load returns the task with the given id, or (nil, nil) when no
	// such record exists. Absence is not an error.
	Load(ctx context.Context, id string) (*domain.Task, error)

	// SaveResult records the task's terminal result together with its
	// final status. A terminal status is final: once recorded, later
	// SaveResult calls for the same id are no-ops.
	SaveResult(ctx context.Context, id string, result *domain.TaskResult, status domain.TaskStatus) error

	// SaveStatus updates the task's status, an optional progress
	// message, and, when non-nil, the dispatch start time.
	SaveStatus(ctx context.Context, id string, status domain.TaskStatus, message string, startTime *time.Time) error

	// Delete removes every record for the id. Deleting an unknown id
	// returns ErrTaskNotFound.
	Delete(ctx context.Context, id string) error

	// ListIDs returns the ids of all persisted tasks.
	ListIDs(ctx context.Context) ([]string, error)
}

// QueueStore persists the queue's ordered pending set. The record is
// rewritten whole on every queue mutation and reloaded at process start
// to reconstruct the pending set. Active membership is deliberately not
// persisted; it is rebuilt by reconciling against the execution
// facility.
type QueueStore interface {
	// SavePending replaces the persisted pending set with ids, in order.
	SavePending(ctx context.Context, ids []string) error

	// LoadPending returns the persisted pending set in order, or an
	// empty slice when no record exists.
	LoadPending(ctx context.Context) ([]string, error)
}
