// Package memory provides in-memory implementations of the store
// interfaces. They back unit tests and the database-less dev profile;
// durability is limited to the lifetime of the process.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/phrazzld/taskrelay/internal/domain"
	"github.com/phrazzld/taskrelay/internal/store"
)

// TaskStore implements store.TaskStore with a mutex-guarded map.
// The Fn fields allow tests to override individual operations, e.g. to
// inject persistence failures.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]*domain.Task

	SaveFn       func(ctx context.Context, task *domain.Task) error
	LoadFn       func(ctx context.Context, id string) (*domain.Task, error)
	SaveResultFn func(ctx context.Context, id string, result *domain.TaskResult, status domain.TaskStatus) error
	SaveStatusFn func(ctx context.Context, id string, status domain.TaskStatus, message string, startTime *time.Time) error
	DeleteFn     func(ctx context.Context, id string) error
}

// NewTaskStore creates an empty in-memory task store.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks: make(map[string]*domain.Task),
	}
}

// Save persists a deep copy of the task, replacing any prior record.
func (s *TaskStore) Save(ctx context.Context, task *domain.Task) error {
	if s.SaveFn != nil {
		return s.SaveFn(ctx, task)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = copyTask(task)
	return nil
}

// Load returns a copy of the stored task, or (nil, nil) when absent.
func (s *TaskStore) Load(ctx context.Context, id string) (*domain.Task, error) {
	if s.LoadFn != nil {
		return s.LoadFn(ctx, id)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return copyTask(task), nil
}

// SaveResult records the terminal result and status for the task.
func (s *TaskStore) SaveResult(
	ctx context.Context,
	id string,
	result *domain.TaskResult,
	status domain.TaskStatus,
) error {
	if s.SaveResultFn != nil {
		return s.SaveResultFn(ctx, id, result, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	// The first terminal write wins; a late cancellation or duplicate
	// completion never overwrites a recorded outcome.
	if task.Status.IsTerminal() {
		return nil
	}
	updated := copyTask(task)
	updated.Result = copyResult(result)
	updated.Status = status
	s.tasks[id] = updated
	return nil
}

// SaveStatus updates status, progress message, and optionally the
// dispatch start time.
func (s *TaskStore) SaveStatus(
	ctx context.Context,
	id string,
	status domain.TaskStatus,
	message string,
	startTime *time.Time,
) error {
	if s.SaveStatusFn != nil {
		return s.SaveStatusFn(ctx, id, status, message, startTime)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	updated := copyTask(task)
	updated.Status = status
	updated.Message = message
	if startTime != nil {
		t := startTime.UTC()
		updated.StartTime = &t
	}
	s.tasks[id] = updated
	return nil
}

// Delete removes every record for the id.
func (s *TaskStore) Delete(ctx context.Context, id string) error {
	if s.DeleteFn != nil {
		return s.DeleteFn(ctx, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return store.ErrTaskNotFound
	}
	delete(s.tasks, id)
	return nil
}

// ListIDs returns the ids of all stored tasks in unspecified order.
func (s *TaskStore) ListIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	return ids, nil
}

// copyTask returns a deep copy so callers never share mutable state
// with the store.
func copyTask(task *domain.Task) *domain.Task {
	cp := *task
	if task.StartTime != nil {
		t := *task.StartTime
		cp.StartTime = &t
	}
	cp.Result = copyResult(task.Result)
	cp.Spec.Headers = copyHeaders(task.Spec.Headers)
	if task.Spec.Body != nil {
		cp.Spec.Body = append([]byte(nil), task.Spec.Body...)
	}
	return &cp
}

func copyResult(result *domain.TaskResult) *domain.TaskResult {
	if result == nil {
		return nil
	}
	cp := *result
	cp.Headers = copyHeaders(result.Headers)
	if result.Body != nil {
		cp.Body = append([]byte(nil), result.Body...)
	}
	return &cp
}

func copyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	cp := make(map[string]string, len(h))
	for k, v := range h {
		cp[k] = v
	}
	return cp
}
