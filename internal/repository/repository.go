// Package repository exposes the idempotent facade callers use: create,
// status and result reads, cancellation, deletion, and the queue
// administration operations. It composes the queue manager, task store,
// scheduler adapter, and completion notifier.
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/phrazzld/taskrelay/internal/domain"
	"github.com/phrazzld/taskrelay/internal/events"
	"github.com/phrazzld/taskrelay/internal/queue"
	"github.com/phrazzld/taskrelay/internal/scheduler"
	"github.com/phrazzld/taskrelay/internal/store"
)

// Errors surfaced by the facade on top of the store taxonomy.
var (
	// ErrQueueFull means admission was rejected: backpressure, not a
	// failed task. Callers should retry submission later.
	ErrQueueFull = errors.New("queue is full")

	// ErrResultNotReady means the task exists but has not reached a
	// terminal state yet.
	ErrResultNotReady = errors.New("task result not ready")
)

// forgetter is implemented by adapters that can drop their record of a
// task, e.g. the local scheduler. Optional.
type forgetter interface {
	Forget(taskID string)
}

// Repository is the facade over the queue core.
type Repository struct {
	manager   *queue.Manager
	taskStore store.TaskStore
	adapter   scheduler.Adapter
	notifier  *events.CompletionNotifier
	logger    *slog.Logger

	// createGroup serializes creation per task id, not globally, so two
	// concurrent creates of the same custom id coalesce into one.
	createGroup singleflight.Group

	// specDefaults fills zero-valued spec fields before task creation;
	// anything it leaves zero still gets the domain defaults.
	specDefaults domain.TaskSpec
}

// New creates a Repository.
func New(
	manager *queue.Manager,
	taskStore store.TaskStore,
	adapter scheduler.Adapter,
	notifier *events.CompletionNotifier,
	logger *slog.Logger,
) *Repository {
	return &Repository{
		manager:   manager,
		taskStore: taskStore,
		adapter:   adapter,
		notifier:  notifier,
		logger:    logger.With("component", "repository"),
	}
}

// Create admits a new task, or returns the existing one when the id is
// already known. Two concurrent creates of the same id coalesce: both
// observe the same persisted record. Returns ErrQueueFull when
// admission is rejected by backpressure.
func (r *Repository) Create(ctx context.Context, id string, spec domain.TaskSpec) (*domain.Task, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	// Generated ids cannot collide, so only caller-supplied ids need
	// per-id serialization.
	if id == "" {
		return r.createNew(ctx, "", spec)
	}

	v, err, _ := r.createGroup.Do(id, func() (interface{}, error) {
		existing, err := r.taskStore.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			// Queued/Dispatched return current info without re-persisting;
			// terminal tasks return their terminal info.
			return existing, nil
		}
		return r.createNew(ctx, id, spec)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Task), nil
}

// SetSpecDefaults installs configured fallbacks for spec fields the
// caller leaves zero. Call during wiring, before the server accepts
// requests.
func (r *Repository) SetSpecDefaults(defaults domain.TaskSpec) {
	r.specDefaults = defaults
}

// createNew persists and enqueues a fresh task.
func (r *Repository) createNew(ctx context.Context, id string, spec domain.TaskSpec) (*domain.Task, error) {
	if spec.Retries == 0 && r.specDefaults.Retries != 0 {
		spec.Retries = r.specDefaults.Retries
	}
	if spec.Timeout == 0 {
		spec.Timeout = r.specDefaults.Timeout
	}
	if spec.QueueTimeout == 0 {
		spec.QueueTimeout = r.specDefaults.QueueTimeout
	}
	if spec.StuckBuffer == 0 {
		spec.StuckBuffer = r.specDefaults.StuckBuffer
	}

	task, err := domain.NewTask(id, spec)
	if err != nil {
		return nil, err
	}

	if err := r.taskStore.Save(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to persist task: %w", err)
	}

	if !r.manager.Enqueue(ctx, task.ID) {
		// Admission rejected: remove the record so a later retry of the
		// same id starts clean.
		if delErr := r.taskStore.Delete(ctx, task.ID); delErr != nil {
			r.logger.Error("failed to clean up rejected task",
				"task_id", task.ID,
				"error", delErr)
		}
		return nil, ErrQueueFull
	}

	// Enqueue may have dispatched synchronously; return the persisted
	// record so the caller sees the post-dispatch status.
	if persisted, err := r.taskStore.Load(ctx, task.ID); err == nil && persisted != nil {
		task = persisted
	}

	r.logger.Info("task created", "task_id", task.ID)
	return task, nil
}

// GetStatus returns the task's current record. A dispatched task with
// no result yet is checked against the staleness rule and reconciled
// opportunistically before the read returns, so a stuck task cannot
// report "in progress" forever.
func (r *Repository) GetStatus(ctx context.Context, id string) (*domain.Task, error) {
	task, err := r.taskStore.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, store.ErrTaskNotFound
	}

	if task.Status == domain.TaskStatusDispatched && task.Result == nil && task.IsStale(time.Now()) {
		r.manager.ReconcileOne(ctx, id)
		if reloaded, err := r.taskStore.Load(ctx, id); err == nil && reloaded != nil {
			task = reloaded
		}
	}

	return task, nil
}

// GetResult returns the terminal result, ErrResultNotReady while the
// task is still in progress, or store.ErrTaskNotFound for unknown ids.
func (r *Repository) GetResult(ctx context.Context, id string) (*domain.TaskResult, error) {
	task, err := r.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Result == nil {
		return nil, ErrResultNotReady
	}
	return task.Result, nil
}

// Cancel stops the task: a queued task never starts, a dispatched one
// is best-effort-interrupted and its slot freed regardless. Returns
// false when the task was already terminal.
func (r *Repository) Cancel(ctx context.Context, id string) (bool, error) {
	task, err := r.taskStore.Load(ctx, id)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, store.ErrTaskNotFound
	}
	if task.Status.IsTerminal() {
		return false, nil
	}

	r.manager.RemoveFromQueue(ctx, id)

	if err := r.adapter.Cancel(ctx, id); err != nil {
		r.logger.Warn("scheduler cancel failed",
			"task_id", id,
			"error", err)
	}

	// Free the slot even if the interrupt fails or races natural
	// completion; OnCompleted is idempotent.
	r.manager.OnCompleted(ctx, id)

	result := &domain.TaskResult{Error: "cancelled by caller"}
	if err := r.taskStore.SaveResult(ctx, id, result, domain.TaskStatusFailed); err != nil {
		return false, fmt.Errorf("failed to persist cancellation: %w", err)
	}

	r.logger.Info("task cancelled", "task_id", id)
	return true, nil
}

// Delete cancels the task if needed and removes every record for it.
func (r *Repository) Delete(ctx context.Context, id string) (bool, error) {
	task, err := r.taskStore.Load(ctx, id)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, store.ErrTaskNotFound
	}

	if !task.Status.IsTerminal() {
		r.manager.RemoveFromQueue(ctx, id)
		if err := r.adapter.Cancel(ctx, id); err != nil {
			r.logger.Warn("scheduler cancel failed",
				"task_id", id,
				"error", err)
		}
		r.manager.OnCompleted(ctx, id)
	}

	if err := r.taskStore.Delete(ctx, id); err != nil {
		return false, err
	}

	if f, ok := r.adapter.(forgetter); ok {
		f.Forget(id)
	}

	r.logger.Info("task deleted", "task_id", id)
	return true, nil
}

// ListPending returns tasks that are non-terminal with no result.
func (r *Repository) ListPending(ctx context.Context) ([]*domain.Task, error) {
	ids, err := r.taskStore.ListIDs(ctx)
	if err != nil {
		return nil, err
	}

	tasks := make([]*domain.Task, 0, len(ids))
	for _, id := range ids {
		task, err := r.taskStore.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if task == nil || task.Status.IsTerminal() || task.Result != nil {
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// CancelAll clears the queue, interrupts in-flight attempts, and marks
// every non-terminal task failed. Returns the number of cleared tasks.
func (r *Repository) CancelAll(ctx context.Context) int {
	cleared := r.manager.ClearAll(ctx)

	ids, err := r.taskStore.ListIDs(ctx)
	if err != nil {
		r.logger.Error("failed to list tasks for cancel-all", "error", err)
		return cleared
	}

	result := &domain.TaskResult{Error: "cancelled by caller"}
	for _, id := range ids {
		task, err := r.taskStore.Load(ctx, id)
		if err != nil || task == nil || task.Status.IsTerminal() {
			continue
		}
		if err := r.taskStore.SaveResult(ctx, id, result, domain.TaskStatusFailed); err != nil {
			r.logger.Error("failed to mark task cancelled",
				"task_id", id,
				"error", err)
		}
	}

	r.logger.Info("all tasks cancelled", "cleared_count", cleared)
	return cleared
}

// Stats returns the queue's counters and limits.
func (r *Repository) Stats() queue.Stats {
	return r.manager.Stats()
}

// SetMaxConcurrent adjusts the concurrency limit.
func (r *Repository) SetMaxConcurrent(ctx context.Context, n int) error {
	return r.manager.SetMaxConcurrent(ctx, n)
}

// SetMaxQueueSize adjusts the pending-set bound.
func (r *Repository) SetMaxQueueSize(ctx context.Context, n int) error {
	return r.manager.SetMaxQueueSize(ctx, n)
}

// Reconcile triggers a full reconciliation pass against the execution
// facility, dropping pending orphans whose records are gone.
func (r *Repository) Reconcile(ctx context.Context) {
	r.manager.Reconcile(ctx, func(ctx context.Context, id string) bool {
		task, err := r.taskStore.Load(ctx, id)
		return err == nil && task != nil
	})
}

// Dispatch triggers a manual dispatch pass.
func (r *Repository) Dispatch(ctx context.Context) {
	r.manager.Dispatch(ctx)
}

// HandleCompletion is the executor's completion callback: it frees the
// task's slot and, for successful completions, pushes a notification.
func (r *Repository) HandleCompletion(ctx context.Context, id string, status domain.TaskStatus) {
	r.manager.OnCompleted(ctx, id)
	if status == domain.TaskStatusCompleted {
		r.notifier.Notify(id)
	}
}

// Notifications exposes the completion notifier for subscribe/drain.
func (r *Repository) Notifications() *events.CompletionNotifier {
	return r.notifier
}
