package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/taskrelay/internal/domain"
	"github.com/phrazzld/taskrelay/internal/platform/metrics"
	"github.com/phrazzld/taskrelay/internal/scheduler"
	"github.com/phrazzld/taskrelay/internal/store"
)

// Common errors returned by the Manager.
var (
	// ErrInvalidLimit is returned when a concurrency or queue-size limit
	// below 1 is requested.
	ErrInvalidLimit = errors.New("limit must be at least 1")
)

// Config holds the Manager's tunables.
type Config struct {
	// MaxConcurrent bounds the active set.
	MaxConcurrent int

	// MaxQueueSize bounds the pending set; enqueue beyond it is rejected.
	MaxQueueSize int
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 2,
		MaxQueueSize:  100,
	}
}

// Stats is a point-in-time snapshot of the queue's bookkeeping.
type Stats struct {
	PendingCount  int `json:"pending_count"`
	ActiveCount   int `json:"active_count"`
	MaxConcurrent int `json:"max_concurrent"`
	MaxQueueSize  int `json:"max_queue_size"`
}

// ExistenceCheck reports whether the underlying request record for the
// id still exists. Reconcile drops pending ids whose records are gone.
type ExistenceCheck func(ctx context.Context, id string) bool

// Manager owns the pending FIFO and the bounded active set. All
// bookkeeping runs under one mutex, so enqueue, completion, and
// reconfiguration never race; attempts themselves run outside it.
// The pending set is persisted through the QueueStore on every
// mutation and reloaded at process start via Restore.
type Manager struct {
	mu            sync.Mutex
	pending       []string
	pendingMember map[string]struct{}
	active        map[string]struct{}
	maxConcurrent int
	maxQueueSize  int

	adapter    scheduler.Adapter
	taskStore  store.TaskStore
	queueStore store.QueueStore
	logger     *slog.Logger

	// now is stubbed in tests.
	now func() time.Time
}

// NewManager creates a Manager with the given collaborators. Limits
// below 1 are raised to the defaults.
func NewManager(
	cfg Config,
	adapter scheduler.Adapter,
	taskStore store.TaskStore,
	queueStore store.QueueStore,
	logger *slog.Logger,
) *Manager {
	defaults := DefaultConfig()
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = defaults.MaxConcurrent
	}
	if cfg.MaxQueueSize < 1 {
		cfg.MaxQueueSize = defaults.MaxQueueSize
	}

	return &Manager{
		pendingMember: make(map[string]struct{}),
		active:        make(map[string]struct{}),
		maxConcurrent: cfg.MaxConcurrent,
		maxQueueSize:  cfg.MaxQueueSize,
		adapter:       adapter,
		taskStore:     taskStore,
		queueStore:    queueStore,
		logger:        logger.With("component", "queue_manager"),
		now:           time.Now,
	}
}

// Restore reloads the persisted pending set. Called once at process
// start, before any enqueue. Ids that were active before the restart
// are not restored here; the Reconcile pass that follows recovers
// their records.
func (m *Manager) Restore(ctx context.Context) error {
	ids, err := m.queueStore.LoadPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore pending set: %w", err)
	}

	m.mu.Lock()
	m.pending = m.pending[:0]
	for id := range m.pendingMember {
		delete(m.pendingMember, id)
	}
	for _, id := range ids {
		if _, dup := m.pendingMember[id]; dup {
			continue
		}
		m.pending = append(m.pending, id)
		m.pendingMember[id] = struct{}{}
	}
	restored := len(m.pending)
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.logger.Info("restored pending set", "pending_count", restored)
	m.Dispatch(ctx)
	return nil
}

// Enqueue admits the id into the pending set. Returns false when the
// pending set is full (backpressure, not an error). Admitting an id
// already pending or active is an idempotent no-op returning true.
func (m *Manager) Enqueue(ctx context.Context, id string) bool {
	m.mu.Lock()

	if _, ok := m.pendingMember[id]; ok {
		m.mu.Unlock()
		return true
	}
	if _, ok := m.active[id]; ok {
		m.mu.Unlock()
		return true
	}

	if len(m.pending) >= m.maxQueueSize {
		m.mu.Unlock()
		metrics.TasksRejected.Inc()
		m.logger.Debug("enqueue rejected, queue full",
			"task_id", id,
			"max_queue_size", m.maxQueueSize)
		return false
	}

	m.pending = append(m.pending, id)
	m.pendingMember[id] = struct{}{}
	metrics.TasksEnqueued.Inc()
	m.logger.Debug("task enqueued",
		"task_id", id,
		"queue_len", len(m.pending))

	m.persistPendingLocked(ctx)
	m.dispatchLocked(ctx)
	m.updateGaugesLocked()
	m.mu.Unlock()

	return true
}

// Dispatch fills free slots from the pending set. Normally invoked
// internally after every enqueue, completion, or limit change; exposed
// for the manual trigger.
func (m *Manager) Dispatch(ctx context.Context) {
	m.mu.Lock()
	m.dispatchLocked(ctx)
	m.updateGaugesLocked()
	m.mu.Unlock()
}

// dispatchLocked pops pending heads into the active set while a slot is
// free. Must be called with the mutex held.
func (m *Manager) dispatchLocked(ctx context.Context) {
	for len(m.active) < m.maxConcurrent && len(m.pending) > 0 {
		id := m.pending[0]
		m.pending = m.pending[1:]
		delete(m.pendingMember, id)
		m.active[id] = struct{}{}

		start := m.now().UTC()
		if err := m.taskStore.SaveStatus(ctx, id, domain.TaskStatusDispatched, "", &start); err != nil {
			m.logger.Error("failed to persist dispatched status",
				"task_id", id,
				"error", err)
		}

		if err := m.adapter.Submit(ctx, id); err != nil {
			m.logger.Error("failed to submit task to scheduler",
				"task_id", id,
				"error", err)
		}

		m.logger.Info("task dispatched",
			"task_id", id,
			"active_count", len(m.active))
	}

	m.persistPendingLocked(ctx)
}

// OnCompleted frees the id's concurrency slot and dispatches the next
// pending task. Idempotent: duplicate completion signals for an
// already-removed id are no-ops, which both the executor and the
// cancellation path rely on.
func (m *Manager) OnCompleted(ctx context.Context, id string) {
	m.mu.Lock()
	if _, ok := m.active[id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.active, id)
	m.logger.Debug("task completed, slot freed",
		"task_id", id,
		"active_count", len(m.active))
	m.dispatchLocked(ctx)
	m.updateGaugesLocked()
	m.mu.Unlock()
}

// RemoveFromQueue drops the id from the pending set only. Returns false
// when the id is not pending; an active task must be cancelled through
// the scheduler, not removed here.
func (m *Manager) RemoveFromQueue(ctx context.Context, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pendingMember[id]; !ok {
		return false
	}

	delete(m.pendingMember, id)
	for i, pid := range m.pending {
		if pid == id {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			break
		}
	}

	m.persistPendingLocked(ctx)
	m.updateGaugesLocked()
	return true
}

// IsActive reports whether the id currently occupies a concurrency slot.
func (m *Manager) IsActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[id]
	return ok
}

// SetMaxConcurrent adjusts the concurrency limit. Increases dispatch
// immediately; decreases only affect future dispatches.
func (m *Manager) SetMaxConcurrent(ctx context.Context, n int) error {
	if n < 1 {
		return fmt.Errorf("%w: max concurrent %d", ErrInvalidLimit, n)
	}

	m.mu.Lock()
	increased := n > m.maxConcurrent
	m.maxConcurrent = n
	if increased {
		m.dispatchLocked(ctx)
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.logger.Info("max concurrent updated", "max_concurrent", n)
	return nil
}

// SetMaxQueueSize adjusts the pending-set bound. Existing entries are
// never evicted; only future enqueues are affected.
func (m *Manager) SetMaxQueueSize(ctx context.Context, n int) error {
	if n < 1 {
		return fmt.Errorf("%w: max queue size %d", ErrInvalidLimit, n)
	}

	m.mu.Lock()
	m.maxQueueSize = n
	m.mu.Unlock()

	m.logger.Info("max queue size updated", "max_queue_size", n)
	return nil
}

// ClearAll cancels every active id through the scheduler, empties both
// sets, persists, and returns the total number of cleared tasks.
func (m *Manager) ClearAll(ctx context.Context) int {
	m.mu.Lock()
	cleared := len(m.pending) + len(m.active)

	for id := range m.active {
		if err := m.adapter.Cancel(ctx, id); err != nil {
			m.logger.Error("failed to cancel active task",
				"task_id", id,
				"error", err)
		}
		delete(m.active, id)
	}

	m.pending = m.pending[:0]
	for id := range m.pendingMember {
		delete(m.pendingMember, id)
	}

	m.persistPendingLocked(ctx)
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.logger.Info("queue cleared", "cleared_count", cleared)
	return cleared
}

// Stats returns a snapshot of the queue's counters and limits.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		PendingCount:  len(m.pending),
		ActiveCount:   len(m.active),
		MaxConcurrent: m.maxConcurrent,
		MaxQueueSize:  m.maxQueueSize,
	}
}

// Reconcile re-derives queue truth from the execution facility. For
// each active id the facility is queried with the cache bypassed:
// terminal states free the slot (the executor already finalized the
// record), StateNotFound means the facility lost the task and triggers
// the staleness rule, StateRunning is left untouched. Pending ids whose
// request records no longer exist are dropped as orphans, and
// non-terminal records belonging to neither set, e.g. tasks that were
// in flight when a previous process died, are recovered. Callable
// opportunistically, e.g. at process start.
func (m *Manager) Reconcile(ctx context.Context, existence ExistenceCheck) {
	m.mu.Lock()
	activeIDs := make([]string, 0, len(m.active))
	for id := range m.active {
		activeIDs = append(activeIDs, id)
	}
	pendingIDs := append([]string(nil), m.pending...)
	m.mu.Unlock()

	danglingIDs := m.danglingIDs(ctx)

	for _, id := range activeIDs {
		state, err := m.adapter.QueryState(ctx, id, true)
		if err != nil {
			m.logger.Error("failed to query scheduler state",
				"task_id", id,
				"error", err)
			continue
		}

		switch state {
		case scheduler.StateSucceeded, scheduler.StateFailed:
			// Terminal in the facility; the completion path owns status.
			m.OnCompleted(ctx, id)
		case scheduler.StateNotFound:
			m.recoverLost(ctx, id)
		case scheduler.StateRunning:
			// Leave untouched.
		}
	}

	if existence != nil {
		for _, id := range pendingIDs {
			if !existence(ctx, id) {
				m.logger.Warn("dropping orphaned pending task", "task_id", id)
				m.RemoveFromQueue(ctx, id)
			}
		}
	}

	for _, id := range danglingIDs {
		m.recoverDangling(ctx, id)
	}
}

// danglingIDs returns persisted task ids that belong to neither set.
// The snapshot is taken before the active ids are reconciled so a slot
// freed mid-pass is not mistaken for a dangling record.
func (m *Manager) danglingIDs(ctx context.Context) []string {
	ids, err := m.taskStore.ListIDs(ctx)
	if err != nil {
		m.logger.Error("failed to list tasks for reconciliation", "error", err)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	dangling := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := m.active[id]; ok {
			continue
		}
		if _, ok := m.pendingMember[id]; ok {
			continue
		}
		dangling = append(dangling, id)
	}
	return dangling
}

// recoverDangling handles a persisted record outside both sets. A
// dispatched record with no slot behind it lost its in-flight attempt
// to a process death: if the facility still runs it the slot is
// re-adopted, otherwise the staleness rule decides between failure and
// re-admission. A queued record outside the pending set was saved but
// never admitted and simply re-enters the queue.
func (m *Manager) recoverDangling(ctx context.Context, id string) {
	task, err := m.taskStore.Load(ctx, id)
	if err != nil {
		m.logger.Error("failed to load task for reconciliation",
			"task_id", id,
			"error", err)
		return
	}
	if task == nil || task.Status.IsTerminal() || task.Result != nil {
		return
	}

	if task.Status == domain.TaskStatusQueued {
		m.logger.Info("re-admitting task missing from the pending set", "task_id", id)
		m.Enqueue(ctx, id)
		return
	}

	state, err := m.adapter.QueryState(ctx, id, true)
	if err != nil {
		m.logger.Error("failed to query scheduler state",
			"task_id", id,
			"error", err)
		return
	}
	if state == scheduler.StateRunning {
		m.adoptActive(id)
		return
	}

	// The facility has no live attempt for it and the completion that
	// would finalize the record can no longer arrive.
	m.recoverOrphan(ctx, task)
}

// adoptActive re-admits an id the facility reports as running so its
// slot is tracked again. The concurrency limit may be transiently
// exceeded right after a restart; it drains as tasks complete.
func (m *Manager) adoptActive(id string) {
	m.mu.Lock()
	if _, pending := m.pendingMember[id]; !pending {
		m.active[id] = struct{}{}
	}
	m.updateGaugesLocked()
	m.mu.Unlock()
	m.logger.Info("re-adopted running task", "task_id", id)
}

// recoverOrphan applies the staleness rule to a dispatched record with
// no live attempt behind it: stuck tasks are failed, young ones are
// re-registered and re-admitted through the normal pending path.
func (m *Manager) recoverOrphan(ctx context.Context, task *domain.Task) {
	now := m.now()
	if task.IsStale(now) {
		m.logger.Warn("dispatched task has no live attempt and is past its deadline, marking failed",
			"task_id", task.ID,
			"age", task.Age(now).String())
		result := &domain.TaskResult{
			Error: fmt.Sprintf("task stuck: no result after %s", task.Age(now).Round(time.Second)),
		}
		if err := m.taskStore.SaveResult(ctx, task.ID, result, domain.TaskStatusFailed); err != nil {
			m.logger.Error("failed to persist stuck-task failure",
				"task_id", task.ID,
				"error", err)
		}
		metrics.TasksCompleted.WithLabelValues(string(domain.TaskStatusFailed)).Inc()
		return
	}

	m.logger.Info("re-admitting dispatched task with no live attempt", "task_id", task.ID)
	task.Reregister(now)
	if err := m.taskStore.Save(ctx, task); err != nil {
		m.logger.Error("failed to persist re-registered task",
			"task_id", task.ID,
			"error", err)
		return
	}
	if !m.Enqueue(ctx, task.ID) {
		// The record is now queued; the next reconcile pass retries.
		m.logger.Warn("queue full, recovered task deferred", "task_id", task.ID)
	}
}

// ReconcileOne applies the reconciliation step to a single task, used
// by opportunistic status reads. Ids outside both sets go through
// dangling-record recovery, so a task stranded by a restart is
// repaired the first time anyone asks about it.
func (m *Manager) ReconcileOne(ctx context.Context, id string) {
	m.mu.Lock()
	_, isActive := m.active[id]
	_, isPending := m.pendingMember[id]
	m.mu.Unlock()
	if isPending {
		return
	}
	if !isActive {
		m.recoverDangling(ctx, id)
		return
	}

	state, err := m.adapter.QueryState(ctx, id, true)
	if err != nil {
		m.logger.Error("failed to query scheduler state",
			"task_id", id,
			"error", err)
		return
	}

	switch state {
	case scheduler.StateSucceeded, scheduler.StateFailed:
		m.OnCompleted(ctx, id)
	case scheduler.StateNotFound:
		m.recoverLost(ctx, id)
	case scheduler.StateRunning:
	}
}

// recoverLost handles an active id the facility reports as missing:
// young tasks are resubmitted with a fresh registration, tasks past
// their queue timeout are marked failed as stuck.
func (m *Manager) recoverLost(ctx context.Context, id string) {
	task, err := m.taskStore.Load(ctx, id)
	if err != nil {
		m.logger.Error("failed to load lost task",
			"task_id", id,
			"error", err)
		return
	}
	if task == nil {
		// Record is gone too; just free the slot.
		m.logger.Warn("lost task has no record, dropping", "task_id", id)
		m.OnCompleted(ctx, id)
		return
	}

	now := m.now()
	if task.IsStale(now) {
		m.logger.Warn("lost task is past its deadline, marking failed",
			"task_id", id,
			"age", task.Age(now).String())
		result := &domain.TaskResult{
			Error: fmt.Sprintf("task stuck: lost by scheduler after %s", task.Age(now).Round(time.Second)),
		}
		if err := m.taskStore.SaveResult(ctx, id, result, domain.TaskStatusFailed); err != nil {
			m.logger.Error("failed to persist stuck-task failure",
				"task_id", id,
				"error", err)
		}
		metrics.TasksCompleted.WithLabelValues(string(domain.TaskStatusFailed)).Inc()
		m.OnCompleted(ctx, id)
		return
	}

	m.logger.Info("resubmitting task lost by scheduler", "task_id", id)
	task.Reregister(now)
	task.MarkDispatched(now)
	if err := m.taskStore.Save(ctx, task); err != nil {
		m.logger.Error("failed to persist re-registered task",
			"task_id", id,
			"error", err)
	}
	if err := m.adapter.Submit(ctx, id); err != nil {
		m.logger.Error("failed to resubmit task",
			"task_id", id,
			"error", err)
	}
}

// persistPendingLocked writes the pending set through the QueueStore.
// Failures are logged and do not block progress; the in-memory sets
// stay authoritative until the next successful persist. Must be called
// with the mutex held.
func (m *Manager) persistPendingLocked(ctx context.Context) {
	ids := append([]string(nil), m.pending...)
	if err := m.queueStore.SavePending(ctx, ids); err != nil {
		m.logger.Error("failed to persist pending set",
			"pending_count", len(ids),
			"error", err)
	}
}

// updateGaugesLocked refreshes the queue gauges. Must be called with
// the mutex held.
func (m *Manager) updateGaugesLocked() {
	metrics.PendingTasks.Set(float64(len(m.pending)))
	metrics.ActiveTasks.Set(float64(len(m.active)))
}
