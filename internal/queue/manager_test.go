package queue

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/taskrelay/internal/domain"
	"github.com/phrazzld/taskrelay/internal/platform/memory"
	"github.com/phrazzld/taskrelay/internal/scheduler"
)

// fakeAdapter records submissions and cancellations and serves
// programmable states, standing in for the execution facility.
type fakeAdapter struct {
	mu      sync.Mutex
	states  map[string]scheduler.State
	submits []string
	cancels []string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{states: make(map[string]scheduler.State)}
}

func (f *fakeAdapter) Submit(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, taskID)
	f.states[taskID] = scheduler.StateRunning
	return nil
}

func (f *fakeAdapter) QueryState(ctx context.Context, taskID string, forceRefresh bool) (scheduler.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[taskID]
	if !ok {
		return scheduler.StateNotFound, nil
	}
	return state, nil
}

func (f *fakeAdapter) Cancel(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, taskID)
	return nil
}

func (f *fakeAdapter) setState(taskID string, state scheduler.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state == scheduler.StateNotFound {
		delete(f.states, taskID)
		return
	}
	f.states[taskID] = state
}

func (f *fakeAdapter) submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submits...)
}

func (f *fakeAdapter) cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancels...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

type managerFixture struct {
	manager    *Manager
	adapter    *fakeAdapter
	taskStore  *memory.TaskStore
	queueStore *memory.QueueStore
}

func newFixture(t *testing.T, cfg Config) *managerFixture {
	t.Helper()
	adapter := newFakeAdapter()
	taskStore := memory.NewTaskStore()
	queueStore := memory.NewQueueStore()
	return &managerFixture{
		manager:    NewManager(cfg, adapter, taskStore, queueStore, testLogger()),
		adapter:    adapter,
		taskStore:  taskStore,
		queueStore: queueStore,
	}
}

func (f *managerFixture) saveTask(t *testing.T, id string) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(id, domain.TaskSpec{
		URL:    "https://example.com/hook",
		Method: "POST",
	})
	require.NoError(t, err)
	require.NoError(t, f.taskStore.Save(context.Background(), task))
	return task
}

func TestEnqueueDispatchesUpToMaxConcurrent(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 2, MaxQueueSize: 10})
	ctx := context.Background()

	for _, id := range []string{"T1", "T2", "T3", "T4", "T5"} {
		f.saveTask(t, id)
		require.True(t, f.manager.Enqueue(ctx, id))
	}

	stats := f.manager.Stats()
	assert.Equal(t, 2, stats.ActiveCount)
	assert.Equal(t, 3, stats.PendingCount)
	assert.Equal(t, []string{"T1", "T2"}, f.adapter.submitted())
	assert.True(t, f.manager.IsActive("T1"))
	assert.True(t, f.manager.IsActive("T2"))

	// Completing T1 pulls T3 in FIFO order.
	f.manager.OnCompleted(ctx, "T1")
	stats = f.manager.Stats()
	assert.Equal(t, 2, stats.ActiveCount)
	assert.Equal(t, 2, stats.PendingCount)
	assert.Equal(t, []string{"T1", "T2", "T3"}, f.adapter.submitted())
	assert.True(t, f.manager.IsActive("T3"))
	assert.False(t, f.manager.IsActive("T1"))
}

func TestEnqueueMarksTaskDispatched(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 10})
	ctx := context.Background()

	f.saveTask(t, "T1")
	require.True(t, f.manager.Enqueue(ctx, "T1"))

	task, err := f.taskStore.Load(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusDispatched, task.Status)
	assert.NotNil(t, task.StartTime)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 2})
	ctx := context.Background()

	for _, id := range []string{"T1", "T2", "T3"} {
		f.saveTask(t, id)
		require.True(t, f.manager.Enqueue(ctx, id))
	}
	// T1 active, T2+T3 pending: the pending set is at capacity.
	require.Equal(t, 2, f.manager.Stats().PendingCount)

	f.saveTask(t, "T4")
	assert.False(t, f.manager.Enqueue(ctx, "T4"))

	// The pending set is unchanged by the rejected call.
	stats := f.manager.Stats()
	assert.Equal(t, 2, stats.PendingCount)
	pending, err := f.queueStore.LoadPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"T2", "T3"}, pending)
}

func TestEnqueueIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 10})
	ctx := context.Background()

	f.saveTask(t, "T1")
	f.saveTask(t, "T2")
	require.True(t, f.manager.Enqueue(ctx, "T1"))
	require.True(t, f.manager.Enqueue(ctx, "T2"))

	// T1 is active, T2 pending; re-enqueueing either is a no-op true.
	assert.True(t, f.manager.Enqueue(ctx, "T1"))
	assert.True(t, f.manager.Enqueue(ctx, "T2"))

	stats := f.manager.Stats()
	assert.Equal(t, 1, stats.ActiveCount)
	assert.Equal(t, 1, stats.PendingCount)
	assert.Equal(t, []string{"T1"}, f.adapter.submitted())
}

func TestOnCompletedIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 10})
	ctx := context.Background()

	f.saveTask(t, "T1")
	require.True(t, f.manager.Enqueue(ctx, "T1"))

	f.manager.OnCompleted(ctx, "T1")
	// Duplicate completion signals for an already-removed id are no-ops.
	f.manager.OnCompleted(ctx, "T1")
	f.manager.OnCompleted(ctx, "never-seen")

	stats := f.manager.Stats()
	assert.Equal(t, 0, stats.ActiveCount)
	assert.Equal(t, 0, stats.PendingCount)
}

func TestRemoveFromQueue(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 10})
	ctx := context.Background()

	f.saveTask(t, "T1")
	f.saveTask(t, "T2")
	require.True(t, f.manager.Enqueue(ctx, "T1"))
	require.True(t, f.manager.Enqueue(ctx, "T2"))

	// T2 is pending and removable; it never reaches the scheduler.
	assert.True(t, f.manager.RemoveFromQueue(ctx, "T2"))
	assert.Equal(t, []string{"T1"}, f.adapter.submitted())

	// T1 is active: not removable through the pending set.
	assert.False(t, f.manager.RemoveFromQueue(ctx, "T1"))
	assert.False(t, f.manager.RemoveFromQueue(ctx, "T2"))
}

func TestSetMaxConcurrent(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 10})
	ctx := context.Background()

	for _, id := range []string{"T1", "T2", "T3"} {
		f.saveTask(t, id)
		require.True(t, f.manager.Enqueue(ctx, id))
	}
	require.Equal(t, 1, f.manager.Stats().ActiveCount)

	// Raising the limit dispatches immediately.
	require.NoError(t, f.manager.SetMaxConcurrent(ctx, 3))
	stats := f.manager.Stats()
	assert.Equal(t, 3, stats.ActiveCount)
	assert.Equal(t, 0, stats.PendingCount)

	assert.ErrorIs(t, f.manager.SetMaxConcurrent(ctx, 0), ErrInvalidLimit)
	assert.ErrorIs(t, f.manager.SetMaxQueueSize(ctx, -1), ErrInvalidLimit)
}

func TestSetMaxQueueSizeDoesNotEvict(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 10})
	ctx := context.Background()

	for _, id := range []string{"T1", "T2", "T3"} {
		f.saveTask(t, id)
		require.True(t, f.manager.Enqueue(ctx, id))
	}
	require.Equal(t, 2, f.manager.Stats().PendingCount)

	require.NoError(t, f.manager.SetMaxQueueSize(ctx, 1))

	// Existing entries stay; only future enqueues are bounded.
	assert.Equal(t, 2, f.manager.Stats().PendingCount)
	f.saveTask(t, "T4")
	assert.False(t, f.manager.Enqueue(ctx, "T4"))
}

func TestClearAll(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 2, MaxQueueSize: 10})
	ctx := context.Background()

	for _, id := range []string{"T1", "T2", "T3", "T4"} {
		f.saveTask(t, id)
		require.True(t, f.manager.Enqueue(ctx, id))
	}

	cleared := f.manager.ClearAll(ctx)
	assert.Equal(t, 4, cleared)
	assert.ElementsMatch(t, []string{"T1", "T2"}, f.adapter.cancelled())

	stats := f.manager.Stats()
	assert.Equal(t, 0, stats.ActiveCount)
	assert.Equal(t, 0, stats.PendingCount)

	pending, err := f.queueStore.LoadPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRestore(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 10})
	ctx := context.Background()

	f.saveTask(t, "T1")
	f.saveTask(t, "T2")
	require.NoError(t, f.queueStore.SavePending(ctx, []string{"T1", "T2"}))

	require.NoError(t, f.manager.Restore(ctx))

	// Restore re-enters the queue and dispatches up to the limit.
	stats := f.manager.Stats()
	assert.Equal(t, 1, stats.ActiveCount)
	assert.Equal(t, 1, stats.PendingCount)
	assert.Equal(t, []string{"T1"}, f.adapter.submitted())
}

func TestReconcileFreesTerminalSlots(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 10})
	ctx := context.Background()

	f.saveTask(t, "T1")
	f.saveTask(t, "T2")
	require.True(t, f.manager.Enqueue(ctx, "T1"))
	require.True(t, f.manager.Enqueue(ctx, "T2"))

	f.adapter.setState("T1", scheduler.StateSucceeded)
	f.manager.Reconcile(ctx, nil)

	// T1's slot is freed and T2 dispatched.
	assert.False(t, f.manager.IsActive("T1"))
	assert.True(t, f.manager.IsActive("T2"))
}

func TestReconcileResubmitsYoungLostTask(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 10})
	ctx := context.Background()

	task := f.saveTask(t, "T1")
	require.True(t, f.manager.Enqueue(ctx, "T1"))

	before := task.RegisteredAt
	f.adapter.setState("T1", scheduler.StateNotFound)
	time.Sleep(time.Millisecond)
	f.manager.Reconcile(ctx, nil)

	// The task was resubmitted with a fresh registration.
	assert.Equal(t, []string{"T1", "T1"}, f.adapter.submitted())
	reloaded, err := f.taskStore.Load(ctx, "T1")
	require.NoError(t, err)
	assert.True(t, reloaded.RegisteredAt.After(before))
	assert.Equal(t, domain.TaskStatusDispatched, reloaded.Status)
	assert.True(t, f.manager.IsActive("T1"))
}

func TestReconcileFailsOldLostTask(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 10})
	ctx := context.Background()

	f.saveTask(t, "T1")
	require.True(t, f.manager.Enqueue(ctx, "T1"))

	f.adapter.setState("T1", scheduler.StateNotFound)
	// Age the task past its queue timeout plus the stuck buffer.
	f.manager.now = func() time.Time {
		return time.Now().Add(domain.DefaultQueueTimeout + domain.DefaultStuckBuffer + time.Minute)
	}
	f.manager.Reconcile(ctx, nil)

	reloaded, err := f.taskStore.Load(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, reloaded.Status)
	require.NotNil(t, reloaded.Result)
	assert.Contains(t, reloaded.Result.Error, "stuck")
	assert.False(t, f.manager.IsActive("T1"))
	// No resubmission happened.
	assert.Equal(t, []string{"T1"}, f.adapter.submitted())
}

func TestReconcileRecoversDispatchedAfterRestart(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 10})
	ctx := context.Background()

	// A task that was in flight when the previous process died: the
	// record says dispatched, but neither in-memory set knows the id
	// and the facility has no trace of it.
	task := f.saveTask(t, "T1")
	task.MarkDispatched(time.Now())
	require.NoError(t, f.taskStore.Save(ctx, task))
	require.NoError(t, f.queueStore.SavePending(ctx, nil))

	before := task.RegisteredAt
	time.Sleep(time.Millisecond)
	require.NoError(t, f.manager.Restore(ctx))
	f.manager.Reconcile(ctx, nil)

	// Young enough: re-registered and re-admitted through the queue.
	assert.Equal(t, []string{"T1"}, f.adapter.submitted())
	reloaded, err := f.taskStore.Load(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusDispatched, reloaded.Status)
	assert.True(t, reloaded.RegisteredAt.After(before))
	assert.True(t, f.manager.IsActive("T1"))
}

func TestReconcileFailsStuckDispatchedAfterRestart(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 10})
	ctx := context.Background()

	task := f.saveTask(t, "T1")
	task.MarkDispatched(time.Now())
	require.NoError(t, f.taskStore.Save(ctx, task))
	require.NoError(t, f.queueStore.SavePending(ctx, nil))

	f.manager.now = func() time.Time {
		return time.Now().Add(domain.DefaultQueueTimeout + domain.DefaultStuckBuffer + time.Minute)
	}
	require.NoError(t, f.manager.Restore(ctx))
	f.manager.Reconcile(ctx, nil)

	reloaded, err := f.taskStore.Load(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, reloaded.Status)
	require.NotNil(t, reloaded.Result)
	assert.Contains(t, reloaded.Result.Error, "stuck")
	assert.Empty(t, f.adapter.submitted())
	assert.False(t, f.manager.IsActive("T1"))
}

func TestReconcileAdoptsRunningDispatched(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 10})
	ctx := context.Background()

	task := f.saveTask(t, "T1")
	task.MarkDispatched(time.Now())
	require.NoError(t, f.taskStore.Save(ctx, task))

	// The facility still runs the task; its slot is re-adopted rather
	// than resubmitted.
	f.adapter.setState("T1", scheduler.StateRunning)
	f.manager.Reconcile(ctx, nil)

	assert.True(t, f.manager.IsActive("T1"))
	assert.Empty(t, f.adapter.submitted())
}

func TestReconcileOneRecoversNonActiveDispatched(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 10})
	ctx := context.Background()

	task := f.saveTask(t, "T1")
	task.MarkDispatched(time.Now())
	require.NoError(t, f.taskStore.Save(ctx, task))

	f.manager.now = func() time.Time {
		return time.Now().Add(domain.DefaultQueueTimeout + domain.DefaultStuckBuffer + time.Minute)
	}
	f.manager.ReconcileOne(ctx, "T1")

	reloaded, err := f.taskStore.Load(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, reloaded.Status)
	require.NotNil(t, reloaded.Result)
	assert.Contains(t, reloaded.Result.Error, "stuck")
}

func TestReconcileReadmitsQueuedOrphan(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 10})
	ctx := context.Background()

	// Saved but never admitted, e.g. a crash between persist and enqueue.
	f.saveTask(t, "T1")
	f.manager.Reconcile(ctx, nil)

	assert.Equal(t, []string{"T1"}, f.adapter.submitted())
	assert.True(t, f.manager.IsActive("T1"))
}

func TestReconcileDropsOrphanedPending(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 10})
	ctx := context.Background()

	for _, id := range []string{"T1", "T2", "T3"} {
		f.saveTask(t, id)
		require.True(t, f.manager.Enqueue(ctx, id))
	}

	// T2's record is gone; T3's survives.
	f.manager.Reconcile(ctx, func(ctx context.Context, id string) bool {
		return id != "T2"
	})

	pending, err := f.queueStore.LoadPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"T3"}, pending)
}

func TestPersistenceFailureDoesNotBlockProgress(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 1, MaxQueueSize: 10})
	ctx := context.Background()

	f.queueStore.SaveFn = func(ctx context.Context, ids []string) error {
		return assert.AnError
	}

	f.saveTask(t, "T1")
	f.saveTask(t, "T2")
	assert.True(t, f.manager.Enqueue(ctx, "T1"))
	assert.True(t, f.manager.Enqueue(ctx, "T2"))

	// The in-memory sets remain authoritative despite persist failures.
	stats := f.manager.Stats()
	assert.Equal(t, 1, stats.ActiveCount)
	assert.Equal(t, 1, stats.PendingCount)
}

func TestConcurrentEnqueueRespectsBounds(t *testing.T) {
	f := newFixture(t, Config{MaxConcurrent: 3, MaxQueueSize: 5})
	ctx := context.Background()

	ids := []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J"}
	for _, id := range ids {
		f.saveTask(t, id)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			f.manager.Enqueue(ctx, id)
		}(id)
	}
	wg.Wait()

	stats := f.manager.Stats()
	assert.LessOrEqual(t, stats.ActiveCount, 3)
	assert.LessOrEqual(t, stats.PendingCount, 5)
}
