package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrNoRunner is returned by Submit when no run function has been set.
var ErrNoRunner = errors.New("scheduler: no run function configured")

// RunFunc executes a submitted task to a terminal outcome. A nil return
// maps to StateSucceeded, any error to StateFailed. The context is
// cancelled when the task is cancelled or the adapter stops.
type RunFunc func(ctx context.Context, taskID string) error

// LocalAdapter is the in-process execution facility: Submit launches a
// goroutine that drives the configured RunFunc to completion. It keeps
// a per-id state record so QueryState can answer after the run ends;
// Forget drops the record, after which the id reads as StateNotFound.
type LocalAdapter struct {
	mu      sync.Mutex
	run     RunFunc
	states  map[string]State
	cancels map[string]context.CancelFunc
	logger  *slog.Logger

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewLocalAdapter creates a LocalAdapter. The run function is attached
// later via SetRunner because the executor that provides it depends on
// queue wiring constructed after the adapter.
func NewLocalAdapter(logger *slog.Logger) *LocalAdapter {
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalAdapter{
		states:  make(map[string]State),
		cancels: make(map[string]context.CancelFunc),
		logger:  logger.With("component", "local_scheduler"),
		baseCtx: ctx,
		stop:    cancel,
	}
}

// SetRunner installs the function that executes submitted tasks.
func (a *LocalAdapter) SetRunner(run RunFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.run = run
}

// Submit starts executing the task in its own goroutine. Submitting an
// id that is already running is a no-op.
func (a *LocalAdapter) Submit(ctx context.Context, taskID string) error {
	a.mu.Lock()
	if a.run == nil {
		a.mu.Unlock()
		return ErrNoRunner
	}
	if a.states[taskID] == StateRunning {
		a.mu.Unlock()
		a.logger.Debug("duplicate submit ignored", "task_id", taskID)
		return nil
	}

	runCtx, cancel := context.WithCancel(a.baseCtx)
	a.states[taskID] = StateRunning
	a.cancels[taskID] = cancel
	run := a.run
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		defer cancel()

		err := run(runCtx, taskID)

		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.cancels, taskID)
		// Forget may have raced the run; do not resurrect the record.
		if _, ok := a.states[taskID]; !ok {
			return
		}
		if err != nil {
			a.states[taskID] = StateFailed
		} else {
			a.states[taskID] = StateSucceeded
		}
	}()

	a.logger.Debug("task submitted", "task_id", taskID)
	return nil
}

// QueryState returns the adapter's view of the task. forceRefresh is
// accepted for interface compatibility; the local adapter has no cache
// to bypass.
func (a *LocalAdapter) QueryState(ctx context.Context, taskID string, forceRefresh bool) (State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, ok := a.states[taskID]
	if !ok {
		return StateNotFound, nil
	}
	return state, nil
}

// Cancel interrupts the task's run context if it is still running.
func (a *LocalAdapter) Cancel(ctx context.Context, taskID string) error {
	a.mu.Lock()
	cancel, running := a.cancels[taskID]
	a.mu.Unlock()

	if running {
		cancel()
		a.logger.Debug("task cancelled", "task_id", taskID)
	}
	return nil
}

// Forget drops the adapter's record of the task so subsequent
// QueryState calls report StateNotFound. Used when a task's records
// are deleted.
func (a *LocalAdapter) Forget(taskID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cancel, ok := a.cancels[taskID]; ok {
		cancel()
		delete(a.cancels, taskID)
	}
	delete(a.states, taskID)
}

// Stop cancels every running task and waits for the run goroutines to
// drain.
func (a *LocalAdapter) Stop() {
	a.stop()
	a.wg.Wait()
}
