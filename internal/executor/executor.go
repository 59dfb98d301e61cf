// Package executor performs individual attempts of a task's HTTP round
// trip and applies the retry/backoff policy between them. Attempts run
// outside the queue manager's exclusive section; only the completion
// callback re-enters it.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/taskrelay/internal/domain"
	"github.com/phrazzld/taskrelay/internal/platform/metrics"
	"github.com/phrazzld/taskrelay/internal/store"
)

// ErrTaskGone is returned when the task record disappears mid-flight,
// e.g. because it was deleted while an attempt was waiting to retry.
var ErrTaskGone = errors.New("task record no longer exists")

// CompletionFunc is invoked exactly once per run, after the terminal
// result has been persisted.
type CompletionFunc func(ctx context.Context, id string, status domain.TaskStatus)

// Config holds the executor's tunables.
type Config struct {
	// BackoffBase scales the exponential backoff. Production keeps the
	// documented 1s base so waits run 2s, 4s, 8s, ...; tests shrink it.
	BackoffBase time.Duration

	// BackoffCap bounds a single backoff wait (the documented 512s).
	BackoffCap time.Duration

	// ConnectivityWait is the pause between attempts after a
	// connectivity-class error. These waits never drain the retry budget.
	ConnectivityWait time.Duration

	// MaxBodyBytes bounds how much of a response body is captured into
	// the task result.
	MaxBodyBytes int64
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		BackoffBase:      time.Second,
		BackoffCap:       512 * time.Second,
		ConnectivityWait: 5 * time.Second,
		MaxBodyBytes:     1 << 20,
	}
}

// Executor drives one task at a time to a terminal outcome. Run is the
// scheduler adapter's RunFunc: the facility invokes it once per
// submission and it owns all retries within that submission.
type Executor struct {
	client     *http.Client
	store      store.TaskStore
	config     Config
	logger     *slog.Logger
	onComplete CompletionFunc
}

// New creates an Executor. A nil client falls back to a plain
// http.Client; per-attempt timeouts come from each task's spec.
func New(client *http.Client, taskStore store.TaskStore, cfg Config, logger *slog.Logger) *Executor {
	if client == nil {
		client = &http.Client{}
	}
	defaults := DefaultConfig()
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaults.BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaults.BackoffCap
	}
	if cfg.ConnectivityWait <= 0 {
		cfg.ConnectivityWait = defaults.ConnectivityWait
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaults.MaxBodyBytes
	}

	return &Executor{
		client: client,
		store:  taskStore,
		config: cfg,
		logger: logger.With("component", "request_executor"),
		onComplete: func(ctx context.Context, id string, status domain.TaskStatus) {
			// Default is a no-op; SetCompletionFunc wires the queue.
		},
	}
}

// SetCompletionFunc installs the callback invoked after a terminal
// result is persisted.
func (e *Executor) SetCompletionFunc(fn CompletionFunc) {
	if fn != nil {
		e.onComplete = fn
	}
}

// Run executes the task to a terminal outcome: attempts, backoff waits,
// and the final persisted result. Returns nil when the task completed,
// an error when it failed; the scheduler adapter maps this onto its
// succeeded/failed states.
func (e *Executor) Run(ctx context.Context, id string) error {
	log := e.logger.With("task_id", id)

	task, err := e.store.Load(ctx, id)
	if err != nil {
		log.Error("failed to load task for execution", "error", err)
		return err
	}
	if task == nil {
		log.Warn("task record missing at execution time")
		e.onComplete(ctx, id, domain.TaskStatusFailed)
		return ErrTaskGone
	}

	attemptsMade := 0
	var lastErr string

	for {
		if err := ctx.Err(); err != nil {
			return e.finish(ctx, task, &domain.TaskResult{
				Error: "task cancelled before completion",
			}, domain.TaskStatusFailed, log)
		}

		attemptsMade++
		result, class := e.attempt(ctx, task)

		switch class {
		case outcomeSuccess:
			metrics.Attempts.WithLabelValues(metrics.OutcomeSuccess).Inc()
			log.Info("task completed",
				"attempts", attemptsMade,
				"status_code", result.StatusCode)
			if err := e.finish(ctx, task, result, domain.TaskStatusCompleted, log); err != nil {
				return err
			}
			return nil

		case outcomeCancelled:
			metrics.Attempts.WithLabelValues(metrics.OutcomeFailure).Inc()
			log.Info("task cancelled during attempt", "attempts", attemptsMade)
			return e.finish(ctx, task, result, domain.TaskStatusFailed, log)

		case outcomeConnectivity:
			metrics.Attempts.WithLabelValues(metrics.OutcomeConnectivity).Inc()
			lastErr = result.Error
			// No budget cost: the failure is outside the caller's control.
			// The wait is still bounded by the staleness rule so a host
			// that never comes back cannot spin forever.
			if task.IsStale(time.Now()) {
				log.Warn("connectivity retries exceeded queue timeout, marking stuck")
				return e.finish(ctx, task, &domain.TaskResult{
					Error: fmt.Sprintf("task stuck: no connectivity after %s: %s",
						task.Age(time.Now()).Round(time.Second), lastErr),
				}, domain.TaskStatusFailed, log)
			}
			log.Warn("connectivity error, retrying without budget cost",
				"error", result.Error,
				"wait", e.config.ConnectivityWait.String())
			e.persistRetrying(ctx, task, "waiting for connectivity", log)
			if !e.sleep(ctx, e.config.ConnectivityWait) {
				continue // top of loop persists the cancellation
			}
			// Connectivity attempts do not advance the backoff sequence.
			attemptsMade--

		case outcomeRetryable:
			metrics.Attempts.WithLabelValues(metrics.OutcomeRetry).Inc()
			lastErr = result.Error
			if result.StatusCode != 0 {
				lastErr = fmt.Sprintf("server returned status %d", result.StatusCode)
			}

			if task.RetriesRemaining <= 0 {
				metrics.Attempts.WithLabelValues(metrics.OutcomeFailure).Inc()
				log.Warn("retry budget exhausted",
					"attempts", attemptsMade,
					"error", lastErr)
				result.Error = lastErr
				return e.finish(ctx, task, result, domain.TaskStatusFailed, log)
			}

			task.RetriesRemaining--
			wait := e.backoff(attemptsMade)
			log.Info("attempt failed, backing off",
				"attempts", attemptsMade,
				"retries_remaining", task.RetriesRemaining,
				"wait", wait.String(),
				"error", lastErr)
			// Persist the intermediate state so a concurrent status read
			// during the wait observes "in progress", not a false
			// terminal state.
			e.persistRetrying(ctx, task,
				fmt.Sprintf("retrying after failure (%d retries left)", task.RetriesRemaining), log)
			if !e.sleep(ctx, wait) {
				continue
			}
		}
	}
}

// attempt outcome classes.
type outcomeClass int

const (
	outcomeSuccess outcomeClass = iota
	outcomeRetryable
	outcomeConnectivity
	outcomeCancelled
)

// attempt performs one HTTP round trip and classifies the outcome.
func (e *Executor) attempt(ctx context.Context, task *domain.Task) (*domain.TaskResult, outcomeClass) {
	attemptCtx := ctx
	if task.Spec.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, task.Spec.Timeout)
		defer cancel()
	}

	started := time.Now()
	defer func() {
		metrics.AttemptDurationSeconds.Observe(time.Since(started).Seconds())
	}()

	var body io.Reader
	if len(task.Spec.Body) > 0 {
		body = bytes.NewReader(task.Spec.Body)
	}

	req, err := http.NewRequestWithContext(attemptCtx, task.Spec.Method, task.Spec.URL, body)
	if err != nil {
		return &domain.TaskResult{Error: err.Error()}, outcomeRetryable
	}
	for k, v := range task.Spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &domain.TaskResult{Error: "task cancelled during attempt"}, outcomeCancelled
		}
		if IsConnectivityError(err) {
			return &domain.TaskResult{Error: err.Error()}, outcomeConnectivity
		}
		return &domain.TaskResult{Error: err.Error()}, outcomeRetryable
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, e.config.MaxBodyBytes))
	if readErr != nil {
		return &domain.TaskResult{
			StatusCode: resp.StatusCode,
			Error:      fmt.Sprintf("failed to read response body: %v", readErr),
		}, outcomeRetryable
	}

	result := &domain.TaskResult{
		StatusCode: resp.StatusCode,
		Headers:    flattenHeaders(resp.Header),
		Body:       respBody,
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return result, outcomeSuccess
	}
	return result, outcomeRetryable
}

// finish persists the terminal result and signals completion.
func (e *Executor) finish(
	ctx context.Context,
	task *domain.Task,
	result *domain.TaskResult,
	status domain.TaskStatus,
	log *slog.Logger,
) error {
	// Persist with a fresh context: the run context may already be
	// cancelled, and losing the terminal write would strand the task.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := e.store.SaveResult(saveCtx, task.ID, result, status); err != nil {
		log.Error("failed to persist terminal result",
			"status", status,
			"error", err)
	}

	metrics.TasksCompleted.WithLabelValues(string(status)).Inc()
	e.onComplete(saveCtx, task.ID, status)

	if status == domain.TaskStatusFailed {
		return fmt.Errorf("task failed: %s", result.Error)
	}
	return nil
}

// persistRetrying records the decremented budget and an in-progress
// message. Failures are logged; the in-memory task stays authoritative.
func (e *Executor) persistRetrying(ctx context.Context, task *domain.Task, message string, log *slog.Logger) {
	task.Status = domain.TaskStatusDispatched
	task.Message = message
	if err := e.store.Save(ctx, task); err != nil {
		log.Error("failed to persist retrying state", "error", err)
	}
}

// backoff returns min(2^attemptsMade, cap) scaled by the base, giving
// the documented 2s, 4s, 8s, ..., 512s sequence.
func (e *Executor) backoff(attemptsMade int) time.Duration {
	steps := e.config.BackoffCap / e.config.BackoffBase
	factor := time.Duration(1)
	for i := 0; i < attemptsMade && factor < steps; i++ {
		factor *= 2
	}
	if factor > steps {
		factor = steps
	}
	return factor * e.config.BackoffBase
}

// sleep waits for d or until ctx is cancelled. Returns true when the
// full wait elapsed.
func (e *Executor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// flattenHeaders keeps the first value of each header, which is all the
// result record stores.
func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
