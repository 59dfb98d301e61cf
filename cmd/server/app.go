package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/phrazzld/taskrelay/internal/config"
	"github.com/phrazzld/taskrelay/internal/domain"
	"github.com/phrazzld/taskrelay/internal/events"
	"github.com/phrazzld/taskrelay/internal/executor"
	"github.com/phrazzld/taskrelay/internal/platform/memory"
	"github.com/phrazzld/taskrelay/internal/platform/postgres"
	"github.com/phrazzld/taskrelay/internal/queue"
	"github.com/phrazzld/taskrelay/internal/repository"
	"github.com/phrazzld/taskrelay/internal/scheduler"
	"github.com/phrazzld/taskrelay/internal/store"
)

// application bundles the wired components for the server lifecycle.
type application struct {
	config  *config.Config
	logger  *slog.Logger
	db      *sql.DB // nil when running on the in-memory stores
	local   *scheduler.LocalAdapter
	manager *queue.Manager
	repo    *repository.Repository
}

// newApplication wires stores, scheduler, queue, executor, and
// repository together from the loaded configuration.
func newApplication(cfg *config.Config, logger *slog.Logger) (*application, error) {
	var (
		db         *sql.DB
		taskStore  store.TaskStore
		queueStore store.QueueStore
	)

	if cfg.Database.URL != "" {
		var err error
		db, err = setupDatabase(cfg.Database.URL, logger)
		if err != nil {
			return nil, err
		}
		if err := runMigrations(db); err != nil {
			db.Close()
			return nil, err
		}
		taskStore = postgres.NewPostgresTaskStore(db)
		queueStore = postgres.NewPostgresQueueStore(db)
	} else {
		logger.Warn("no database configured, tasks will not survive a restart")
		taskStore = memory.NewTaskStore()
		queueStore = memory.NewQueueStore()
	}

	local := scheduler.NewLocalAdapter(logger)
	cached := scheduler.NewCachedAdapter(local, cfg.Queue.SchedulerCacheTTL())

	manager := queue.NewManager(queue.Config{
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		MaxQueueSize:  cfg.Queue.MaxQueueSize,
	}, cached, taskStore, queueStore, logger)

	exec := executor.New(nil, taskStore, executor.Config{
		BackoffBase:      executor.DefaultConfig().BackoffBase,
		BackoffCap:       cfg.Executor.BackoffCap(),
		ConnectivityWait: cfg.Executor.ConnectivityWait(),
		MaxBodyBytes:     cfg.Executor.MaxBodyBytes,
	}, logger)
	local.SetRunner(exec.Run)

	notifier := events.NewCompletionNotifier(0, logger)
	repo := repository.New(manager, taskStore, cached, notifier, logger)
	repo.SetSpecDefaults(domain.TaskSpec{
		Retries:      cfg.Queue.DefaultRetries,
		Timeout:      cfg.Executor.AttemptTimeout(),
		QueueTimeout: cfg.Queue.QueueTimeout(),
		StuckBuffer:  cfg.Queue.StuckBuffer(),
	})
	exec.SetCompletionFunc(repo.HandleCompletion)

	return &application{
		config:  cfg,
		logger:  logger,
		db:      db,
		local:   local,
		manager: manager,
		repo:    repo,
	}, nil
}

// recover restores the persisted pending set, reconciles persisted
// records against the scheduler so tasks that were in flight when the
// previous process died are failed or re-admitted, and dispatches
// whatever fits. Runs once before the server starts accepting requests.
func (app *application) recover(ctx context.Context) error {
	if err := app.manager.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore queue state: %w", err)
	}
	app.repo.Reconcile(ctx)
	app.repo.Dispatch(ctx)

	stats := app.repo.Stats()
	app.logger.Info("recovery completed",
		"pending_count", stats.PendingCount,
		"active_count", stats.ActiveCount)
	return nil
}

// run starts the HTTP server and blocks until shutdown.
func (app *application) run(ctx context.Context, router http.Handler) error {
	return app.startHTTPServer(ctx, router)
}

// cleanup stops in-flight task attempts and releases resources.
func (app *application) cleanup() {
	app.local.Stop()
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("failed to close database", "error", err)
		}
	}
}
