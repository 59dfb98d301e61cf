// Package main implements the entry point for the taskrelay server,
// a durable HTTP task queue: tasks are admitted over HTTP, persisted,
// dispatched with bounded concurrency, retried with backoff, and
// reconciled against the execution scheduler after restarts.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"

	"github.com/phrazzld/taskrelay/internal/config"
	"github.com/phrazzld/taskrelay/internal/platform/logger"
)

func main() {
	app, err := initializeApp()
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	ctx := context.Background()
	if err := app.recover(ctx); err != nil {
		app.cleanup()
		log.Fatalf("Failed to recover queue state: %v", err)
	}

	if err := app.run(ctx, app.setupRouter()); err != nil {
		log.Fatalf("Server exited with error: %v", err)
	}
}

// initializeApp loads configuration, sets up logging, and wires the
// application components.
func initializeApp() (*application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger, err := logger.Setup(logger.Config{Level: cfg.Server.LogLevel})
	if err != nil {
		return nil, fmt.Errorf("failed to set up logger: %w", err)
	}

	slog.Info("server configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"max_concurrent", cfg.Queue.MaxConcurrent,
		"max_queue_size", cfg.Queue.MaxQueueSize,
		"database_configured", cfg.Database.URL != "")

	return newApplication(cfg, appLogger)
}
