package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/phrazzld/taskrelay/internal/api"
	apiMiddleware "github.com/phrazzld/taskrelay/internal/api/middleware"
)

// setupRouter creates and configures the application router with all
// routes and middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	// Apply standard middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.TraceMiddleware) // Add trace IDs for error correlation

	taskHandler := api.NewTaskHandler(app.repo, app.logger)
	queueHandler := api.NewQueueHandler(app.repo, app.logger)

	// Register routes
	r.Route("/api", func(r chi.Router) {
		// Task lifecycle endpoints
		r.Post("/tasks", taskHandler.CreateTask)
		r.Get("/tasks", taskHandler.ListTasks)
		r.Post("/tasks/cancel-all", taskHandler.CancelAllTasks)
		r.Get("/tasks/{id}", taskHandler.GetTask)
		r.Get("/tasks/{id}/result", taskHandler.GetTaskResult)
		r.Post("/tasks/{id}/cancel", taskHandler.CancelTask)
		r.Delete("/tasks/{id}", taskHandler.DeleteTask)

		// Queue administration endpoints
		r.Get("/queue/stats", queueHandler.GetStats)
		r.Put("/queue/config", queueHandler.UpdateConfig)
		r.Post("/queue/reconcile", queueHandler.Reconcile)
		r.Post("/queue/dispatch", queueHandler.Dispatch)

		// Completion notifications
		r.Get("/notifications", queueHandler.Notifications)
	})

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("failed to write health check response", "error", err)
		}
	})

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	return r
}
