package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/taskrelay/internal/api/shared"
	"github.com/phrazzld/taskrelay/internal/platform/logger"
	"github.com/phrazzld/taskrelay/internal/repository"
)

// TaskHandler handles task-related HTTP requests.
type TaskHandler struct {
	repo   *repository.Repository
	logger *slog.Logger
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(repo *repository.Repository, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for TaskHandler")
	}

	return &TaskHandler{
		repo:   repo,
		logger: logger.With(slog.String("component", "task_handler")),
	}
}

// CreateTask handles POST /api/tasks requests. Submitting an id that is
// already known returns the existing task unchanged.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req CreateTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		log.Debug("failed to decode create request", slog.String("error", err.Error()))
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}

	task, err := h.repo.Create(r.Context(), req.ID, req.ToSpec())
	if err != nil {
		statusCode := MapErrorToStatusCode(err)
		opts := []shared.ResponseOption{}
		if errors.Is(err, repository.ErrQueueFull) {
			opts = append(opts, shared.WithElevatedLogLevel())
		}
		shared.RespondWithErrorAndLog(w, r, statusCode, GetSafeErrorMessage(err), err, opts...)
		return
	}

	log.Debug("task created",
		slog.String("task_id", task.ID),
		slog.String("status", string(task.Status)))
	shared.RespondWithJSON(w, r, http.StatusCreated, taskToResponse(task))
}

// GetTask handles GET /api/tasks/{id} requests.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := h.repo.GetStatus(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(task))
}

// GetTaskResult handles GET /api/tasks/{id}/result requests. A task
// that has not reached a terminal state yet yields 409.
func (h *TaskHandler) GetTaskResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := h.repo.GetResult(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, result)
}

// CancelTask handles POST /api/tasks/{id}/cancel requests. Cancelling a
// task that already finished reports cancelled=false.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	id := chi.URLParam(r, "id")

	cancelled, err := h.repo.Cancel(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	log.Debug("cancel processed",
		slog.String("task_id", id),
		slog.Bool("cancelled", cancelled))
	shared.RespondWithJSON(w, r, http.StatusOK, CancelResponse{ID: id, Cancelled: cancelled})
}

// DeleteTask handles DELETE /api/tasks/{id} requests.
func (h *TaskHandler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	id := chi.URLParam(r, "id")

	if _, err := h.repo.Delete(r.Context(), id); err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	log.Debug("task deleted", slog.String("task_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// ListTasks handles GET /api/tasks requests, returning the tasks that
// have not finished yet.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.repo.ListPending(r.Context())
	if err != nil {
		shared.RespondWithErrorAndLog(w, r,
			http.StatusInternalServerError, "Failed to list tasks", err)
		return
	}

	response := TaskListResponse{Tasks: make([]TaskResponse, 0, len(tasks))}
	for _, task := range tasks {
		response.Tasks = append(response.Tasks, taskToResponse(task))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, response)
}

// CancelAllTasks handles POST /api/tasks/cancel-all requests.
func (h *TaskHandler) CancelAllTasks(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	cleared := h.repo.CancelAll(r.Context())

	log.Info("cancel-all processed", slog.Int("cleared_count", cleared))
	shared.RespondWithJSON(w, r, http.StatusOK, CancelAllResponse{ClearedCount: cleared})
}
