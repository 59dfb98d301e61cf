package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/taskrelay/internal/api/shared"
	"github.com/phrazzld/taskrelay/internal/platform/logger"
	"github.com/phrazzld/taskrelay/internal/repository"
)

// MaxNotificationWait caps the long-poll duration for the
// notifications endpoint.
const MaxNotificationWait = 60 * time.Second

// QueueHandler handles queue-administration HTTP requests.
type QueueHandler struct {
	repo   *repository.Repository
	logger *slog.Logger
}

// NewQueueHandler creates a new QueueHandler.
func NewQueueHandler(repo *repository.Repository, logger *slog.Logger) *QueueHandler {
	if logger == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for QueueHandler")
	}

	return &QueueHandler{
		repo:   repo,
		logger: logger.With(slog.String("component", "queue_handler")),
	}
}

// GetStats handles GET /api/queue/stats requests.
func (h *QueueHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, h.repo.Stats())
}

// UpdateConfig handles PUT /api/queue/config requests. Raising the
// concurrency limit dispatches immediately; lowering either limit never
// evicts tasks already admitted.
func (h *QueueHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req QueueConfigRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request: "+err.Error())
		return
	}
	if req.MaxConcurrent == nil && req.MaxQueueSize == nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "No limits provided")
		return
	}

	if req.MaxConcurrent != nil {
		if err := h.repo.SetMaxConcurrent(r.Context(), *req.MaxConcurrent); err != nil {
			shared.RespondWithErrorAndLog(w, r,
				MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
			return
		}
		log.Info("max concurrent updated", slog.Int("max_concurrent", *req.MaxConcurrent))
	}
	if req.MaxQueueSize != nil {
		if err := h.repo.SetMaxQueueSize(r.Context(), *req.MaxQueueSize); err != nil {
			shared.RespondWithErrorAndLog(w, r,
				MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
			return
		}
		log.Info("max queue size updated", slog.Int("max_queue_size", *req.MaxQueueSize))
	}

	shared.RespondWithJSON(w, r, http.StatusOK, h.repo.Stats())
}

// Reconcile handles POST /api/queue/reconcile requests, forcing a full
// reconciliation pass against the execution facility.
func (h *QueueHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	h.repo.Reconcile(r.Context())

	log.Info("reconciliation pass completed")
	shared.RespondWithJSON(w, r, http.StatusOK, h.repo.Stats())
}

// Dispatch handles POST /api/queue/dispatch requests, triggering a
// manual dispatch pass.
func (h *QueueHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	h.repo.Dispatch(r.Context())
	shared.RespondWithJSON(w, r, http.StatusOK, h.repo.Stats())
}

// Notifications handles GET /api/notifications requests. Without a
// wait parameter it drains and returns the completion backlog. With
// ?wait=10s it long-polls: an empty backlog blocks until the next
// completion arrives or the wait elapses.
func (h *QueueHandler) Notifications(w http.ResponseWriter, r *http.Request) {
	notifier := h.repo.Notifications()

	ids := notifier.Drain()
	if len(ids) > 0 {
		shared.RespondWithJSON(w, r, http.StatusOK, NotificationsResponse{CompletedIDs: ids})
		return
	}

	wait, err := parseWait(r.URL.Query().Get("wait"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid wait duration")
		return
	}
	if wait <= 0 {
		shared.RespondWithJSON(w, r, http.StatusOK, NotificationsResponse{CompletedIDs: []string{}})
		return
	}

	ch, unsubscribe := notifier.Subscribe(1)
	defer unsubscribe()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case id := <-ch:
		shared.RespondWithJSON(w, r, http.StatusOK, NotificationsResponse{CompletedIDs: []string{id}})
	case <-timer.C:
		shared.RespondWithJSON(w, r, http.StatusOK, NotificationsResponse{CompletedIDs: []string{}})
	case <-r.Context().Done():
		// Client went away; nothing to write.
	}
}

func parseWait(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	wait, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if wait > MaxNotificationWait {
		wait = MaxNotificationWait
	}
	return wait, nil
}
