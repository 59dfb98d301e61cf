package api

import (
	"time"

	"github.com/phrazzld/taskrelay/internal/domain"
)

// CreateTaskRequest is the request body for POST /api/tasks. Durations
// are given in seconds; zero values fall back to the server defaults.
type CreateTaskRequest struct {
	ID      string            `json:"id,omitempty"`
	URL     string            `json:"url"    validate:"required,url"`
	Method  string            `json:"method" validate:"required,oneof=GET POST PUT PATCH DELETE HEAD"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
	BodyRef string            `json:"body_ref,omitempty"`

	TimeoutSeconds      int `json:"timeout_seconds,omitempty"      validate:"omitempty,min=1"`
	Retries             int `json:"retries,omitempty"              validate:"omitempty,min=0"`
	QueueTimeoutSeconds int `json:"queue_timeout_seconds,omitempty" validate:"omitempty,min=1"`
	StuckBufferSeconds  int `json:"stuck_buffer_seconds,omitempty"  validate:"omitempty,min=1"`
}

// ToSpec converts the request into a domain spec.
func (req *CreateTaskRequest) ToSpec() domain.TaskSpec {
	return domain.TaskSpec{
		URL:          req.URL,
		Method:       req.Method,
		Headers:      req.Headers,
		Body:         req.Body,
		BodyRef:      req.BodyRef,
		Timeout:      time.Duration(req.TimeoutSeconds) * time.Second,
		Retries:      req.Retries,
		QueueTimeout: time.Duration(req.QueueTimeoutSeconds) * time.Second,
		StuckBuffer:  time.Duration(req.StuckBufferSeconds) * time.Second,
	}
}

// TaskResponse represents the response data for a task.
type TaskResponse struct {
	ID               string             `json:"id"`
	URL              string             `json:"url"`
	Method           string             `json:"method"`
	Status           domain.TaskStatus  `json:"status"`
	RegisteredAt     time.Time          `json:"registered_at"`
	StartTime        *time.Time         `json:"start_time,omitempty"`
	Message          string             `json:"message,omitempty"`
	RetriesRemaining int                `json:"retries_remaining"`
	Result           *domain.TaskResult `json:"result,omitempty"`
}

func taskToResponse(task *domain.Task) TaskResponse {
	return TaskResponse{
		ID:               task.ID,
		URL:              task.Spec.URL,
		Method:           task.Spec.Method,
		Status:           task.Status,
		RegisteredAt:     task.RegisteredAt,
		StartTime:        task.StartTime,
		Message:          task.Message,
		RetriesRemaining: task.RetriesRemaining,
		Result:           task.Result,
	}
}

// TaskListResponse is the response body for GET /api/tasks.
type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

// CancelResponse reports the outcome of a cancel or delete request.
type CancelResponse struct {
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
}

// CancelAllResponse reports how many tasks a cancel-all cleared.
type CancelAllResponse struct {
	ClearedCount int `json:"cleared_count"`
}

// QueueConfigRequest is the request body for PUT /api/queue/config.
// Omitted fields leave the corresponding limit unchanged.
type QueueConfigRequest struct {
	MaxConcurrent *int `json:"max_concurrent,omitempty" validate:"omitempty,min=1"`
	MaxQueueSize  *int `json:"max_queue_size,omitempty" validate:"omitempty,min=1"`
}

// NotificationsResponse carries completed-task ids drained from the
// notification backlog.
type NotificationsResponse struct {
	CompletedIDs []string `json:"completed_ids"`
}
