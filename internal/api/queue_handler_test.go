package api

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/taskrelay/internal/queue"
)

func intPtr(n int) *int { return &n }

func TestGetStatsEndpoint(t *testing.T) {
	f := newAPIFixture(t, queue.Config{MaxConcurrent: 2, MaxQueueSize: 10})

	for _, id := range []string{"T1", "T2", "T3"} {
		require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/tasks", createRequest(id)).Code)
	}

	rec := f.do(t, http.MethodGet, "/api/queue/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats queue.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.ActiveCount)
	assert.Equal(t, 1, stats.PendingCount)
	assert.Equal(t, 2, stats.MaxConcurrent)
	assert.Equal(t, 10, stats.MaxQueueSize)
}

func TestUpdateConfigEndpoint(t *testing.T) {
	f := newAPIFixture(t, queue.Config{MaxConcurrent: 1, MaxQueueSize: 10})

	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/tasks", createRequest("T1")).Code)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/tasks", createRequest("T2")).Code)

	rec := f.do(t, http.MethodPut, "/api/queue/config",
		QueueConfigRequest{MaxConcurrent: intPtr(2)})
	require.Equal(t, http.StatusOK, rec.Code)

	// Raising the limit dispatched the pending task.
	var stats queue.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.ActiveCount)
	assert.Equal(t, 0, stats.PendingCount)
}

func TestUpdateConfigValidation(t *testing.T) {
	f := newAPIFixture(t, queue.Config{MaxConcurrent: 1, MaxQueueSize: 10})

	tests := []struct {
		name string
		body QueueConfigRequest
	}{
		{name: "empty body", body: QueueConfigRequest{}},
		{name: "zero limit", body: QueueConfigRequest{MaxConcurrent: intPtr(0)}},
		{name: "negative limit", body: QueueConfigRequest{MaxQueueSize: intPtr(-5)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPut, "/api/queue/config", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestReconcileEndpoint(t *testing.T) {
	f := newAPIFixture(t, queue.Config{MaxConcurrent: 1, MaxQueueSize: 10})

	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/tasks", createRequest("T1")).Code)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/tasks", createRequest("T2")).Code)

	// Orphan the pending entry, then reconcile over the API.
	require.NoError(t, f.taskStore.Delete(context.Background(), "T2"))

	rec := f.do(t, http.MethodPost, "/api/queue/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats queue.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 0, stats.PendingCount)
}

func TestDispatchEndpoint(t *testing.T) {
	f := newAPIFixture(t, queue.Config{MaxConcurrent: 1, MaxQueueSize: 10})

	rec := f.do(t, http.MethodPost, "/api/queue/dispatch", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNotificationsDrain(t *testing.T) {
	f := newAPIFixture(t, queue.Config{MaxConcurrent: 2, MaxQueueSize: 10})

	// No completions yet: the backlog is empty.
	rec := f.do(t, http.MethodGet, "/api/notifications", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp NotificationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.CompletedIDs)

	f.repo.Notifications().Notify("T1")
	f.repo.Notifications().Notify("T2")

	rec = f.do(t, http.MethodGet, "/api/notifications", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"T1", "T2"}, resp.CompletedIDs)

	// Drained: a second read comes back empty.
	rec = f.do(t, http.MethodGet, "/api/notifications", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.CompletedIDs)
}

func TestNotificationsLongPoll(t *testing.T) {
	f := newAPIFixture(t, queue.Config{MaxConcurrent: 2, MaxQueueSize: 10})

	go func() {
		time.Sleep(20 * time.Millisecond)
		f.repo.Notifications().Notify("T1")
	}()

	start := time.Now()
	rec := f.do(t, http.MethodGet, "/api/notifications?wait=2s", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp NotificationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"T1"}, resp.CompletedIDs)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNotificationsLongPollTimeout(t *testing.T) {
	f := newAPIFixture(t, queue.Config{MaxConcurrent: 2, MaxQueueSize: 10})

	rec := f.do(t, http.MethodGet, "/api/notifications?wait=30ms", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp NotificationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.CompletedIDs)
}

func TestNotificationsBadWait(t *testing.T) {
	f := newAPIFixture(t, queue.Config{MaxConcurrent: 2, MaxQueueSize: 10})

	rec := f.do(t, http.MethodGet, "/api/notifications?wait=eleven", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
