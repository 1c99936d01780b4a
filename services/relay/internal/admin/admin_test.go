// Package admin — тесты HTTP обработчиков служебного API.
package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/event-relay/pkg/events"
	"example.com/event-relay/pkg/jobs"
	"example.com/event-relay/pkg/outbox"
	"example.com/event-relay/pkg/rabbitmq"
)

// =============================================================================
// Моки
// =============================================================================

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Publish(ctx context.Context, event *events.OutboundEvent) (*events.PublishResult, error) {
	args := m.Called(ctx, event)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*events.PublishResult), args.Error(1)
}

func (m *mockPublisher) PublishBroadcast(ctx context.Context, eventType string, payload json.RawMessage) error {
	args := m.Called(ctx, eventType, payload)
	return args.Error(0)
}

type mockTracker struct {
	mock.Mock
}

func (m *mockTracker) Track(ctx context.Context, event *events.OutboundEvent, lastError string) (*outbox.Record, error) {
	args := m.Called(ctx, event, lastError)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*outbox.Record), args.Error(1)
}

type mockQueue struct {
	mock.Mock
}

func (m *mockQueue) Enqueue(ctx context.Context, kind jobs.Kind, payload json.RawMessage, opts jobs.EnqueueOptions) (*jobs.Job, error) {
	args := m.Called(ctx, kind, payload, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jobs.Job), args.Error(1)
}

func (m *mockQueue) GetStatus(jobID string) (*jobs.JobStatus, error) {
	args := m.Called(jobID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jobs.JobStatus), args.Error(1)
}

func (m *mockQueue) Cancel(jobID string) error {
	args := m.Called(jobID)
	return args.Error(0)
}

func (m *mockQueue) GetQueueStats(ctx context.Context, kind jobs.Kind) (*jobs.Stats, error) {
	args := m.Called(ctx, kind)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jobs.Stats), args.Error(1)
}

// =============================================================================
// Вспомогательные функции
// =============================================================================

func setupRouter(publisher EventPublisher, tracker OutboxTracker, queue JobQueue) *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(RouterConfig{
		Events: NewEventHandler(publisher, tracker),
		Jobs:   NewJobHandler(queue),
	})
}

func doRequest(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// =============================================================================
// События
// =============================================================================

func TestPublishEvent_Success(t *testing.T) {
	publisher := new(mockPublisher)
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(e *events.OutboundEvent) bool {
		return e.EventType == "lead_created" && e.TargetApp == "operations"
	})).Return(&events.PublishResult{EventID: "e-1", RoutingKey: "ops.lead.created"}, nil)

	r := setupRouter(publisher, new(mockTracker), new(mockQueue))
	w := doRequest(r, http.MethodPost, "/api/v1/events", PublishEventRequest{
		EventType: "lead_created",
		SourceApp: "crm",
		TargetApp: "operations",
		Payload:   json.RawMessage(`{"lead_id":7}`),
	})

	require.Equal(t, http.StatusOK, w.Code)

	var resp PublishEventResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "e-1", resp.EventID)
	assert.Equal(t, "ops.lead.created", resp.RoutingKey)
	assert.False(t, resp.Queued)
}

func TestPublishEvent_BrokerDown_QueuedToOutbox(t *testing.T) {
	publisher := new(mockPublisher)
	publisher.On("Publish", mock.Anything, mock.Anything).Return(nil, rabbitmq.ErrNotConnected)

	tracker := new(mockTracker)
	tracker.On("Track", mock.Anything, mock.Anything, mock.Anything).
		Return(&outbox.Record{ID: "outbox-1", EventID: "e-1"}, nil)

	r := setupRouter(publisher, tracker, new(mockQueue))
	w := doRequest(r, http.MethodPost, "/api/v1/events", PublishEventRequest{
		EventType: "lead_created",
		SourceApp: "crm",
		TargetApp: "operations",
	})

	// Событие не потеряно: 202 и запись в outbox.
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp PublishEventResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Queued)
	tracker.AssertExpectations(t)
}

func TestPublishEvent_BrokerDownAndOutboxDown(t *testing.T) {
	publisher := new(mockPublisher)
	publisher.On("Publish", mock.Anything, mock.Anything).Return(nil, rabbitmq.ErrConfirmTimeout)

	tracker := new(mockTracker)
	tracker.On("Track", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("mysql недоступен"))

	r := setupRouter(publisher, tracker, new(mockQueue))
	w := doRequest(r, http.MethodPost, "/api/v1/events", PublishEventRequest{
		EventType: "lead_created",
		SourceApp: "crm",
		TargetApp: "operations",
	})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestPublishEvent_MissingFields(t *testing.T) {
	r := setupRouter(new(mockPublisher), new(mockTracker), new(mockQueue))
	w := doRequest(r, http.MethodPost, "/api/v1/events", map[string]string{
		"source_app": "crm",
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBroadcast_Success(t *testing.T) {
	publisher := new(mockPublisher)
	publisher.On("PublishBroadcast", mock.Anything, "maintenance_scheduled", mock.Anything).Return(nil)

	r := setupRouter(publisher, new(mockTracker), new(mockQueue))
	w := doRequest(r, http.MethodPost, "/api/v1/events/broadcast", BroadcastRequest{
		EventType: "maintenance_scheduled",
		Payload:   json.RawMessage(`{"window":"01:00"}`),
	})

	assert.Equal(t, http.StatusOK, w.Code)
	publisher.AssertExpectations(t)
}

// =============================================================================
// Задания
// =============================================================================

func TestEnqueueJob_Success(t *testing.T) {
	queue := new(mockQueue)
	queue.On("Enqueue", mock.Anything, jobs.KindImmediate, mock.Anything, mock.Anything).
		Return(&jobs.Job{JobID: "j-1", Kind: jobs.KindImmediate}, nil)

	r := setupRouter(new(mockPublisher), new(mockTracker), queue)
	w := doRequest(r, http.MethodPost, "/api/v1/jobs", EnqueueJobRequest{
		Kind:     "immediate",
		Payload:  json.RawMessage(`{"lead_id":1}`),
		Priority: 5,
	})

	require.Equal(t, http.StatusCreated, w.Code)

	var resp EnqueueJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "j-1", resp.JobID)
}

func TestEnqueueJob_UnknownKind(t *testing.T) {
	queue := new(mockQueue)
	queue.On("Enqueue", mock.Anything, jobs.Kind("express"), mock.Anything, mock.Anything).
		Return(nil, jobs.ErrUnknownKind)

	r := setupRouter(new(mockPublisher), new(mockTracker), queue)
	w := doRequest(r, http.MethodPost, "/api/v1/jobs", EnqueueJobRequest{Kind: "express"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJobStatus(t *testing.T) {
	queue := new(mockQueue)
	queue.On("GetStatus", "j-1").Return(&jobs.JobStatus{
		JobID:  "j-1",
		Kind:   jobs.KindImmediate,
		Status: jobs.StatusCompleted,
	}, nil)

	r := setupRouter(new(mockPublisher), new(mockTracker), queue)
	w := doRequest(r, http.MethodGet, "/api/v1/jobs/j-1", nil)

	require.Equal(t, http.StatusOK, w.Code)

	var resp jobs.JobStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, jobs.StatusCompleted, resp.Status)
}

func TestGetJobStatus_NotFound(t *testing.T) {
	queue := new(mockQueue)
	queue.On("GetStatus", "нет-такого").Return(nil, jobs.ErrUnknownJob)

	r := setupRouter(new(mockPublisher), new(mockTracker), queue)
	w := doRequest(r, http.MethodGet, "/api/v1/jobs/нет-такого", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelJob(t *testing.T) {
	queue := new(mockQueue)
	queue.On("Cancel", "j-1").Return(nil)

	r := setupRouter(new(mockPublisher), new(mockTracker), queue)
	w := doRequest(r, http.MethodDelete, "/api/v1/jobs/j-1", nil)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCancelJob_AlreadyActive(t *testing.T) {
	queue := new(mockQueue)
	queue.On("Cancel", "j-1").Return(jobs.ErrInvalidTransition)

	r := setupRouter(new(mockPublisher), new(mockTracker), queue)
	w := doRequest(r, http.MethodDelete, "/api/v1/jobs/j-1", nil)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetQueueStats(t *testing.T) {
	queue := new(mockQueue)
	queue.On("GetQueueStats", mock.Anything, jobs.KindBulk).Return(&jobs.Stats{
		Kind:    jobs.KindBulk,
		Waiting: 12,
		Active:  3,
	}, nil)

	r := setupRouter(new(mockPublisher), new(mockTracker), queue)
	w := doRequest(r, http.MethodGet, "/api/v1/queues/bulk/stats", nil)

	require.Equal(t, http.StatusOK, w.Code)

	var resp jobs.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 12, resp.Waiting)
}

// =============================================================================
// Health endpoints
// =============================================================================

func TestHealthz(t *testing.T) {
	r := setupRouter(new(mockPublisher), new(mockTracker), new(mockQueue))
	w := doRequest(r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadyz_NotReady(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := NewRouter(RouterConfig{
		ReadinessCheck: func(_ context.Context) error {
			return errors.New("rabbitmq: состояние reconnecting")
		},
	})

	w := doRequest(r, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
