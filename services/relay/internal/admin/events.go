package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/event-relay/pkg/events"
	"example.com/event-relay/pkg/logger"
)

// EventHandler — обработчик публикации событий.
type EventHandler struct {
	publisher EventPublisher
	tracker   OutboxTracker
}

// NewEventHandler создаёт обработчик событий.
// tracker == nil отключает страховочную запись в outbox.
func NewEventHandler(publisher EventPublisher, tracker OutboxTracker) *EventHandler {
	return &EventHandler{publisher: publisher, tracker: tracker}
}

// === Request/Response DTOs ===

// PublishEventRequest — запрос на публикацию события.
type PublishEventRequest struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type" binding:"required"`
	SourceApp   string          `json:"source_app" binding:"required"`
	TargetApp   string          `json:"target_app" binding:"required"`
	TenantID    string          `json:"tenant_id"`
	EntityID    string          `json:"entity_id"`
	Payload     json.RawMessage `json:"payload"`
	PublishedBy string          `json:"published_by"`
}

// PublishEventResponse — ответ на публикацию события.
type PublishEventResponse struct {
	EventID    string `json:"event_id"`
	RoutingKey string `json:"routing_key"`
	// Queued == true: публикация не подтверждена, событие записано
	// в outbox и будет доставлено replay-воркером.
	Queued bool `json:"queued"`
}

// BroadcastRequest — запрос на широковещательную публикацию.
type BroadcastRequest struct {
	EventType string          `json:"event_type" binding:"required"`
	Payload   json.RawMessage `json:"payload"`
}

// === Handlers ===

// PublishEvent публикует событие с подтверждением брокером.
// POST /api/v1/events
//
// Неподтверждённая публикация не теряет событие: оно записывается
// в outbox и возвращается 202 Accepted.
func (h *EventHandler) PublishEvent(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)

	var req PublishEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}

	event := &events.OutboundEvent{
		EventID:     req.EventID,
		EventType:   req.EventType,
		SourceApp:   req.SourceApp,
		TargetApp:   req.TargetApp,
		TenantID:    req.TenantID,
		EntityID:    req.EntityID,
		Payload:     req.Payload,
		PublishedBy: req.PublishedBy,
		Timestamp:   time.Now().UTC(),
	}

	result, err := h.publisher.Publish(ctx, event)
	if err == nil {
		c.JSON(http.StatusOK, PublishEventResponse{
			EventID:    result.EventID,
			RoutingKey: result.RoutingKey,
		})
		return
	}

	if errors.Is(err, events.ErrEmptyEventType) || errors.Is(err, events.ErrEmptyTargetApp) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_event",
			Message: err.Error(),
		})
		return
	}

	// Брокер недоступен, nack или таймаут: событие уходит в outbox.
	if h.tracker != nil {
		record, trackErr := h.tracker.Track(ctx, event, err.Error())
		if trackErr == nil {
			log.Warn().Err(err).
				Str("event_type", event.EventType).
				Str("outbox_id", record.ID).
				Msg("Событие не подтверждено, записано в outbox")

			c.JSON(http.StatusAccepted, PublishEventResponse{
				EventID:    record.EventID,
				RoutingKey: events.RoutingKey(event.TargetApp, event.EventType),
				Queued:     true,
			})
			return
		}

		log.Error().Err(trackErr).
			Str("event_type", event.EventType).
			Msg("Ошибка записи события в outbox")
	}

	c.JSON(http.StatusServiceUnavailable, ErrorResponse{
		Error:   "publish_failed",
		Message: err.Error(),
	})
}

// Broadcast публикует широковещательное событие во все приложения.
// POST /api/v1/events/broadcast
func (h *EventHandler) Broadcast(c *gin.Context) {
	ctx := c.Request.Context()

	var req BroadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}

	if err := h.publisher.PublishBroadcast(ctx, req.EventType, req.Payload); err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "publish_failed",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "published"})
}
