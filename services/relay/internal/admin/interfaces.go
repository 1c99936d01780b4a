// Package admin содержит HTTP обработчики служебного API relay-сервиса:
// публикация событий, постановка заданий, статусы и статистика очередей.
package admin

import (
	"context"
	"encoding/json"

	"example.com/event-relay/pkg/events"
	"example.com/event-relay/pkg/jobs"
	"example.com/event-relay/pkg/outbox"
)

// EventPublisher — операции публикации событий.
// Интерфейс для мокирования в тестах обработчиков.
type EventPublisher interface {
	Publish(ctx context.Context, event *events.OutboundEvent) (*events.PublishResult, error)
	PublishBroadcast(ctx context.Context, eventType string, payload json.RawMessage) error
}

// OutboxTracker — запись недоставленных событий в outbox.
type OutboxTracker interface {
	Track(ctx context.Context, event *events.OutboundEvent, lastError string) (*outbox.Record, error)
}

// JobQueue — операции очереди заданий.
type JobQueue interface {
	Enqueue(ctx context.Context, kind jobs.Kind, payload json.RawMessage, opts jobs.EnqueueOptions) (*jobs.Job, error)
	GetStatus(jobID string) (*jobs.JobStatus, error)
	Cancel(jobID string) error
	GetQueueStats(ctx context.Context, kind jobs.Kind) (*jobs.Stats, error)
}
