// Package delivery содержит обработчики заданий relay-сервиса.
// Задание всех трёх очередей — отложенная/массовая публикация события:
// payload задания несёт конверт OutboundEvent, обработчик публикует его
// через общий Event Publisher с подтверждением брокером.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"example.com/event-relay/pkg/events"
	"example.com/event-relay/pkg/jobs"
	"example.com/event-relay/pkg/logger"
)

// Publisher — публикация событий (сужение events.Publisher для тестов).
type Publisher interface {
	Publish(ctx context.Context, event *events.OutboundEvent) (*events.PublishResult, error)
}

// EventDeliveryProcessor возвращает обработчик заданий, публикующий событие
// из payload. Ошибка публикации возвращается как ошибка попытки: очередь
// повторит задание с backoff до исчерпания лимита.
func EventDeliveryProcessor(publisher Publisher) jobs.Processor {
	return func(ctx context.Context, job *jobs.Job) (any, error) {
		var event events.OutboundEvent
		if err := json.Unmarshal(job.Payload, &event); err != nil {
			return nil, fmt.Errorf("ошибка разбора конверта события в задании: %w", err)
		}

		result, err := publisher.Publish(ctx, &event)
		if err != nil {
			return nil, err
		}

		log := logger.FromContext(ctx)
		log.Debug().
			Str("job_id", job.JobID).
			Str("event_id", result.EventID).
			Str("routing_key", result.RoutingKey).
			Msg("Событие из задания опубликовано")

		return result, nil
	}
}
