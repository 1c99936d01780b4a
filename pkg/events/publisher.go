package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"example.com/event-relay/pkg/logger"
	"example.com/event-relay/pkg/metrics"
	"example.com/event-relay/pkg/rabbitmq"
)

// ErrNotConfigured — публикация невозможна: брокер не сконфигурирован.
// Жёсткая ошибка зависимости, не повторяется внутри Publisher.
var ErrNotConfigured = rabbitmq.ErrNotConfigured

// ChannelProvider выдаёт новый confirm-канал поверх соединения супервизора.
// Вызывается лениво при первой публикации и после закрытия канала.
type ChannelProvider func() (rabbitmq.ConfirmableChannel, error)

// Publisher публикует доменные события через confirm-канал.
// Владеет собственным каналом и не делит его с другими компонентами.
type Publisher struct {
	provider       ChannelProvider
	confirmTimeout time.Duration

	mu  sync.Mutex
	pub *rabbitmq.ConfirmPublisher
}

// Option — функциональная опция Publisher.
type Option func(*Publisher)

// WithConfirmTimeout задаёт таймаут ожидания подтверждения брокером.
func WithConfirmTimeout(timeout time.Duration) Option {
	return func(p *Publisher) {
		if timeout > 0 {
			p.confirmTimeout = timeout
		}
	}
}

// NewPublisher создаёт Publisher. provider == nil означает отсутствие
// конфигурации брокера: каждая публикация завершится ErrNotConfigured.
func NewPublisher(provider ChannelProvider, opts ...Option) *Publisher {
	p := &Publisher{
		provider:       provider,
		confirmTimeout: rabbitmq.DefaultConfirmTimeout,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// publisher возвращает действующий confirm-канал, создавая его лениво
// и пересоздавая после закрытия (переподключение супервизора).
func (p *Publisher) publisher() (*rabbitmq.ConfirmPublisher, error) {
	if p.provider == nil {
		return nil, ErrNotConfigured
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pub != nil && !p.pub.Closed() {
		return p.pub, nil
	}

	ch, err := p.provider()
	if err != nil {
		return nil, err
	}

	pub, err := rabbitmq.NewConfirmPublisher(ch, p.confirmTimeout, p.onReturn)
	if err != nil {
		return nil, err
	}

	p.pub = pub
	return pub, nil
}

// onReturn обрабатывает сообщения, возвращённые брокером: нет очереди
// под routing key. С точки зрения Publisher публикация состоялась,
// но доставка — нет; это сигнал о неверной топологии, не transient-сбой.
func (p *Publisher) onReturn(ret amqp.Return) {
	metrics.RecordEventReturned(ret.RoutingKey)
}

// Publish публикует событие и блокируется до подтверждения брокером.
// Успех — только положительный ack; nack и таймаут возвращаются как
// различимые ошибки. Повтор публикации (в т.ч. с тем же event_id) —
// ответственность вызывающего и replay-слоя.
func (p *Publisher) Publish(ctx context.Context, event *OutboundEvent) (*PublishResult, error) {
	if event == nil {
		return nil, errors.New("событие не задано")
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}

	pub, err := p.publisher()
	if err != nil {
		return nil, err
	}

	// Повторная публикация дубликата event_id допустима: дедупликация —
	// обязанность консьюмеров.
	eventID := event.EventID
	if eventID == "" {
		eventID = uuid.New().String()
	}

	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	routingKey := RoutingKey(event.TargetApp, event.EventType)

	tracer := otel.Tracer("events")
	ctx, span := tracer.Start(ctx, "events.publish")
	span.SetAttributes(
		attribute.String("event.type", event.EventType),
		attribute.String("event.routing_key", routingKey),
	)
	defer span.End()

	// Сгенерированный event_id обязан попасть в тело сообщения:
	// консьюмеры дедуплицируют по нему, а replay публикует конверт как есть.
	wire := *event
	wire.EventID = eventID
	wire.Timestamp = timestamp

	body, err := json.Marshal(&wire)
	if err != nil {
		return nil, fmt.Errorf("ошибка сериализации события: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    eventID,
		Type:         event.EventType,
		AppId:        event.SourceApp,
		Timestamp:    timestamp,
		Body:         body,
		Headers: amqp.Table{
			"tenant_id":    event.TenantID,
			"published_by": event.PublishedBy,
		},
	}

	log := logger.FromContext(ctx)

	start := time.Now()
	// mandatory=true: сообщение без подходящей очереди возвращается
	// брокером и логируется как ошибка маршрутизации (см. onReturn).
	if err := pub.Publish(ctx, rabbitmq.ExchangeEvents, routingKey, true, msg); err != nil {
		metrics.RecordEventPublished("error", time.Since(start))

		log.Error().
			Err(err).
			Str("event_id", eventID).
			Str("routing_key", routingKey).
			Msg("Ошибка публикации события")

		return nil, err
	}

	metrics.RecordEventPublished("success", time.Since(start))

	log.Debug().
		Str("event_id", eventID).
		Str("event_type", event.EventType).
		Str("routing_key", routingKey).
		Msg("Событие подтверждено брокером")

	return &PublishResult{EventID: eventID, RoutingKey: routingKey}, nil
}

// PublishBroadcast публикует широковещательное событие в fanout exchange:
// routing key игнорируется, доставка — во все привязанные очереди.
// Дисциплина подтверждения та же, что и у Publish.
func (p *Publisher) PublishBroadcast(ctx context.Context, eventType string, payload json.RawMessage) error {
	if eventType == "" {
		return ErrEmptyEventType
	}

	pub, err := p.publisher()
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.New().String(),
		Type:         eventType,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	}

	start := time.Now()
	if err := pub.Publish(ctx, rabbitmq.ExchangeBroadcast, "", false, msg); err != nil {
		metrics.RecordEventPublished("error", time.Since(start))
		return err
	}

	metrics.RecordEventPublished("success", time.Since(start))

	log := logger.FromContext(ctx)
	log.Debug().
		Str("event_type", eventType).
		Msg("Широковещательное событие подтверждено брокером")

	return nil
}

// Close закрывает канал Publisher (best-effort).
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pub != nil {
		p.pub.Close()
		p.pub = nil
	}
}

// Ошибки, пробрасываемые из confirm-канала (для удобства вызывающих).
var (
	ErrPublishNacked  = rabbitmq.ErrPublishNacked
	ErrConfirmTimeout = rabbitmq.ErrConfirmTimeout
)

// IsUnavailable возвращает true, если ошибка означает недоступность
// публикации (нет соединения или канал закрыт): событие остаётся в outbox
// и будет повторено replay-воркером.
func IsUnavailable(err error) bool {
	return errors.Is(err, rabbitmq.ErrNotConnected) || errors.Is(err, rabbitmq.ErrChannelClosed)
}
