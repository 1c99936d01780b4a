package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchanges и очереди, объявляемые идемпотентно при старте
// и после каждого переподключения.
const (
	// ExchangeEvents — topic exchange для маршрутизируемых доменных событий.
	// Очереди приложений привязываются шаблонами вида "ops.#".
	ExchangeEvents = "events"

	// ExchangeBroadcast — fanout exchange для широковещательных событий.
	// Routing key игнорируется, сообщение доставляется во все привязанные очереди.
	ExchangeBroadcast = "events.broadcast"

	// ExchangeJobs — direct exchange для очередей заданий.
	ExchangeJobs = "jobs"
)

// Очереди заданий и их routing keys.
const (
	QueueJobsImmediate = "jobs.immediate"
	QueueJobsBulk      = "jobs.bulk"
	QueueJobsScheduled = "jobs.scheduled"

	RoutingKeyJobImmediate = "job.immediate"
	RoutingKeyJobBulk      = "job.bulk"
	RoutingKeyJobScheduled = "job.scheduled"
)

// MaxJobPriority — максимальный приоритет задания (x-max-priority).
const MaxJobPriority = 10

// TopologyDeclarer — операции объявления топологии, поддерживаемые каналом.
// Покрывается *amqp.Channel; интерфейс нужен для unit-тестов.
type TopologyDeclarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// DeclareTopology идемпотентно объявляет exchanges и очереди заданий.
// messageTTL — TTL сообщений в очередях заданий.
func DeclareTopology(ch TopologyDeclarer, messageTTL time.Duration) error {
	exchanges := []struct {
		name string
		kind string
	}{
		{ExchangeEvents, "topic"},
		{ExchangeBroadcast, "fanout"},
		{ExchangeJobs, "direct"},
	}

	for _, ex := range exchanges {
		if err := ch.ExchangeDeclare(ex.name, ex.kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("ошибка объявления exchange %s: %w", ex.name, err)
		}
	}

	queueArgs := amqp.Table{
		"x-message-ttl":  messageTTL.Milliseconds(),
		"x-max-priority": int32(MaxJobPriority),
	}

	bindings := []struct {
		queue      string
		routingKey string
	}{
		{QueueJobsImmediate, RoutingKeyJobImmediate},
		{QueueJobsBulk, RoutingKeyJobBulk},
		{QueueJobsScheduled, RoutingKeyJobScheduled},
	}

	for _, b := range bindings {
		if _, err := ch.QueueDeclare(b.queue, true, false, false, false, queueArgs); err != nil {
			return fmt.Errorf("ошибка объявления очереди %s: %w", b.queue, err)
		}
		if err := ch.QueueBind(b.queue, b.routingKey, ExchangeJobs, false, nil); err != nil {
			return fmt.Errorf("ошибка привязки очереди %s: %w", b.queue, err)
		}
	}

	return nil
}
