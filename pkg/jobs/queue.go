package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"example.com/event-relay/pkg/backoff"
	"example.com/event-relay/pkg/logger"
	"example.com/event-relay/pkg/rabbitmq"
)

// Clock абстрагирует время для тестов отложенных заданий.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// realClock — системные часы.
type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// ChannelProvider выдаёт новый confirm-канал для публикаций очереди.
type ChannelProvider func() (rabbitmq.ConfirmableChannel, error)

// ConsumerChannel — операции канала-консьюмера с ограниченным prefetch.
// Покрывается *amqp.Channel; интерфейс нужен для unit-тестов.
type ConsumerChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// ConsumerProvider выдаёт новый канал для консьюмера очереди.
type ConsumerProvider func() (ConsumerChannel, error)

// Inspector возвращает состояние очереди у брокера (глубина = waiting).
type Inspector interface {
	QueueInspect(name string) (amqp.Queue, error)
}

// InspectorProvider выдаёт канал для опроса глубины очередей.
type InspectorProvider func() (Inspector, error)

// Config — настройки очереди заданий.
type Config struct {
	// PrefetchCount ограничивает число одновременно выполняемых заданий
	// на канал консьюмера.
	PrefetchCount int

	// MaxAttempts — число попыток выполнения по видам очередей.
	// Обработчик, падающий всегда, выполнится ровно MaxAttempts раз.
	MaxAttempts map[Kind]int

	// RetryBase и RetryCap задают задержку повтора:
	// min(RetryBase * 2^(attempt-1), RetryCap).
	RetryBase time.Duration
	RetryCap  time.Duration

	// ConfirmTimeout — таймаут подтверждения публикации задания.
	ConfirmTimeout time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию.
func DefaultConfig() Config {
	return Config{
		PrefetchCount: 5,
		MaxAttempts: map[Kind]int{
			KindImmediate: 3,
			KindBulk:      3,
			KindScheduled: 3,
		},
		RetryBase:      1 * time.Second,
		RetryCap:       1 * time.Minute,
		ConfirmTimeout: rabbitmq.DefaultConfirmTimeout,
	}
}

// EnqueueOptions — параметры постановки задания.
type EnqueueOptions struct {
	// Priority — приоритет 0–10; выше — раньше в рамках одной очереди.
	Priority uint8

	// MaxAttempts переопределяет лимит попыток из конфигурации (0 = default).
	MaxAttempts int

	// JobID задаёт идентификатор явно (пустой = генерируется UUID).
	JobID string

	// DelayUntil — целевое время выполнения (только для scheduled).
	DelayUntil *time.Time
}

// Processor — обработчик задания. result сохраняется в локальном статусе
// при успехе; ошибка ведёт к повтору с задержкой, пока не исчерпан лимит.
type Processor func(ctx context.Context, job *Job) (result any, err error)

// Queue — сервис очередей заданий. Владеет собственными каналами
// (confirm-канал для публикаций, по каналу на консьюмер) и никогда
// не делит их с Event Publisher.
type Queue struct {
	cfg               Config
	provider          ChannelProvider
	consumerProvider  ConsumerProvider
	inspectorProvider InspectorProvider
	clock             Clock
	retry             backoff.Exponential
	store             *statusStore

	mu         sync.Mutex
	pub        *rabbitmq.ConfirmPublisher
	processors map[Kind]Processor
	started    bool

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// QueueOption — функциональная опция Queue.
type QueueOption func(*Queue)

// WithClock подменяет часы (для тестов отложенных заданий).
func WithClock(clock Clock) QueueOption {
	return func(q *Queue) {
		if clock != nil {
			q.clock = clock
		}
	}
}

// WithInspector задаёт источник глубины очередей для Stats.
func WithInspector(provider InspectorProvider) QueueOption {
	return func(q *Queue) {
		q.inspectorProvider = provider
	}
}

// NewQueue создаёт сервис очередей заданий.
// provider — confirm-канал для публикаций, consumerProvider — каналы
// консьюмеров. Оба обычно замыкаются на rabbitmq.Connection.
func NewQueue(cfg Config, provider ChannelProvider, consumerProvider ConsumerProvider, opts ...QueueOption) *Queue {
	if cfg.PrefetchCount <= 0 {
		cfg.PrefetchCount = 5
	}
	if cfg.MaxAttempts == nil {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 1 * time.Second
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 1 * time.Minute
	}

	q := &Queue{
		cfg:              cfg,
		provider:         provider,
		consumerProvider: consumerProvider,
		clock:            realClock{},
		retry:            backoff.NewExponential(cfg.RetryBase, cfg.RetryCap),
		store:            newStatusStore(),
		processors:       make(map[Kind]Processor),
		stopCh:           make(chan struct{}),
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// publisher возвращает действующий confirm-канал, пересоздавая его
// после закрытия (переподключение супервизора).
func (q *Queue) publisher() (*rabbitmq.ConfirmPublisher, error) {
	if q.provider == nil {
		return nil, rabbitmq.ErrNotConfigured
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pub != nil && !q.pub.Closed() {
		return q.pub, nil
	}

	ch, err := q.provider()
	if err != nil {
		return nil, err
	}

	pub, err := rabbitmq.NewConfirmPublisher(ch, q.cfg.ConfirmTimeout, nil)
	if err != nil {
		return nil, err
	}

	q.pub = pub
	return pub, nil
}

// routingKeyFor возвращает routing key очереди по виду задания.
func routingKeyFor(kind Kind) string {
	switch kind {
	case KindImmediate:
		return rabbitmq.RoutingKeyJobImmediate
	case KindBulk:
		return rabbitmq.RoutingKeyJobBulk
	case KindScheduled:
		return rabbitmq.RoutingKeyJobScheduled
	}
	return ""
}

// queueNameFor возвращает имя durable-очереди по виду задания.
func queueNameFor(kind Kind) string {
	switch kind {
	case KindImmediate:
		return rabbitmq.QueueJobsImmediate
	case KindBulk:
		return rabbitmq.QueueJobsBulk
	case KindScheduled:
		return rabbitmq.QueueJobsScheduled
	}
	return ""
}

// Enqueue ставит задание в очередь. Возвращает управление только после
// подтверждения публикации брокером (тот же confirm-режим, что у событий).
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload json.RawMessage, opts EnqueueOptions) (*Job, error) {
	if !kind.Valid() {
		return nil, ErrUnknownKind
	}

	if opts.Priority > rabbitmq.MaxJobPriority {
		opts.Priority = rabbitmq.MaxJobPriority
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts[kind]
	}

	jobID := opts.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}

	job := &Job{
		JobID:       jobID,
		Kind:        kind,
		Payload:     payload,
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		ScheduledAt: opts.DelayUntil,
	}

	initial := StatusWaiting
	if kind == KindScheduled && opts.DelayUntil != nil {
		initial = StatusScheduled
	}
	q.store.put(job, initial, q.clock.Now())

	if err := q.publishJob(ctx, job); err != nil {
		q.store.setError(jobID, err.Error())
		return nil, err
	}

	log := logger.FromContext(ctx)
	log.Debug().
		Str("job_id", jobID).
		Str("kind", string(kind)).
		Uint8("priority", opts.Priority).
		Msg("Задание поставлено в очередь")

	return job, nil
}

// publishJob публикует сообщение задания с подтверждением брокером.
func (q *Queue) publishJob(ctx context.Context, job *Job) error {
	pub, err := q.publisher()
	if err != nil {
		return err
	}

	msg := jobMessage{
		JobID:        job.JobID,
		Kind:         job.Kind,
		Payload:      job.Payload,
		Priority:     job.Priority,
		AttemptsMade: job.AttemptsMade,
		MaxAttempts:  job.MaxAttempts,
		RunAt:        job.ScheduledAt,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("ошибка сериализации задания: %w", err)
	}

	return pub.Publish(ctx, rabbitmq.ExchangeJobs, routingKeyFor(job.Kind), false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.JobID,
		Priority:     job.Priority,
		Timestamp:    q.clock.Now(),
		Body:         body,
	})
}

// GetStatus возвращает локальный статус задания (best-effort:
// карта ограничена этим процессом и не переживает рестарт).
func (q *Queue) GetStatus(jobID string) (*JobStatus, error) {
	st, ok := q.store.get(jobID)
	if !ok {
		return nil, ErrUnknownJob
	}
	return st, nil
}

// Cancel отменяет задание локально. Сообщение, уже видимое брокеру,
// отозвать нельзя: консьюмер этого процесса пропустит отменённое задание,
// консьюмеры других процессов — нет. Documented limitation, не баг.
func (q *Queue) Cancel(jobID string) error {
	return q.store.cancel(jobID, q.clock.Now())
}

// Stats — статистика очереди: глубина у брокера авторитетна для waiting,
// локальные счётчики — для остального.
type Stats struct {
	Kind      Kind `json:"kind"`
	Waiting   int  `json:"waiting"`
	Active    int  `json:"active"`
	Scheduled int  `json:"scheduled"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Cancelled int  `json:"cancelled"`
}

// GetQueueStats возвращает объединённую статистику очереди.
func (q *Queue) GetQueueStats(ctx context.Context, kind Kind) (*Stats, error) {
	if !kind.Valid() {
		return nil, ErrUnknownKind
	}

	stats := &Stats{Kind: kind}

	counts := q.store.counts(kind)
	stats.Active = counts[StatusActive]
	stats.Scheduled = counts[StatusScheduled]
	stats.Completed = counts[StatusCompleted]
	stats.Failed = counts[StatusFailed]
	stats.Cancelled = counts[StatusCancelled]

	if q.inspectorProvider == nil {
		// Без доступа к брокеру остаётся локальный счётчик waiting.
		stats.Waiting = counts[StatusWaiting]
		return stats, nil
	}

	inspector, err := q.inspectorProvider()
	if err != nil {
		return nil, fmt.Errorf("ошибка получения канала для опроса очереди: %w", err)
	}

	queue, err := inspector.QueueInspect(queueNameFor(kind))
	if err != nil {
		return nil, fmt.Errorf("ошибка опроса очереди %s: %w", queueNameFor(kind), err)
	}

	stats.Waiting = queue.Messages
	return stats, nil
}

// Restart перезапускает консьюмеры на свежих каналах. Вызывается из
// reinit-hook супервизора после переподключения к брокеру: старые каналы
// мертвы вместе с прежним соединением. Отложенные повторы, ждавшие паузу
// в памяти, при этом теряются: задание остаётся в статусе Waiting с
// записанной ошибкой, но в очередь не возвращается — вызывающий должен
// поставить его заново по статусу.
func (q *Queue) Restart(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		close(q.stopCh)
		q.started = false
	}
	pub := q.pub
	q.pub = nil
	q.mu.Unlock()

	q.wg.Wait()

	if pub != nil {
		pub.Close()
	}

	q.mu.Lock()
	q.stopCh = make(chan struct{})
	q.mu.Unlock()

	return q.Start(ctx)
}

// Close останавливает консьюмеры и закрывает каналы очереди (best-effort).
func (q *Queue) Close() {
	q.mu.Lock()
	if q.started {
		close(q.stopCh)
		q.started = false
	}
	pub := q.pub
	q.pub = nil
	q.mu.Unlock()

	q.wg.Wait()

	if pub != nil {
		pub.Close()
	}

	logger.Info().Msg("Очередь заданий остановлена")
}
