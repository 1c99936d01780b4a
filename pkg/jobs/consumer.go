package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"example.com/event-relay/pkg/logger"
	"example.com/event-relay/pkg/metrics"
)

// RegisterProcessor привязывает обработчик к виду очереди.
// Таблица фиксирована: повторная регистрация возвращает ошибку,
// регистрация после Start не допускается.
func (q *Queue) RegisterProcessor(kind Kind, processor Processor) error {
	if !kind.Valid() {
		return ErrUnknownKind
	}
	if processor == nil {
		return ErrNoProcessor
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return fmt.Errorf("регистрация обработчика после запуска консьюмеров: %w", ErrProcessorRegistered)
	}
	if _, ok := q.processors[kind]; ok {
		return ErrProcessorRegistered
	}

	q.processors[kind] = processor
	return nil
}

// Start запускает по консьюмеру на каждый вид очереди с зарегистрированным
// обработчиком. Каждый консьюмер получает собственный канал с prefetch.
func (q *Queue) Start(ctx context.Context) error {
	if q.consumerProvider == nil {
		return fmt.Errorf("источник каналов консьюмеров не задан: %w", ErrNoProcessor)
	}

	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return nil
	}
	if len(q.processors) == 0 {
		q.mu.Unlock()
		return ErrNoProcessor
	}

	kinds := make([]Kind, 0, len(q.processors))
	for kind := range q.processors {
		kinds = append(kinds, kind)
	}
	q.started = true
	q.mu.Unlock()

	for _, kind := range kinds {
		ch, err := q.consumerProvider()
		if err != nil {
			return fmt.Errorf("ошибка открытия канала консьюмера %s: %w", kind, err)
		}

		if err := ch.Qos(q.cfg.PrefetchCount, 0, false); err != nil {
			_ = ch.Close()
			return fmt.Errorf("ошибка установки prefetch для %s: %w", kind, err)
		}

		deliveries, err := ch.Consume(queueNameFor(kind), "", false, false, false, false, nil)
		if err != nil {
			_ = ch.Close()
			return fmt.Errorf("ошибка подписки на очередь %s: %w", queueNameFor(kind), err)
		}

		q.wg.Add(1)
		go q.consume(ctx, kind, ch, deliveries)

		logger.Info().
			Str("queue", queueNameFor(kind)).
			Int("prefetch", q.cfg.PrefetchCount).
			Msg("Консьюмер очереди заданий запущен")
	}

	return nil
}

// consume обрабатывает поставки одной очереди до остановки.
func (q *Queue) consume(ctx context.Context, kind Kind, ch ConsumerChannel, deliveries <-chan amqp.Delivery) {
	defer q.wg.Done()
	defer func() { _ = ch.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case delivery, ok := <-deliveries:
			if !ok {
				// Канал закрыт брокером; супервизор переподключится,
				// Start вызывается заново снаружи.
				logger.Warn().
					Str("queue", queueNameFor(kind)).
					Msg("Канал консьюмера закрыт, обработка остановлена")
				return
			}
			q.handleDelivery(ctx, kind, delivery)
		}
	}
}

// handleDelivery выполняет одно задание. Повтор реализован как ack
// текущей поставки и отложенная повторная публикация: брокер не даёт
// отложенного redeliver, поэтому повтор — новое сообщение с
// увеличенным счётчиком попыток.
func (q *Queue) handleDelivery(ctx context.Context, kind Kind, delivery amqp.Delivery) {
	log := logger.FromContext(ctx)

	var msg jobMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		// Нечитаемое сообщение повторять бессмысленно.
		log.Error().Err(err).
			Str("queue", queueNameFor(kind)).
			Msg("Ошибка разбора сообщения задания, сообщение отброшено")
		_ = delivery.Ack(false)
		metrics.RecordJobProcessed(string(kind), "poison", 0)
		return
	}

	job := msg.toJob()
	jobLog := log.With().Str("job_id", job.JobID).Str("kind", string(job.Kind)).Logger()

	if q.store.isCancelled(job.JobID) {
		jobLog.Info().Msg("Задание отменено, выполнение пропущено")
		_ = delivery.Ack(false)
		metrics.RecordJobProcessed(string(kind), "cancelled", 0)
		return
	}

	// Отложенное задание, чьё время ещё не пришло, возвращается в очередь
	// после паузы, не блокируя остальные поставки.
	if job.Kind == KindScheduled && job.ScheduledAt != nil {
		if wait := job.ScheduledAt.Sub(q.clock.Now()); wait > 0 {
			_ = delivery.Ack(false)
			q.republishAfter(ctx, job, wait)
			return
		}
		// Время пришло: задание переходит из Scheduled в работу.
		_ = q.store.transition(job, StatusWaiting, q.clock.Now())
	}

	if err := q.store.transition(job, StatusActive, q.clock.Now()); err != nil {
		jobLog.Warn().Err(err).Msg("Задание в недопустимом состоянии, выполнение пропущено")
		_ = delivery.Ack(false)
		return
	}

	q.mu.Lock()
	processor := q.processors[job.Kind]
	q.mu.Unlock()

	if processor == nil {
		jobLog.Error().Msg("Обработчик для очереди не зарегистрирован")
		q.store.setError(job.JobID, ErrNoProcessor.Error())
		_ = q.store.transition(job, StatusFailed, q.clock.Now())
		_ = delivery.Ack(false)
		metrics.RecordJobProcessed(string(kind), "failed", 0)
		return
	}

	start := q.clock.Now()
	result, err := q.runProcessor(ctx, processor, job)
	elapsed := q.clock.Now().Sub(start)

	// AttemptsMade считает выполнения, включая текущее.
	job.AttemptsMade++

	if err == nil {
		_ = q.store.transition(job, StatusCompleted, q.clock.Now())
		q.store.setResult(job.JobID, result)
		_ = delivery.Ack(false)
		metrics.RecordJobProcessed(string(kind), "completed", elapsed)
		jobLog.Info().Int("attempts", job.AttemptsMade).Dur("duration", elapsed).Msg("Задание выполнено")
		return
	}

	q.store.setError(job.JobID, err.Error())

	if job.AttemptsMade >= job.MaxAttempts {
		_ = q.store.transition(job, StatusFailed, q.clock.Now())
		_ = delivery.Ack(false)
		metrics.RecordJobProcessed(string(kind), "failed", elapsed)
		jobLog.Error().Err(err).
			Int("attempts", job.AttemptsMade).
			Msg("Задание исчерпало попытки выполнения")
		return
	}

	delay := q.retry.Delay(job.AttemptsMade)
	_ = q.store.transition(job, StatusWaiting, q.clock.Now())
	_ = delivery.Ack(false)
	metrics.RecordJobProcessed(string(kind), "retried", elapsed)
	jobLog.Warn().Err(err).
		Int("attempt", job.AttemptsMade).
		Dur("retry_delay", delay).
		Msg("Ошибка выполнения задания, повтор отложен")

	q.republishAfter(ctx, job, delay)
}

// runProcessor выполняет обработчик, перехватывая панику как ошибку попытки.
func (q *Queue) runProcessor(ctx context.Context, processor Processor, job *Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("паника в обработчике задания: %v", r)
		}
	}()
	return processor(ctx, job)
}

// republishAfter публикует задание заново после паузы.
// Пауза живёт в памяти процесса: при падении до повторной публикации
// задание теряется — компромисс в обмен на отсутствие плагина
// delayed-exchange у брокера.
func (q *Queue) republishAfter(ctx context.Context, job *Job, delay time.Duration) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()

		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-q.clock.After(delay):
		}

		if q.store.isCancelled(job.JobID) {
			return
		}

		if err := q.publishJob(ctx, job); err != nil {
			q.store.setError(job.JobID, err.Error())
			log := logger.FromContext(ctx)
			log.Error().Err(err).
				Str("job_id", job.JobID).
				Msg("Ошибка повторной публикации задания")
		}
	}()
}
