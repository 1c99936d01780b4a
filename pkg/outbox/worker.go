package outbox

import (
	"context"
	"time"

	"example.com/event-relay/pkg/events"
	"example.com/event-relay/pkg/lease"
	"example.com/event-relay/pkg/logger"
	"example.com/event-relay/pkg/metrics"
)

// EventPublisher — интерфейс для повторной публикации событий.
// Позволяет замокать events.Publisher в unit-тестах (Dependency Inversion).
type EventPublisher interface {
	Publish(ctx context.Context, event *events.OutboundEvent) (*events.PublishResult, error)
}

// WorkerConfig — настройки Replay Worker.
type WorkerConfig struct {
	// PollInterval — интервал между циклами replay.
	PollInterval time.Duration

	// BatchSize — количество записей за один цикл.
	BatchSize int

	// MaxRetries — максимальное количество попыток публикации.
	// После превышения запись помечается как dead.
	MaxRetries int
}

// DefaultWorkerConfig возвращает конфигурацию по умолчанию.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval: 30 * time.Second,
		BatchSize:    100,
		MaxRetries:   10,
	}
}

// cleanupInterval — интервал очистки доставленных записей outbox (1 час).
const cleanupInterval = 1 * time.Hour

// cleanupRetention — срок хранения доставленных записей outbox (7 дней).
const cleanupRetention = 7 * 24 * time.Hour

// ReplayWorker перечитывает pending-записи outbox и публикует их заново.
// Во всём кластере replay выполняет один процесс: каждый цикл воркер
// пытается захватить аренду лидерства и пропускает цикл, если она занята.
// Захваченная аренда удерживается между циклами (heartbeat продлевает её),
// поэтому лидерство не мигрирует между процессами без причины.
//
// Re-publish отдаёт событие консьюмерам повторно: дедупликация по EventID —
// обязанность получателя, replay гарантирует at-least-once.
type ReplayWorker struct {
	tracker   Tracker
	publisher EventPublisher
	leader    lease.Lease
	cfg       WorkerConfig
}

// NewReplayWorker создаёт Replay Worker.
func NewReplayWorker(tracker Tracker, publisher EventPublisher, leader lease.Lease, cfg WorkerConfig) *ReplayWorker {
	return &ReplayWorker{
		tracker:   tracker,
		publisher: publisher,
		leader:    leader,
		cfg:       cfg,
	}
}

// Run запускает Worker. Блокирует выполнение до отмены контекста.
// Первый цикл выполняется сразу, не дожидаясь первого тика.
// Любая ошибка цикла логируется; воркер никогда не падает из-за
// недоступности БД, Redis или брокера.
func (w *ReplayWorker) Run(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info().
		Dur("poll_interval", w.cfg.PollInterval).
		Int("batch_size", w.cfg.BatchSize).
		Int("max_retries", w.cfg.MaxRetries).
		Msg("Запуск Replay Worker")

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	cleanupTicker := time.NewTicker(cleanupInterval)
	defer cleanupTicker.Stop()

	w.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Остановка Replay Worker")
			w.releaseLease()
			return
		case <-ticker.C:
			w.runCycle(ctx)
		case <-cleanupTicker.C:
			w.cleanupDelivered(ctx)
		}
	}
}

// releaseLease отдаёт лидерство при остановке, чтобы другой процесс
// не ждал истечения TTL.
func (w *ReplayWorker) releaseLease() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.leader.Release(ctx); err != nil {
		logger.Warn().Err(err).Msg("Ошибка освобождения аренды при остановке Replay Worker")
	}
}

// runCycle выполняет один цикл replay: захват лидерства, выборка, публикация.
func (w *ReplayWorker) runCycle(ctx context.Context) {
	log := logger.FromContext(ctx)

	acquired, err := w.leader.TryAcquire(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Ошибка захвата аренды лидерства, цикл replay пропущен")
		metrics.RecordReplayCycle("lease_error")
		return
	}
	if !acquired {
		// Replay выполняет другой процесс кластера.
		metrics.RecordReplayCycle("standby")
		return
	}

	records, err := w.tracker.FetchPending(ctx, w.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("Ошибка чтения outbox")
		metrics.RecordReplayCycle("fetch_error")
		return
	}

	metrics.RecordReplayCycle("leader")

	if len(records) == 0 {
		return
	}

	log.Debug().Int("count", len(records)).Msg("Replay записей outbox")

	for _, record := range records {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.replayRecord(ctx, record)
	}
}

// replayRecord публикует одну запись outbox заново.
func (w *ReplayWorker) replayRecord(ctx context.Context, record *Record) {
	log := logger.FromContext(ctx)

	// Записи с исчерпанным лимитом попыток выводятся из очереди replay.
	if record.AttemptCount >= w.cfg.MaxRetries {
		log.Warn().
			Str("outbox_id", record.ID).
			Str("event_id", record.EventID).
			Str("event_type", record.EventType).
			Int("attempt_count", record.AttemptCount).
			Msg("Лимит попыток replay исчерпан, запись помечена как dead")

		if err := w.tracker.MarkDead(ctx, record.ID); err != nil {
			log.Error().Err(err).Str("outbox_id", record.ID).Msg("Ошибка пометки записи как dead")
		}
		metrics.RecordReplayEvent("dead")
		return
	}

	event, err := record.Event()
	if err != nil {
		// Нечитаемый конверт публиковать бессмысленно.
		log.Error().Err(err).
			Str("outbox_id", record.ID).
			Msg("Ошибка разбора конверта события, запись помечена как dead")

		if markErr := w.tracker.MarkDead(ctx, record.ID); markErr != nil {
			log.Error().Err(markErr).Str("outbox_id", record.ID).Msg("Ошибка пометки записи как dead")
		}
		metrics.RecordReplayEvent("dead")
		return
	}

	if _, err := w.publisher.Publish(ctx, event); err != nil {
		log.Error().Err(err).
			Str("outbox_id", record.ID).
			Str("event_id", record.EventID).
			Msg("Ошибка повторной публикации события")

		if markErr := w.tracker.MarkFailed(ctx, record.ID, err); markErr != nil {
			log.Error().Err(markErr).Str("outbox_id", record.ID).Msg("Ошибка пометки записи как failed")
		}
		metrics.RecordReplayEvent("failed")
		return
	}

	if err := w.tracker.MarkDelivered(ctx, record.ID); err != nil {
		// Событие ушло, но запись осталась pending: следующий цикл
		// опубликует его ещё раз (at-least-once).
		log.Error().Err(err).
			Str("outbox_id", record.ID).
			Msg("Ошибка пометки записи как delivered")
		return
	}

	metrics.RecordReplayEvent("delivered")

	log.Debug().
		Str("outbox_id", record.ID).
		Str("event_id", record.EventID).
		Str("event_type", record.EventType).
		Msg("Событие опубликовано повторно")
}

// cleanupDelivered удаляет доставленные записи outbox старше 7 дней.
func (w *ReplayWorker) cleanupDelivered(ctx context.Context) {
	log := logger.FromContext(ctx)

	if !w.leader.Held() {
		return
	}

	before := time.Now().Add(-cleanupRetention)
	deleted, err := w.tracker.DeleteDeliveredBefore(ctx, before)
	if err != nil {
		log.Error().Err(err).Msg("Ошибка очистки outbox")
		return
	}

	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Msg("Очистка доставленных записей outbox")
	}
}

// ReplaySingle обрабатывает одну запись outbox (для тестирования и
// ручного replay через админ-API).
func (w *ReplayWorker) ReplaySingle(ctx context.Context, record *Record) error {
	event, err := record.Event()
	if err != nil {
		return err
	}

	if _, err := w.publisher.Publish(ctx, event); err != nil {
		_ = w.tracker.MarkFailed(ctx, record.ID, err)
		return err
	}

	return w.tracker.MarkDelivered(ctx, record.ID)
}
