package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"example.com/event-relay/pkg/events"
)

// ErrRecordNotFound — запись outbox не найдена.
var ErrRecordNotFound = errors.New("запись outbox не найдена")

// Tracker определяет методы учёта недоставленных событий.
// Интерфейс для тестируемости (Dependency Inversion).
type Tracker interface {
	// Track записывает событие в outbox после неудачной публикации.
	Track(ctx context.Context, event *events.OutboundEvent, lastError string) (*Record, error)

	// FetchPending возвращает pending-записи для replay, старые раньше.
	FetchPending(ctx context.Context, limit int) ([]*Record, error)

	// MarkDelivered помечает запись доставленной.
	MarkDelivered(ctx context.Context, id string) error

	// MarkFailed увеличивает счётчик попыток и сохраняет текст ошибки.
	MarkFailed(ctx context.Context, id string, err error) error

	// MarkDead выводит запись из очереди replay после исчерпания попыток.
	MarkDead(ctx context.Context, id string) error

	// DeleteDeliveredBefore удаляет доставленные записи старше указанного
	// времени. Возвращает количество удалённых. Используется для очистки.
	DeleteDeliveredBefore(ctx context.Context, before time.Time) (int64, error)
}

// gormTracker — GORM реализация Tracker.
type gormTracker struct {
	db *gorm.DB
}

// NewTracker создаёт Tracker поверх MySQL.
func NewTracker(db *gorm.DB) Tracker {
	return &gormTracker{db: db}
}

// Track записывает событие в outbox со статусом pending.
func (t *gormTracker) Track(ctx context.Context, event *events.OutboundEvent, lastError string) (*Record, error) {
	record, err := NewRecord(event, lastError)
	if err != nil {
		return nil, err
	}
	record.ID = uuid.New().String()

	model := modelFromDomain(record)
	if err := t.db.WithContext(ctx).Create(model).Error; err != nil {
		return nil, err
	}

	record.CreatedAt = model.CreatedAt
	return record, nil
}

// FetchPending возвращает pending-записи, отсортированные по числу попыток
// и времени создания: свежие и редко падавшие — раньше.
func (t *gormTracker) FetchPending(ctx context.Context, limit int) ([]*Record, error) {
	var models []recordModel

	if err := t.db.WithContext(ctx).
		Where("status = ?", string(StatusPending)).
		Order("attempt_count ASC, created_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}

	result := make([]*Record, len(models))
	for i := range models {
		result[i] = models[i].toDomain()
	}
	return result, nil
}

// MarkDelivered помечает запись доставленной.
func (t *gormTracker) MarkDelivered(ctx context.Context, id string) error {
	now := time.Now()
	result := t.db.WithContext(ctx).Model(&recordModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       string(StatusDelivered),
			"delivered_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// MarkFailed увеличивает счётчик попыток и сохраняет текст ошибки.
func (t *gormTracker) MarkFailed(ctx context.Context, id string, err error) error {
	errStr := err.Error()
	result := t.db.WithContext(ctx).Model(&recordModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"last_error":    errStr,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// MarkDead выводит запись из очереди replay.
func (t *gormTracker) MarkDead(ctx context.Context, id string) error {
	result := t.db.WithContext(ctx).Model(&recordModel{}).
		Where("id = ?", id).
		Update("status", string(StatusDead))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// deleteBatchSize — размер пачки удаления при очистке доставленных записей.
const deleteBatchSize = 1000

// DeleteDeliveredBefore удаляет доставленные записи старше указанного времени.
// Удаляет пачками по 1000 до исчерпания для предотвращения длинных блокировок.
func (t *gormTracker) DeleteDeliveredBefore(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	for {
		result := t.db.WithContext(ctx).
			Where("status = ? AND delivered_at < ?", string(StatusDelivered), before).
			Limit(deleteBatchSize).
			Delete(&recordModel{})
		if result.Error != nil {
			return total, result.Error
		}

		total += result.RowsAffected
		if result.RowsAffected < deleteBatchSize {
			return total, nil
		}
	}
}
