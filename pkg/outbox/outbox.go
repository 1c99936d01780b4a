// Package outbox реализует страховочный слой доставки событий.
// Событие, которое не удалось опубликовать (брокер недоступен, nack,
// таймаут подтверждения), записывается в таблицу event_outbox; отдельный
// ReplayWorker периодически перечитывает pending-записи и публикует их
// заново. Replay выполняет ровно один процесс кластера — лидерство
// обеспечивает аренда в Redis (pkg/lease).
package outbox

import (
	"encoding/json"
	"time"

	"example.com/event-relay/pkg/events"
)

// Status — состояние записи outbox.
type Status string

const (
	// StatusPending — событие ждёт повторной публикации.
	StatusPending Status = "pending"

	// StatusDelivered — событие успешно опубликовано при replay.
	StatusDelivered Status = "delivered"

	// StatusDead — лимит попыток исчерпан, событие требует ручного вмешательства.
	StatusDead Status = "dead"
)

// Record — запись outbox: полный конверт события плюс учёт попыток.
type Record struct {
	ID           string    // UUID записи
	EventID      string    // EventID события (ключ дедупликации у консьюмеров)
	EventType    string    // Тип события (для выборок и логов)
	TargetApp    string    // Целевое приложение
	TenantID     string    // Арендатор платформы
	Envelope     []byte    // Полный конверт события в JSON
	Status       Status    // pending / delivered / dead
	AttemptCount int       // Количество попыток replay
	LastError    *string   // Последняя ошибка публикации
	CreatedAt    time.Time // Время записи в outbox
	DeliveredAt  *time.Time
}

// Event восстанавливает событие из сохранённого конверта.
func (r *Record) Event() (*events.OutboundEvent, error) {
	var event events.OutboundEvent
	if err := json.Unmarshal(r.Envelope, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// NewRecord создаёт pending-запись из события. lastError — причина,
// по которой исходная публикация не удалась.
func NewRecord(event *events.OutboundEvent, lastError string) (*Record, error) {
	envelope, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	record := &Record{
		EventID:   event.EventID,
		EventType: event.EventType,
		TargetApp: event.TargetApp,
		TenantID:  event.TenantID,
		Envelope:  envelope,
		Status:    StatusPending,
	}
	if lastError != "" {
		record.LastError = &lastError
	}
	return record, nil
}
