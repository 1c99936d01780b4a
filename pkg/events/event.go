// Package events реализует публикацию доменных событий между приложениями
// платформы. Publisher сериализует событие, вычисляет routing key из
// (целевое приложение, тип события) и публикует через confirm-канал:
// успех — только после явного подтверждения брокером.
//
// Publisher сам не повторяет неудачные публикации: повтор — зона
// ответственности outbox/replay-слоя (pkg/outbox).
package events

import (
	"encoding/json"
	"errors"
	"time"
)

// Ошибки валидации событий.
var (
	// ErrEmptyEventType — тип события обязателен для маршрутизации.
	ErrEmptyEventType = errors.New("не указан тип события")

	// ErrEmptyTargetApp — целевое приложение обязательно для маршрутизации.
	ErrEmptyTargetApp = errors.New("не указано целевое приложение")
)

// OutboundEvent — доменное событие, публикуемое из одного приложения в другие.
// Неизменяемо после создания. Routing key вычисляется только из собственных
// полей события — внешние справочники для маршрутизации не нужны.
type OutboundEvent struct {
	EventID     string          `json:"event_id"`     // UUID, ключ дедупликации у консьюмеров
	EventType   string          `json:"event_type"`   // Тип события (user_created, lead_created)
	SourceApp   string          `json:"source_app"`   // Приложение-источник
	TargetApp   string          `json:"target_app"`   // Целевое приложение
	TenantID    string          `json:"tenant_id"`    // Арендатор платформы
	EntityID    string          `json:"entity_id"`    // ID сущности, породившей событие
	Payload     json.RawMessage `json:"payload"`      // Тело события
	PublishedBy string          `json:"published_by"` // Кто инициировал публикацию
	Timestamp   time.Time       `json:"timestamp"`    // Время создания события
}

// Validate проверяет поля, без которых событие невозможно маршрутизировать.
func (e *OutboundEvent) Validate() error {
	if e.EventType == "" {
		return ErrEmptyEventType
	}
	if e.TargetApp == "" {
		return ErrEmptyTargetApp
	}
	return nil
}

// PublishResult — результат подтверждённой публикации.
type PublishResult struct {
	EventID    string `json:"event_id"`
	RoutingKey string `json:"routing_key"`
}
