package outbox

import "time"

// recordModel — GORM модель таблицы event_outbox.
type recordModel struct {
	ID           string     `gorm:"column:id;type:varchar(36);primaryKey"`
	EventID      string     `gorm:"column:event_id;type:varchar(36);not null;index:idx_outbox_event"`
	EventType    string     `gorm:"column:event_type;type:varchar(100);not null"`
	TargetApp    string     `gorm:"column:target_app;type:varchar(50);not null"`
	TenantID     string     `gorm:"column:tenant_id;type:varchar(36)"`
	Envelope     []byte     `gorm:"column:envelope;type:json;not null"`
	Status       string     `gorm:"column:status;type:varchar(16);not null;default:'pending';index:idx_outbox_status"`
	AttemptCount int        `gorm:"column:attempt_count;not null;default:0"`
	LastError    *string    `gorm:"column:last_error;type:text"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime"`
	DeliveredAt  *time.Time `gorm:"column:delivered_at"`
}

// TableName возвращает имя таблицы в БД.
func (recordModel) TableName() string {
	return "event_outbox"
}

// toDomain конвертирует GORM модель в доменную запись.
func (m *recordModel) toDomain() *Record {
	return &Record{
		ID:           m.ID,
		EventID:      m.EventID,
		EventType:    m.EventType,
		TargetApp:    m.TargetApp,
		TenantID:     m.TenantID,
		Envelope:     m.Envelope,
		Status:       Status(m.Status),
		AttemptCount: m.AttemptCount,
		LastError:    m.LastError,
		CreatedAt:    m.CreatedAt,
		DeliveredAt:  m.DeliveredAt,
	}
}

// modelFromDomain конвертирует доменную запись в GORM модель.
func modelFromDomain(r *Record) *recordModel {
	return &recordModel{
		ID:           r.ID,
		EventID:      r.EventID,
		EventType:    r.EventType,
		TargetApp:    r.TargetApp,
		TenantID:     r.TenantID,
		Envelope:     r.Envelope,
		Status:       string(r.Status),
		AttemptCount: r.AttemptCount,
		LastError:    r.LastError,
		CreatedAt:    r.CreatedAt,
		DeliveredAt:  r.DeliveredAt,
	}
}
