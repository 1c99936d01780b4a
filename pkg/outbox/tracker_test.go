// Package outbox — unit тесты GORM-реализации Tracker на sqlmock.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"example.com/event-relay/pkg/events"
)

// setupMockDB создаёт мок базы данных с GORM.
func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err, "Ошибка создания sqlmock")
	t.Cleanup(func() { _ = db.Close() })

	dialector := mysql.New(mysql.Config{
		Conn:                      db,
		SkipInitializeWithVersion: true,
	})

	gormDB, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err, "Ошибка инициализации GORM")

	return gormDB, mock
}

func TestTracker_Track(t *testing.T) {
	db, mock := setupMockDB(t)
	tracker := NewTracker(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `event_outbox`")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	event := &events.OutboundEvent{
		EventID:   "e-1",
		EventType: "lead_created",
		TargetApp: "operations",
		Payload:   json.RawMessage(`{"lead_id":1}`),
	}

	record, err := tracker.Track(context.Background(), event, "брокер недоступен")
	require.NoError(t, err)
	assert.NotEmpty(t, record.ID)
	assert.Equal(t, StatusPending, record.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTracker_FetchPending(t *testing.T) {
	db, mock := setupMockDB(t)
	tracker := NewTracker(db)

	envelope := []byte(`{"event_id":"e-1","event_type":"lead_created","target_app":"operations"}`)
	rows := sqlmock.NewRows([]string{
		"id", "event_id", "event_type", "target_app", "tenant_id",
		"envelope", "status", "attempt_count", "last_error", "created_at", "delivered_at",
	}).AddRow("outbox-1", "e-1", "lead_created", "operations", "",
		envelope, "pending", 2, nil, time.Now(), nil)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `event_outbox` WHERE status = ?")).
		WithArgs("pending", 100).
		WillReturnRows(rows)

	records, err := tracker.FetchPending(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "outbox-1", records[0].ID)
	assert.Equal(t, 2, records[0].AttemptCount)

	event, err := records[0].Event()
	require.NoError(t, err)
	assert.Equal(t, "lead_created", event.EventType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTracker_MarkDelivered(t *testing.T) {
	db, mock := setupMockDB(t)
	tracker := NewTracker(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `event_outbox` SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, tracker.MarkDelivered(context.Background(), "outbox-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTracker_MarkDelivered_NotFound(t *testing.T) {
	db, mock := setupMockDB(t)
	tracker := NewTracker(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `event_outbox` SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := tracker.MarkDelivered(context.Background(), "нет-такой")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestTracker_MarkFailed(t *testing.T) {
	db, mock := setupMockDB(t)
	tracker := NewTracker(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `event_outbox` SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := tracker.MarkFailed(context.Background(), "outbox-1", errors.New("nack от брокера"))
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTracker_MarkDead(t *testing.T) {
	db, mock := setupMockDB(t)
	tracker := NewTracker(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `event_outbox` SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	assert.NoError(t, tracker.MarkDead(context.Background(), "outbox-1"))
}

func TestTracker_DeleteDeliveredBefore(t *testing.T) {
	db, mock := setupMockDB(t)
	tracker := NewTracker(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `event_outbox`")).
		WillReturnResult(sqlmock.NewResult(0, 42))
	mock.ExpectCommit()

	deleted, err := tracker.DeleteDeliveredBefore(context.Background(), time.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(42), deleted)
}

func TestTracker_DeleteDeliveredBefore_MultipleBatches(t *testing.T) {
	// Полная пачка означает, что записи ещё остались: удаление
	// продолжается до неполной пачки.
	db, mock := setupMockDB(t)
	tracker := NewTracker(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `event_outbox`")).
		WillReturnResult(sqlmock.NewResult(0, 1000))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `event_outbox`")).
		WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectCommit()

	deleted, err := tracker.DeleteDeliveredBefore(context.Background(), time.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1007), deleted)
}
