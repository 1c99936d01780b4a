// Package jobs реализует очередь фоновых заданий поверх RabbitMQ:
// три независимые durable-очереди (immediate, bulk, scheduled),
// регистрация обработчиков с ограниченным prefetch, повторы с
// экспоненциальной задержкой и локальный учёт статусов.
//
// Статусы хранятся в памяти процесса, создавшего задание: карта не
// переживает рестарт и существует для запросов статуса, не для recovery.
package jobs

import (
	"encoding/json"
	"errors"
	"time"
)

// Ошибки очереди заданий.
var (
	// ErrUnknownJob — задание не найдено в локальной карте статусов.
	ErrUnknownJob = errors.New("задание не найдено")

	// ErrUnknownKind — неизвестный вид очереди.
	ErrUnknownKind = errors.New("неизвестный вид очереди заданий")

	// ErrInvalidTransition — недопустимый переход состояния задания.
	ErrInvalidTransition = errors.New("недопустимый переход состояния задания")

	// ErrNoProcessor — для вида очереди не зарегистрирован обработчик.
	ErrNoProcessor = errors.New("обработчик для очереди не зарегистрирован")

	// ErrProcessorRegistered — обработчик для вида очереди уже задан.
	ErrProcessorRegistered = errors.New("обработчик для очереди уже зарегистрирован")
)

// Kind — вид очереди заданий.
type Kind string

const (
	KindImmediate Kind = "immediate"
	KindBulk      Kind = "bulk"
	KindScheduled Kind = "scheduled"
)

// Kinds перечисляет все виды очередей (фиксированная таблица обработчиков
// строится по этому списку).
var Kinds = []Kind{KindImmediate, KindBulk, KindScheduled}

// Valid возвращает true для известного вида очереди.
func (k Kind) Valid() bool {
	switch k {
	case KindImmediate, KindBulk, KindScheduled:
		return true
	}
	return false
}

// Status — состояние задания.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// transitions — таблица допустимых переходов состояния.
// Отмена возможна только из Waiting/Scheduled; переходы из терминальных
// состояний отклоняются, а не игнорируются молча.
// Active -> Waiting — возврат задания в очередь при повторе.
var transitions = map[Status][]Status{
	StatusWaiting:   {StatusActive, StatusCancelled},
	StatusScheduled: {StatusWaiting, StatusActive, StatusCancelled},
	StatusActive:    {StatusCompleted, StatusFailed, StatusWaiting},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// CanTransition возвращает true, если переход from -> to допустим.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal возвращает true для терминального состояния.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Job — единица фоновой работы.
type Job struct {
	JobID        string          `json:"job_id"`
	Kind         Kind            `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	Priority     uint8           `json:"priority"` // 0–10, выше — раньше в рамках очереди
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	ScheduledAt  *time.Time      `json:"scheduled_at,omitempty"` // Целевое время для scheduled
}

// JobStatus — снимок локального состояния задания для запросов статуса.
type JobStatus struct {
	JobID        string     `json:"job_id"`
	Kind         Kind       `json:"kind"`
	Status       Status     `json:"status"`
	AttemptsMade int        `json:"attempts_made"`
	MaxAttempts  int        `json:"max_attempts"`
	Result       any        `json:"result,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// jobMessage — формат сообщения задания в брокере.
type jobMessage struct {
	JobID        string          `json:"job_id"`
	Kind         Kind            `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	Priority     uint8           `json:"priority"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	RunAt        *time.Time      `json:"run_at,omitempty"`
}

// toJob восстанавливает Job из сообщения брокера.
func (m *jobMessage) toJob() *Job {
	return &Job{
		JobID:        m.JobID,
		Kind:         m.Kind,
		Payload:      m.Payload,
		Priority:     m.Priority,
		AttemptsMade: m.AttemptsMade,
		MaxAttempts:  m.MaxAttempts,
		ScheduledAt:  m.RunAt,
	}
}
