package jobs

import (
	"sync"
	"time"
)

// statusStore — локальная карта статусов заданий.
// Видимость ограничена процессом, создавшим задание: карта не durable,
// перестраивается по мере выполнения и существует для запросов статуса.
type statusStore struct {
	mu   sync.RWMutex
	jobs map[string]*JobStatus
}

func newStatusStore() *statusStore {
	return &statusStore{jobs: make(map[string]*JobStatus)}
}

// put регистрирует новое задание с начальным статусом.
func (s *statusStore) put(job *Job, status Status, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.JobID] = &JobStatus{
		JobID:        job.JobID,
		Kind:         job.Kind,
		Status:       status,
		AttemptsMade: job.AttemptsMade,
		MaxAttempts:  job.MaxAttempts,
		ScheduledAt:  job.ScheduledAt,
		UpdatedAt:    now,
	}
}

// get возвращает копию статуса задания.
func (s *statusStore) get(jobID string) (*JobStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}

	snapshot := *st
	return &snapshot, true
}

// transition переводит задание в новое состояние с проверкой таблицы переходов.
// Задания, неизвестные локально (созданы другим процессом), регистрируются
// на лету: статус-карта не претендует на межпроцессную видимость.
func (s *statusStore) transition(job *Job, to Status, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.jobs[job.JobID]
	if !ok {
		s.jobs[job.JobID] = &JobStatus{
			JobID:        job.JobID,
			Kind:         job.Kind,
			Status:       to,
			AttemptsMade: job.AttemptsMade,
			MaxAttempts:  job.MaxAttempts,
			ScheduledAt:  job.ScheduledAt,
			UpdatedAt:    now,
		}
		return nil
	}

	if !CanTransition(st.Status, to) {
		return ErrInvalidTransition
	}

	st.Status = to
	st.AttemptsMade = job.AttemptsMade
	st.UpdatedAt = now
	return nil
}

// cancel переводит задание в Cancelled, если это допустимо.
func (s *statusStore) cancel(jobID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.jobs[jobID]
	if !ok {
		return ErrUnknownJob
	}

	if !CanTransition(st.Status, StatusCancelled) {
		return ErrInvalidTransition
	}

	st.Status = StatusCancelled
	st.UpdatedAt = now
	return nil
}

// isCancelled возвращает true, если задание отменено локально.
func (s *statusStore) isCancelled(jobID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.jobs[jobID]
	return ok && st.Status == StatusCancelled
}

// setResult записывает результат успешного выполнения.
func (s *statusStore) setResult(jobID string, result any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.jobs[jobID]; ok {
		st.Result = result
	}
}

// setError записывает текст последней ошибки выполнения.
func (s *statusStore) setError(jobID string, errText string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.jobs[jobID]; ok {
		st.LastError = errText
	}
}

// counts возвращает локальные счётчики статусов для вида очереди.
func (s *statusStore) counts(kind Kind) map[Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[Status]int)
	for _, st := range s.jobs {
		if st.Kind == kind {
			result[st.Status]++
		}
	}
	return result
}
