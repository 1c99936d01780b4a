package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/event-relay/pkg/jobs"
)

// JobHandler — обработчик очередей заданий.
type JobHandler struct {
	queue JobQueue
}

// NewJobHandler создаёт обработчик заданий.
func NewJobHandler(queue JobQueue) *JobHandler {
	return &JobHandler{queue: queue}
}

// === Request/Response DTOs ===

// EnqueueJobRequest — запрос на постановку задания.
type EnqueueJobRequest struct {
	Kind        string          `json:"kind" binding:"required"`
	Payload     json.RawMessage `json:"payload"`
	Priority    uint8           `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
	// DelayUntil — целевое время выполнения (только для scheduled).
	DelayUntil *time.Time `json:"delay_until,omitempty"`
}

// EnqueueJobResponse — ответ на постановку задания.
type EnqueueJobResponse struct {
	JobID string `json:"job_id"`
	Kind  string `json:"kind"`
}

// === Handlers ===

// EnqueueJob ставит задание в очередь.
// POST /api/v1/jobs
//
// Ответ возвращается только после подтверждения публикации брокером.
func (h *JobHandler) EnqueueJob(c *gin.Context) {
	var req EnqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}

	job, err := h.queue.Enqueue(c.Request.Context(), jobs.Kind(req.Kind), req.Payload, jobs.EnqueueOptions{
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		DelayUntil:  req.DelayUntil,
	})
	if err != nil {
		if errors.Is(err, jobs.ErrUnknownKind) {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "unknown_kind",
				Message: err.Error(),
			})
			return
		}

		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "enqueue_failed",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, EnqueueJobResponse{
		JobID: job.JobID,
		Kind:  string(job.Kind),
	})
}

// GetJobStatus возвращает локальный статус задания.
// GET /api/v1/jobs/:id
func (h *JobHandler) GetJobStatus(c *gin.Context) {
	status, err := h.queue.GetStatus(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "job_not_found",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, status)
}

// CancelJob отменяет задание, ещё не взятое в работу.
// DELETE /api/v1/jobs/:id
func (h *JobHandler) CancelJob(c *gin.Context) {
	err := h.queue.Cancel(c.Param("id"))
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
		return
	}

	if errors.Is(err, jobs.ErrUnknownJob) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "job_not_found",
			Message: err.Error(),
		})
		return
	}

	if errors.Is(err, jobs.ErrInvalidTransition) {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "not_cancellable",
			Message: "задание уже выполняется или завершено",
		})
		return
	}

	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:   "cancel_failed",
		Message: err.Error(),
	})
}

// GetQueueStats возвращает статистику очереди.
// GET /api/v1/queues/:kind/stats
func (h *JobHandler) GetQueueStats(c *gin.Context) {
	stats, err := h.queue.GetQueueStats(c.Request.Context(), jobs.Kind(c.Param("kind")))
	if err != nil {
		if errors.Is(err, jobs.ErrUnknownKind) {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "unknown_kind",
				Message: err.Error(),
			})
			return
		}

		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "stats_failed",
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, stats)
}
