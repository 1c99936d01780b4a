// Package metrics предоставляет Prometheus метрики и HTTP server для /metrics.
//
// Типы метрик в Prometheus:
//   - Counter: только растёт (публикации, задания) — "сколько всего произошло"
//   - Histogram: распределение значений (latency) — "как быстро работает"
//
// Использование:
//
//	go metrics.NewServer(":9090", "event-relay").Start()
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/event-relay/pkg/logger"
)

// =============================================================================
// Метрики — определяем что будем собирать
// =============================================================================

var (
	// EventsPublishedTotal — счётчик публикаций событий по результату.
	// PromQL пример: rate(events_published_total{status="error"}[5m])
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Количество публикаций событий по статусу подтверждения",
		},
		[]string{"status"},
	)

	// EventReturnsTotal — счётчик сообщений, возвращённых брокером
	// (mandatory=true, нет очереди под routing key). Рост метрики —
	// сигнал о неверной топологии, а не о transient-сбое.
	EventReturnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_returns_total",
			Help: "Количество событий, возвращённых брокером как немаршрутизируемые",
		},
		[]string{"routing_key"},
	)

	// PublishConfirmDuration — гистограмма ожидания подтверждения брокером.
	PublishConfirmDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "publish_confirm_seconds",
			Help:    "Время от публикации до подтверждения брокером в секундах",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	// JobsProcessedTotal — счётчик выполнений заданий по очереди и результату.
	JobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Количество выполнений заданий по виду очереди и статусу",
		},
		[]string{"kind", "status"},
	)

	// JobDuration — гистограмма длительности выполнения заданий.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Длительность выполнения задания в секундах",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"kind"},
	)

	// ReplayCyclesTotal — счётчик циклов Replay Worker по исходу.
	// outcome: replayed / lease_denied / error / empty.
	ReplayCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replay_cycles_total",
			Help: "Количество циклов replay-воркера по исходу",
		},
		[]string{"outcome"},
	)

	// ReplayEventsTotal — счётчик повторно опубликованных событий outbox.
	ReplayEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replay_events_total",
			Help: "Количество событий outbox, обработанных replay-воркером",
		},
		[]string{"status"},
	)
)

// =============================================================================
// Вспомогательные функции для записи метрик
// =============================================================================

// RecordEventPublished записывает результат публикации события.
// status — "success" или "error".
func RecordEventPublished(status string, duration time.Duration) {
	EventsPublishedTotal.WithLabelValues(status).Inc()
	PublishConfirmDuration.Observe(duration.Seconds())
}

// RecordEventReturned записывает возврат немаршрутизируемого сообщения.
func RecordEventReturned(routingKey string) {
	EventReturnsTotal.WithLabelValues(routingKey).Inc()
}

// RecordJobProcessed записывает выполнение задания.
// status — "completed", "failed" или "retried".
func RecordJobProcessed(kind, status string, duration time.Duration) {
	JobsProcessedTotal.WithLabelValues(kind, status).Inc()
	JobDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordReplayCycle записывает исход цикла replay-воркера.
func RecordReplayCycle(outcome string) {
	ReplayCyclesTotal.WithLabelValues(outcome).Inc()
}

// RecordReplayEvent записывает результат повторной публикации события.
// status — "delivered" или "failed".
func RecordReplayEvent(status string) {
	ReplayEventsTotal.WithLabelValues(status).Inc()
}

// =============================================================================
// HTTP Server для /metrics endpoint
// =============================================================================

// ReadinessChecker — функция проверки готовности сервиса.
// Возвращает nil если сервис готов принимать трафик, иначе — ошибку.
type ReadinessChecker func(ctx context.Context) error

// Server — HTTP сервер для экспорта метрик Prometheus.
type Server struct {
	httpServer     *http.Server
	service        string
	readinessCheck ReadinessChecker // опциональная проверка готовности для /readyz
}

// Option — функциональная опция для настройки Server.
type Option func(*Server)

// WithReadinessCheck добавляет проверку готовности для /readyz endpoint.
// Если checker возвращает ошибку — /readyz вернёт 503 Service Unavailable.
func WithReadinessCheck(checker ReadinessChecker) Option {
	return func(s *Server) {
		s.readinessCheck = checker
	}
}

// NewServer создаёт новый metrics server.
// addr — адрес для прослушивания (например ":9090")
// service — имя сервиса для логирования
func NewServer(addr, service string, opts ...Option) *Server {
	s := &Server{
		service: service,
	}

	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()

	// /metrics — endpoint для Prometheus
	mux.Handle("/metrics", promhttp.Handler())

	// /healthz — liveness probe для Kubernetes
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"alive"}`))
	})

	// /readyz — readiness probe для Kubernetes
	// 200 OK если все зависимости (MySQL, Redis, RabbitMQ) доступны
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if s.readinessCheck == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ready"}`))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.readinessCheck(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			// Не выводим детали ошибки наружу (безопасность)
			_, _ = w.Write([]byte(`{"status":"not_ready"}`))
			logger.Warn().Err(err).Str("service", service).Msg("Readiness check failed")
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Start запускает HTTP сервер для метрик.
// Блокирующий вызов — запускать в горутине.
func (s *Server) Start() error {
	log := logger.With().Str("service", s.service).Logger()
	log.Info().Str("addr", s.httpServer.Addr).Msg("Запуск Metrics Server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully останавливает сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// =============================================================================
// Gin Middleware для HTTP метрик Admin API
// =============================================================================

// HTTPRequestsTotal — счётчик HTTP запросов Admin API.
var HTTPRequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Количество HTTP запросов по пути и статусу",
	},
	[]string{"service", "path", "status"},
)

// GinMetricsMiddleware возвращает Gin middleware для сбора HTTP метрик.
func GinMetricsMiddleware(service string) func(c *gin.Context) {
	return func(c *gin.Context) {
		c.Next()

		status := "success"
		if c.Writer.Status() >= 400 {
			status = "error"
		}

		HTTPRequestsTotal.WithLabelValues(service, c.FullPath(), status).Inc()
	}
}
