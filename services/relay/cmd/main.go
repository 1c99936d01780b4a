// event-relay — сервис надёжной асинхронной доставки сообщений между
// приложениями платформы: публикация событий с подтверждением брокером,
// очереди фоновых заданий и replay недоставленных событий из outbox.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/event-relay/pkg/config"
	"example.com/event-relay/pkg/db"
	"example.com/event-relay/pkg/events"
	"example.com/event-relay/pkg/healthcheck"
	"example.com/event-relay/pkg/jobs"
	"example.com/event-relay/pkg/lease"
	"example.com/event-relay/pkg/logger"
	"example.com/event-relay/pkg/metrics"
	"example.com/event-relay/pkg/outbox"
	"example.com/event-relay/pkg/rabbitmq"
	"example.com/event-relay/pkg/tracing"
	"example.com/event-relay/services/relay/internal/admin"
	"example.com/event-relay/services/relay/internal/delivery"
)

func main() {
	// Загружаем конфигурацию
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Инициализируем логгер
	logger.Init(logger.Config{
		Level:  cfg.App.LogLevel,
		Pretty: cfg.App.LogPretty,
	})

	log := logger.With().Str("service", "event-relay").Logger()

	log.Info().
		Str("env", cfg.App.Env).
		Msg("Запуск Event Relay")

	// Инициализируем tracing
	shutdownTracing, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "event-relay",
		JaegerEndpoint: cfg.Jaeger.OTLPEndpoint(),
		Enabled:        cfg.Jaeger.Enabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка инициализации tracing")
	}

	// Подключаемся к MySQL (таблица outbox)
	gormDB, err := db.ConnectMySQL(cfg.MySQL, cfg.IsDevelopment())
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка подключения к MySQL")
	}
	log.Info().Msg("Подключение к MySQL установлено")

	tracker := outbox.NewTracker(gormDB)

	// Подключаемся к Redis (аренда лидерства replay)
	rdb := db.ConnectRedis(cfg.Redis)
	leader := lease.New(rdb, lease.ReplayLeaderKey, cfg.Relay.LeaseTTL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Супервизор соединения с RabbitMQ
	if !cfg.RabbitMQ.Configured() {
		log.Fatal().Err(rabbitmq.ErrNotConfigured).Msg("Не заданы параметры подключения к RabbitMQ")
	}

	conn, err := rabbitmq.New(rabbitmq.Config{
		URL:                  cfg.RabbitMQ.URL(),
		ReconnectDelay:       cfg.RabbitMQ.ReconnectDelay,
		MaxReconnectAttempts: cfg.RabbitMQ.MaxReconnectTry,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка создания супервизора RabbitMQ")
	}

	declareTopology := func(ctx context.Context) error {
		ch, err := conn.Channel()
		if err != nil {
			return err
		}
		defer func() { _ = ch.Close() }()
		return rabbitmq.DeclareTopology(ch, cfg.Jobs.MessageTTL)
	}

	if err := conn.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("Ошибка подключения к RabbitMQ")
	}
	log.Info().Msg("Соединение с RabbitMQ установлено")

	if err := declareTopology(ctx); err != nil {
		log.Fatal().Err(err).Msg("Ошибка объявления топологии")
	}

	// Event Publisher с собственным confirm-каналом
	publisher := events.NewPublisher(func() (rabbitmq.ConfirmableChannel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}, events.WithConfirmTimeout(cfg.Publish.ConfirmTimeout))

	// Очередь заданий: собственные каналы публикации и потребления
	queue := jobs.NewQueue(jobs.Config{
		PrefetchCount: cfg.Jobs.PrefetchCount,
		MaxAttempts: map[jobs.Kind]int{
			jobs.KindImmediate: cfg.Jobs.MaxAttemptsImmediate,
			jobs.KindBulk:      cfg.Jobs.MaxAttemptsBulk,
			jobs.KindScheduled: cfg.Jobs.MaxAttemptsScheduled,
		},
		RetryBase:      cfg.Jobs.RetryBase,
		RetryCap:       cfg.Jobs.RetryCap,
		ConfirmTimeout: cfg.Publish.ConfirmTimeout,
	}, func() (rabbitmq.ConfirmableChannel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}, func() (jobs.ConsumerChannel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}, jobs.WithInspector(func() (jobs.Inspector, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}))

	// Все три вида заданий публикуют события из payload
	jobProcessor := delivery.EventDeliveryProcessor(publisher)
	for _, kind := range jobs.Kinds {
		if err := queue.RegisterProcessor(kind, jobProcessor); err != nil {
			log.Fatal().Err(err).Str("kind", string(kind)).Msg("Ошибка регистрации обработчика")
		}
	}

	if err := queue.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Ошибка запуска консьюмеров очереди заданий")
	}

	// После переподключения: топология заново, консьюмеры на свежих каналах
	conn.OnReinit(declareTopology)
	conn.OnReinit(queue.Restart)

	// Replay Worker: единственный лидер кластера перечитывает outbox
	worker := outbox.NewReplayWorker(tracker, publisher, leader, outbox.WorkerConfig{
		PollInterval: cfg.Relay.Interval,
		BatchSize:    cfg.Relay.BatchSize,
		MaxRetries:   cfg.Relay.MaxRetries,
	})
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	// Проверка готовности: MySQL + Redis + RabbitMQ
	readiness := healthcheck.Composite(
		func(ctx context.Context) error { return healthcheck.CheckMySQL(ctx, gormDB) },
		func(ctx context.Context) error { return healthcheck.CheckRedis(ctx, rdb) },
		func(ctx context.Context) error { return healthcheck.CheckRabbitMQ(ctx, conn) },
	)

	// Metrics Server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Addr(), "event-relay",
			metrics.WithReadinessCheck(metrics.ReadinessChecker(readiness)))
		go func() {
			if err := metricsServer.Start(); err != nil {
				log.Error().Err(err).Msg("Ошибка Metrics Server")
			}
		}()
	}

	// Admin API
	var adminServer *http.Server
	if cfg.Admin.Enabled {
		router := admin.NewRouter(admin.RouterConfig{
			Events:         admin.NewEventHandler(publisher, tracker),
			Jobs:           admin.NewJobHandler(queue),
			ReadinessCheck: admin.ReadinessChecker(readiness),
			Debug:          cfg.IsDevelopment(),
		})

		adminServer = &http.Server{
			Addr:         cfg.Admin.Addr(),
			Handler:      router,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 30 * time.Second,
		}

		go func() {
			log.Info().Str("addr", cfg.Admin.Addr()).Msg("Admin API запущен")
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Ошибка Admin API")
			}
		}()
	}

	// Ожидаем сигнал завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Получен сигнал завершения, останавливаем сервис...")

	// Останавливаем worker и консьюмеры. Run возвращается только после
	// освобождения аренды лидерства, поэтому ждём его до закрытия Redis:
	// иначе standby-процессы ждали бы истечения TTL.
	cancel()
	<-workerDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Admin API")
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Metrics Server")
		}
	}

	queue.Close()
	publisher.Close()
	conn.Close()

	if err := rdb.Close(); err != nil {
		log.Error().Err(err).Msg("Ошибка закрытия Redis")
	}

	if sqlDB, err := gormDB.DB(); err == nil && sqlDB != nil {
		if err := sqlDB.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия MySQL")
		}
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ошибка завершения tracing")
	}

	log.Info().Msg("Event Relay остановлен")
}
