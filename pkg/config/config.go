// Package config предоставляет загрузку конфигурации из переменных окружения.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config содержит полную конфигурацию приложения.
type Config struct {
	App      AppConfig
	RabbitMQ RabbitMQConfig
	MySQL    MySQLConfig
	Redis    RedisConfig
	Publish  PublishConfig
	Jobs     JobsConfig
	Relay    RelayConfig
	Jaeger   JaegerConfig
	Metrics  MetricsConfig
	Admin    AdminConfig
}

// AppConfig содержит общие настройки приложения.
type AppConfig struct {
	Name      string `env:"APP_NAME" envDefault:"event-relay"`
	Env       string `env:"APP_ENV" envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`
}

// RabbitMQConfig содержит настройки подключения к RabbitMQ.
// Если задан URI — он имеет приоритет над отдельными полями.
// Protocol по умолчанию amqps (TLS).
type RabbitMQConfig struct {
	URI             string        `env:"RABBITMQ_URI"`
	Protocol        string        `env:"RABBITMQ_PROTOCOL" envDefault:"amqps"`
	Host            string        `env:"RABBITMQ_HOST" envDefault:"localhost"`
	Port            int           `env:"RABBITMQ_PORT" envDefault:"5671"`
	User            string        `env:"RABBITMQ_USER" envDefault:"guest"`
	Password        string        `env:"RABBITMQ_PASSWORD" envDefault:"guest"`
	VHost           string        `env:"RABBITMQ_VHOST" envDefault:"/"`
	ReconnectDelay  time.Duration `env:"RABBITMQ_RECONNECT_DELAY" envDefault:"5s"`
	MaxReconnectTry int           `env:"RABBITMQ_MAX_RECONNECT_ATTEMPTS" envDefault:"10"`
}

// Configured возвращает true, если заданы параметры подключения к брокеру.
// При отсутствии конфигурации публикация завершается ошибкой сразу, без повторов.
func (c RabbitMQConfig) Configured() bool {
	return c.URI != "" || (c.Host != "" && c.User != "")
}

// URL возвращает строку подключения к RabbitMQ.
func (c RabbitMQConfig) URL() string {
	if c.URI != "" {
		return c.URI
	}
	return fmt.Sprintf("%s://%s:%s@%s:%d%s", c.Protocol, c.User, c.Password, c.Host, c.Port, c.VHost)
}

// MySQLConfig содержит настройки подключения к MySQL (таблица outbox).
type MySQLConfig struct {
	Host            string        `env:"MYSQL_HOST" envDefault:"localhost"`
	Port            int           `env:"MYSQL_PORT" envDefault:"3306"`
	User            string        `env:"MYSQL_USER" envDefault:"root"`
	Password        string        `env:"MYSQL_PASSWORD" envDefault:"root"`
	Database        string        `env:"MYSQL_DATABASE" envDefault:"event_relay"`
	MaxOpenConns    int           `env:"MYSQL_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"MYSQL_MAX_IDLE_CONNS" envDefault:"10"`
	ConnMaxLifetime time.Duration `env:"MYSQL_CONN_MAX_LIFETIME" envDefault:"5m"`
}

// DSN возвращает строку подключения к MySQL.
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig содержит настройки подключения к Redis (replay lease).
type RedisConfig struct {
	Host     string `env:"REDIS_HOST" envDefault:"localhost"`
	Port     int    `env:"REDIS_PORT" envDefault:"6379"`
	Password string `env:"REDIS_PASSWORD" envDefault:""`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// Addr возвращает адрес Redis сервера.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PublishConfig содержит настройки публикации событий.
type PublishConfig struct {
	// ConfirmTimeout — максимальное ожидание подтверждения от брокера.
	// По истечении результат публикации неизвестен: вызывающий обязан
	// повторить отправку (консьюмеры дедуплицируют по event_id).
	ConfirmTimeout time.Duration `env:"PUBLISH_CONFIRM_TIMEOUT" envDefault:"10s"`
}

// JobsConfig содержит настройки очередей заданий.
type JobsConfig struct {
	PrefetchCount        int           `env:"JOBS_PREFETCH_COUNT" envDefault:"5"`
	MaxAttemptsImmediate int           `env:"JOBS_MAX_ATTEMPTS_IMMEDIATE" envDefault:"3"`
	MaxAttemptsBulk      int           `env:"JOBS_MAX_ATTEMPTS_BULK" envDefault:"3"`
	MaxAttemptsScheduled int           `env:"JOBS_MAX_ATTEMPTS_SCHEDULED" envDefault:"3"`
	RetryBase            time.Duration `env:"JOBS_RETRY_BASE" envDefault:"1s"`
	RetryCap             time.Duration `env:"JOBS_RETRY_CAP" envDefault:"1m"`
	MessageTTL           time.Duration `env:"JOBS_MESSAGE_TTL" envDefault:"24h"`
}

// RelayConfig содержит настройки Outbox Replay Worker.
type RelayConfig struct {
	Interval   time.Duration `env:"RELAY_INTERVAL" envDefault:"30s"`
	BatchSize  int           `env:"RELAY_BATCH_SIZE" envDefault:"100"`
	MaxRetries int           `env:"RELAY_MAX_RETRIES" envDefault:"10"`
	LeaseTTL   time.Duration `env:"RELAY_LEASE_TTL" envDefault:"60s"`
}

// JaegerConfig содержит настройки трассировки Jaeger.
type JaegerConfig struct {
	Enabled  bool   `env:"JAEGER_ENABLED" envDefault:"true"`
	Host     string `env:"JAEGER_HOST" envDefault:"localhost"`
	OTLPPort int    `env:"JAEGER_OTLP_PORT" envDefault:"4317"` // OTLP gRPC порт
}

// OTLPEndpoint возвращает OTLP gRPC endpoint для Jaeger.
func (c JaegerConfig) OTLPEndpoint() string {
	return fmt.Sprintf("%s:%d", c.Host, c.OTLPPort)
}

// MetricsConfig содержит настройки Prometheus метрик.
type MetricsConfig struct {
	Enabled bool `env:"METRICS_ENABLED" envDefault:"true"` // Включить metrics endpoint
	Port    int  `env:"METRICS_PORT" envDefault:"9090"`    // Порт для /metrics
}

// Addr возвращает адрес для Metrics HTTP сервера.
func (c MetricsConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// AdminConfig содержит настройки служебного HTTP API.
type AdminConfig struct {
	Enabled bool `env:"ADMIN_ENABLED" envDefault:"true"`
	Port    int  `env:"ADMIN_PORT" envDefault:"8085"`
}

// Addr возвращает адрес для Admin HTTP сервера.
func (c AdminConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Load загружает конфигурацию из переменных окружения.
// Опционально загружает .env файл, если он существует.
func Load() (*Config, error) {
	// Пытаемся загрузить .env файл (игнорируем ошибку, если файл не найден)
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("ошибка парсинга конфигурации: %w", err)
	}

	return cfg, nil
}

// LoadFromFile загружает конфигурацию из указанного .env файла.
func LoadFromFile(path string) (*Config, error) {
	if err := godotenv.Load(path); err != nil {
		return nil, fmt.Errorf("ошибка загрузки .env файла %s: %w", path, err)
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("ошибка парсинга конфигурации: %w", err)
	}

	return cfg, nil
}

// IsDevelopment возвращает true, если приложение запущено в development режиме.
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

// IsProduction возвращает true, если приложение запущено в production режиме.
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
