package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"example.com/event-relay/pkg/metrics"
)

// ErrorResponse — стандартный формат ошибки API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ReadinessChecker — функция проверки готовности сервиса.
type ReadinessChecker func(ctx context.Context) error

// RouterConfig — параметры для создания роутера.
type RouterConfig struct {
	Events         *EventHandler
	Jobs           *JobHandler
	ReadinessCheck ReadinessChecker // опциональная проверка готовности для /readyz
	Debug          bool             // Режим отладки Gin
}

// NewRouter создаёт и настраивает HTTP роутер служебного API.
func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(otelgin.Middleware("event-relay"))
	engine.Use(metrics.GinMetricsMiddleware("event-relay"))

	// Kubernetes liveness: процесс жив.
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Kubernetes readiness: зависимости доступны.
	engine.GET("/readyz", func(c *gin.Context) {
		if cfg.ReadinessCheck != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
			defer cancel()

			if err := cfg.ReadinessCheck(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "not ready",
					"error":  err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	v1 := engine.Group("/api/v1")
	{
		if cfg.Events != nil {
			v1.POST("/events", cfg.Events.PublishEvent)
			v1.POST("/events/broadcast", cfg.Events.Broadcast)
		}

		if cfg.Jobs != nil {
			v1.POST("/jobs", cfg.Jobs.EnqueueJob)
			v1.GET("/jobs/:id", cfg.Jobs.GetJobStatus)
			v1.DELETE("/jobs/:id", cfg.Jobs.CancelJob)
			v1.GET("/queues/:kind/stats", cfg.Jobs.GetQueueStats)
		}
	}

	return engine
}
