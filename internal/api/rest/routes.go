package rest

import (
	"github.com/Dhoini/billing-sync/internal/api/rest/handlers"
	"github.com/Dhoini/billing-sync/internal/api/rest/middleware"
	"github.com/Dhoini/billing-sync/internal/clock"
	"github.com/Dhoini/billing-sync/internal/config"
	"github.com/Dhoini/billing-sync/internal/metrics"
	"github.com/Dhoini/billing-sync/internal/service"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterDeps зависимости маршрутов
type RouterDeps struct {
	Ingester    handlers.EventIngester
	Subscribers service.SubscriberService
	Store       handlers.Pinger
	Metrics     metrics.BillingMetrics
	Registry    *prometheus.Registry
	Clock       clock.Clock
}

// SetupRouter настраивает маршрутизатор Gin с маршрутами и middleware
func SetupRouter(cfg *config.Config, deps RouterDeps, log *logger.Logger) *gin.Engine {
	r := gin.New()

	r.Use(middleware.LoggerMiddleware(log))
	r.Use(gin.Recovery())

	// Endpoint для проверки работоспособности сервиса
	r.GET("/health", handlers.NewHealthHandler(deps.Store, deps.Clock).HealthCheck)

	if deps.Registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}

	webhookHandler := handlers.NewWebhookHandler(deps.Ingester, deps.Metrics, handlers.WebhookOptions{
		Secret:          cfg.Webhook.Secret,
		SignatureHeader: cfg.Webhook.SignatureHeader,
		MaxBodyBytes:    cfg.HTTP.MaxBodyBytes,
	}, log)
	r.POST("/webhook", webhookHandler.HandleWebhook)

	// Административный API включается ключом
	if cfg.Admin.APIKey != "" && deps.Subscribers != nil {
		subscriberHandler := handlers.NewSubscriberHandler(deps.Subscribers, log)

		v1 := r.Group("/api/v1", middleware.RequireAPIKey(cfg.Admin.APIKey, log))
		{
			subscribers := v1.Group("/subscribers")
			{
				subscribers.POST("", subscriberHandler.CreateSubscriber)
				subscribers.GET("/:id", subscriberHandler.GetSubscriber)
				subscribers.POST("/:id/sync", subscriberHandler.SyncSubscriber)
				subscribers.DELETE("/:id", subscriberHandler.DeleteSubscriber)
			}
		}
	} else {
		log.Infow("Admin API disabled", "reason", "admin.api_key is empty")
	}

	return r
}
