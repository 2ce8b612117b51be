package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/Dhoini/billing-sync/internal/clock"
	"github.com/gin-gonic/gin"
)

// Pinger проверяет доступность хранилища
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler обработчик проверки работоспособности сервиса
type HealthHandler struct {
	store Pinger
	clock clock.Clock
}

// NewHealthHandler создает обработчик. store может быть nil.
func NewHealthHandler(store Pinger, clk clock.Clock) *HealthHandler {
	if clk == nil {
		clk = clock.Real{}
	}
	return &HealthHandler{store: store, clock: clk}
}

// HealthCheck отвечает 200, если хранилище доступно, и 503 иначе
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	body := gin.H{
		"status": "OK",
		"time":   h.clock.Now().UTC().Format(time.RFC3339),
	}
	if h.store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			body["status"] = "UNAVAILABLE"
			body["error"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}
	c.JSON(http.StatusOK, body)
}
