package handlers

import (
	"errors"
	"net/http"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/service"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/Dhoini/billing-sync/pkg/req"
	"github.com/Dhoini/billing-sync/pkg/res"
	"github.com/gin-gonic/gin"
)

// SubscriberHandler административный обработчик подписчиков
type SubscriberHandler struct {
	svc service.SubscriberService
	log *logger.Logger
}

// NewSubscriberHandler создает новый обработчик подписчиков
func NewSubscriberHandler(svc service.SubscriberService, log *logger.Logger) *SubscriberHandler {
	return &SubscriberHandler{svc: svc, log: log}
}

// CreateSubscriber регистрирует подписчика со статусом none
func (h *SubscriberHandler) CreateSubscriber(c *gin.Context) {
	body, ok := req.HandleBody[service.CreateSubscriberRequest](c, h.log)
	if !ok {
		return
	}

	sub, err := h.svc.Create(c.Request.Context(), *body)
	if err != nil {
		h.respondError(c, "create", body.ID, err)
		return
	}

	res.JsonResponse(c, sub, http.StatusCreated)
}

// GetSubscriber возвращает текущее состояние подписчика
func (h *SubscriberHandler) GetSubscriber(c *gin.Context) {
	id := c.Param("id")
	sub, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, "get", id, err)
		return
	}
	res.JsonResponse(c, sub, http.StatusOK)
}

// SyncSubscriber сверяет подписчика с провайдером вне расписания
func (h *SubscriberHandler) SyncSubscriber(c *gin.Context) {
	id := c.Param("id")
	result, err := h.svc.Sync(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, "sync", id, err)
		return
	}
	res.JsonResponse(c, result, http.StatusOK)
}

// DeleteSubscriber удаляет подписчика
func (h *SubscriberHandler) DeleteSubscriber(c *gin.Context) {
	id := c.Param("id")
	if err := h.svc.Delete(c.Request.Context(), id); err != nil {
		h.respondError(c, "delete", id, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SubscriberHandler) respondError(c *gin.Context, op, id string, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		res.JsonError(c, http.StatusNotFound, "not_found", "subscriber not found", nil)
	case errors.Is(err, domain.ErrDuplicate):
		res.JsonError(c, http.StatusConflict, "duplicate", "subscriber already exists", nil)
	case errors.Is(err, domain.ErrProviderSubscriptionActive):
		res.JsonError(c, http.StatusConflict, "provider_subscription_active", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidInput):
		res.JsonError(c, http.StatusUnprocessableEntity, "invalid_input", err.Error(), nil)
	case errors.Is(err, domain.ErrProviderQuery):
		h.log.Warnw("Provider query failed", "op", op, "subscriberID", id, "error", err)
		res.JsonError(c, http.StatusBadGateway, "provider_unavailable", "provider query failed", nil)
	default:
		h.log.Errorw("Subscriber operation failed", "op", op, "subscriberID", id, "error", err)
		_ = c.Error(err)
		res.JsonError(c, http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}
