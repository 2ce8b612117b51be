package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/metrics"
	"github.com/Dhoini/billing-sync/internal/service"
	"github.com/Dhoini/billing-sync/internal/signature"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/Dhoini/billing-sync/pkg/res"
	"github.com/gin-gonic/gin"
)

// Исходы запроса вебхука для метрик, помимо исходов квитанции
const (
	webhookUnauthorized = "unauthorized"
	webhookBadRequest   = "bad_request"
	webhookTooLarge     = "too_large"
	webhookInFlight     = "in_flight"
	webhookError        = "error"
)

// EventIngester принимает проверенное тело вебхука
type EventIngester interface {
	Ingest(ctx context.Context, raw []byte) (*service.Receipt, error)
}

// WebhookOptions параметры приема вебхуков
type WebhookOptions struct {
	Secret          string
	SignatureHeader string
	MaxBodyBytes    int64
}

// WebhookHandler обработчик для вебхуков провайдера
type WebhookHandler struct {
	ingester EventIngester
	metrics  metrics.BillingMetrics
	opts     WebhookOptions
	secret   []byte
	log      *logger.Logger
}

// NewWebhookHandler создает новый обработчик вебхуков
func NewWebhookHandler(ingester EventIngester, m metrics.BillingMetrics, opts WebhookOptions, log *logger.Logger) *WebhookHandler {
	if m == nil {
		m = metrics.NewNop()
	}
	if opts.SignatureHeader == "" {
		opts.SignatureHeader = "X-Signature"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	return &WebhookHandler{
		ingester: ingester,
		metrics:  m,
		opts:     opts,
		secret:   []byte(opts.Secret),
		log:      log,
	}
}

// HandleWebhook проверяет подпись и передает тело в обработку.
// 200 отдается только после того, как событие записано в журнал.
func (h *WebhookHandler) HandleWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxBodyBytes)
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(c, http.StatusRequestEntityTooLarge, webhookTooLarge, "request body too large")
			return
		}
		h.log.Warnw("Failed to read webhook body", "error", err)
		h.fail(c, http.StatusBadRequest, webhookBadRequest, "failed to read request body")
		return
	}
	if len(raw) == 0 {
		h.fail(c, http.StatusBadRequest, webhookBadRequest, "empty request body")
		return
	}

	if !signature.Verify(raw, c.GetHeader(h.opts.SignatureHeader), h.secret) {
		h.log.Warnw("Webhook signature verification failed", "clientIP", c.ClientIP(), "bytes", len(raw))
		h.fail(c, http.StatusUnauthorized, webhookUnauthorized, "invalid signature")
		return
	}

	receipt, err := h.ingester.Ingest(c.Request.Context(), raw)
	switch {
	case errors.Is(err, domain.ErrEventInFlight):
		h.fail(c, http.StatusConflict, webhookInFlight, "event is being processed, retry later")
		return
	case err != nil:
		h.log.Errorw("Failed to record webhook event", "error", err)
		_ = c.Error(err)
		h.fail(c, http.StatusInternalServerError, webhookError, "failed to record event")
		return
	}

	h.metrics.IncWebhookRequest(string(receipt.Outcome))
	res.JsonResponse(c, receipt, http.StatusOK)
}

func (h *WebhookHandler) fail(c *gin.Context, status int, outcome, message string) {
	h.metrics.IncWebhookRequest(outcome)
	res.JsonError(c, status, outcome, message, nil)
}
