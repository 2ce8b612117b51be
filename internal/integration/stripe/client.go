package stripe

import (
	"context"
	"errors"
	"fmt"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

const providerName = "stripe"

// Config настройки клиента Stripe
type Config struct {
	APIKey string
	// BaseURL переопределяет адрес API (stripe-mock, тесты)
	BaseURL string
}

// Client запросы подписок к Stripe
type Client struct {
	api *client.API
	log *logger.Logger
}

// NewClient создает клиент Stripe
func NewClient(cfg Config, log *logger.Logger) *Client {
	var backends *stripe.Backends
	if cfg.BaseURL != "" {
		backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL:               stripe.String(cfg.BaseURL),
			MaxNetworkRetries: stripe.Int64(0),
			LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
		})
		backends = &stripe.Backends{API: backend, Connect: backend, Uploads: backend}
	}

	api := &client.API{}
	api.Init(cfg.APIKey, backends)
	return &Client{api: api, log: log}
}

// GetSubscription возвращает подписку Stripe вместе со способом оплаты по умолчанию.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*domain.ProviderSubscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("default_payment_method")

	sub, err := c.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		logStripeError(c.log, "GetSubscription", err)
		return nil, toProviderError(subscriptionID, err)
	}

	result, err := toProviderSubscription(sub)
	if err != nil {
		return nil, domain.NewProviderQueryError(providerName, subscriptionID, 200, "map subscription", err)
	}
	c.log.Debugw("Stripe subscription fetched", "stripeSubscriptionID", sub.ID, "status", string(sub.Status))
	return result, nil
}

func toProviderError(subscriptionID string, err error) *domain.ProviderQueryError {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		status := stripeErr.HTTPStatusCode
		if stripeErr.Code == stripe.ErrorCodeResourceMissing {
			status = 404
		}
		return domain.NewProviderQueryError(providerName, subscriptionID, status, stripeErr.Msg, err)
	}
	return domain.NewProviderQueryError(providerName, subscriptionID, 0, "request failed", err)
}

// logStripeError логирует детали ошибки Stripe
func logStripeError(log *logger.Logger, operation string, err error) {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		log.Warnw("Stripe API error",
			"operation", operation,
			"type", string(stripeErr.Type),
			"code", string(stripeErr.Code),
			"message", stripeErr.Msg,
			"request_id", stripeErr.RequestID,
			"status_code", stripeErr.HTTPStatusCode,
		)
		return
	}
	log.Warnw("Non-Stripe error during Stripe operation", "operation", operation, "error", fmt.Sprint(err))
}
