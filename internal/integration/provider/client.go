package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/envelope"
	"github.com/Dhoini/billing-sync/pkg/logger"
)

const (
	providerName   = "http"
	maxErrorBody   = 4 << 10
	maxResponse    = 1 << 20
	defaultTimeout = 10 * time.Second
)

// Config настройки клиента
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client клиент API провайдера
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *logger.Logger
}

type paymentMethodResponse struct {
	Brand string `json:"brand"`
	Last4 string `json:"last4"`
}

type subscriptionResponse struct {
	ID                 string                 `json:"id"`
	Status             string                 `json:"status"`
	CancelAtPeriodEnd  bool                   `json:"cancel_at_period_end"`
	CurrentPeriodStart *envelope.Timestamp    `json:"current_period_start"`
	CurrentPeriodEnd   *envelope.Timestamp    `json:"current_period_end"`
	CanceledAt         *envelope.Timestamp    `json:"canceled_at"`
	PaymentMethod      *paymentMethodResponse `json:"payment_method"`
}

// NewClient создает клиент
func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider: base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("provider: invalid base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log,
	}, nil
}

// GetSubscription запрашивает подписку. Ошибки возвращаются как *domain.ProviderQueryError.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*domain.ProviderSubscription, error) {
	endpoint := c.baseURL + "/subscriptions/" + url.PathEscape(subscriptionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, domain.NewProviderQueryError(providerName, subscriptionID, 0, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warnw("Provider request failed", "error", err, "subscriptionID", subscriptionID)
		return nil, domain.NewProviderQueryError(providerName, subscriptionID, 0, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.log.Warnw("Provider returned error status", "status", resp.StatusCode, "subscriptionID", subscriptionID)
		return nil, domain.NewProviderQueryError(providerName, subscriptionID, resp.StatusCode, strings.TrimSpace(string(body)), nil)
	}

	var payload subscriptionResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponse)).Decode(&payload); err != nil {
		return nil, domain.NewProviderQueryError(providerName, subscriptionID, resp.StatusCode, "decode response", err)
	}

	status, ok := domain.ParseSubscriptionStatus(strings.ToLower(payload.Status))
	if !ok {
		return nil, domain.NewProviderQueryError(providerName, subscriptionID, resp.StatusCode, "unknown status "+payload.Status, nil)
	}

	sub := &domain.ProviderSubscription{
		ID:                 payload.ID,
		Status:             status,
		CancelAtPeriodEnd:  payload.CancelAtPeriodEnd,
		CurrentPeriodStart: payload.CurrentPeriodStart.Ptr(),
		CurrentPeriodEnd:   payload.CurrentPeriodEnd.Ptr(),
		CanceledAt:         payload.CanceledAt.Ptr(),
	}
	if sub.ID == "" {
		sub.ID = subscriptionID
	}
	if pm := payload.PaymentMethod; pm != nil && (pm.Brand != "" || pm.Last4 != "") {
		sub.PaymentMethod = &domain.PaymentMethod{Brand: pm.Brand, Last4: pm.Last4}
	}
	return sub, nil
}
