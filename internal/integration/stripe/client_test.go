package stripe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, status int, body string) *Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/subscriptions/sub_1", r.URL.Path)
		assert.Equal(t, "default_payment_method", r.URL.Query().Get("expand[0]"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return NewClient(Config{APIKey: "sk_test_123", BaseURL: server.URL}, logger.NewNop())
}

func TestGetSubscriptionMapsStripeObject(t *testing.T) {
	c := newTestClient(t, http.StatusOK, `{
		"id": "sub_1",
		"object": "subscription",
		"status": "active",
		"cancel_at_period_end": true,
		"current_period_start": 1767225600,
		"current_period_end": 1769904000,
		"canceled_at": null,
		"default_payment_method": {"id": "pm_1", "object": "payment_method", "card": {"brand": "visa", "last4": "4242"}}
	}`)

	sub, err := c.GetSubscription(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", sub.ID)
	assert.Equal(t, domain.StatusActive, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.Equal(t, time.Unix(1769904000, 0).UTC(), *sub.CurrentPeriodEnd)
	assert.Nil(t, sub.CanceledAt)
	require.NotNil(t, sub.PaymentMethod)
	assert.Equal(t, domain.PaymentMethod{Brand: "visa", Last4: "4242"}, *sub.PaymentMethod)
}

func TestGetSubscriptionNotFound(t *testing.T) {
	c := newTestClient(t, http.StatusNotFound, `{"error": {"type": "invalid_request_error", "code": "resource_missing", "message": "No such subscription: 'sub_1'"}}`)

	_, err := c.GetSubscription(context.Background(), "sub_1")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProviderQuery)

	var perr *domain.ProviderQueryError
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.NotFound)
	assert.False(t, perr.Retryable)
}

func TestGetSubscriptionUnknownStatus(t *testing.T) {
	c := newTestClient(t, http.StatusOK, `{"id": "sub_1", "object": "subscription", "status": "mystery"}`)

	_, err := c.GetSubscription(context.Background(), "sub_1")
	assert.ErrorIs(t, err, domain.ErrProviderQuery)
}
