package handlers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/metrics"
	"github.com/Dhoini/billing-sync/internal/service"
	"github.com/Dhoini/billing-sync/internal/signature"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

const testSecret = "whsec_test"

type mockIngester struct {
	mock.Mock
}

func (m *mockIngester) Ingest(ctx context.Context, raw []byte) (*service.Receipt, error) {
	args := m.Called(string(raw))
	if r := args.Get(0); r != nil {
		return r.(*service.Receipt), args.Error(1)
	}
	return nil, args.Error(1)
}

type countingMetrics struct {
	metrics.BillingMetrics
	outcomes []string
}

func (c *countingMetrics) IncWebhookRequest(outcome string) { c.outcomes = append(c.outcomes, outcome) }

func newWebhookRouter(ingester EventIngester, m *countingMetrics) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewWebhookHandler(ingester, m, WebhookOptions{Secret: testSecret, MaxBodyBytes: 256}, logger.NewNop())
	r.POST("/webhook", h.HandleWebhook)
	return r
}

func postWebhook(r http.Handler, body []byte, sig string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	if sig != "" {
		req.Header.Set("X-Signature", sig)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandleWebhookStatusCodes(t *testing.T) {
	body := `{"id":"evt-1","type":"subscription.activated"}`
	applied := &service.Receipt{EventID: "evt-1", SubscriberID: "u-1", Outcome: service.OutcomeApplied, Status: domain.StatusActive, Entitled: true}

	tests := []struct {
		name    string
		body    string
		sig     string
		setup   func(m *mockIngester)
		status  int
		outcome string
	}{
		{
			name:    "applied",
			body:    body,
			sig:     signature.Sign([]byte(body), []byte(testSecret)),
			setup:   func(m *mockIngester) { m.On("Ingest", body).Return(applied, nil) },
			status:  http.StatusOK,
			outcome: "applied",
		},
		{
			name:    "bad signature",
			body:    body,
			sig:     signature.Sign([]byte(body), []byte("other")),
			status:  http.StatusUnauthorized,
			outcome: "unauthorized",
		},
		{
			name:    "missing signature",
			body:    body,
			status:  http.StatusUnauthorized,
			outcome: "unauthorized",
		},
		{
			name:    "empty body",
			body:    "",
			sig:     "deadbeef",
			status:  http.StatusBadRequest,
			outcome: "bad_request",
		},
		{
			name:    "oversized body",
			body:    `{"pad":"` + strings.Repeat("x", 300) + `"}`,
			sig:     "deadbeef",
			status:  http.StatusRequestEntityTooLarge,
			outcome: "too_large",
		},
		{
			name:    "in flight",
			body:    body,
			sig:     signature.Sign([]byte(body), []byte(testSecret)),
			setup:   func(m *mockIngester) { m.On("Ingest", body).Return(nil, domain.ErrEventInFlight) },
			status:  http.StatusConflict,
			outcome: "in_flight",
		},
		{
			name:    "ledger failure",
			body:    body,
			sig:     signature.Sign([]byte(body), []byte(testSecret)),
			setup:   func(m *mockIngester) { m.On("Ingest", body).Return(nil, errors.New("disk full")) },
			status:  http.StatusInternalServerError,
			outcome: "error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ingester := new(mockIngester)
			if tt.setup != nil {
				tt.setup(ingester)
			}
			m := &countingMetrics{BillingMetrics: metrics.NewNop()}

			w := postWebhook(newWebhookRouter(ingester, m), []byte(tt.body), tt.sig)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, []string{tt.outcome}, m.outcomes)
			if tt.setup == nil {
				ingester.AssertNotCalled(t, "Ingest", mock.Anything)
			} else {
				ingester.AssertExpectations(t)
			}
		})
	}
}

func TestHandleWebhookReturnsReceipt(t *testing.T) {
	body := `{"id":"evt-1"}`
	ingester := new(mockIngester)
	ingester.On("Ingest", body).Return(&service.Receipt{EventID: "evt-1", Outcome: service.OutcomeDuplicate, Status: domain.StatusActive, Entitled: true}, nil)

	w := postWebhook(newWebhookRouter(ingester, &countingMetrics{BillingMetrics: metrics.NewNop()}), []byte(body), "sha256="+signature.Sign([]byte(body), []byte(testSecret)))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"event_id":"evt-1","outcome":"duplicate","status":"active","entitled":true,"side_effects":0}`, w.Body.String())
}
