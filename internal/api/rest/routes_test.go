package rest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Dhoini/billing-sync/internal/clock"
	"github.com/Dhoini/billing-sync/internal/config"
	"github.com/Dhoini/billing-sync/internal/dispatcher"
	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/envelope"
	"github.com/Dhoini/billing-sync/internal/ledger"
	"github.com/Dhoini/billing-sync/internal/metrics"
	"github.com/Dhoini/billing-sync/internal/repository/memory"
	"github.com/Dhoini/billing-sync/internal/service"
	"github.com/Dhoini/billing-sync/internal/signature"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "whsec_test"
	testAPIKey = "admin-key"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewNop()
	store := memory.New()
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	registry := metrics.NewRegistry()
	m := metrics.NewBillingMetrics(registry, log)

	types, err := envelope.NewTypeTable(nil)
	require.NoError(t, err)
	disp := dispatcher.New(store, dispatcher.NewLogNotifier(log), clk, m, dispatcher.Options{}, log)
	processor := service.NewProcessor(service.ProcessorDeps{
		Store:      store,
		Ledger:     ledger.New(store, clk, ledger.Options{}, log),
		Parser:     envelope.NewParser(store, types, clk, log),
		Dispatcher: disp,
		Clock:      clk,
		Metrics:    m,
	}, service.ProcessorOptions{}, log)
	scheduler, err := service.NewScheduler(service.SchedulerDeps{
		Store:      store,
		Processor:  processor,
		Dispatcher: disp,
		Clock:      clk,
		Metrics:    m,
	}, service.SchedulerOptions{}, log)
	require.NoError(t, err)

	cfg := &config.Config{
		Webhook: config.WebhookConfig{Secret: testSecret, SignatureHeader: "X-Signature"},
		HTTP:    config.HTTPConfig{MaxBodyBytes: 1 << 20},
		Admin:   config.AdminConfig{APIKey: testAPIKey},
	}
	return SetupRouter(cfg, RouterDeps{
		Ingester:    processor,
		Subscribers: service.NewSubscriberService(store, scheduler, nil, clk, log),
		Store:       store,
		Metrics:     m,
		Registry:    registry,
		Clock:       clk,
	}, log)
}

func do(r http.Handler, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestWebhookActivatesRegisteredSubscriber(t *testing.T) {
	r := newTestRouter(t)
	admin := map[string]string{"X-API-Key": testAPIKey, "Content-Type": "application/json"}

	w := do(r, http.MethodPost, "/api/v1/subscribers", []byte(`{"id":"u-1"}`), admin)
	require.Equal(t, http.StatusCreated, w.Code)

	body := []byte(`{"id":"evt-1","type":"subscription.activated","data":{"custom_data":{"subscriber_id":"u-1"},"status":"active"}}`)
	sig := map[string]string{"X-Signature": signature.Sign(body, []byte(testSecret))}
	w = do(r, http.MethodPost, "/webhook", body, sig)
	require.Equal(t, http.StatusOK, w.Code)

	var receipt service.Receipt
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &receipt))
	assert.Equal(t, service.OutcomeApplied, receipt.Outcome)

	w = do(r, http.MethodPost, "/webhook", body, sig)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &receipt))
	assert.Equal(t, service.OutcomeDuplicate, receipt.Outcome)

	w = do(r, http.MethodGet, "/api/v1/subscribers/u-1", nil, admin)
	require.Equal(t, http.StatusOK, w.Code)
	var sub domain.Subscriber
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sub))
	assert.Equal(t, domain.StatusActive, sub.Status)
	assert.True(t, sub.Entitled)

	w = do(r, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `billing_webhook_requests_total{outcome="applied"} 1`)
	assert.Contains(t, w.Body.String(), `billing_webhook_requests_total{outcome="duplicate"} 1`)
}

func TestAdminAPIRequiresKey(t *testing.T) {
	r := newTestRouter(t)

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/v1/subscribers/u-1", nil, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/api/v1/subscribers/u-1", nil, map[string]string{"X-API-Key": "wrong"}).Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/api/v1/subscribers/u-1", nil, map[string]string{"X-API-Key": testAPIKey}).Code)
}

func TestHealth(t *testing.T) {
	r := newTestRouter(t)
	w := do(r, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"OK"`)
}
