package main

import (
	"context"
	"testing"
	"time"

	"github.com/Dhoini/billing-sync/internal/config"
	"github.com/Dhoini/billing-sync/internal/repository/sqlstore"
	"github.com/Dhoini/billing-sync/internal/service"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(driver, dsn string) *config.Config {
	return &config.Config{
		App:      config.AppConfig{Name: "billing-sync", Env: "development", LogLevel: "info"},
		Webhook:  config.WebhookConfig{Secret: "whsec_test", SignatureHeader: "X-Signature", ConflictRetries: 3},
		Store:    config.StoreConfig{Driver: driver, DSN: dsn, MaxConns: 2},
		Notifier: config.NotifierConfig{Kind: "log"},
		Provider: config.ProviderConfig{Kind: "none"},
		Reconcile: config.ReconcileConfig{
			Interval:    24 * time.Hour,
			RunAt:       "03:00",
			Timezone:    "UTC",
			BatchSize:   10,
			Concurrency: 2,
		},
		Dispatch: config.DispatchConfig{Workers: 1, QueueSize: 8},
	}
}

func TestBuildApplicationIngestsWebhook(t *testing.T) {
	ctx := context.Background()
	app, err := buildApplication(ctx, testConfig("memory", ""), logger.NewNop(), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.close() })

	_, err = app.subscriber.Create(ctx, service.CreateSubscriberRequest{ID: "u-1"})
	require.NoError(t, err)

	receipt, err := app.processor.Ingest(ctx, []byte(`{"id":"evt-1","type":"subscription.activated","data":{"custom_data":{"subscriber_id":"u-1"},"status":"active"}}`))
	require.NoError(t, err)
	assert.Equal(t, service.OutcomeApplied, receipt.Outcome)

	report, err := app.scheduler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Failed)
}

func TestBuildApplicationMigratesSQLite(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + t.TempDir() + "/billing.db?_busy_timeout=5000"
	app, err := buildApplication(ctx, testConfig("sqlite", dsn), logger.NewNop(), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.close() })

	_, ok := app.store.(*sqlstore.Store)
	assert.True(t, ok)
	_, err = app.subscriber.Create(ctx, service.CreateSubscriberRequest{ID: "u-1", BillingInterval: "week"})
	require.NoError(t, err)
}

func TestBuildApplicationRejectsUnknownDriver(t *testing.T) {
	_, err := buildApplication(context.Background(), testConfig("oracle", "x"), logger.NewNop(), false)
	assert.Error(t, err)
}
