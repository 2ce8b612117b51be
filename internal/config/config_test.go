package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BILLING_WEBHOOK_SECRET", "whsec_test")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "billing-sync", cfg.App.Name)
	assert.Equal(t, "8080", cfg.HTTP.Port)
	assert.Equal(t, int64(1<<20), cfg.HTTP.MaxBodyBytes)
	assert.Equal(t, 15*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, "X-Signature", cfg.Webhook.SignatureHeader)
	assert.Equal(t, 5*time.Minute, cfg.Webhook.ReservationLease)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "log", cfg.Notifier.Kind)
	assert.Equal(t, "none", cfg.Provider.Kind)
	assert.Equal(t, 24*time.Hour, cfg.Reconcile.Interval)
	assert.Equal(t, "03:00", cfg.Reconcile.RunAt)
	assert.Equal(t, 256, cfg.Dispatch.QueueSize)
	assert.Equal(t, "webhooks", cfg.Archive.S3Prefix)
	assert.False(t, cfg.Redis.Enabled())
	assert.False(t, cfg.Kafka.Enabled())
	assert.False(t, cfg.Archive.Enabled())
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	yml := `
webhook:
  secret: from-file
  event_types:
    customer.subscription.updated: status_changed
store:
  driver: postgres
  dsn: postgres://billing@localhost/billing
notifier:
  kind: kafka
reconcile:
  timezone: Europe/Berlin
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))
	t.Setenv("BILLING_HTTP_PORT", "9000")
	t.Setenv("BILLING_KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.Webhook.Secret)
	assert.Equal(t, "status_changed", cfg.Webhook.EventTypes["customer.subscription.updated"])
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "9000", cfg.HTTP.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "Europe/Berlin", cfg.Reconcile.Timezone)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing secret", env: map[string]string{"BILLING_WEBHOOK_SECRET": ""}},
		{name: "unknown driver", env: map[string]string{"BILLING_STORE_DRIVER": "oracle"}},
		{name: "kafka notifier without brokers", env: map[string]string{"BILLING_NOTIFIER_KIND": "kafka"}},
		{name: "http provider without url", env: map[string]string{"BILLING_PROVIDER_KIND": "http", "BILLING_PROVIDER_API_KEY": "k"}},
		{name: "stripe provider without key", env: map[string]string{"BILLING_PROVIDER_KIND": "stripe"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("BILLING_WEBHOOK_SECRET", "whsec_test")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	t.Setenv("BILLING_WEBHOOK_SECRET", "whsec_test")
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}
