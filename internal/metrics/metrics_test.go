package metrics

import (
	"testing"
	"time"

	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBillingMetricsCount(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := NewBillingMetrics(registry, logger.NewNop()).(*billingMetrics)

	m.IncWebhookRequest("applied")
	m.IncWebhookRequest("applied")
	m.IncWebhookRequest("rejected")
	m.IncSideEffect("send_welcome_email", ResultOK)
	m.IncStateConflict()
	m.ObserveReconcilePass(2 * time.Second)
	m.SetDispatchQueueDepth(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.webhookRequests.WithLabelValues("applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookRequests.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sideEffects.WithLabelValues("send_welcome_email", ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stateConflicts))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.dispatchQueueDepth))
	assert.Equal(t, 1, testutil.CollectAndCount(m.reconcileDuration))

	families, err := registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "billing_webhook_requests_total")
	assert.Contains(t, names, "billing_state_conflicts_total")
}

func TestNewRegistryIncludesRuntimeCollectors(t *testing.T) {
	families, err := NewRegistry().Gather()
	require.NoError(t, err)

	var hasGoroutines bool
	for _, f := range families {
		if f.GetName() == "go_goroutines" {
			hasGoroutines = true
		}
	}
	assert.True(t, hasGoroutines)
}
