package service

import (
	"context"
	"testing"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Подписчик проходит путь активация -> повтор -> отмена в конце периода -> сверка.
func TestSubscriptionLifecycleScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.subscriber(t, "S", "")
	periodEnd := start.AddDate(0, 0, 30)

	// evt-1: активация.
	receipt, err := h.processor.Ingest(ctx, activatedBody("evt-1", "S"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, receipt.Outcome)
	assert.Equal(t, domain.StatusActive, h.get(t, "S").Status)
	assert.Equal(t, 1, h.notifier.count(domain.SendWelcomeEmail))

	// Повторная доставка evt-1.
	h.clock.Advance(time.Minute)
	receipt, err = h.processor.Ingest(ctx, activatedBody("evt-1", "S"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, receipt.Outcome)
	assert.Equal(t, domain.StatusActive, h.get(t, "S").Status)
	assert.Equal(t, 1, h.notifier.count(domain.SendWelcomeEmail))

	// evt-2: отмена в конце периода T+30d.
	h.clock.Advance(5 * 24 * time.Hour)
	receipt, err = h.processor.Ingest(ctx, canceledAtPeriodEndBody("evt-2", "S", periodEnd))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, receipt.Outcome)

	sub := h.get(t, "S")
	assert.Equal(t, domain.StatusCanceled, sub.Status)
	assert.True(t, sub.Entitled)
	require.NotNil(t, sub.PendingCancellationAt)
	assert.Equal(t, periodEnd, *sub.PendingCancellationAt)

	var cancellations []sentNotification
	for _, n := range h.notifier.all() {
		if n.Kind == domain.SendCancellationEmail {
			cancellations = append(cancellations, n)
		}
	}
	require.Len(t, cancellations, 1)
	assert.Equal(t, periodEnd.Format(time.RFC3339), cancellations[0].Fields[domain.CtxEffectiveAt])

	// Сверка в T+31d.
	h.clock.Set(start.AddDate(0, 0, 31))
	report, err := h.scheduler(t, nil, SchedulerOptions{}).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Revoked)

	sub = h.get(t, "S")
	assert.Equal(t, domain.StatusCanceled, sub.Status)
	assert.False(t, sub.Entitled)
	assert.Len(t, h.notifier.all(), 2, "one welcome and one cancellation email in total")
}
