package service

import (
	"context"
	"testing"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriberServiceCreateAndGet(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	svc := NewSubscriberService(h.store, nil, nil, h.clock, logger.NewNop())

	sub, err := svc.Create(ctx, CreateSubscriberRequest{ID: "u-1", BillingInterval: "year"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNone, sub.Status)
	assert.False(t, sub.Entitled)
	assert.Equal(t, domain.IntervalYear, sub.BillingInterval)

	_, err = svc.Create(ctx, CreateSubscriberRequest{ID: "u-1"})
	assert.ErrorIs(t, err, domain.ErrDuplicate)

	_, err = svc.Get(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSubscriberServiceGetRecomputesEntitlement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.subscriber(t, "u-1", "")
	_, err := h.processor.Ingest(ctx, activatedBody("evt-1", "u-1"))
	require.NoError(t, err)
	_, err = h.processor.Ingest(ctx, canceledAtPeriodEndBody("evt-2", "u-1", start.AddDate(0, 0, 3)))
	require.NoError(t, err)

	svc := NewSubscriberService(h.store, nil, nil, h.clock, logger.NewNop())
	sub, err := svc.Get(ctx, "u-1")
	require.NoError(t, err)
	assert.True(t, sub.Entitled)

	h.clock.Advance(4 * 24 * time.Hour)
	sub, err = svc.Get(ctx, "u-1")
	require.NoError(t, err)
	assert.False(t, sub.Entitled, "grace period ended before reconciliation ran")
}

func TestSubscriberServiceDelete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.subscriber(t, "plain", "")
	h.subscriber(t, "live", "sub_live")
	h.subscriber(t, "done", "sub_done")
	h.subscriber(t, "vanished", "sub_vanished")

	provider := new(mockProvider)
	provider.On("GetSubscription", "sub_live").Return(&domain.ProviderSubscription{ID: "sub_live", Status: domain.StatusActive}, nil)
	provider.On("GetSubscription", "sub_done").Return(&domain.ProviderSubscription{ID: "sub_done", Status: domain.StatusCanceled}, nil)
	provider.On("GetSubscription", "sub_vanished").Return(nil, domain.NewProviderQueryError("http", "sub_vanished", 404, "not found", nil))
	svc := NewSubscriberService(h.store, nil, provider, h.clock, logger.NewNop())

	require.NoError(t, svc.Delete(ctx, "plain"))
	assert.ErrorIs(t, svc.Delete(ctx, "live"), domain.ErrProviderSubscriptionActive)
	require.NoError(t, svc.Delete(ctx, "done"))
	require.NoError(t, svc.Delete(ctx, "vanished"))
	assert.ErrorIs(t, svc.Delete(ctx, "plain"), domain.ErrNotFound)

	_, err := h.store.GetSubscriber(ctx, "live")
	assert.NoError(t, err)

	withoutProvider := NewSubscriberService(h.store, nil, nil, h.clock, logger.NewNop())
	assert.ErrorIs(t, withoutProvider.Delete(ctx, "live"), domain.ErrProviderSubscriptionActive)
}

func TestSubscriberServiceSync(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.activeSubscriber(t, "u-1", "sub_1", start.AddDate(0, 0, 5))

	provider := new(mockProvider)
	provider.On("GetSubscription", "sub_1").Return(&domain.ProviderSubscription{ID: "sub_1", Status: domain.StatusUnpaid}, nil)
	svc := NewSubscriberService(h.store, h.scheduler(t, provider, SchedulerOptions{}), provider, h.clock, logger.NewNop())

	result, err := svc.Sync(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, "drift", result.Result)
	assert.Equal(t, domain.StatusUnpaid, result.Subscriber.Status)
	assert.False(t, result.Subscriber.Entitled)
}
