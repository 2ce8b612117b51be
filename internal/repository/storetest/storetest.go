package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory возвращает пустое хранилище, вызывается на каждый подтест
type Factory func(t *testing.T) repository.Store

var base = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

// Run executes the conformance suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("ProviderIDUnique", func(t *testing.T) { testProviderIDUnique(t, newStore(t)) })
	t.Run("ConditionalUpdate", func(t *testing.T) { testConditionalUpdate(t, newStore(t)) })
	t.Run("ConcurrentUpdateOneWins", func(t *testing.T) { testConcurrentUpdate(t, newStore(t)) })
	t.Run("ListDue", func(t *testing.T) { testListDue(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("ReserveOnce", func(t *testing.T) { testReserveOnce(t, newStore(t)) })
	t.Run("ConcurrentReserve", func(t *testing.T) { testConcurrentReserve(t, newStore(t)) })
	t.Run("TakeOver", func(t *testing.T) { testTakeOver(t, newStore(t)) })
	t.Run("CompleteAndDispatch", func(t *testing.T) { testCompleteAndDispatch(t, newStore(t)) })
	t.Run("ClaimWithoutRecord", func(t *testing.T) { testClaimWithoutRecord(t, newStore(t)) })
}

func subscriber(id string) *domain.Subscriber {
	return domain.NewSubscriber(id, domain.IntervalMonth, base)
}

func testCreateAndGet(t *testing.T, s repository.Store) {
	ctx := context.Background()
	sub := subscriber("u-1")
	sub.ProviderSubscriptionID = "sub_1"
	sub.PaymentMethod = domain.PaymentMethod{Brand: "visa", Last4: "4242"}
	sub.NextBillingAt = domain.TimePtr(base.AddDate(0, 1, 0))
	require.NoError(t, s.CreateSubscriber(ctx, sub))

	got, err := s.GetSubscriber(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNone, got.Status)
	assert.Equal(t, "sub_1", got.ProviderSubscriptionID)
	assert.Equal(t, "4242", got.PaymentMethod.Last4)
	assert.Equal(t, int64(1), got.Version)
	require.NotNil(t, got.NextBillingAt)
	assert.True(t, base.AddDate(0, 1, 0).Equal(*got.NextBillingAt))

	byProvider, err := s.GetSubscriberByProviderID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "u-1", byProvider.ID)

	_, err = s.GetSubscriber(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.GetSubscriberByProviderID(ctx, "sub_missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = s.CreateSubscriber(ctx, subscriber("u-1"))
	assert.ErrorIs(t, err, domain.ErrDuplicate)
}

func testProviderIDUnique(t *testing.T, s repository.Store) {
	ctx := context.Background()
	a := subscriber("u-a")
	a.ProviderSubscriptionID = "sub_x"
	require.NoError(t, s.CreateSubscriber(ctx, a))

	// Empty provider ids never collide.
	require.NoError(t, s.CreateSubscriber(ctx, subscriber("u-b")))
	require.NoError(t, s.CreateSubscriber(ctx, subscriber("u-c")))

	b := subscriber("u-d")
	b.ProviderSubscriptionID = "sub_x"
	assert.ErrorIs(t, s.CreateSubscriber(ctx, b), domain.ErrDuplicate)
}

func testConditionalUpdate(t *testing.T, s repository.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateSubscriber(ctx, subscriber("u-1")))

	sub, err := s.GetSubscriber(ctx, "u-1")
	require.NoError(t, err)
	sub.Status = domain.StatusActive
	sub.Entitled = true
	sub.ProviderSubscriptionID = "sub_9"
	sub.UpdatedAt = base.Add(time.Minute)
	require.NoError(t, s.UpdateSubscriber(ctx, sub, 1))
	assert.Equal(t, int64(2), sub.Version)

	stale, err := s.GetSubscriber(ctx, "u-1")
	require.NoError(t, err)
	stale.Status = domain.StatusPaused
	err = s.UpdateSubscriber(ctx, stale, 1)
	assert.ErrorIs(t, err, domain.ErrStateStoreConflict)

	got, err := s.GetSubscriber(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.True(t, got.Entitled)

	byProvider, err := s.GetSubscriberByProviderID(ctx, "sub_9")
	require.NoError(t, err)
	assert.Equal(t, "u-1", byProvider.ID)

	missing := subscriber("ghost")
	err = s.UpdateSubscriber(ctx, missing, 1)
	assert.Error(t, err)
}

func testConcurrentUpdate(t *testing.T, s repository.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateSubscriber(ctx, subscriber("u-1")))

	const writers = 8
	var wins, conflicts int32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub, err := s.GetSubscriber(ctx, "u-1")
			if err != nil {
				return
			}
			sub.PaymentMethod.Brand = fmt.Sprintf("brand-%d", i)
			switch err := s.UpdateSubscriber(ctx, sub, 1); {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, domain.ErrStateStoreConflict):
				atomic.AddInt32(&conflicts, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(writers-1), conflicts)
}

func testListDue(t *testing.T, s repository.Store) {
	ctx := context.Background()
	now := base.AddDate(0, 2, 0)

	mk := func(id string, status domain.SubscriptionStatus, entitled bool, next, pending *time.Time) {
		sub := subscriber(id)
		require.NoError(t, s.CreateSubscriber(ctx, sub))
		sub.Status = status
		sub.Entitled = entitled
		sub.NextBillingAt = next
		sub.PendingCancellationAt = pending
		require.NoError(t, s.UpdateSubscriber(ctx, sub, sub.Version))
	}
	past := domain.TimePtr(now.Add(-time.Hour))
	future := domain.TimePtr(now.Add(time.Hour))

	mk("a-due", domain.StatusActive, true, past, nil)
	mk("b-not-yet", domain.StatusActive, true, future, nil)
	mk("c-no-date", domain.StatusActive, true, nil, nil)
	mk("d-grace-over", domain.StatusCanceled, true, nil, past)
	mk("e-grace-running", domain.StatusCanceled, true, nil, future)
	mk("f-already-revoked", domain.StatusCanceled, false, nil, past)
	mk("g-past-due", domain.StatusPastDue, false, past, nil)
	mk("h-due", domain.StatusActive, true, domain.TimePtr(now), nil)

	due, err := s.ListDueSubscribers(ctx, now, "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-due", "d-grace-over", "h-due"}, ids(due))

	page, err := s.ListDueSubscribers(ctx, now, "a-due", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"d-grace-over"}, ids(page))
}

func testDelete(t *testing.T, s repository.Store) {
	ctx := context.Background()
	sub := subscriber("u-1")
	sub.ProviderSubscriptionID = "sub_1"
	require.NoError(t, s.CreateSubscriber(ctx, sub))
	require.NoError(t, s.DeleteSubscriber(ctx, "u-1"))

	_, err := s.GetSubscriber(ctx, "u-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, s.DeleteSubscriber(ctx, "u-1"), domain.ErrNotFound)

	// The provider id is free again.
	again := subscriber("u-2")
	again.ProviderSubscriptionID = "sub_1"
	assert.NoError(t, s.CreateSubscriber(ctx, again))
}

func reserved(id string, at time.Time) *domain.LedgerEntry {
	return &domain.LedgerEntry{
		EventID:      id,
		EventType:    domain.EventActivated,
		SubscriberID: "u-1",
		State:        domain.LedgerReserved,
		Payload:      []byte(`{"id":"` + id + `"}`),
		ReceivedAt:   at,
		ReservedAt:   at,
	}
}

func testReserveOnce(t *testing.T, s repository.Store) {
	ctx := context.Background()
	created, existing, err := s.ReserveEvent(ctx, reserved("evt-1", base))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, existing)

	created, existing, err = s.ReserveEvent(ctx, reserved("evt-1", base.Add(time.Second)))
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, existing)
	assert.Equal(t, domain.LedgerReserved, existing.State)
	assert.True(t, base.Equal(existing.ReservedAt))
	assert.Equal(t, `{"id":"evt-1"}`, string(existing.Payload))

	_, err = s.GetEntry(ctx, "evt-2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testConcurrentReserve(t *testing.T, s repository.Store) {
	ctx := context.Background()
	var created int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := s.ReserveEvent(ctx, reserved("evt-race", base))
			if err == nil && ok {
				atomic.AddInt32(&created, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), created)
}

func testTakeOver(t *testing.T, s repository.Store) {
	ctx := context.Background()
	_, _, err := s.ReserveEvent(ctx, reserved("evt-1", base))
	require.NoError(t, err)

	ok, err := s.TakeOverReservation(ctx, "evt-1", base.Add(time.Second), base.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "stale timestamp mismatch must not take over")

	ok, err = s.TakeOverReservation(ctx, "evt-1", base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TakeOverReservation(ctx, "evt-1", base, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "second takeover with the old timestamp must lose")

	entry, err := s.GetEntry(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, base.Add(time.Hour).Equal(entry.ReservedAt))
}

func testCompleteAndDispatch(t *testing.T, s repository.Store) {
	ctx := context.Background()
	entry := reserved("evt-1", base)
	_, _, err := s.ReserveEvent(ctx, entry)
	require.NoError(t, err)

	entry.State = domain.LedgerApplied
	entry.ResultStatus = domain.StatusActive
	entry.Entitled = true
	entry.AppliedAt = domain.TimePtr(base.Add(time.Second))
	effect := domain.SideEffect{
		EventID:      "evt-1",
		Kind:         domain.SendWelcomeEmail,
		SubscriberID: "u-1",
		Context:      map[string]string{domain.CtxPreviousStatus: "none"},
	}
	require.NoError(t, s.CompleteEvent(ctx, entry, []domain.SideEffect{effect}))

	got, err := s.GetEntry(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.LedgerApplied, got.State)
	assert.Equal(t, domain.StatusActive, got.ResultStatus)
	assert.True(t, got.Entitled)
	require.NotNil(t, got.AppliedAt)

	pending, err := s.ListPendingDispatches(ctx, base.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.SendWelcomeEmail, pending[0].Kind)
	assert.Equal(t, "none", pending[0].Context[domain.CtxPreviousStatus])

	claimed, err := s.ClaimDispatch(ctx, effect, base.Add(2*time.Second))
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.ClaimDispatch(ctx, effect, base.Add(3*time.Second))
	require.NoError(t, err)
	assert.False(t, claimed, "second claim must fail")

	require.NoError(t, s.FinishDispatch(ctx, effect, domain.DispatchSent, "", base.Add(4*time.Second)))
	rec, err := s.GetDispatch(ctx, "evt-1", domain.SendWelcomeEmail)
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchSent, rec.Status)
	require.NotNil(t, rec.DispatchedAt)

	pending, err = s.ListPendingDispatches(ctx, base.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func testClaimWithoutRecord(t *testing.T, s repository.Store) {
	ctx := context.Background()
	effect := domain.SideEffect{EventID: "evt-9", Kind: domain.SendPaymentFailedEmail, SubscriberID: "u-1"}

	var claims int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimDispatch(ctx, effect, base)
			if err == nil && ok {
				atomic.AddInt32(&claims, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), claims)

	require.NoError(t, s.FinishDispatch(ctx, effect, domain.DispatchFailed, "smtp timeout", base))
	rec, err := s.GetDispatch(ctx, "evt-9", domain.SendPaymentFailedEmail)
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchFailed, rec.Status)
	assert.Equal(t, "smtp timeout", rec.LastError)
}

func ids(subs []domain.Subscriber) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.ID)
	}
	return out
}
