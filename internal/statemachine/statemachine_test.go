package statemachine

import (
	"testing"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func sub(status domain.SubscriptionStatus) domain.Subscriber {
	s := domain.NewSubscriber("u-1", domain.IntervalMonth, t0.AddDate(0, -1, 0))
	s.Status = status
	s.Entitled = domain.Entitled(status, nil, t0)
	s.Version = 3
	return *s
}

func kinds(effects []domain.SideEffect) []domain.SideEffectKind {
	out := make([]domain.SideEffectKind, 0, len(effects))
	for _, e := range effects {
		out = append(out, e.Kind)
	}
	return out
}

func TestActivated(t *testing.T) {
	for _, from := range []domain.SubscriptionStatus{
		domain.StatusNone, domain.StatusTrialing, domain.StatusCanceled,
		domain.StatusPastDue, domain.StatusUnpaid, domain.StatusPaused,
	} {
		t.Run(string(from), func(t *testing.T) {
			current := sub(from)
			if from == domain.StatusCanceled {
				current.PendingCancellationAt = domain.TimePtr(t0.AddDate(0, 0, 5))
			}
			ev := domain.Event{ID: "evt-1", Type: domain.EventActivated, ProviderSubscriptionID: "sub_1"}

			tr := Apply(current, ev, t0)
			assert.True(t, tr.Changed)
			assert.Equal(t, domain.StatusActive, tr.Subscriber.Status)
			assert.True(t, tr.Subscriber.Entitled)
			assert.Nil(t, tr.Subscriber.PendingCancellationAt)
			assert.Equal(t, "sub_1", tr.Subscriber.ProviderSubscriptionID)
			require.NotNil(t, tr.Subscriber.NextBillingAt)
			assert.Equal(t, t0.AddDate(0, 1, 0), *tr.Subscriber.NextBillingAt)
			assert.Equal(t, []domain.SideEffectKind{domain.SendWelcomeEmail}, kinds(tr.SideEffects))
			assert.Equal(t, string(from), tr.SideEffects[0].Context[domain.CtxPreviousStatus])
			assert.Equal(t, "evt-1", tr.SideEffects[0].EventID)
			assert.Equal(t, "u-1", tr.SideEffects[0].SubscriberID)
			assert.Equal(t, t0, tr.Subscriber.UpdatedAt)
		})
	}
}

func TestActivatedUsesProviderPeriodEnd(t *testing.T) {
	periodEnd := t0.AddDate(0, 0, 20)
	tr := Apply(sub(domain.StatusNone), domain.Event{ID: "e", Type: domain.EventActivated, PeriodEnd: &periodEnd}, t0)
	require.NotNil(t, tr.Subscriber.NextBillingAt)
	assert.Equal(t, periodEnd, *tr.Subscriber.NextBillingAt)
}

func TestActivatedOnActiveIsNoop(t *testing.T) {
	current := sub(domain.StatusActive)
	tr := Apply(current, domain.Event{ID: "evt-2", Type: domain.EventActivated}, t0)
	assert.False(t, tr.Changed)
	assert.Empty(t, tr.SideEffects)
	assert.Equal(t, current, tr.Subscriber)
}

func TestCanceledImmediate(t *testing.T) {
	for _, from := range []domain.SubscriptionStatus{domain.StatusActive, domain.StatusPastDue, domain.StatusNone} {
		t.Run(string(from), func(t *testing.T) {
			tr := Apply(sub(from), domain.Event{ID: "evt-c", Type: domain.EventCanceled, Cancellation: domain.CancelImmediately}, t0)
			assert.True(t, tr.Changed)
			assert.Equal(t, domain.StatusCanceled, tr.Subscriber.Status)
			assert.False(t, tr.Subscriber.Entitled)
			assert.Nil(t, tr.Subscriber.PendingCancellationAt)
			require.Equal(t, []domain.SideEffectKind{domain.SendCancellationEmail}, kinds(tr.SideEffects))
			assert.Equal(t, t0.Format(time.RFC3339), tr.SideEffects[0].Context[domain.CtxEffectiveAt])
		})
	}
}

func TestCanceledEndOfPeriodKeepsEntitlement(t *testing.T) {
	periodEnd := t0.AddDate(0, 0, 30)
	ev := domain.Event{ID: "evt-2", Type: domain.EventCanceled, Cancellation: domain.CancelAtPeriodEnd, PeriodEnd: &periodEnd}

	tr := Apply(sub(domain.StatusActive), ev, t0)
	assert.Equal(t, domain.StatusCanceled, tr.Subscriber.Status)
	assert.True(t, tr.Subscriber.Entitled)
	require.NotNil(t, tr.Subscriber.PendingCancellationAt)
	assert.Equal(t, periodEnd, *tr.Subscriber.PendingCancellationAt)
	require.Len(t, tr.SideEffects, 1)
	assert.Equal(t, periodEnd.Format(time.RFC3339), tr.SideEffects[0].Context[domain.CtxEffectiveAt])
}

func TestCanceledEffectiveDatePriority(t *testing.T) {
	effective := t0.AddDate(0, 0, 10)
	periodEnd := t0.AddDate(0, 0, 30)
	nextBilling := t0.AddDate(0, 0, 15)

	current := sub(domain.StatusActive)
	current.NextBillingAt = &nextBilling

	tr := Apply(current, domain.Event{ID: "e1", Type: domain.EventCanceled, EffectiveAt: &effective, PeriodEnd: &periodEnd}, t0)
	assert.Equal(t, effective, *tr.Subscriber.PendingCancellationAt)

	tr = Apply(current, domain.Event{ID: "e2", Type: domain.EventCanceled, PeriodEnd: &periodEnd}, t0)
	assert.Equal(t, periodEnd, *tr.Subscriber.PendingCancellationAt)

	tr = Apply(current, domain.Event{ID: "e3", Type: domain.EventCanceled}, t0)
	assert.Equal(t, nextBilling, *tr.Subscriber.PendingCancellationAt, "ambiguous cancellation defaults to grace until next billing")
}

func TestCanceledEndOfPeriodWithoutFutureDateIsImmediate(t *testing.T) {
	past := t0.AddDate(0, 0, -1)

	tr := Apply(sub(domain.StatusActive), domain.Event{ID: "e", Type: domain.EventCanceled, Cancellation: domain.CancelAtPeriodEnd, PeriodEnd: &past}, t0)
	assert.False(t, tr.Subscriber.Entitled)
	assert.Nil(t, tr.Subscriber.PendingCancellationAt)
	assert.Len(t, tr.SideEffects, 1)

	future := t0.AddDate(0, 0, 5)
	tr = Apply(sub(domain.StatusPastDue), domain.Event{ID: "e", Type: domain.EventCanceled, Cancellation: domain.CancelAtPeriodEnd, PeriodEnd: &future}, t0)
	assert.False(t, tr.Subscriber.Entitled, "only active subscribers keep a grace period")
	assert.Nil(t, tr.Subscriber.PendingCancellationAt)
}

func TestCanceledOnCanceled(t *testing.T) {
	pending := t0.AddDate(0, 0, 5)
	inGrace := sub(domain.StatusCanceled)
	inGrace.PendingCancellationAt = &pending
	inGrace.Entitled = true

	t.Run("end of period is a no-op", func(t *testing.T) {
		tr := Apply(inGrace, domain.Event{ID: "e", Type: domain.EventCanceled, Cancellation: domain.CancelAtPeriodEnd}, t0)
		assert.False(t, tr.Changed)
		assert.Empty(t, tr.SideEffects)
	})

	t.Run("immediate clears grace without email", func(t *testing.T) {
		tr := Apply(inGrace, domain.Event{ID: "e", Type: domain.EventCanceled, Cancellation: domain.CancelImmediately}, t0)
		assert.True(t, tr.Changed)
		assert.Nil(t, tr.Subscriber.PendingCancellationAt)
		assert.False(t, tr.Subscriber.Entitled)
		assert.Empty(t, tr.SideEffects)
	})

	t.Run("expired grace is cleared", func(t *testing.T) {
		tr := Apply(inGrace, domain.Event{ID: "e", Type: domain.EventCanceled}, pending.Add(time.Hour))
		assert.True(t, tr.Changed)
		assert.Nil(t, tr.Subscriber.PendingCancellationAt)
		assert.False(t, tr.Subscriber.Entitled)
		assert.Empty(t, tr.SideEffects)
	})

	t.Run("already revoked", func(t *testing.T) {
		tr := Apply(sub(domain.StatusCanceled), domain.Event{ID: "e", Type: domain.EventCanceled, Cancellation: domain.CancelImmediately}, t0)
		assert.False(t, tr.Changed)
		assert.Empty(t, tr.SideEffects)
	})
}

func TestPaymentEvents(t *testing.T) {
	occurred := t0.Add(-time.Hour)

	tr := Apply(sub(domain.StatusActive), domain.Event{ID: "pf", Type: domain.EventPaymentFailed, OccurredAt: occurred}, t0)
	assert.Equal(t, domain.StatusActive, tr.Subscriber.Status)
	require.NotNil(t, tr.Subscriber.LastPaymentUpdateAt)
	assert.Equal(t, occurred, *tr.Subscriber.LastPaymentUpdateAt)
	assert.Equal(t, []domain.SideEffectKind{domain.SendPaymentFailedEmail}, kinds(tr.SideEffects))

	pm := &domain.PaymentMethod{Brand: "mastercard", Last4: "4444"}
	tr = Apply(sub(domain.StatusPastDue), domain.Event{ID: "pm", Type: domain.EventPaymentMethodUpdated, PaymentMethod: pm}, t0)
	assert.Equal(t, domain.StatusPastDue, tr.Subscriber.Status)
	assert.Equal(t, *pm, tr.Subscriber.PaymentMethod)
	require.NotNil(t, tr.Subscriber.LastPaymentUpdateAt)
	assert.Equal(t, t0, *tr.Subscriber.LastPaymentUpdateAt)
	require.Equal(t, []domain.SideEffectKind{domain.SendPaymentMethodUpdatedEmail}, kinds(tr.SideEffects))
	assert.Equal(t, "4444", tr.SideEffects[0].Context[domain.CtxLast4])
}

func TestStatusChanged(t *testing.T) {
	t.Run("other status", func(t *testing.T) {
		tr := Apply(sub(domain.StatusActive), domain.Event{ID: "s", Type: domain.EventStatusChanged, ReportedStatus: domain.StatusPastDue}, t0)
		assert.Equal(t, domain.StatusPastDue, tr.Subscriber.Status)
		assert.False(t, tr.Subscriber.Entitled)
		assert.Empty(t, tr.SideEffects)
	})

	t.Run("active delegates to activation", func(t *testing.T) {
		tr := Apply(sub(domain.StatusPastDue), domain.Event{ID: "s", Type: domain.EventStatusChanged, ReportedStatus: domain.StatusActive}, t0)
		assert.Equal(t, domain.StatusActive, tr.Subscriber.Status)
		assert.Equal(t, []domain.SideEffectKind{domain.SendWelcomeEmail}, kinds(tr.SideEffects))
	})

	t.Run("canceled delegates to cancellation", func(t *testing.T) {
		tr := Apply(sub(domain.StatusActive), domain.Event{ID: "s", Type: domain.EventStatusChanged, ReportedStatus: domain.StatusCanceled, Cancellation: domain.CancelImmediately}, t0)
		assert.Equal(t, domain.StatusCanceled, tr.Subscriber.Status)
		assert.Equal(t, []domain.SideEffectKind{domain.SendCancellationEmail}, kinds(tr.SideEffects))
	})

	t.Run("same status", func(t *testing.T) {
		tr := Apply(sub(domain.StatusPaused), domain.Event{ID: "s", Type: domain.EventStatusChanged, ReportedStatus: domain.StatusPaused}, t0)
		assert.False(t, tr.Changed)
		assert.Empty(t, tr.SideEffects)
	})

	t.Run("missing status", func(t *testing.T) {
		tr := Apply(sub(domain.StatusActive), domain.Event{ID: "s", Type: domain.EventStatusChanged}, t0)
		assert.False(t, tr.Changed)
	})
}

func TestUnknownIsNoop(t *testing.T) {
	current := sub(domain.StatusActive)
	tr := Apply(current, domain.Event{ID: "u", Type: domain.EventUnknown}, t0)
	assert.False(t, tr.Changed)
	assert.Empty(t, tr.SideEffects)
	assert.Equal(t, current, tr.Subscriber)
}

func TestApplyUsesUTC(t *testing.T) {
	pending := t0.Add(time.Hour)
	current := sub(domain.StatusCanceled)
	current.PendingCancellationAt = &pending
	current.Entitled = true

	// Same instant expressed in a different zone.
	tz := time.FixedZone("UTC+5", 5*3600)
	tr := Apply(current, domain.Event{ID: "s", Type: domain.EventStatusChanged, ReportedStatus: domain.StatusCanceled}, pending.In(tz))
	assert.False(t, tr.Subscriber.Entitled)
	assert.Nil(t, tr.Subscriber.PendingCancellationAt)
	assert.Equal(t, time.UTC, tr.Subscriber.UpdatedAt.Location())
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	pending := t0.AddDate(0, 0, 5)
	current := sub(domain.StatusCanceled)
	current.PendingCancellationAt = &pending

	_ = Apply(current, domain.Event{ID: "e", Type: domain.EventActivated}, t0)
	assert.Equal(t, domain.StatusCanceled, current.Status)
	require.NotNil(t, current.PendingCancellationAt)
	assert.Equal(t, t0.AddDate(0, 0, 5), *current.PendingCancellationAt)
}
