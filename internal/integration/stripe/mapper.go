package stripe

import (
	"fmt"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/stripe/stripe-go/v78"
)

// statusMap статусы Stripe в закрытый набор статусов подписчика
var statusMap = map[stripe.SubscriptionStatus]domain.SubscriptionStatus{
	stripe.SubscriptionStatusActive:            domain.StatusActive,
	stripe.SubscriptionStatusTrialing:          domain.StatusTrialing,
	stripe.SubscriptionStatusPastDue:           domain.StatusPastDue,
	stripe.SubscriptionStatusUnpaid:            domain.StatusUnpaid,
	stripe.SubscriptionStatusCanceled:          domain.StatusCanceled,
	stripe.SubscriptionStatusPaused:            domain.StatusPaused,
	stripe.SubscriptionStatusIncomplete:        domain.StatusNone,
	stripe.SubscriptionStatusIncompleteExpired: domain.StatusCanceled,
}

func toProviderSubscription(sub *stripe.Subscription) (*domain.ProviderSubscription, error) {
	status, ok := statusMap[sub.Status]
	if !ok {
		return nil, fmt.Errorf("unknown stripe subscription status %q", sub.Status)
	}

	out := &domain.ProviderSubscription{
		ID:                 sub.ID,
		Status:             status,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		CurrentPeriodStart: unixPtr(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   unixPtr(sub.CurrentPeriodEnd),
		CanceledAt:         unixPtr(sub.CanceledAt),
	}
	if pm := sub.DefaultPaymentMethod; pm != nil && pm.Card != nil {
		out.PaymentMethod = &domain.PaymentMethod{Brand: string(pm.Card.Brand), Last4: pm.Card.Last4}
	}
	return out, nil
}

func unixPtr(secs int64) *time.Time {
	if secs == 0 {
		return nil
	}
	return domain.TimePtr(time.Unix(secs, 0))
}
