package statemachine

import (
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
)

// Transition результат применения события к подписчику
type Transition struct {
	Subscriber     domain.Subscriber
	PreviousStatus domain.SubscriptionStatus
	// Changed сообщает, что запись нужно сохранить
	Changed     bool
	SideEffects []domain.SideEffect
}

// StatusChanged сообщает, что изменился статус или доступ.
func (t Transition) StatusChanged(previous domain.Subscriber) bool {
	return t.Subscriber.Status != previous.Status || t.Subscriber.Entitled != previous.Entitled
}

// Apply применяет событие к текущему состоянию на момент now.
func Apply(current domain.Subscriber, ev domain.Event, now time.Time) Transition {
	now = now.UTC()
	a := applier{
		current: current,
		next:    current.Clone(),
		ev:      ev,
		now:     now,
	}

	switch ev.Type {
	case domain.EventActivated:
		a.activate()
	case domain.EventCanceled:
		a.cancel(ev.Cancellation)
	case domain.EventPaymentFailed:
		a.paymentFailed()
	case domain.EventPaymentMethodUpdated:
		a.paymentMethodUpdated()
	case domain.EventStatusChanged:
		a.statusChanged()
	}

	a.next.Entitled = domain.Entitled(a.next.Status, a.next.PendingCancellationAt, now)
	changed := differs(current, a.next)
	if changed {
		a.next.UpdatedAt = now
	}
	return Transition{
		Subscriber:     a.next,
		PreviousStatus: current.Status,
		Changed:        changed,
		SideEffects:    a.effects,
	}
}

type applier struct {
	current domain.Subscriber
	next    domain.Subscriber
	ev      domain.Event
	now     time.Time
	effects []domain.SideEffect
}

func (a *applier) emit(kind domain.SideEffectKind, extra map[string]string) {
	ctx := map[string]string{
		domain.CtxPreviousStatus: string(a.current.Status),
		domain.CtxEventType:      string(a.ev.Type),
	}
	for k, v := range extra {
		ctx[k] = v
	}
	a.effects = append(a.effects, domain.SideEffect{
		EventID:      a.ev.ID,
		Kind:         kind,
		SubscriberID: a.current.ID,
		Context:      ctx,
	})
}

func (a *applier) activate() {
	if a.current.Status == domain.StatusActive {
		return
	}
	a.next.Status = domain.StatusActive
	a.next.PendingCancellationAt = nil
	if a.ev.ProviderSubscriptionID != "" {
		a.next.ProviderSubscriptionID = a.ev.ProviderSubscriptionID
	}
	if a.ev.PeriodEnd != nil && a.ev.PeriodEnd.After(a.now) {
		a.next.NextBillingAt = domain.TimePtr(*a.ev.PeriodEnd)
	} else {
		a.next.NextBillingAt = domain.TimePtr(a.next.BillingInterval.Advance(a.now))
	}
	a.emit(domain.SendWelcomeEmail, nil)
}

// effectiveDate дата отложенной отмены: из события, конец периода или следующий биллинг.
func (a *applier) effectiveDate() *time.Time {
	switch {
	case a.ev.EffectiveAt != nil:
		return a.ev.EffectiveAt
	case a.ev.PeriodEnd != nil:
		return a.ev.PeriodEnd
	default:
		return a.current.NextBillingAt
	}
}

func (a *applier) cancel(mode domain.CancellationMode) {
	if mode == "" {
		mode = domain.CancelAtPeriodEnd
	}

	if a.current.Status == domain.StatusCanceled {
		pending := a.current.PendingCancellationAt
		switch {
		case pending == nil:
		case mode == domain.CancelImmediately:
			a.next.PendingCancellationAt = nil
		case !a.now.Before(*pending):
			a.next.PendingCancellationAt = nil
		}
		return
	}

	a.next.Status = domain.StatusCanceled
	effective := a.effectiveDate()
	if mode == domain.CancelAtPeriodEnd && a.current.Status == domain.StatusActive && effective != nil && effective.After(a.now) {
		a.next.PendingCancellationAt = domain.TimePtr(*effective)
		a.emit(domain.SendCancellationEmail, map[string]string{
			domain.CtxEffectiveAt: effective.UTC().Format(time.RFC3339),
		})
		return
	}

	a.next.PendingCancellationAt = nil
	a.emit(domain.SendCancellationEmail, map[string]string{
		domain.CtxEffectiveAt: a.now.Format(time.RFC3339),
	})
}

func (a *applier) paymentTime() *time.Time {
	if a.ev.OccurredAt.IsZero() {
		return domain.TimePtr(a.now)
	}
	return domain.TimePtr(a.ev.OccurredAt)
}

func (a *applier) paymentFailed() {
	a.next.LastPaymentUpdateAt = a.paymentTime()
	a.emit(domain.SendPaymentFailedEmail, nil)
}

func (a *applier) paymentMethodUpdated() {
	if a.ev.PaymentMethod != nil {
		a.next.PaymentMethod = *a.ev.PaymentMethod
	}
	a.next.LastPaymentUpdateAt = a.paymentTime()
	a.emit(domain.SendPaymentMethodUpdatedEmail, map[string]string{
		domain.CtxBrand: a.next.PaymentMethod.Brand,
		domain.CtxLast4: a.next.PaymentMethod.Last4,
	})
}

func (a *applier) statusChanged() {
	reported := a.ev.ReportedStatus
	switch {
	case !reported.Valid():
		return
	case reported == domain.StatusActive:
		a.activate()
	case reported == domain.StatusCanceled:
		a.cancel(a.ev.Cancellation)
	case reported != a.current.Status:
		a.next.Status = reported
		a.next.PendingCancellationAt = nil
	default:
		if a.current.GraceExpired(a.now) {
			a.next.PendingCancellationAt = nil
		}
	}
}

func differs(a, b domain.Subscriber) bool {
	return a.Status != b.Status ||
		a.Entitled != b.Entitled ||
		a.ProviderSubscriptionID != b.ProviderSubscriptionID ||
		a.PaymentMethod != b.PaymentMethod ||
		!timeEqual(a.LastPaymentUpdateAt, b.LastPaymentUpdateAt) ||
		!timeEqual(a.PendingCancellationAt, b.PendingCancellationAt) ||
		!timeEqual(a.NextBillingAt, b.NextBillingAt)
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
