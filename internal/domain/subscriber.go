package domain

import (
	"time"
)

// SubscriptionStatus статус подписки подписчика
type SubscriptionStatus string

const (
	StatusNone     SubscriptionStatus = "none"
	StatusTrialing SubscriptionStatus = "trialing"
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusUnpaid   SubscriptionStatus = "unpaid"
	StatusPaused   SubscriptionStatus = "paused"
)

var knownStatuses = map[SubscriptionStatus]struct{}{
	StatusNone:     {},
	StatusTrialing: {},
	StatusActive:   {},
	StatusPastDue:  {},
	StatusCanceled: {},
	StatusUnpaid:   {},
	StatusPaused:   {},
}

// Valid проверяет, что статус входит в закрытый набор.
func (s SubscriptionStatus) Valid() bool {
	_, ok := knownStatuses[s]
	return ok
}

// ParseSubscriptionStatus приводит строку провайдера к статусу.
// "cancelled" принимается как синоним "canceled".
func ParseSubscriptionStatus(s string) (SubscriptionStatus, bool) {
	if s == "cancelled" {
		return StatusCanceled, true
	}
	st := SubscriptionStatus(s)
	return st, st.Valid()
}

// BillingInterval единица биллингового цикла
type BillingInterval string

const (
	IntervalDay   BillingInterval = "day"
	IntervalWeek  BillingInterval = "week"
	IntervalMonth BillingInterval = "month"
	IntervalYear  BillingInterval = "year"
)

// Valid проверяет интервал.
func (i BillingInterval) Valid() bool {
	switch i {
	case IntervalDay, IntervalWeek, IntervalMonth, IntervalYear:
		return true
	}
	return false
}

// Advance сдвигает t на один цикл. Неизвестный интервал считается месячным.
func (i BillingInterval) Advance(t time.Time) time.Time {
	t = t.UTC()
	switch i {
	case IntervalDay:
		return t.AddDate(0, 0, 1)
	case IntervalWeek:
		return t.AddDate(0, 0, 7)
	case IntervalYear:
		return t.AddDate(1, 0, 0)
	default:
		return t.AddDate(0, 1, 0)
	}
}

// PaymentMethod описание способа оплаты только для отображения.
type PaymentMethod struct {
	Brand string `json:"brand,omitempty" validate:"omitempty,max=32"`
	Last4 string `json:"last4,omitempty" validate:"omitempty,len=4,numeric"`
}

// IsZero сообщает, что способ оплаты не задан.
func (p PaymentMethod) IsZero() bool {
	return p.Brand == "" && p.Last4 == ""
}

// Subscriber биллинговая сущность.
type Subscriber struct {
	ID                     string             `json:"id"`
	Status                 SubscriptionStatus `json:"status"`
	ProviderSubscriptionID string             `json:"provider_subscription_id,omitempty"`
	Entitled               bool               `json:"entitled"`
	PaymentMethod          PaymentMethod      `json:"payment_method"`
	LastPaymentUpdateAt    *time.Time         `json:"last_payment_update_at,omitempty"`
	PendingCancellationAt  *time.Time         `json:"pending_cancellation_at,omitempty"`
	NextBillingAt          *time.Time         `json:"next_billing_at,omitempty"`
	BillingInterval        BillingInterval    `json:"billing_interval"`
	Version                int64              `json:"version"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// NewSubscriber создает подписчика в статусе none (момент регистрации).
func NewSubscriber(id string, interval BillingInterval, now time.Time) *Subscriber {
	if !interval.Valid() {
		interval = IntervalMonth
	}
	now = now.UTC()
	return &Subscriber{
		ID:              id,
		Status:          StatusNone,
		BillingInterval: interval,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Entitled вычисляет доступ к платным функциям.
// Доступ есть только у active, либо у canceled до конца оплаченного периода.
func Entitled(status SubscriptionStatus, pendingCancellationAt *time.Time, now time.Time) bool {
	switch status {
	case StatusActive:
		return true
	case StatusCanceled:
		return pendingCancellationAt != nil && now.UTC().Before(pendingCancellationAt.UTC())
	default:
		return false
	}
}

// EntitledAt вычисляет доступ подписчика на момент now.
func (s *Subscriber) EntitledAt(now time.Time) bool {
	return Entitled(s.Status, s.PendingCancellationAt, now)
}

// GraceExpired сообщает, что отложенная отмена уже наступила.
func (s *Subscriber) GraceExpired(now time.Time) bool {
	return s.Status == StatusCanceled && s.PendingCancellationAt != nil && !now.UTC().Before(s.PendingCancellationAt.UTC())
}

// Clone возвращает глубокую копию.
func (s Subscriber) Clone() Subscriber {
	out := s
	out.LastPaymentUpdateAt = cloneTime(s.LastPaymentUpdateAt)
	out.PendingCancellationAt = cloneTime(s.PendingCancellationAt)
	out.NextBillingAt = cloneTime(s.NextBillingAt)
	return out
}

// TimePtr указатель на t в UTC
func TimePtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return TimePtr(*t)
}
