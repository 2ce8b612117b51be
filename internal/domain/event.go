package domain

import (
	"time"
)

// EventType закрытый набор типов событий.
type EventType string

const (
	EventActivated            EventType = "activated"
	EventCanceled             EventType = "canceled"
	EventPaymentFailed        EventType = "payment_failed"
	EventPaymentMethodUpdated EventType = "payment_method_updated"
	// EventStatusChanged несет статус, сообщенный провайдером (generic update или сверка).
	EventStatusChanged EventType = "status_changed"
	EventUnknown       EventType = "unknown"
)

// Valid проверяет тип события.
func (t EventType) Valid() bool {
	switch t {
	case EventActivated, EventCanceled, EventPaymentFailed, EventPaymentMethodUpdated, EventStatusChanged, EventUnknown:
		return true
	}
	return false
}

// CancellationMode режим отмены
type CancellationMode string

const (
	CancelImmediately CancellationMode = "immediate"
	CancelAtPeriodEnd CancellationMode = "end_of_period"
)

// EventSource откуда пришло событие
type EventSource string

const (
	SourceWebhook        EventSource = "webhook"
	SourceReconciliation EventSource = "reconciliation"
)

// Event входящее или синтетическое уведомление. После записи не изменяется.
type Event struct {
	ID                     string
	Type                   EventType
	ProviderType           string
	SubscriberID           string
	ProviderSubscriptionID string
	Cancellation           CancellationMode
	EffectiveAt            *time.Time
	PeriodEnd              *time.Time
	ReportedStatus         SubscriptionStatus
	PaymentMethod          *PaymentMethod
	OccurredAt             time.Time
	ReceivedAt             time.Time
	Source                 EventSource
	// ExpectedStatus статус подписчика, из которого принято решение сверки.
	// Если на момент применения статус другой, событие устарело.
	ExpectedStatus SubscriptionStatus
	Payload        []byte
}
