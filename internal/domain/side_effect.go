package domain

import (
	"time"
)

// SideEffectKind тип внешнего действия
type SideEffectKind string

const (
	SendWelcomeEmail              SideEffectKind = "send_welcome_email"
	SendCancellationEmail         SideEffectKind = "send_cancellation_email"
	SendPaymentFailedEmail        SideEffectKind = "send_payment_failed_email"
	SendPaymentMethodUpdatedEmail SideEffectKind = "send_payment_method_updated_email"
)

// Ключи контекста побочного эффекта.
const (
	CtxEffectiveAt    = "effective_at"
	CtxPreviousStatus = "previous_status"
	CtxEventType      = "event_type"
	CtxBrand          = "brand"
	CtxLast4          = "last4"
)

// SideEffect намерение выполнить действие. Выполняется не более одного раза на пару (EventID, Kind).
type SideEffect struct {
	EventID      string            `json:"event_id"`
	Kind         SideEffectKind    `json:"kind"`
	SubscriberID string            `json:"subscriber_id"`
	Context      map[string]string `json:"context,omitempty"`
}

// DedupKey ключ дедупликации.
func (e SideEffect) DedupKey() string {
	return e.EventID + "/" + string(e.Kind)
}

// DispatchStatus состояние отправки побочного эффекта
type DispatchStatus string

const (
	DispatchPending DispatchStatus = "pending"
	DispatchSending DispatchStatus = "sending"
	DispatchSent    DispatchStatus = "sent"
	DispatchFailed  DispatchStatus = "failed"
)

// DispatchRecord запись о доставке побочного эффекта.
type DispatchRecord struct {
	SideEffect
	Status       DispatchStatus
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	DispatchedAt *time.Time
}
