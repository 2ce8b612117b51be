package domain

import (
	"time"
)

// LedgerState состояние записи журнала идемпотентности
type LedgerState string

const (
	LedgerReserved LedgerState = "reserved"
	LedgerApplied  LedgerState = "applied"
	LedgerRejected LedgerState = "rejected"
)

// Final сообщает, что повторная обработка события не нужна.
func (s LedgerState) Final() bool {
	return s == LedgerApplied || s == LedgerRejected
}

// LedgerEntry запись журнала: одна на идентификатор события.
type LedgerEntry struct {
	EventID      string
	EventType    EventType
	SubscriberID string
	State        LedgerState
	ResultStatus SubscriptionStatus
	Entitled     bool
	ErrorKind    string
	ErrorMessage string
	Payload      []byte
	ReceivedAt   time.Time
	ReservedAt   time.Time
	AppliedAt    *time.Time
}

// ProviderSubscription ответ API провайдера о подписке.
type ProviderSubscription struct {
	ID                 string
	Status             SubscriptionStatus
	PaymentMethod      *PaymentMethod
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
}
