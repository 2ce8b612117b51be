package mongostore

import (
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
)

type subscriberModel struct {
	ID                     string     `bson:"_id"`
	Status                 string     `bson:"status"`
	ProviderSubscriptionID string     `bson:"provider_subscription_id,omitempty"`
	Entitled               bool       `bson:"entitled"`
	PaymentBrand           string     `bson:"payment_brand"`
	PaymentLast4           string     `bson:"payment_last4"`
	LastPaymentUpdateAt    *time.Time `bson:"last_payment_update_at,omitempty"`
	PendingCancellationAt  *time.Time `bson:"pending_cancellation_at,omitempty"`
	NextBillingAt          *time.Time `bson:"next_billing_at,omitempty"`
	BillingInterval        string     `bson:"billing_interval"`
	Version                int64      `bson:"version"`
	CreatedAt              time.Time  `bson:"created_at"`
	UpdatedAt              time.Time  `bson:"updated_at"`
}

func toSubscriberModel(s *domain.Subscriber) subscriberModel {
	return subscriberModel{
		ID:                     s.ID,
		Status:                 string(s.Status),
		ProviderSubscriptionID: s.ProviderSubscriptionID,
		Entitled:               s.Entitled,
		PaymentBrand:           s.PaymentMethod.Brand,
		PaymentLast4:           s.PaymentMethod.Last4,
		LastPaymentUpdateAt:    mongoTimePtr(s.LastPaymentUpdateAt),
		PendingCancellationAt:  mongoTimePtr(s.PendingCancellationAt),
		NextBillingAt:          mongoTimePtr(s.NextBillingAt),
		BillingInterval:        string(s.BillingInterval),
		Version:                s.Version,
		CreatedAt:              mongoTime(s.CreatedAt),
		UpdatedAt:              mongoTime(s.UpdatedAt),
	}
}

func (m subscriberModel) toDomain() *domain.Subscriber {
	return &domain.Subscriber{
		ID:                     m.ID,
		Status:                 domain.SubscriptionStatus(m.Status),
		ProviderSubscriptionID: m.ProviderSubscriptionID,
		Entitled:               m.Entitled,
		PaymentMethod:          domain.PaymentMethod{Brand: m.PaymentBrand, Last4: m.PaymentLast4},
		LastPaymentUpdateAt:    utcPtr(m.LastPaymentUpdateAt),
		PendingCancellationAt:  utcPtr(m.PendingCancellationAt),
		NextBillingAt:          utcPtr(m.NextBillingAt),
		BillingInterval:        domain.BillingInterval(m.BillingInterval),
		Version:                m.Version,
		CreatedAt:              m.CreatedAt.UTC(),
		UpdatedAt:              m.UpdatedAt.UTC(),
	}
}

type ledgerModel struct {
	EventID      string     `bson:"_id"`
	EventType    string     `bson:"event_type"`
	SubscriberID string     `bson:"subscriber_id"`
	State        string     `bson:"state"`
	ResultStatus string     `bson:"result_status"`
	Entitled     bool       `bson:"entitled"`
	ErrorKind    string     `bson:"error_kind,omitempty"`
	ErrorMessage string     `bson:"error_message,omitempty"`
	Payload      []byte     `bson:"payload,omitempty"`
	ReceivedAt   time.Time  `bson:"received_at"`
	ReservedAt   time.Time  `bson:"reserved_at"`
	AppliedAt    *time.Time `bson:"applied_at,omitempty"`
}

func toLedgerModel(e *domain.LedgerEntry) ledgerModel {
	return ledgerModel{
		EventID:      e.EventID,
		EventType:    string(e.EventType),
		SubscriberID: e.SubscriberID,
		State:        string(e.State),
		ResultStatus: string(e.ResultStatus),
		Entitled:     e.Entitled,
		ErrorKind:    e.ErrorKind,
		ErrorMessage: e.ErrorMessage,
		Payload:      e.Payload,
		ReceivedAt:   mongoTime(e.ReceivedAt),
		ReservedAt:   mongoTime(e.ReservedAt),
		AppliedAt:    mongoTimePtr(e.AppliedAt),
	}
}

func (m ledgerModel) toDomain() *domain.LedgerEntry {
	return &domain.LedgerEntry{
		EventID:      m.EventID,
		EventType:    domain.EventType(m.EventType),
		SubscriberID: m.SubscriberID,
		State:        domain.LedgerState(m.State),
		ResultStatus: domain.SubscriptionStatus(m.ResultStatus),
		Entitled:     m.Entitled,
		ErrorKind:    m.ErrorKind,
		ErrorMessage: m.ErrorMessage,
		Payload:      m.Payload,
		ReceivedAt:   m.ReceivedAt.UTC(),
		ReservedAt:   m.ReservedAt.UTC(),
		AppliedAt:    utcPtr(m.AppliedAt),
	}
}

type dispatchModel struct {
	Key          string            `bson:"_id"`
	EventID      string            `bson:"event_id"`
	Kind         string            `bson:"kind"`
	SubscriberID string            `bson:"subscriber_id"`
	Context      map[string]string `bson:"context,omitempty"`
	Status       string            `bson:"status"`
	LastError    string            `bson:"last_error"`
	CreatedAt    time.Time         `bson:"created_at"`
	UpdatedAt    time.Time         `bson:"updated_at"`
	DispatchedAt *time.Time        `bson:"dispatched_at,omitempty"`
}

func newDispatchModel(e domain.SideEffect, status domain.DispatchStatus, now time.Time) dispatchModel {
	ts := mongoTime(now)
	return dispatchModel{
		Key:          e.DedupKey(),
		EventID:      e.EventID,
		Kind:         string(e.Kind),
		SubscriberID: e.SubscriberID,
		Context:      e.Context,
		Status:       string(status),
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}
}

func (m dispatchModel) toDomain() *domain.DispatchRecord {
	return &domain.DispatchRecord{
		SideEffect: domain.SideEffect{
			EventID:      m.EventID,
			Kind:         domain.SideEffectKind(m.Kind),
			SubscriberID: m.SubscriberID,
			Context:      m.Context,
		},
		Status:       domain.DispatchStatus(m.Status),
		LastError:    m.LastError,
		CreatedAt:    m.CreatedAt.UTC(),
		UpdatedAt:    m.UpdatedAt.UTC(),
		DispatchedAt: utcPtr(m.DispatchedAt),
	}
}
