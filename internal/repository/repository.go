package repository

import (
	"context"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
)

// SubscriberStore хранилище подписчиков с условной записью по версии.
type SubscriberStore interface {
	// CreateSubscriber возвращает domain.ErrDuplicate, если id или provider id заняты.
	CreateSubscriber(ctx context.Context, s *domain.Subscriber) error
	GetSubscriber(ctx context.Context, id string) (*domain.Subscriber, error)
	GetSubscriberByProviderID(ctx context.Context, providerSubscriptionID string) (*domain.Subscriber, error)
	// UpdateSubscriber записывает s, только если версия в хранилище равна expectedVersion.
	// При успехе s.Version становится expectedVersion+1. Иначе domain.ErrStateStoreConflict.
	UpdateSubscriber(ctx context.Context, s *domain.Subscriber, expectedVersion int64) error
	// ListDueSubscribers возвращает active с next_billing_at <= now и canceled с истекшим
	// льготным периодом, упорядоченных по id, начиная после afterID.
	ListDueSubscribers(ctx context.Context, now time.Time, afterID string, limit int) ([]domain.Subscriber, error)
	DeleteSubscriber(ctx context.Context, id string) error
}

// LedgerStore журнал идемпотентности.
type LedgerStore interface {
	// ReserveEvent вставляет запись, если ее еще нет. Если запись есть, created=false
	// и возвращается существующая.
	ReserveEvent(ctx context.Context, entry *domain.LedgerEntry) (created bool, existing *domain.LedgerEntry, err error)
	// TakeOverReservation перехватывает брошенную резервацию: обновляет reserved_at,
	// только если запись все еще reserved и reserved_at == staleReservedAt.
	TakeOverReservation(ctx context.Context, eventID string, staleReservedAt, now time.Time) (bool, error)
	GetEntry(ctx context.Context, eventID string) (*domain.LedgerEntry, error)
	// CompleteEvent фиксирует результат и записывает ожидающие отправки побочные эффекты.
	CompleteEvent(ctx context.Context, entry *domain.LedgerEntry, effects []domain.SideEffect) error
}

// DispatchStore учет доставки побочных эффектов.
type DispatchStore interface {
	// ClaimDispatch переводит (event, kind) из pending в sending или создает запись в sending.
	// false означает, что эффект уже отправлялся.
	ClaimDispatch(ctx context.Context, effect domain.SideEffect, now time.Time) (bool, error)
	FinishDispatch(ctx context.Context, effect domain.SideEffect, status domain.DispatchStatus, lastError string, now time.Time) error
	GetDispatch(ctx context.Context, eventID string, kind domain.SideEffectKind) (*domain.DispatchRecord, error)
	ListPendingDispatches(ctx context.Context, createdBefore time.Time, limit int) ([]domain.SideEffect, error)
}

// Store полный набор хранилищ одного бэкенда.
type Store interface {
	SubscriberStore
	LedgerStore
	DispatchStore
	Ping(ctx context.Context) error
	Close() error
}
