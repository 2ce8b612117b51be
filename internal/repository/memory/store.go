package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/repository"
)

var _ repository.Store = (*Store)(nil)

// Store реализация repository.Store в памяти
type Store struct {
	mutex       sync.RWMutex
	subscribers map[string]domain.Subscriber
	byProvider  map[string]string
	ledger      map[string]domain.LedgerEntry
	dispatches  map[string]domain.DispatchRecord
}

// New создает пустое хранилище
func New() *Store {
	return &Store{
		subscribers: make(map[string]domain.Subscriber),
		byProvider:  make(map[string]string),
		ledger:      make(map[string]domain.LedgerEntry),
		dispatches:  make(map[string]domain.DispatchRecord),
	}
}

// Ping всегда успешен
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close ничего не делает
func (s *Store) Close() error { return nil }

// CreateSubscriber создает подписчика
func (s *Store) CreateSubscriber(ctx context.Context, sub *domain.Subscriber) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.subscribers[sub.ID]; exists {
		return domain.NewDuplicateError("subscriber", "id", sub.ID)
	}
	if sub.ProviderSubscriptionID != "" {
		if _, exists := s.byProvider[sub.ProviderSubscriptionID]; exists {
			return domain.NewDuplicateError("subscriber", "provider_subscription_id", sub.ProviderSubscriptionID)
		}
		s.byProvider[sub.ProviderSubscriptionID] = sub.ID
	}
	if sub.Version == 0 {
		sub.Version = 1
	}
	s.subscribers[sub.ID] = sub.Clone()
	return nil
}

// GetSubscriber возвращает подписчика по id
func (s *Store) GetSubscriber(ctx context.Context, id string) (*domain.Subscriber, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	sub, exists := s.subscribers[id]
	if !exists {
		return nil, domain.NewNotFoundError("subscriber", id)
	}
	out := sub.Clone()
	return &out, nil
}

// GetSubscriberByProviderID возвращает подписчика по id подписки провайдера
func (s *Store) GetSubscriberByProviderID(ctx context.Context, providerSubscriptionID string) (*domain.Subscriber, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	id, exists := s.byProvider[providerSubscriptionID]
	if !exists || providerSubscriptionID == "" {
		return nil, domain.NewNotFoundError("subscriber", providerSubscriptionID)
	}
	out := s.subscribers[id].Clone()
	return &out, nil
}

// UpdateSubscriber условная запись по версии
func (s *Store) UpdateSubscriber(ctx context.Context, sub *domain.Subscriber, expectedVersion int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	current, exists := s.subscribers[sub.ID]
	if !exists {
		return domain.NewNotFoundError("subscriber", sub.ID)
	}
	if current.Version != expectedVersion {
		return domain.ErrStateStoreConflict
	}
	if sub.ProviderSubscriptionID != current.ProviderSubscriptionID && sub.ProviderSubscriptionID != "" {
		if owner, taken := s.byProvider[sub.ProviderSubscriptionID]; taken && owner != sub.ID {
			return domain.NewDuplicateError("subscriber", "provider_subscription_id", sub.ProviderSubscriptionID)
		}
	}
	if current.ProviderSubscriptionID != "" {
		delete(s.byProvider, current.ProviderSubscriptionID)
	}
	if sub.ProviderSubscriptionID != "" {
		s.byProvider[sub.ProviderSubscriptionID] = sub.ID
	}

	sub.Version = expectedVersion + 1
	s.subscribers[sub.ID] = sub.Clone()
	return nil
}

// ListDueSubscribers подписчики для сверки
func (s *Store) ListDueSubscribers(ctx context.Context, now time.Time, afterID string, limit int) ([]domain.Subscriber, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var due []domain.Subscriber
	for _, sub := range s.subscribers {
		if sub.ID <= afterID {
			continue
		}
		switch {
		case sub.Status == domain.StatusActive && sub.NextBillingAt != nil && !sub.NextBillingAt.After(now):
		case sub.Entitled && sub.GraceExpired(now):
		default:
			continue
		}
		due = append(due, sub.Clone())
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// DeleteSubscriber удаляет подписчика
func (s *Store) DeleteSubscriber(ctx context.Context, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	sub, exists := s.subscribers[id]
	if !exists {
		return domain.NewNotFoundError("subscriber", id)
	}
	if sub.ProviderSubscriptionID != "" {
		delete(s.byProvider, sub.ProviderSubscriptionID)
	}
	delete(s.subscribers, id)
	return nil
}

// ReserveEvent вставляет запись журнала, если ее нет
func (s *Store) ReserveEvent(ctx context.Context, entry *domain.LedgerEntry) (bool, *domain.LedgerEntry, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if existing, exists := s.ledger[entry.EventID]; exists {
		out := existing
		return false, &out, nil
	}
	s.ledger[entry.EventID] = *entry
	return true, nil, nil
}

// TakeOverReservation перехватывает брошенную резервацию
func (s *Store) TakeOverReservation(ctx context.Context, eventID string, staleReservedAt, now time.Time) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry, exists := s.ledger[eventID]
	if !exists || entry.State != domain.LedgerReserved || !entry.ReservedAt.Equal(staleReservedAt) {
		return false, nil
	}
	entry.ReservedAt = now
	s.ledger[eventID] = entry
	return true, nil
}

// GetEntry возвращает запись журнала
func (s *Store) GetEntry(ctx context.Context, eventID string) (*domain.LedgerEntry, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	entry, exists := s.ledger[eventID]
	if !exists {
		return nil, domain.NewNotFoundError("ledger entry", eventID)
	}
	return &entry, nil
}

// CompleteEvent фиксирует результат и ожидающие эффекты
func (s *Store) CompleteEvent(ctx context.Context, entry *domain.LedgerEntry, effects []domain.SideEffect) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.ledger[entry.EventID]; !exists {
		return domain.NewNotFoundError("ledger entry", entry.EventID)
	}
	s.ledger[entry.EventID] = *entry

	created := entry.ReservedAt
	if entry.AppliedAt != nil {
		created = *entry.AppliedAt
	}
	for _, e := range effects {
		if _, exists := s.dispatches[e.DedupKey()]; exists {
			continue
		}
		s.dispatches[e.DedupKey()] = domain.DispatchRecord{
			SideEffect: e,
			Status:     domain.DispatchPending,
			CreatedAt:  created,
			UpdatedAt:  created,
		}
	}
	return nil
}

// ClaimDispatch захватывает эффект для отправки
func (s *Store) ClaimDispatch(ctx context.Context, effect domain.SideEffect, now time.Time) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	rec, exists := s.dispatches[effect.DedupKey()]
	if exists && rec.Status != domain.DispatchPending {
		return false, nil
	}
	if !exists {
		rec = domain.DispatchRecord{SideEffect: effect, CreatedAt: now}
	}
	rec.Status = domain.DispatchSending
	rec.UpdatedAt = now
	s.dispatches[effect.DedupKey()] = rec
	return true, nil
}

// FinishDispatch записывает итог отправки
func (s *Store) FinishDispatch(ctx context.Context, effect domain.SideEffect, status domain.DispatchStatus, lastError string, now time.Time) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	rec, exists := s.dispatches[effect.DedupKey()]
	if !exists {
		return domain.NewNotFoundError("dispatch", effect.DedupKey())
	}
	rec.Status = status
	rec.LastError = lastError
	rec.UpdatedAt = now
	if status == domain.DispatchSent {
		rec.DispatchedAt = domain.TimePtr(now)
	}
	s.dispatches[effect.DedupKey()] = rec
	return nil
}

// GetDispatch возвращает запись доставки
func (s *Store) GetDispatch(ctx context.Context, eventID string, kind domain.SideEffectKind) (*domain.DispatchRecord, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	key := domain.SideEffect{EventID: eventID, Kind: kind}.DedupKey()
	rec, exists := s.dispatches[key]
	if !exists {
		return nil, domain.NewNotFoundError("dispatch", key)
	}
	return &rec, nil
}

// ListPendingDispatches эффекты, застрявшие в pending
func (s *Store) ListPendingDispatches(ctx context.Context, createdBefore time.Time, limit int) ([]domain.SideEffect, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var recs []domain.DispatchRecord
	for _, rec := range s.dispatches {
		if rec.Status == domain.DispatchPending && rec.CreatedAt.Before(createdBefore) {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	out := make([]domain.SideEffect, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.SideEffect)
	}
	return out, nil
}
