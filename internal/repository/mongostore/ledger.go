package mongostore

import (
	"context"
	"fmt"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// ReserveEvent вставляет запись журнала; уникальный _id решает гонку
func (s *Store) ReserveEvent(ctx context.Context, entry *domain.LedgerEntry) (bool, *domain.LedgerEntry, error) {
	_, err := s.ledger.InsertOne(ctx, toLedgerModel(entry))
	if err == nil {
		return true, nil, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return false, nil, fmt.Errorf("mongostore: reserve event: %w", err)
	}
	existing, err := s.GetEntry(ctx, entry.EventID)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// TakeOverReservation перехватывает брошенную резервацию
func (s *Store) TakeOverReservation(ctx context.Context, eventID string, staleReservedAt, now time.Time) (bool, error) {
	res, err := s.ledger.UpdateOne(ctx,
		bson.M{"_id": eventID, "state": string(domain.LedgerReserved), "reserved_at": mongoTime(staleReservedAt)},
		bson.M{"$set": bson.M{"reserved_at": mongoTime(now)}},
	)
	if err != nil {
		return false, fmt.Errorf("mongostore: take over reservation: %w", err)
	}
	return res.MatchedCount == 1, nil
}

// GetEntry возвращает запись журнала
func (s *Store) GetEntry(ctx context.Context, eventID string) (*domain.LedgerEntry, error) {
	var m ledgerModel
	if err := s.ledger.FindOne(ctx, bson.M{"_id": eventID}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, domain.NewNotFoundError("ledger entry", eventID)
		}
		return nil, fmt.Errorf("mongostore: get ledger entry: %w", err)
	}
	return m.toDomain(), nil
}

// CompleteEvent фиксирует результат, затем вставляет ожидающие эффекты.
// Транзакции не используются: повторная вставка эффекта игнорируется.
func (s *Store) CompleteEvent(ctx context.Context, entry *domain.LedgerEntry, effects []domain.SideEffect) error {
	m := toLedgerModel(entry)
	res, err := s.ledger.UpdateOne(ctx, bson.M{"_id": entry.EventID}, bson.M{"$set": bson.M{
		"event_type":    m.EventType,
		"subscriber_id": m.SubscriberID,
		"state":         m.State,
		"result_status": m.ResultStatus,
		"entitled":      m.Entitled,
		"error_kind":    m.ErrorKind,
		"error_message": m.ErrorMessage,
		"applied_at":    m.AppliedAt,
	}})
	if err != nil {
		return fmt.Errorf("mongostore: complete event: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.NewNotFoundError("ledger entry", entry.EventID)
	}

	created := entry.ReservedAt
	if entry.AppliedAt != nil {
		created = *entry.AppliedAt
	}
	for _, effect := range effects {
		if _, err := s.insertDispatch(ctx, effect, domain.DispatchPending, created); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertDispatch(ctx context.Context, effect domain.SideEffect, status domain.DispatchStatus, now time.Time) (bool, error) {
	_, err := s.dispatches.InsertOne(ctx, newDispatchModel(effect, status, now))
	if err == nil {
		return true, nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	return false, fmt.Errorf("mongostore: insert dispatch: %w", err)
}

// ClaimDispatch захватывает эффект для отправки
func (s *Store) ClaimDispatch(ctx context.Context, effect domain.SideEffect, now time.Time) (bool, error) {
	res, err := s.dispatches.UpdateOne(ctx,
		bson.M{"_id": effect.DedupKey(), "status": string(domain.DispatchPending)},
		bson.M{"$set": bson.M{"status": string(domain.DispatchSending), "updated_at": mongoTime(now)}},
	)
	if err != nil {
		return false, fmt.Errorf("mongostore: claim dispatch: %w", err)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}
	return s.insertDispatch(ctx, effect, domain.DispatchSending, now)
}

// FinishDispatch записывает итог отправки
func (s *Store) FinishDispatch(ctx context.Context, effect domain.SideEffect, status domain.DispatchStatus, lastError string, now time.Time) error {
	set := bson.M{"status": string(status), "last_error": lastError, "updated_at": mongoTime(now)}
	if status == domain.DispatchSent {
		set["dispatched_at"] = mongoTime(now)
	}
	res, err := s.dispatches.UpdateOne(ctx, bson.M{"_id": effect.DedupKey()}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("mongostore: finish dispatch: %w", err)
	}
	if res.MatchedCount == 0 {
		return domain.NewNotFoundError("dispatch", effect.DedupKey())
	}
	return nil
}

// GetDispatch возвращает запись доставки
func (s *Store) GetDispatch(ctx context.Context, eventID string, kind domain.SideEffectKind) (*domain.DispatchRecord, error) {
	key := domain.SideEffect{EventID: eventID, Kind: kind}.DedupKey()
	var m dispatchModel
	if err := s.dispatches.FindOne(ctx, bson.M{"_id": key}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, domain.NewNotFoundError("dispatch", key)
		}
		return nil, fmt.Errorf("mongostore: get dispatch: %w", err)
	}
	return m.toDomain(), nil
}

// ListPendingDispatches эффекты, застрявшие в pending
func (s *Store) ListPendingDispatches(ctx context.Context, createdBefore time.Time, limit int) ([]domain.SideEffect, error) {
	if limit <= 0 {
		limit = 100
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(int64(limit))
	cursor, err := s.dispatches.Find(ctx,
		bson.M{"status": string(domain.DispatchPending), "created_at": bson.M{"$lt": mongoTime(createdBefore)}},
		opts,
	)
	if err != nil {
		return nil, fmt.Errorf("mongostore: list pending dispatches: %w", err)
	}
	var models []dispatchModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("mongostore: decode pending dispatches: %w", err)
	}
	out := make([]domain.SideEffect, 0, len(models))
	for _, m := range models {
		out = append(out, m.toDomain().SideEffect)
	}
	return out, nil
}
