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

// CreateSubscriber создает подписчика
func (s *Store) CreateSubscriber(ctx context.Context, sub *domain.Subscriber) error {
	if sub.Version == 0 {
		sub.Version = 1
	}
	if _, err := s.subscribers.InsertOne(ctx, toSubscriberModel(sub)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.NewDuplicateError("subscriber", "id or provider_subscription_id", sub.ID)
		}
		s.log.Errorw("Failed to create subscriber", "error", err, "subscriberID", sub.ID)
		return fmt.Errorf("mongostore: create subscriber: %w", err)
	}
	return nil
}

// GetSubscriber возвращает подписчика по id
func (s *Store) GetSubscriber(ctx context.Context, id string) (*domain.Subscriber, error) {
	return s.findSubscriber(ctx, bson.M{"_id": id}, id)
}

// GetSubscriberByProviderID возвращает подписчика по id подписки провайдера
func (s *Store) GetSubscriberByProviderID(ctx context.Context, providerSubscriptionID string) (*domain.Subscriber, error) {
	if providerSubscriptionID == "" {
		return nil, domain.NewNotFoundError("subscriber", providerSubscriptionID)
	}
	return s.findSubscriber(ctx, bson.M{"provider_subscription_id": providerSubscriptionID}, providerSubscriptionID)
}

func (s *Store) findSubscriber(ctx context.Context, filter bson.M, key string) (*domain.Subscriber, error) {
	var m subscriberModel
	if err := s.subscribers.FindOne(ctx, filter).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, domain.NewNotFoundError("subscriber", key)
		}
		return nil, fmt.Errorf("mongostore: get subscriber: %w", err)
	}
	return m.toDomain(), nil
}

// UpdateSubscriber условная запись: фильтр по _id и version
func (s *Store) UpdateSubscriber(ctx context.Context, sub *domain.Subscriber, expectedVersion int64) error {
	m := toSubscriberModel(sub)
	set := bson.M{
		"status":           m.Status,
		"entitled":         m.Entitled,
		"payment_brand":    m.PaymentBrand,
		"payment_last4":    m.PaymentLast4,
		"billing_interval": m.BillingInterval,
		"version":          expectedVersion + 1,
		"updated_at":       m.UpdatedAt,
	}
	unset := bson.M{}
	optional := func(key string, present bool, value any) {
		if present {
			set[key] = value
		} else {
			unset[key] = ""
		}
	}
	optional("provider_subscription_id", m.ProviderSubscriptionID != "", m.ProviderSubscriptionID)
	optional("last_payment_update_at", m.LastPaymentUpdateAt != nil, m.LastPaymentUpdateAt)
	optional("pending_cancellation_at", m.PendingCancellationAt != nil, m.PendingCancellationAt)
	optional("next_billing_at", m.NextBillingAt != nil, m.NextBillingAt)

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	var updated subscriberModel
	err := s.subscribers.FindOneAndUpdate(ctx,
		bson.M{"_id": sub.ID, "version": expectedVersion},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.NewDuplicateError("subscriber", "provider_subscription_id", sub.ProviderSubscriptionID)
		}
		if !isNoDocuments(err) {
			return fmt.Errorf("mongostore: update subscriber: %w", err)
		}
		if _, getErr := s.GetSubscriber(ctx, sub.ID); getErr != nil {
			return getErr
		}
		return domain.ErrStateStoreConflict
	}

	sub.Version = updated.Version
	return nil
}

// ListDueSubscribers подписчики для сверки
func (s *Store) ListDueSubscribers(ctx context.Context, now time.Time, afterID string, limit int) ([]domain.Subscriber, error) {
	if limit <= 0 {
		limit = 1000
	}
	ts := mongoTime(now)
	filter := bson.M{
		"_id": bson.M{"$gt": afterID},
		"$or": bson.A{
			bson.M{"status": string(domain.StatusActive), "next_billing_at": bson.M{"$lte": ts}},
			bson.M{"status": string(domain.StatusCanceled), "entitled": true, "pending_cancellation_at": bson.M{"$lte": ts}},
		},
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit))

	cursor, err := s.subscribers.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: list due subscribers: %w", err)
	}
	var models []subscriberModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("mongostore: decode due subscribers: %w", err)
	}

	out := make([]domain.Subscriber, 0, len(models))
	for _, m := range models {
		out = append(out, *m.toDomain())
	}
	return out, nil
}

// DeleteSubscriber удаляет подписчика
func (s *Store) DeleteSubscriber(ctx context.Context, id string) error {
	res, err := s.subscribers.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongostore: delete subscriber: %w", err)
	}
	if res.DeletedCount == 0 {
		return domain.NewNotFoundError("subscriber", id)
	}
	return nil
}
