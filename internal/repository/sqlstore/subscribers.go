package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
)

// subscriberRow строка таблицы subscribers
type subscriberRow struct {
	ID                     string         `db:"id"`
	Status                 string         `db:"status"`
	ProviderSubscriptionID sql.NullString `db:"provider_subscription_id"`
	Entitled               bool           `db:"entitled"`
	PaymentBrand           string         `db:"payment_brand"`
	PaymentLast4           string         `db:"payment_last4"`
	LastPaymentUpdateAt    sql.NullTime   `db:"last_payment_update_at"`
	PendingCancellationAt  sql.NullTime   `db:"pending_cancellation_at"`
	NextBillingAt          sql.NullTime   `db:"next_billing_at"`
	BillingInterval        string         `db:"billing_interval"`
	Version                int64          `db:"version"`
	CreatedAt              time.Time      `db:"created_at"`
	UpdatedAt              time.Time      `db:"updated_at"`
}

const subscriberColumns = `id, status, provider_subscription_id, entitled, payment_brand, payment_last4,
	last_payment_update_at, pending_cancellation_at, next_billing_at, billing_interval, version, created_at, updated_at`

func toSubscriberRow(s *domain.Subscriber) subscriberRow {
	row := subscriberRow{
		ID:              s.ID,
		Status:          string(s.Status),
		Entitled:        s.Entitled,
		PaymentBrand:    s.PaymentMethod.Brand,
		PaymentLast4:    s.PaymentMethod.Last4,
		BillingInterval: string(s.BillingInterval),
		Version:         s.Version,
		CreatedAt:       dbTime(s.CreatedAt),
		UpdatedAt:       dbTime(s.UpdatedAt),
	}
	if s.ProviderSubscriptionID != "" {
		row.ProviderSubscriptionID = sql.NullString{String: s.ProviderSubscriptionID, Valid: true}
	}
	if s.LastPaymentUpdateAt != nil {
		row.LastPaymentUpdateAt = sql.NullTime{Time: dbTime(*s.LastPaymentUpdateAt), Valid: true}
	}
	if s.PendingCancellationAt != nil {
		row.PendingCancellationAt = sql.NullTime{Time: dbTime(*s.PendingCancellationAt), Valid: true}
	}
	if s.NextBillingAt != nil {
		row.NextBillingAt = sql.NullTime{Time: dbTime(*s.NextBillingAt), Valid: true}
	}
	return row
}

func (r subscriberRow) toDomain() *domain.Subscriber {
	return &domain.Subscriber{
		ID:                     r.ID,
		Status:                 domain.SubscriptionStatus(r.Status),
		ProviderSubscriptionID: r.ProviderSubscriptionID.String,
		Entitled:               r.Entitled,
		PaymentMethod:          domain.PaymentMethod{Brand: r.PaymentBrand, Last4: r.PaymentLast4},
		LastPaymentUpdateAt:    fromNullTime(r.LastPaymentUpdateAt),
		PendingCancellationAt:  fromNullTime(r.PendingCancellationAt),
		NextBillingAt:          fromNullTime(r.NextBillingAt),
		BillingInterval:        domain.BillingInterval(r.BillingInterval),
		Version:                r.Version,
		CreatedAt:              r.CreatedAt.UTC(),
		UpdatedAt:              r.UpdatedAt.UTC(),
	}
}

// CreateSubscriber создает подписчика
func (s *Store) CreateSubscriber(ctx context.Context, sub *domain.Subscriber) error {
	if sub.Version == 0 {
		sub.Version = 1
	}
	query := `INSERT INTO subscribers (` + subscriberColumns + `)
		VALUES (:id, :status, :provider_subscription_id, :entitled, :payment_brand, :payment_last4,
			:last_payment_update_at, :pending_cancellation_at, :next_billing_at, :billing_interval,
			:version, :created_at, :updated_at)`

	if _, err := s.db.NamedExecContext(ctx, query, toSubscriberRow(sub)); err != nil {
		if isUniqueViolation(err) {
			return domain.NewDuplicateError("subscriber", "id or provider_subscription_id", sub.ID)
		}
		s.log.Errorw("Failed to create subscriber", "error", err, "subscriberID", sub.ID)
		return fmt.Errorf("repository: failed to create subscriber: %w", err)
	}
	s.log.Debugw("Subscriber created", "subscriberID", sub.ID)
	return nil
}

// GetSubscriber возвращает подписчика по id
func (s *Store) GetSubscriber(ctx context.Context, id string) (*domain.Subscriber, error) {
	return s.getSubscriberBy(ctx, "id", id)
}

// GetSubscriberByProviderID возвращает подписчика по id подписки провайдера
func (s *Store) GetSubscriberByProviderID(ctx context.Context, providerSubscriptionID string) (*domain.Subscriber, error) {
	if providerSubscriptionID == "" {
		return nil, domain.NewNotFoundError("subscriber", providerSubscriptionID)
	}
	return s.getSubscriberBy(ctx, "provider_subscription_id", providerSubscriptionID)
}

func (s *Store) getSubscriberBy(ctx context.Context, column, value string) (*domain.Subscriber, error) {
	var row subscriberRow
	query := s.q(`SELECT ` + subscriberColumns + ` FROM subscribers WHERE ` + column + ` = ?`)
	if err := s.db.GetContext(ctx, &row, query, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFoundError("subscriber", value)
		}
		s.log.Errorw("Failed to get subscriber", "error", err, column, value)
		return nil, fmt.Errorf("repository: failed to get subscriber: %w", err)
	}
	return row.toDomain(), nil
}

// UpdateSubscriber условная запись по версии
func (s *Store) UpdateSubscriber(ctx context.Context, sub *domain.Subscriber, expectedVersion int64) error {
	row := toSubscriberRow(sub)
	query := s.q(`UPDATE subscribers SET
			status = ?, provider_subscription_id = ?, entitled = ?, payment_brand = ?, payment_last4 = ?,
			last_payment_update_at = ?, pending_cancellation_at = ?, next_billing_at = ?,
			billing_interval = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`)

	result, err := s.db.ExecContext(ctx, query,
		row.Status, row.ProviderSubscriptionID, row.Entitled, row.PaymentBrand, row.PaymentLast4,
		row.LastPaymentUpdateAt, row.PendingCancellationAt, row.NextBillingAt,
		row.BillingInterval, expectedVersion+1, row.UpdatedAt,
		row.ID, expectedVersion,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.NewDuplicateError("subscriber", "provider_subscription_id", sub.ProviderSubscriptionID)
		}
		s.log.Errorw("Failed to update subscriber", "error", err, "subscriberID", sub.ID)
		return fmt.Errorf("repository: failed to update subscriber: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("repository: failed to get affected rows: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetSubscriber(ctx, sub.ID); err != nil {
			return err
		}
		s.log.Debugw("Subscriber version changed concurrently", "subscriberID", sub.ID, "expectedVersion", expectedVersion)
		return domain.ErrStateStoreConflict
	}

	sub.Version = expectedVersion + 1
	return nil
}

// ListDueSubscribers подписчики для сверки
func (s *Store) ListDueSubscribers(ctx context.Context, now time.Time, afterID string, limit int) ([]domain.Subscriber, error) {
	if limit <= 0 {
		limit = 1000
	}
	query := s.q(`SELECT ` + subscriberColumns + ` FROM subscribers
		WHERE id > ? AND (
			(status = ? AND next_billing_at IS NOT NULL AND next_billing_at <= ?)
			OR (status = ? AND entitled = ? AND pending_cancellation_at IS NOT NULL AND pending_cancellation_at <= ?)
		)
		ORDER BY id
		LIMIT ?`)

	ts := dbTime(now)
	var rows []subscriberRow
	if err := s.db.SelectContext(ctx, &rows, query,
		afterID,
		string(domain.StatusActive), ts,
		string(domain.StatusCanceled), true, ts,
		limit,
	); err != nil {
		s.log.Errorw("Failed to list due subscribers", "error", err)
		return nil, fmt.Errorf("repository: failed to list due subscribers: %w", err)
	}

	out := make([]domain.Subscriber, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r.toDomain())
	}
	return out, nil
}

// DeleteSubscriber удаляет подписчика
func (s *Store) DeleteSubscriber(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.q(`DELETE FROM subscribers WHERE id = ?`), id)
	if err != nil {
		s.log.Errorw("Failed to delete subscriber", "error", err, "subscriberID", id)
		return fmt.Errorf("repository: failed to delete subscriber: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("repository: failed to get affected rows: %w", err)
	}
	if rowsAffected == 0 {
		return domain.NewNotFoundError("subscriber", id)
	}
	return nil
}
