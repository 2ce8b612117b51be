package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/jmoiron/sqlx"
)

type ledgerRow struct {
	EventID      string       `db:"event_id"`
	EventType    string       `db:"event_type"`
	SubscriberID string       `db:"subscriber_id"`
	State        string       `db:"state"`
	ResultStatus string       `db:"result_status"`
	Entitled     bool         `db:"entitled"`
	ErrorKind    string       `db:"error_kind"`
	ErrorMessage string       `db:"error_message"`
	Payload      []byte       `db:"payload"`
	ReceivedAt   time.Time    `db:"received_at"`
	ReservedAt   time.Time    `db:"reserved_at"`
	AppliedAt    sql.NullTime `db:"applied_at"`
}

const ledgerColumns = `event_id, event_type, subscriber_id, state, result_status, entitled,
	error_kind, error_message, payload, received_at, reserved_at, applied_at`

func (r ledgerRow) toDomain() *domain.LedgerEntry {
	return &domain.LedgerEntry{
		EventID:      r.EventID,
		EventType:    domain.EventType(r.EventType),
		SubscriberID: r.SubscriberID,
		State:        domain.LedgerState(r.State),
		ResultStatus: domain.SubscriptionStatus(r.ResultStatus),
		Entitled:     r.Entitled,
		ErrorKind:    r.ErrorKind,
		ErrorMessage: r.ErrorMessage,
		Payload:      r.Payload,
		ReceivedAt:   r.ReceivedAt.UTC(),
		ReservedAt:   r.ReservedAt.UTC(),
		AppliedAt:    fromNullTime(r.AppliedAt),
	}
}

// ReserveEvent вставляет запись журнала, если ее нет
func (s *Store) ReserveEvent(ctx context.Context, entry *domain.LedgerEntry) (bool, *domain.LedgerEntry, error) {
	query := s.q(`INSERT INTO ledger_entries (` + ledgerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`)

	result, err := s.db.ExecContext(ctx, query,
		entry.EventID, string(entry.EventType), entry.SubscriberID, string(entry.State),
		string(entry.ResultStatus), entry.Entitled, entry.ErrorKind, entry.ErrorMessage,
		entry.Payload, dbTime(entry.ReceivedAt), dbTime(entry.ReservedAt), nullTime(entry.AppliedAt),
	)
	if err != nil {
		s.log.Errorw("Failed to reserve ledger entry", "error", err, "eventID", entry.EventID)
		return false, nil, fmt.Errorf("repository: failed to reserve event: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("repository: failed to get affected rows: %w", err)
	}
	if rowsAffected == 1 {
		return true, nil, nil
	}

	existing, err := s.GetEntry(ctx, entry.EventID)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// TakeOverReservation перехватывает брошенную резервацию
func (s *Store) TakeOverReservation(ctx context.Context, eventID string, staleReservedAt, now time.Time) (bool, error) {
	query := s.q(`UPDATE ledger_entries SET reserved_at = ?
		WHERE event_id = ? AND state = ? AND reserved_at = ?`)
	result, err := s.db.ExecContext(ctx, query, dbTime(now), eventID, string(domain.LedgerReserved), dbTime(staleReservedAt))
	if err != nil {
		return false, fmt.Errorf("repository: failed to take over reservation: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("repository: failed to get affected rows: %w", err)
	}
	return rowsAffected == 1, nil
}

// GetEntry возвращает запись журнала
func (s *Store) GetEntry(ctx context.Context, eventID string) (*domain.LedgerEntry, error) {
	var row ledgerRow
	query := s.q(`SELECT ` + ledgerColumns + ` FROM ledger_entries WHERE event_id = ?`)
	if err := s.db.GetContext(ctx, &row, query, eventID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFoundError("ledger entry", eventID)
		}
		return nil, fmt.Errorf("repository: failed to get ledger entry: %w", err)
	}
	return row.toDomain(), nil
}

// CompleteEvent фиксирует результат и ожидающие эффекты в одной транзакции
func (s *Store) CompleteEvent(ctx context.Context, entry *domain.LedgerEntry, effects []domain.SideEffect) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repository: failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.log.Errorw("Failed to rollback transaction", "error", rbErr)
			}
		}
	}()

	query := s.q(`UPDATE ledger_entries SET
			event_type = ?, subscriber_id = ?, state = ?, result_status = ?, entitled = ?,
			error_kind = ?, error_message = ?, applied_at = ?
		WHERE event_id = ?`)
	var result sql.Result
	result, err = tx.ExecContext(ctx, query,
		string(entry.EventType), entry.SubscriberID, string(entry.State), string(entry.ResultStatus), entry.Entitled,
		entry.ErrorKind, entry.ErrorMessage, nullTime(entry.AppliedAt),
		entry.EventID,
	)
	if err != nil {
		return fmt.Errorf("repository: failed to complete event: %w", err)
	}
	var rowsAffected int64
	if rowsAffected, err = result.RowsAffected(); err != nil {
		return fmt.Errorf("repository: failed to get affected rows: %w", err)
	}
	if rowsAffected == 0 {
		err = domain.NewNotFoundError("ledger entry", entry.EventID)
		return err
	}

	created := entry.ReservedAt
	if entry.AppliedAt != nil {
		created = *entry.AppliedAt
	}
	for _, effect := range effects {
		if err = s.insertDispatch(ctx, tx, effect, domain.DispatchPending, created); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("repository: failed to commit transaction: %w", err)
	}
	return nil
}

// insertDispatch вставляет запись доставки, если ее нет. Возвращает ошибку только при сбое БД.
func (s *Store) insertDispatch(ctx context.Context, tx *sqlx.Tx, effect domain.SideEffect, status domain.DispatchStatus, now time.Time) error {
	_, err := s.insertDispatchRows(ctx, tx, effect, status, now)
	return err
}

func (s *Store) insertDispatchRows(ctx context.Context, ext sqlx.ExtContext, effect domain.SideEffect, status domain.DispatchStatus, now time.Time) (int64, error) {
	contextJSON, err := json.Marshal(effect.Context)
	if err != nil {
		return 0, fmt.Errorf("repository: failed to encode side effect context: %w", err)
	}
	query := s.q(`INSERT INTO side_effect_dispatches
			(event_id, kind, subscriber_id, context, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, '', ?, ?)
		ON CONFLICT (event_id, kind) DO NOTHING`)
	ts := dbTime(now)
	result, err := ext.ExecContext(ctx, query, effect.EventID, string(effect.Kind), effect.SubscriberID, string(contextJSON), string(status), ts, ts)
	if err != nil {
		return 0, fmt.Errorf("repository: failed to insert dispatch: %w", err)
	}
	return result.RowsAffected()
}
