package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/billing-sync/internal/domain"
)

type dispatchRow struct {
	EventID      string       `db:"event_id"`
	Kind         string       `db:"kind"`
	SubscriberID string       `db:"subscriber_id"`
	Context      string       `db:"context"`
	Status       string       `db:"status"`
	LastError    string       `db:"last_error"`
	CreatedAt    time.Time    `db:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at"`
	DispatchedAt sql.NullTime `db:"dispatched_at"`
}

const dispatchColumns = `event_id, kind, subscriber_id, context, status, last_error, created_at, updated_at, dispatched_at`

func (r dispatchRow) toDomain() (*domain.DispatchRecord, error) {
	var ctxMap map[string]string
	if r.Context != "" && r.Context != "null" {
		if err := json.Unmarshal([]byte(r.Context), &ctxMap); err != nil {
			return nil, fmt.Errorf("repository: corrupt dispatch context for %s/%s: %w", r.EventID, r.Kind, err)
		}
	}
	return &domain.DispatchRecord{
		SideEffect: domain.SideEffect{
			EventID:      r.EventID,
			Kind:         domain.SideEffectKind(r.Kind),
			SubscriberID: r.SubscriberID,
			Context:      ctxMap,
		},
		Status:       domain.DispatchStatus(r.Status),
		LastError:    r.LastError,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
		DispatchedAt: fromNullTime(r.DispatchedAt),
	}, nil
}

// ClaimDispatch захватывает эффект для отправки
func (s *Store) ClaimDispatch(ctx context.Context, effect domain.SideEffect, now time.Time) (bool, error) {
	query := s.q(`UPDATE side_effect_dispatches SET status = ?, updated_at = ?
		WHERE event_id = ? AND kind = ? AND status = ?`)
	result, err := s.db.ExecContext(ctx, query,
		string(domain.DispatchSending), dbTime(now),
		effect.EventID, string(effect.Kind), string(domain.DispatchPending),
	)
	if err != nil {
		return false, fmt.Errorf("repository: failed to claim dispatch: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("repository: failed to get affected rows: %w", err)
	}
	if rowsAffected == 1 {
		return true, nil
	}

	// Записи нет (эффект не прошел через CompleteEvent) - создаем сразу в sending.
	inserted, err := s.insertDispatchRows(ctx, s.db, effect, domain.DispatchSending, now)
	if err != nil {
		return false, err
	}
	return inserted == 1, nil
}

// FinishDispatch записывает итог отправки
func (s *Store) FinishDispatch(ctx context.Context, effect domain.SideEffect, status domain.DispatchStatus, lastError string, now time.Time) error {
	var dispatchedAt any
	if status == domain.DispatchSent {
		dispatchedAt = dbTime(now)
	}
	query := s.q(`UPDATE side_effect_dispatches SET status = ?, last_error = ?, updated_at = ?, dispatched_at = ?
		WHERE event_id = ? AND kind = ?`)
	result, err := s.db.ExecContext(ctx, query, string(status), lastError, dbTime(now), dispatchedAt, effect.EventID, string(effect.Kind))
	if err != nil {
		return fmt.Errorf("repository: failed to finish dispatch: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("repository: failed to get affected rows: %w", err)
	}
	if rowsAffected == 0 {
		return domain.NewNotFoundError("dispatch", effect.DedupKey())
	}
	return nil
}

// GetDispatch возвращает запись доставки
func (s *Store) GetDispatch(ctx context.Context, eventID string, kind domain.SideEffectKind) (*domain.DispatchRecord, error) {
	var row dispatchRow
	query := s.q(`SELECT ` + dispatchColumns + ` FROM side_effect_dispatches WHERE event_id = ? AND kind = ?`)
	if err := s.db.GetContext(ctx, &row, query, eventID, string(kind)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewNotFoundError("dispatch", eventID+"/"+string(kind))
		}
		return nil, fmt.Errorf("repository: failed to get dispatch: %w", err)
	}
	return row.toDomain()
}

// ListPendingDispatches эффекты, застрявшие в pending
func (s *Store) ListPendingDispatches(ctx context.Context, createdBefore time.Time, limit int) ([]domain.SideEffect, error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.q(`SELECT ` + dispatchColumns + ` FROM side_effect_dispatches
		WHERE status = ? AND created_at < ?
		ORDER BY created_at
		LIMIT ?`)
	var rows []dispatchRow
	if err := s.db.SelectContext(ctx, &rows, query, string(domain.DispatchPending), dbTime(createdBefore), limit); err != nil {
		return nil, fmt.Errorf("repository: failed to list pending dispatches: %w", err)
	}
	out := make([]domain.SideEffect, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toDomain()
		if err != nil {
			s.log.Warnw("Skipping corrupt dispatch record", "error", err)
			continue
		}
		out = append(out, rec.SideEffect)
	}
	return out, nil
}
