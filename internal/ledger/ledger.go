package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/billing-sync/internal/clock"
	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/repository"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/cenkalti/backoff/v4"
)

// Outcome результат проверки журнала
type Outcome int

const (
	// Fresh событие зарезервировано текущим вызывающим
	Fresh Outcome = iota
	// AlreadyApplied событие уже обработано (applied или rejected)
	AlreadyApplied
)

func (o Outcome) String() string {
	if o == AlreadyApplied {
		return "already_applied"
	}
	return "fresh"
}

// Reservation результат CheckAndReserve. Для Fresh Entry - наша резервация,
// для AlreadyApplied - ранее записанный результат.
type Reservation struct {
	Outcome Outcome
	Entry   *domain.LedgerEntry
}

// Options параметры журнала
type Options struct {
	// Lease через сколько брошенная резервация может быть перехвачена
	Lease time.Duration
	// InflightWait сколько ждать завершения чужой обработки того же события
	InflightWait time.Duration
}

// Ledger журнал идемпотентности поверх repository.LedgerStore
type Ledger struct {
	store repository.LedgerStore
	clock clock.Clock
	opts  Options
	log   *logger.Logger
}

var errStillReserved = errors.New("ledger entry still reserved")

// New создает журнал
func New(store repository.LedgerStore, clk clock.Clock, opts Options, log *logger.Logger) *Ledger {
	if opts.Lease <= 0 {
		opts.Lease = 5 * time.Minute
	}
	if opts.InflightWait <= 0 {
		opts.InflightWait = 2 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Ledger{store: store, clock: clk, opts: opts, log: log}
}

// now время с точностью хранения самого грубого бэкенда (миллисекунды)
func (l *Ledger) now() time.Time {
	return l.clock.Now().UTC().Truncate(time.Millisecond)
}

// CheckAndReserve атомарно резервирует событие или возвращает прежний результат.
// Если событие обрабатывается другим вызовом, ждет до InflightWait и затем
// возвращает domain.ErrEventInFlight.
func (l *Ledger) CheckAndReserve(ctx context.Context, ev *domain.Event) (Reservation, error) {
	now := l.now()
	entry := &domain.LedgerEntry{
		EventID:      ev.ID,
		EventType:    ev.Type,
		SubscriberID: ev.SubscriberID,
		State:        domain.LedgerReserved,
		Payload:      ev.Payload,
		ReceivedAt:   ev.ReceivedAt.UTC().Truncate(time.Millisecond),
		ReservedAt:   now,
	}
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = now
	}

	created, existing, err := l.store.ReserveEvent(ctx, entry)
	if err != nil {
		return Reservation{}, fmt.Errorf("ledger: reserve %s: %w", ev.ID, err)
	}
	if created {
		return Reservation{Outcome: Fresh, Entry: entry}, nil
	}

	var result Reservation
	operation := func() error {
		if existing == nil {
			existing, err = l.store.GetEntry(ctx, ev.ID)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("ledger: get %s: %w", ev.ID, err))
			}
		}
		current := existing
		existing = nil

		if current.State.Final() {
			result = Reservation{Outcome: AlreadyApplied, Entry: current}
			return nil
		}

		takeoverAt := l.now()
		if takeoverAt.Sub(current.ReservedAt) >= l.opts.Lease {
			ok, err := l.store.TakeOverReservation(ctx, ev.ID, current.ReservedAt, takeoverAt)
			if err != nil {
				return backoff.Permanent(fmt.Errorf("ledger: take over %s: %w", ev.ID, err))
			}
			if ok {
				l.log.Warnw("Took over abandoned ledger reservation", "eventID", ev.ID, "reservedAt", current.ReservedAt)
				entry.ReservedAt = takeoverAt
				entry.ReceivedAt = current.ReceivedAt
				result = Reservation{Outcome: Fresh, Entry: entry}
				return nil
			}
		}
		return errStillReserved
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = l.opts.InflightWait

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		if errors.Is(err, errStillReserved) {
			l.log.Infow("Event is still being processed elsewhere", "eventID", ev.ID)
			return Reservation{}, domain.ErrEventInFlight
		}
		return Reservation{}, err
	}
	return result, nil
}

// Commit отмечает событие примененным и сохраняет ожидающие побочные эффекты.
func (l *Ledger) Commit(ctx context.Context, entry *domain.LedgerEntry, effects []domain.SideEffect) error {
	entry.State = domain.LedgerApplied
	entry.AppliedAt = domain.TimePtr(l.now())
	if err := l.store.CompleteEvent(ctx, entry, effects); err != nil {
		return fmt.Errorf("ledger: commit %s: %w", entry.EventID, err)
	}
	return nil
}

// Release делает резервацию сразу доступной для перехвата. Вызывается,
// когда обработка не удалась и провайдер повторит доставку.
func (l *Ledger) Release(ctx context.Context, entry *domain.LedgerEntry) {
	released := time.Unix(0, 0).UTC()
	ok, err := l.store.TakeOverReservation(ctx, entry.EventID, entry.ReservedAt, released)
	if err != nil {
		l.log.Errorw("Failed to release ledger reservation", "error", err, "eventID", entry.EventID)
		return
	}
	if ok {
		entry.ReservedAt = released
	}
}

// Reject записывает отклоненное событие. created=false означает, что запись
// с этим id уже была, и возвращается она.
func (l *Ledger) Reject(ctx context.Context, raw []byte, perr *domain.ParseError) (*domain.LedgerEntry, bool, error) {
	now := l.now()
	entry := &domain.LedgerEntry{
		EventID:      perr.EventID,
		EventType:    perr.EventType,
		State:        domain.LedgerRejected,
		ErrorKind:    string(perr.Kind),
		ErrorMessage: perr.Error(),
		Payload:      raw,
		ReceivedAt:   now,
		ReservedAt:   now,
		AppliedAt:    domain.TimePtr(now),
	}
	if entry.EventType == "" {
		entry.EventType = domain.EventUnknown
	}

	created, existing, err := l.store.ReserveEvent(ctx, entry)
	if err != nil {
		return nil, false, fmt.Errorf("ledger: reject %s: %w", entry.EventID, err)
	}
	if !created {
		return existing, false, nil
	}
	return entry, true, nil
}

// Abandon закрывает свою резервацию как rejected, когда событие нельзя применить
// (например, подписчик удален после разбора). Повторная доставка вернет этот итог.
func (l *Ledger) Abandon(ctx context.Context, entry *domain.LedgerEntry, perr *domain.ParseError) error {
	entry.State = domain.LedgerRejected
	entry.ErrorKind = string(perr.Kind)
	entry.ErrorMessage = perr.Error()
	entry.AppliedAt = domain.TimePtr(l.now())
	if err := l.store.CompleteEvent(ctx, entry, nil); err != nil {
		return fmt.Errorf("ledger: abandon %s: %w", entry.EventID, err)
	}
	return nil
}
