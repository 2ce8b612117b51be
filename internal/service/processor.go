package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/billing-sync/internal/clock"
	"github.com/Dhoini/billing-sync/internal/dispatcher"
	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/envelope"
	"github.com/Dhoini/billing-sync/internal/ledger"
	"github.com/Dhoini/billing-sync/internal/metrics"
	"github.com/Dhoini/billing-sync/internal/repository"
	"github.com/Dhoini/billing-sync/internal/statemachine"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/cenkalti/backoff/v4"
)

const archiveTimeout = 5 * time.Second

// Outcome итог обработки события для ответа провайдеру
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
	// OutcomeStale синтетическое событие устарело и не записано в журнал
	OutcomeStale Outcome = "stale"
)

// errStaleEvent подписчик ушел из статуса, в котором принималось решение сверки
var errStaleEvent = errors.New("subscriber status changed since snapshot")

// Receipt квитанция об обработке события
type Receipt struct {
	EventID      string                    `json:"event_id"`
	SubscriberID string                    `json:"subscriber_id,omitempty"`
	Outcome      Outcome                   `json:"outcome"`
	Status       domain.SubscriptionStatus `json:"status,omitempty"`
	Entitled     bool                      `json:"entitled"`
	SideEffects  int                       `json:"side_effects"`
}

// ProviderClient запросы к API провайдера
type ProviderClient interface {
	GetSubscription(ctx context.Context, providerSubscriptionID string) (*domain.ProviderSubscription, error)
}

// StatusPublisher публикует изменения статуса подписчика
type StatusPublisher interface {
	PublishStatusChange(ctx context.Context, change domain.StatusChange) error
}

// PayloadArchive хранит сырые тела вебхуков для аудита
type PayloadArchive interface {
	Put(ctx context.Context, eventID string, raw []byte, receivedAt time.Time) error
}

// ProcessorDeps зависимости Processor. Publisher и Archive необязательны.
type ProcessorDeps struct {
	Store      repository.SubscriberStore
	Ledger     *ledger.Ledger
	Parser     *envelope.Parser
	Dispatcher *dispatcher.Dispatcher
	Publisher  StatusPublisher
	Archive    PayloadArchive
	Clock      clock.Clock
	Metrics    metrics.BillingMetrics
}

// ProcessorOptions параметры обработки
type ProcessorOptions struct {
	// ConflictRetries сколько раз повторять запись при конфликте версии
	ConflictRetries int
	// AsyncDispatch отправлять эффекты через очередь диспетчера
	AsyncDispatch bool
}

// Processor проводит событие через журнал, автомат состояний и диспетчер
type Processor struct {
	store      repository.SubscriberStore
	ledger     *ledger.Ledger
	parser     *envelope.Parser
	dispatcher *dispatcher.Dispatcher
	publisher  StatusPublisher
	archive    PayloadArchive
	clock      clock.Clock
	metrics    metrics.BillingMetrics
	opts       ProcessorOptions
	log        *logger.Logger
}

// NewProcessor создает обработчик событий
func NewProcessor(deps ProcessorDeps, opts ProcessorOptions, log *logger.Logger) *Processor {
	if opts.ConflictRetries < 0 {
		opts.ConflictRetries = 0
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	return &Processor{
		store:      deps.Store,
		ledger:     deps.Ledger,
		parser:     deps.Parser,
		dispatcher: deps.Dispatcher,
		publisher:  deps.Publisher,
		archive:    deps.Archive,
		clock:      deps.Clock,
		metrics:    deps.Metrics,
		opts:       opts,
		log:        log,
	}
}

// Ingest разбирает проверенное тело вебхука и обрабатывает событие.
// Ошибки разбора записываются в журнал как rejected и не возвращаются.
func (p *Processor) Ingest(ctx context.Context, raw []byte) (*Receipt, error) {
	ev, err := p.parser.Parse(ctx, raw)
	if err != nil {
		var perr *domain.ParseError
		if !errors.As(err, &perr) {
			return nil, err
		}
		p.archivePayload(ctx, perr.EventID, raw)
		return p.reject(ctx, raw, perr)
	}

	p.archivePayload(ctx, ev.ID, raw)
	return p.Process(ctx, ev)
}

func (p *Processor) reject(ctx context.Context, raw []byte, perr *domain.ParseError) (*Receipt, error) {
	entry, created, err := p.ledger.Reject(ctx, raw, perr)
	if err != nil {
		return nil, err
	}
	if !created {
		p.log.Infow("Duplicate delivery of recorded event", "eventID", entry.EventID, "state", entry.State)
		return receiptFromEntry(entry, OutcomeDuplicate), nil
	}

	p.log.Warnw("Event rejected", "eventID", perr.EventID, "kind", perr.Kind, "error", perr.Message)
	p.metrics.IncEventApplied(string(entry.EventType), string(OutcomeRejected))
	return receiptFromEntry(entry, OutcomeRejected), nil
}

// Process применяет событие не более одного раза.
func (p *Processor) Process(ctx context.Context, ev *domain.Event) (*Receipt, error) {
	reservation, err := p.ledger.CheckAndReserve(ctx, ev)
	if err != nil {
		return nil, err
	}
	if reservation.Outcome == ledger.AlreadyApplied {
		p.log.Infow("Duplicate delivery of recorded event", "eventID", ev.ID, "state", reservation.Entry.State)
		return receiptFromEntry(reservation.Entry, OutcomeDuplicate), nil
	}
	entry := reservation.Entry

	previous, transition, err := p.applyWithRetry(ctx, ev)
	if err != nil {
		switch {
		case errors.Is(err, errStaleEvent):
			return p.skipStale(ctx, entry, ev, previous)
		case errors.Is(err, domain.ErrNotFound):
			return p.abandon(ctx, entry, ev, domain.NewUnresolvedError(ev.ID, ev.Type, "subscriber "+ev.SubscriberID+" no longer exists"))
		case errors.Is(err, domain.ErrDuplicate), errors.Is(err, domain.ErrInvalidInput):
			return p.abandon(ctx, entry, ev, domain.NewUnapplicableError(ev.ID, ev.Type, "subscriber "+ev.SubscriberID+" rejected the transition", err))
		}
		p.ledger.Release(context.WithoutCancel(ctx), entry)
		p.metrics.IncEventApplied(string(ev.Type), metrics.ResultFailed)
		return nil, fmt.Errorf("service: apply event %s: %w", ev.ID, err)
	}

	entry.SubscriberID = ev.SubscriberID
	entry.ResultStatus = transition.Subscriber.Status
	entry.Entitled = transition.Subscriber.Entitled
	if err := p.ledger.Commit(ctx, entry, transition.SideEffects); err != nil {
		p.ledger.Release(context.WithoutCancel(ctx), entry)
		return nil, err
	}

	result := metrics.ResultOK
	if !transition.Changed && len(transition.SideEffects) == 0 {
		result = metrics.ResultNoop
	}
	if ev.Type == domain.EventUnknown {
		p.log.Infow("Ignoring event of unknown type", "eventID", ev.ID, "providerType", ev.ProviderType)
	}
	p.metrics.IncEventApplied(string(ev.Type), result)
	p.log.Infow("Event applied",
		"eventID", ev.ID,
		"type", ev.Type,
		"source", ev.Source,
		"subscriberID", ev.SubscriberID,
		"previousStatus", previous.Status,
		"status", transition.Subscriber.Status,
		"entitled", transition.Subscriber.Entitled,
		"sideEffects", len(transition.SideEffects),
	)

	if transition.StatusChanged(previous) {
		p.publishStatus(ctx, ev, previous, transition.Subscriber)
	}
	p.dispatch(ctx, transition.SideEffects)

	return &Receipt{
		EventID:      ev.ID,
		SubscriberID: ev.SubscriberID,
		Outcome:      OutcomeApplied,
		Status:       transition.Subscriber.Status,
		Entitled:     transition.Subscriber.Entitled,
		SideEffects:  len(transition.SideEffects),
	}, nil
}

// applyWithRetry перечитывает подписчика и повторяет переход при конфликте версии.
func (p *Processor) applyWithRetry(ctx context.Context, ev *domain.Event) (domain.Subscriber, statemachine.Transition, error) {
	var (
		previous   domain.Subscriber
		transition statemachine.Transition
	)
	operation := func() error {
		current, err := p.store.GetSubscriber(ctx, ev.SubscriberID)
		if err != nil {
			return backoff.Permanent(err)
		}
		previous = *current
		if ev.ExpectedStatus != "" && current.Status != ev.ExpectedStatus {
			return backoff.Permanent(errStaleEvent)
		}
		transition = statemachine.Apply(*current, *ev, p.clock.Now())
		if !transition.Changed {
			return nil
		}

		next := transition.Subscriber
		if err := p.store.UpdateSubscriber(ctx, &next, current.Version); err != nil {
			if errors.Is(err, domain.ErrStateStoreConflict) {
				p.metrics.IncStateConflict()
				p.log.Debugw("Subscriber version conflict, retrying", "eventID", ev.ID, "subscriberID", ev.SubscriberID)
				return err
			}
			return backoff.Permanent(err)
		}
		transition.Subscriber = next
		return nil
	}

	err := backoff.Retry(operation, conflictBackOff(ctx, p.opts.ConflictRetries))
	return previous, transition, err
}

// abandon записывает событие как rejected, если его нельзя применить ни при какой повторной доставке.
func (p *Processor) abandon(ctx context.Context, entry *domain.LedgerEntry, ev *domain.Event, perr *domain.ParseError) (*Receipt, error) {
	if err := p.ledger.Abandon(ctx, entry, perr); err != nil {
		p.ledger.Release(context.WithoutCancel(ctx), entry)
		return nil, err
	}
	p.log.Warnw("Event rejected", "eventID", ev.ID, "kind", perr.Kind, "subscriberID", ev.SubscriberID, "error", perr.Error())
	p.metrics.IncEventApplied(string(ev.Type), string(OutcomeRejected))
	return receiptFromEntry(entry, OutcomeRejected), nil
}

// skipStale освобождает резервацию: следующий проход примет решение по свежему состоянию.
func (p *Processor) skipStale(ctx context.Context, entry *domain.LedgerEntry, ev *domain.Event, current domain.Subscriber) (*Receipt, error) {
	p.ledger.Release(context.WithoutCancel(ctx), entry)
	p.log.Infow("Skipping stale reconciliation event",
		"eventID", ev.ID,
		"subscriberID", ev.SubscriberID,
		"expectedStatus", ev.ExpectedStatus,
		"status", current.Status,
	)
	p.metrics.IncEventApplied(string(ev.Type), metrics.ResultSkipped)
	return &Receipt{
		EventID:      ev.ID,
		SubscriberID: ev.SubscriberID,
		Outcome:      OutcomeStale,
		Status:       current.Status,
		Entitled:     current.Entitled,
	}, nil
}

func (p *Processor) publishStatus(ctx context.Context, ev *domain.Event, previous, next domain.Subscriber) {
	if p.publisher == nil {
		return
	}
	change := domain.StatusChange{
		SubscriberID:   next.ID,
		PreviousStatus: previous.Status,
		Status:         next.Status,
		Entitled:       next.Entitled,
		EventID:        ev.ID,
		OccurredAt:     p.clock.Now(),
	}
	if err := p.publisher.PublishStatusChange(context.WithoutCancel(ctx), change); err != nil {
		p.log.Errorw("Failed to publish status change", "error", err, "eventID", ev.ID, "subscriberID", next.ID)
	}
}

func (p *Processor) dispatch(ctx context.Context, effects []domain.SideEffect) {
	if len(effects) == 0 || p.dispatcher == nil {
		return
	}
	if p.opts.AsyncDispatch {
		if accepted := p.dispatcher.Enqueue(effects...); accepted < len(effects) {
			p.log.Warnw("Side effects left pending for recovery", "accepted", accepted, "total", len(effects))
		}
		return
	}
	// Отказы уже залогированы и посчитаны диспетчером.
	p.dispatcher.DispatchAll(context.WithoutCancel(ctx), effects)
}

func (p *Processor) archivePayload(ctx context.Context, eventID string, raw []byte) {
	if p.archive == nil || eventID == "" {
		return
	}
	archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	if err := p.archive.Put(archiveCtx, eventID, raw, p.clock.Now()); err != nil {
		p.log.Warnw("Failed to archive webhook payload", "error", err, "eventID", eventID)
	}
}

func receiptFromEntry(entry *domain.LedgerEntry, outcome Outcome) *Receipt {
	return &Receipt{
		EventID:      entry.EventID,
		SubscriberID: entry.SubscriberID,
		Outcome:      outcome,
		Status:       entry.ResultStatus,
		Entitled:     entry.Entitled,
	}
}

// conflictBackOff короткая экспоненциальная задержка с ограничением числа попыток
func conflictBackOff(ctx context.Context, retries int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}
