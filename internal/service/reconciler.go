package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Dhoini/billing-sync/internal/clock"
	"github.com/Dhoini/billing-sync/internal/dispatcher"
	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/metrics"
	"github.com/Dhoini/billing-sync/internal/repository"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrPassInProgress проход сверки уже выполняется
var ErrPassInProgress = errors.New("reconciliation pass already in progress")

// reconcileNamespace пространство имен UUID v5 для синтетических событий
var reconcileNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("billing-sync/reconcile"))

const reconcileEventPrefix = "reconcile:"

// PassLock распределенная блокировка прохода (redis.RunLock).
// Пока проход идет, блокировка продлевается каждую треть TTL.
type PassLock interface {
	TryLock(ctx context.Context) (bool, error)
	Refresh(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
	TTL() time.Duration
}

// ErrPassLockLost блокировка истекла или перехвачена во время прохода
var ErrPassLockLost = errors.New("reconcile lock lost during pass")

// SchedulerOptions параметры сверки
type SchedulerOptions struct {
	// Interval период запуска. Кратный суткам интервал запускается в RunAt.
	Interval time.Duration
	// RunAt время суток запуска, HH:MM
	RunAt    string
	Timezone string

	BatchSize       int
	Concurrency     int
	ItemTimeout     time.Duration
	ConflictRetries int

	// DispatchRecoveryAfter возраст pending-эффектов, которые повторяются после прохода
	DispatchRecoveryAfter time.Duration

	// ProviderRPS ограничение запросов к провайдеру; 0 без ограничения
	ProviderRPS   float64
	ProviderBurst int
}

// SchedulerDeps зависимости планировщика. Provider, Dispatcher и Lock необязательны.
type SchedulerDeps struct {
	Store      repository.SubscriberStore
	Processor  *Processor
	Provider   ProviderClient
	Dispatcher *dispatcher.Dispatcher
	Lock       PassLock
	Clock      clock.Clock
	Metrics    metrics.BillingMetrics
}

// PassReport итог одного прохода сверки
type PassReport struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Scanned    int       `json:"scanned"`
	Advanced   int       `json:"advanced"`
	Drift      int       `json:"drift"`
	Revoked    int       `json:"revoked"`
	Noop       int       `json:"noop"`
	Failed     int       `json:"failed"`
	Resumed    int       `json:"resumed"`
	// Err ошибки отдельных подписчиков; проход от них не прерывается
	Err error `json:"-"`
}

func (r *PassReport) record(result string) {
	r.Scanned++
	switch result {
	case metrics.ResultAdvanced:
		r.Advanced++
	case metrics.ResultDrift:
		r.Drift++
	case metrics.ResultRevoked:
		r.Revoked++
	case metrics.ResultFailed:
		r.Failed++
	default:
		r.Noop++
	}
}

// Scheduler периодически сверяет локальные подписки с провайдером
type Scheduler struct {
	store      repository.SubscriberStore
	processor  *Processor
	provider   ProviderClient
	dispatcher *dispatcher.Dispatcher
	lock       PassLock
	limiter    *rate.Limiter
	clock      clock.Clock
	metrics    metrics.BillingMetrics
	opts       SchedulerOptions
	location   *time.Location
	runHour    int
	runMinute  int
	log        *logger.Logger

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler создает планировщик сверки
func NewScheduler(deps SchedulerDeps, opts SchedulerOptions, log *logger.Logger) (*Scheduler, error) {
	if opts.Interval <= 0 {
		opts.Interval = 24 * time.Hour
	}
	if opts.RunAt == "" {
		opts.RunAt = "03:00"
	}
	if opts.Timezone == "" {
		opts.Timezone = "UTC"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = 30 * time.Second
	}
	if opts.DispatchRecoveryAfter <= 0 {
		opts.DispatchRecoveryAfter = 10 * time.Minute
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}

	location, err := time.LoadLocation(opts.Timezone)
	if err != nil {
		return nil, fmt.Errorf("service: reconcile timezone %q: %w", opts.Timezone, err)
	}
	hour, minute, err := parseRunAt(opts.RunAt)
	if err != nil {
		return nil, err
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.ProviderRPS > 0 {
		burst := opts.ProviderBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.ProviderRPS), burst)
	}

	return &Scheduler{
		store:      deps.Store,
		processor:  deps.Processor,
		provider:   deps.Provider,
		dispatcher: deps.Dispatcher,
		lock:       deps.Lock,
		limiter:    limiter,
		clock:      deps.Clock,
		metrics:    deps.Metrics,
		opts:       opts,
		location:   location,
		runHour:    hour,
		runMinute:  minute,
		log:        log,
	}, nil
}

func parseRunAt(value string) (int, int, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("service: reconcile run_at %q: expected HH:MM", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("service: reconcile run_at %q: invalid hour", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("service: reconcile run_at %q: invalid minute", value)
	}
	return hour, minute, nil
}

// daily сообщает, что интервал кратен суткам и запуск привязан к RunAt
func (s *Scheduler) daily() bool {
	return s.opts.Interval%(24*time.Hour) == 0
}

// NextRun время первого запуска строго после now
func (s *Scheduler) NextRun(now time.Time) time.Time {
	if !s.daily() {
		return now.Add(s.opts.Interval)
	}
	local := now.In(s.location)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.runHour, s.runMinute, 0, 0, s.location)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next.UTC()
}

// following время запуска после previous, пропуская уже прошедшие
func (s *Scheduler) following(previous, now time.Time) time.Time {
	next := previous
	for !next.After(now) {
		if s.daily() {
			days := int(s.opts.Interval / (24 * time.Hour))
			local := next.In(s.location)
			// Дата в часовом поясе, чтобы переход на летнее время не сдвигал RunAt.
			next = time.Date(local.Year(), local.Month(), local.Day()+days, s.runHour, s.runMinute, 0, 0, s.location).UTC()
		} else {
			next = next.Add(s.opts.Interval)
		}
	}
	return next
}

// Start запускает цикл планировщика
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)
}

// Stop отменяет текущий проход и ждет завершения цикла
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info("Reconciliation scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	next := s.NextRun(s.clock.Now())
	s.log.Infow("Reconciliation scheduler started", "nextRun", next, "interval", s.opts.Interval, "timezone", s.opts.Timezone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(next.Sub(s.clock.Now())):
		}

		report, err := s.RunOnce(ctx)
		switch {
		case errors.Is(err, ErrPassInProgress):
			s.log.Warnw("Reconciliation pass skipped", "error", err)
		case err != nil:
			s.log.Errorw("Reconciliation pass failed", "error", err)
		case report.Err != nil:
			s.log.Warnw("Reconciliation pass finished with failures", "failed", report.Failed, "error", report.Err)
		}

		next = s.following(next, s.clock.Now())
		s.log.Debugw("Next reconciliation pass scheduled", "nextRun", next)
	}
}

// RunOnce выполняет один проход сверки по всем подписчикам к оплате.
// Сбой отдельного подписчика попадает в PassReport.Err и не прерывает проход.
func (s *Scheduler) RunOnce(ctx context.Context) (*PassReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrPassInProgress
	}
	defer s.running.Store(false)

	if s.lock != nil {
		locked, err := s.lock.TryLock(ctx)
		if err != nil {
			return nil, fmt.Errorf("service: acquire reconcile lock: %w", err)
		}
		if !locked {
			return nil, ErrPassInProgress
		}

		passCtx, abort := context.WithCancelCause(ctx)
		kept := make(chan struct{})
		go s.keepLock(passCtx, abort, kept)
		defer func() {
			abort(nil)
			<-kept
			if err := s.lock.Unlock(context.WithoutCancel(ctx)); err != nil {
				s.log.Errorw("Failed to release reconcile lock", "error", err)
			}
		}()
		ctx = passCtx
	}

	now := s.clock.Now()
	report := &PassReport{StartedAt: now}
	s.log.Infow("Reconciliation pass started", "now", now)

	var (
		mu     sync.Mutex
		result *multierror.Error
	)
	afterID := ""
	for {
		if ctx.Err() != nil {
			result = multierror.Append(result, context.Cause(ctx))
			break
		}
		page, err := s.store.ListDueSubscribers(ctx, now, afterID, s.opts.BatchSize)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("list due subscribers: %w", err))
			break
		}
		if len(page) == 0 {
			break
		}

		group, groupCtx := errgroup.WithContext(ctx)
		group.SetLimit(s.opts.Concurrency)
		for _, sub := range page {
			group.Go(func() error {
				outcome, err := s.reconcileItem(groupCtx, sub, now)
				s.metrics.IncReconcileItem(outcome)

				mu.Lock()
				defer mu.Unlock()
				report.record(outcome)
				if err != nil {
					result = multierror.Append(result, fmt.Errorf("subscriber %s: %w", sub.ID, err))
				}
				// Ошибка элемента не отменяет остальные.
				return nil
			})
		}
		_ = group.Wait()

		afterID = page[len(page)-1].ID
		if len(page) < s.opts.BatchSize {
			break
		}
	}

	if s.dispatcher != nil {
		resumed, err := s.dispatcher.ResumePending(ctx, s.opts.DispatchRecoveryAfter)
		report.Resumed = len(resumed)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("resume pending side effects: %w", err))
		}
	}

	report.FinishedAt = s.clock.Now()
	report.Err = result.ErrorOrNil()
	s.metrics.ObserveReconcilePass(report.FinishedAt.Sub(report.StartedAt))
	s.log.Infow("Reconciliation pass finished",
		"scanned", report.Scanned,
		"advanced", report.Advanced,
		"drift", report.Drift,
		"revoked", report.Revoked,
		"failed", report.Failed,
		"resumed", report.Resumed,
	)
	return report, nil
}

// keepLock продлевает блокировку, пока идет проход. Потеря блокировки
// прерывает проход с ErrPassLockLost.
func (s *Scheduler) keepLock(ctx context.Context, abort context.CancelCauseFunc, done chan<- struct{}) {
	defer close(done)

	interval := s.lock.TTL() / 3
	if interval <= 0 {
		interval = time.Minute
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(interval):
		}

		held, err := s.lock.Refresh(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			// Ключ еще жив до конца TTL; следующая попытка покажет, потерян ли он.
			s.log.Warnw("Failed to refresh reconcile lock", "error", err)
		case !held:
			s.log.Errorw("Reconcile lock lost, aborting pass")
			abort(ErrPassLockLost)
			return
		}
	}
}

// ReconcileSubscriber проверяет одного подписчика у провайдера по запросу.
func (s *Scheduler) ReconcileSubscriber(ctx context.Context, id string) (*domain.Subscriber, string, error) {
	sub, err := s.store.GetSubscriber(ctx, id)
	if err != nil {
		return nil, "", err
	}

	now := s.clock.Now()
	outcome := metrics.ResultNoop
	switch {
	case sub.GraceExpired(now):
		outcome, err = s.reconcileItem(ctx, *sub, now)
	case sub.ProviderSubscriptionID != "" && s.provider != nil:
		outcome, err = s.syncWithProvider(ctx, *sub, now, false)
	}
	s.metrics.IncReconcileItem(outcome)
	if err != nil {
		return nil, outcome, err
	}

	updated, err := s.store.GetSubscriber(ctx, id)
	if err != nil {
		return nil, outcome, err
	}
	return updated, outcome, nil
}

func (s *Scheduler) reconcileItem(ctx context.Context, sub domain.Subscriber, now time.Time) (string, error) {
	itemCtx, cancel := context.WithTimeout(ctx, s.opts.ItemTimeout)
	defer cancel()

	switch {
	case sub.GraceExpired(now):
		ev := s.syntheticEvent(sub, domain.StatusCanceled, *sub.PendingCancellationAt, now)
		ev.Cancellation = domain.CancelAtPeriodEnd
		receipt, err := s.processor.Process(itemCtx, ev)
		if err != nil {
			return metrics.ResultFailed, err
		}
		if receipt.Outcome == OutcomeStale {
			return metrics.ResultNoop, nil
		}
		return metrics.ResultRevoked, nil

	case sub.Status == domain.StatusActive:
		if s.provider == nil || sub.ProviderSubscriptionID == "" {
			return s.advance(itemCtx, sub.ID, nil, now)
		}
		return s.syncWithProvider(itemCtx, sub, now, true)
	}
	return metrics.ResultNoop, nil
}

// syncWithProvider сравнивает статус с провайдером. При расхождении синтезирует
// событие, при совпадении (если advanceDue) сдвигает дату следующего биллинга.
func (s *Scheduler) syncWithProvider(ctx context.Context, sub domain.Subscriber, now time.Time, advanceDue bool) (string, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return metrics.ResultFailed, err
	}

	remote, err := s.provider.GetSubscription(ctx, sub.ProviderSubscriptionID)
	if err != nil {
		var perr *domain.ProviderQueryError
		if !errors.As(err, &perr) {
			err = domain.NewProviderQueryError("provider", sub.ProviderSubscriptionID, 0, "get subscription", err)
		}
		s.log.Warnw("Provider query failed, subscriber stays due", "error", err, "subscriberID", sub.ID)
		return metrics.ResultFailed, err
	}

	if remote.Status != sub.Status {
		due := now
		if sub.NextBillingAt != nil {
			due = *sub.NextBillingAt
		}
		ev := s.syntheticEvent(sub, remote.Status, due, now)
		ev.ProviderSubscriptionID = remote.ID
		ev.PaymentMethod = remote.PaymentMethod
		if remote.Status == domain.StatusCanceled {
			if remote.CancelAtPeriodEnd {
				ev.Cancellation = domain.CancelAtPeriodEnd
				ev.PeriodEnd = remote.CurrentPeriodEnd
			} else {
				ev.Cancellation = domain.CancelImmediately
				ev.EffectiveAt = remote.CanceledAt
			}
		}
		if remote.Status == domain.StatusActive {
			ev.PeriodEnd = remote.CurrentPeriodEnd
		}
		ev.Payload, _ = json.Marshal(remote)

		s.log.Infow("Provider status drift", "subscriberID", sub.ID, "local", sub.Status, "provider", remote.Status, "eventID", ev.ID)
		receipt, err := s.processor.Process(ctx, ev)
		if err != nil {
			return metrics.ResultFailed, err
		}
		if receipt.Outcome == OutcomeStale {
			return metrics.ResultNoop, nil
		}
		return metrics.ResultDrift, nil
	}

	if !advanceDue {
		return metrics.ResultNoop, nil
	}
	return s.advance(ctx, sub.ID, remote.CurrentPeriodEnd, now)
}

// advance сдвигает NextBillingAt активного подписчика. Статус и доступ не меняются.
func (s *Scheduler) advance(ctx context.Context, id string, periodEnd *time.Time, now time.Time) (string, error) {
	outcome := metrics.ResultNoop
	operation := func() error {
		current, err := s.store.GetSubscriber(ctx, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		if current.Status != domain.StatusActive || (current.NextBillingAt != nil && current.NextBillingAt.After(now)) {
			outcome = metrics.ResultNoop
			return nil
		}

		next := current.Clone()
		switch {
		case periodEnd != nil && periodEnd.After(now):
			next.NextBillingAt = domain.TimePtr(*periodEnd)
		case current.NextBillingAt != nil:
			advanced := current.BillingInterval.Advance(*current.NextBillingAt)
			if !advanced.After(now) {
				advanced = current.BillingInterval.Advance(now)
			}
			next.NextBillingAt = domain.TimePtr(advanced)
		default:
			next.NextBillingAt = domain.TimePtr(current.BillingInterval.Advance(now))
		}
		next.UpdatedAt = now

		if err := s.store.UpdateSubscriber(ctx, &next, current.Version); err != nil {
			if errors.Is(err, domain.ErrStateStoreConflict) {
				s.metrics.IncStateConflict()
				return err
			}
			return backoff.Permanent(err)
		}
		s.log.Debugw("Advanced next billing date", "subscriberID", id, "nextBillingAt", next.NextBillingAt)
		outcome = metrics.ResultAdvanced
		return nil
	}

	if err := backoff.Retry(operation, conflictBackOff(ctx, s.opts.ConflictRetries)); err != nil {
		return metrics.ResultFailed, fmt.Errorf("advance billing date: %w", err)
	}
	return outcome, nil
}

// syntheticEvent событие сверки с детерминированным id: повторный проход по тому же
// расхождению в том же периоде дедуплицируется журналом. Событие применяется,
// только пока подписчик в статусе снимка.
func (s *Scheduler) syntheticEvent(sub domain.Subscriber, reported domain.SubscriptionStatus, due, now time.Time) *domain.Event {
	name := sub.ID + "|" + string(reported) + "|" + due.UTC().Format(time.RFC3339)
	return &domain.Event{
		ID:                     reconcileEventPrefix + uuid.NewSHA1(reconcileNamespace, []byte(name)).String(),
		Type:                   domain.EventStatusChanged,
		ProviderType:           "reconciliation",
		SubscriberID:           sub.ID,
		ProviderSubscriptionID: sub.ProviderSubscriptionID,
		ReportedStatus:         reported,
		OccurredAt:             now,
		ReceivedAt:             now,
		Source:                 domain.SourceReconciliation,
		ExpectedStatus:         sub.Status,
	}
}
