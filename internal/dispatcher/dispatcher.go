package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/Dhoini/billing-sync/internal/clock"
	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/metrics"
	"github.com/Dhoini/billing-sync/internal/repository"
	"github.com/Dhoini/billing-sync/pkg/logger"
)

const (
	resumeBatchSize  = 100
	maxResumeBatches = 50
)

// Notifier внешний отправитель уведомлений (email-сервис)
type Notifier interface {
	Send(ctx context.Context, kind domain.SideEffectKind, subscriberID string, fields map[string]string) error
}

// Result итог отправки одного эффекта
type Result struct {
	Effect     domain.SideEffect
	Dispatched bool
	// Skipped эффект уже был захвачен ранее
	Skipped bool
	Err     error
}

// Options параметры пула отправки
type Options struct {
	Workers     int
	QueueSize   int
	SendTimeout time.Duration
}

// Dispatcher отправляет побочные эффекты
type Dispatcher struct {
	store    repository.DispatchStore
	notifier Notifier
	clock    clock.Clock
	metrics  metrics.BillingMetrics
	opts     Options
	log      *logger.Logger

	queue   chan domain.SideEffect
	wg      sync.WaitGroup
	mu      sync.RWMutex
	started bool
	closed  bool
}

// New создает диспетчер. Воркеры запускаются через Start.
func New(store repository.DispatchStore, notifier Notifier, clk clock.Clock, m metrics.BillingMetrics, opts Options, log *logger.Logger) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Dispatcher{
		store:    store,
		notifier: notifier,
		clock:    clk,
		metrics:  m,
		opts:     opts,
		log:      log,
		queue:    make(chan domain.SideEffect, opts.QueueSize),
	}
}

// Dispatch захватывает эффект и отправляет его. Уже захваченный эффект
// пропускается без ошибки.
func (d *Dispatcher) Dispatch(ctx context.Context, effect domain.SideEffect) Result {
	result := Result{Effect: effect}
	kind := string(effect.Kind)

	claimed, err := d.store.ClaimDispatch(ctx, effect, d.clock.Now())
	if err != nil {
		d.log.Errorw("Failed to claim side effect", "error", err, "eventID", effect.EventID, "kind", kind)
		d.metrics.IncSideEffect(kind, metrics.ResultFailed)
		result.Err = &domain.DispatchError{EventID: effect.EventID, Kind: effect.Kind, OriginalErr: err}
		return result
	}
	if !claimed {
		d.log.Debugw("Side effect already dispatched", "eventID", effect.EventID, "kind", kind)
		d.metrics.IncSideEffect(kind, metrics.ResultSkipped)
		result.Skipped = true
		return result
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	sendErr := d.notifier.Send(sendCtx, effect.Kind, effect.SubscriberID, effect.Context)
	cancel()

	status, lastError := domain.DispatchSent, ""
	if sendErr != nil {
		status, lastError = domain.DispatchFailed, sendErr.Error()
	}
	// Итог пишется даже если запрос уже отменен.
	if err := d.store.FinishDispatch(context.WithoutCancel(ctx), effect, status, lastError, d.clock.Now()); err != nil {
		d.log.Errorw("Failed to record side effect outcome", "error", err, "eventID", effect.EventID, "kind", kind, "status", status)
	}

	if sendErr != nil {
		d.log.Errorw("Side effect dispatch failed", "error", sendErr, "eventID", effect.EventID, "kind", kind, "subscriberID", effect.SubscriberID)
		d.metrics.IncSideEffect(kind, metrics.ResultFailed)
		result.Err = &domain.DispatchError{EventID: effect.EventID, Kind: effect.Kind, OriginalErr: sendErr}
		return result
	}

	d.log.Infow("Side effect dispatched", "eventID", effect.EventID, "kind", kind, "subscriberID", effect.SubscriberID)
	d.metrics.IncSideEffect(kind, metrics.ResultOK)
	result.Dispatched = true
	return result
}

// DispatchAll синхронно отправляет эффекты по порядку
func (d *Dispatcher) DispatchAll(ctx context.Context, effects []domain.SideEffect) []Result {
	results := make([]Result, 0, len(effects))
	for _, effect := range effects {
		results = append(results, d.Dispatch(ctx, effect))
	}
	return results
}

// Start запускает воркеры
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true

	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.log.Infow("Side effect dispatcher started", "workers", d.opts.Workers, "queueSize", d.opts.QueueSize)
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for effect := range d.queue {
		d.metrics.SetDispatchQueueDepth(len(d.queue))
		d.Dispatch(context.Background(), effect)
	}
	d.log.Debugw("Dispatch worker stopped", "worker", id)
}

// Enqueue ставит эффекты в очередь без блокировки. Возвращает число принятых.
// Не принятые эффекты остаются в pending и подбираются ResumePending.
func (d *Dispatcher) Enqueue(effects ...domain.SideEffect) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return 0
	}

	accepted := 0
	for _, effect := range effects {
		select {
		case d.queue <- effect:
			accepted++
		default:
			d.log.Warnw("Dispatch queue is full, leaving side effect pending", "eventID", effect.EventID, "kind", effect.Kind)
		}
	}
	d.metrics.SetDispatchQueueDepth(len(d.queue))
	return accepted
}

// Stop закрывает очередь и ждет, пока воркеры отправят принятое
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if started {
		d.wg.Wait()
	}
	d.log.Info("Side effect dispatcher stopped")
}

// ResumePending повторяет эффекты, оставшиеся в pending дольше olderThan.
// Эффекты в sending не повторяются: доставка не более одного раза.
func (d *Dispatcher) ResumePending(ctx context.Context, olderThan time.Duration) ([]Result, error) {
	cutoff := d.clock.Now().Add(-olderThan)

	var results []Result
	for batch := 0; batch < maxResumeBatches; batch++ {
		pending, err := d.store.ListPendingDispatches(ctx, cutoff, resumeBatchSize)
		if err != nil {
			return results, err
		}
		if len(pending) == 0 {
			break
		}
		for _, effect := range pending {
			results = append(results, d.Dispatch(ctx, effect))
		}
		if len(pending) < resumeBatchSize {
			break
		}
	}
	if len(results) > 0 {
		d.log.Infow("Resumed pending side effects", "count", len(results))
	}
	return results, nil
}
