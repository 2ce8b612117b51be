package metrics

import (
	"time"

	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Значения меток результата
const (
	ResultOK       = "ok"
	ResultFailed   = "failed"
	ResultSkipped  = "skipped"
	ResultNoop     = "noop"
	ResultDrift    = "drift"
	ResultAdvanced = "advanced"
	ResultRevoked  = "revoked"
)

// BillingMetrics интерфейс метрик сервиса
type BillingMetrics interface {
	IncWebhookRequest(outcome string)
	IncEventApplied(eventType, result string)
	IncSideEffect(kind, result string)
	ObserveReconcilePass(d time.Duration)
	IncReconcileItem(result string)
	IncStateConflict()
	SetDispatchQueueDepth(n int)
}

type billingMetrics struct {
	log                *logger.Logger
	webhookRequests    *prometheus.CounterVec
	eventsApplied      *prometheus.CounterVec
	sideEffects        *prometheus.CounterVec
	reconcileDuration  prometheus.Histogram
	reconcileItems     *prometheus.CounterVec
	stateConflicts     prometheus.Counter
	dispatchQueueDepth prometheus.Gauge
}

// NewRegistry создает реестр с метриками рантайма Go и процесса
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// NewBillingMetrics создает и регистрирует метрики
func NewBillingMetrics(registry *prometheus.Registry, log *logger.Logger) BillingMetrics {
	factory := promauto.With(registry)

	return &billingMetrics{
		log: log,
		webhookRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_webhook_requests_total",
				Help: "Webhook requests by outcome",
			},
			[]string{"outcome"},
		),
		eventsApplied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_events_applied_total",
				Help: "Events passed through the state machine by type and result",
			},
			[]string{"type", "result"},
		),
		sideEffects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_side_effects_total",
				Help: "Side effect dispatch attempts by kind and result",
			},
			[]string{"kind", "result"},
		),
		reconcileDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "billing_reconcile_pass_duration_seconds",
				Help:    "Duration of reconciliation passes",
				Buckets: prometheus.ExponentialBuckets(0.1, 4, 8), // 0.1s .. ~27m
			},
		),
		reconcileItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_reconcile_items_total",
				Help: "Subscribers handled by reconciliation by result",
			},
			[]string{"result"},
		),
		stateConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "billing_state_conflicts_total",
				Help: "Optimistic concurrency conflicts on subscriber writes",
			},
		),
		dispatchQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "billing_dispatch_queue_depth",
				Help: "Side effects waiting in the async dispatch queue",
			},
		),
	}
}

// IncWebhookRequest считает запрос вебхука
func (m *billingMetrics) IncWebhookRequest(outcome string) {
	m.webhookRequests.WithLabelValues(outcome).Inc()
}

// IncEventApplied считает событие
func (m *billingMetrics) IncEventApplied(eventType, result string) {
	m.eventsApplied.WithLabelValues(eventType, result).Inc()
}

// IncSideEffect считает попытку отправки эффекта
func (m *billingMetrics) IncSideEffect(kind, result string) {
	m.sideEffects.WithLabelValues(kind, result).Inc()
}

// ObserveReconcilePass записывает длительность прохода
func (m *billingMetrics) ObserveReconcilePass(d time.Duration) {
	m.reconcileDuration.Observe(d.Seconds())
}

// IncReconcileItem считает подписчика в проходе сверки
func (m *billingMetrics) IncReconcileItem(result string) {
	m.reconcileItems.WithLabelValues(result).Inc()
}

// IncStateConflict считает конфликт версии
func (m *billingMetrics) IncStateConflict() {
	m.stateConflicts.Inc()
}

// SetDispatchQueueDepth глубина очереди отправки
func (m *billingMetrics) SetDispatchQueueDepth(n int) {
	m.dispatchQueueDepth.Set(float64(n))
}

type nopMetrics struct{}

// NewNop метрики, которые ничего не делают
func NewNop() BillingMetrics { return nopMetrics{} }

func (nopMetrics) IncWebhookRequest(string)           {}
func (nopMetrics) IncEventApplied(string, string)     {}
func (nopMetrics) IncSideEffect(string, string)       {}
func (nopMetrics) ObserveReconcilePass(time.Duration) {}
func (nopMetrics) IncReconcileItem(string)            {}
func (nopMetrics) IncStateConflict()                  {}
func (nopMetrics) SetDispatchQueueDepth(int)          {}
