package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Dhoini/billing-sync/internal/clock"
	"github.com/Dhoini/billing-sync/internal/dispatcher"
	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/envelope"
	"github.com/Dhoini/billing-sync/internal/ledger"
	"github.com/Dhoini/billing-sync/internal/metrics"
	"github.com/Dhoini/billing-sync/internal/repository/memory"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type sentNotification struct {
	Kind         domain.SideEffectKind
	SubscriberID string
	Fields       map[string]string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (n *recordingNotifier) Send(ctx context.Context, kind domain.SideEffectKind, subscriberID string, fields map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotification{Kind: kind, SubscriberID: subscriberID, Fields: fields})
	return nil
}

func (n *recordingNotifier) count(kind domain.SideEffectKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, s := range n.sent {
		if s.Kind == kind {
			total++
		}
	}
	return total
}

func (n *recordingNotifier) all() []sentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]sentNotification(nil), n.sent...)
}

type recordingPublisher struct {
	mu      sync.Mutex
	changes []domain.StatusChange
}

func (p *recordingPublisher) PublishStatusChange(ctx context.Context, change domain.StatusChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changes = append(p.changes, change)
	return nil
}

type recordingArchive struct {
	mu  sync.Mutex
	ids []string
}

func (a *recordingArchive) Put(ctx context.Context, eventID string, raw []byte, receivedAt time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, eventID)
	return nil
}

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) GetSubscription(ctx context.Context, id string) (*domain.ProviderSubscription, error) {
	args := m.Called(id)
	if sub := args.Get(0); sub != nil {
		return sub.(*domain.ProviderSubscription), args.Error(1)
	}
	return nil, args.Error(1)
}

type harness struct {
	store      *memory.Store
	clock      *clock.Fake
	notifier   *recordingNotifier
	publisher  *recordingPublisher
	archive    *recordingArchive
	ledger     *ledger.Ledger
	dispatcher *dispatcher.Dispatcher
	processor  *Processor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logger.NewNop()
	h := &harness{
		store:     memory.New(),
		clock:     clock.NewFake(start),
		notifier:  &recordingNotifier{},
		publisher: &recordingPublisher{},
		archive:   &recordingArchive{},
	}

	types, err := envelope.NewTypeTable(nil)
	require.NoError(t, err)

	h.ledger = ledger.New(h.store, h.clock, ledger.Options{InflightWait: 2 * time.Second}, log)
	h.dispatcher = dispatcher.New(h.store, h.notifier, h.clock, metrics.NewNop(), dispatcher.Options{}, log)
	h.processor = NewProcessor(ProcessorDeps{
		Store:      h.store,
		Ledger:     h.ledger,
		Parser:     envelope.NewParser(h.store, types, h.clock, log),
		Dispatcher: h.dispatcher,
		Publisher:  h.publisher,
		Archive:    h.archive,
		Clock:      h.clock,
		Metrics:    metrics.NewNop(),
	}, ProcessorOptions{ConflictRetries: 5}, log)
	return h
}

func (h *harness) scheduler(t *testing.T, provider ProviderClient, opts SchedulerOptions) *Scheduler {
	t.Helper()
	deps := SchedulerDeps{
		Store:      h.store,
		Processor:  h.processor,
		Dispatcher: h.dispatcher,
		Clock:      h.clock,
		Metrics:    metrics.NewNop(),
	}
	if provider != nil {
		deps.Provider = provider
	}
	s, err := NewScheduler(deps, opts, logger.NewNop())
	require.NoError(t, err)
	return s
}

func (h *harness) subscriber(t *testing.T, id, providerID string) {
	t.Helper()
	sub := domain.NewSubscriber(id, domain.IntervalMonth, h.clock.Now())
	sub.ProviderSubscriptionID = providerID
	require.NoError(t, h.store.CreateSubscriber(context.Background(), sub))
}

// activeSubscriber создает активного подписчика со сроком оплаты nextBilling
func (h *harness) activeSubscriber(t *testing.T, id, providerID string, nextBilling time.Time) {
	t.Helper()
	ctx := context.Background()
	h.subscriber(t, id, providerID)
	sub, err := h.store.GetSubscriber(ctx, id)
	require.NoError(t, err)
	sub.Status = domain.StatusActive
	sub.Entitled = true
	sub.NextBillingAt = domain.TimePtr(nextBilling)
	require.NoError(t, h.store.UpdateSubscriber(ctx, sub, sub.Version))
}

func (h *harness) get(t *testing.T, id string) *domain.Subscriber {
	t.Helper()
	sub, err := h.store.GetSubscriber(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func activatedBody(eventID, subscriberID string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":"subscription.activated","data":{"custom_data":{"subscriber_id":%q},"status":"active"}}`, eventID, subscriberID))
}

func canceledAtPeriodEndBody(eventID, subscriberID string, periodEnd time.Time) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":"subscription.canceled","data":{"custom_data":{"subscriber_id":%q},"cancel_at_period_end":true,"current_period_end":%q}}`,
		eventID, subscriberID, periodEnd.Format(time.RFC3339)))
}

func paymentFailedBody(eventID, subscriberID string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"type":"invoice.payment_failed","data":{"custom_data":{"subscriber_id":%q}}}`, eventID, subscriberID))
}
