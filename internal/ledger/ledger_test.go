package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Dhoini/billing-sync/internal/clock"
	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/Dhoini/billing-sync/internal/repository/memory"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func newTestLedger(opts Options) (*Ledger, *memory.Store, *clock.Fake) {
	store := memory.New()
	clk := clock.NewFake(start)
	return New(store, clk, opts, logger.NewNop()), store, clk
}

func event(id string) *domain.Event {
	return &domain.Event{ID: id, Type: domain.EventActivated, SubscriberID: "u-1", ReceivedAt: start}
}

func TestFreshThenAlreadyApplied(t *testing.T) {
	ctx := context.Background()
	l, store, _ := newTestLedger(Options{})

	res, err := l.CheckAndReserve(ctx, event("evt-1"))
	require.NoError(t, err)
	require.Equal(t, Fresh, res.Outcome)

	res.Entry.ResultStatus = domain.StatusActive
	res.Entry.Entitled = true
	effects := []domain.SideEffect{{EventID: "evt-1", Kind: domain.SendWelcomeEmail, SubscriberID: "u-1"}}
	require.NoError(t, l.Commit(ctx, res.Entry, effects))

	again, err := l.CheckAndReserve(ctx, event("evt-1"))
	require.NoError(t, err)
	assert.Equal(t, AlreadyApplied, again.Outcome)
	assert.Equal(t, domain.LedgerApplied, again.Entry.State)
	assert.Equal(t, domain.StatusActive, again.Entry.ResultStatus)
	assert.True(t, again.Entry.Entitled)

	rec, err := store.GetDispatch(ctx, "evt-1", domain.SendWelcomeEmail)
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchPending, rec.Status)
}

func TestInFlightTimesOut(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(Options{InflightWait: 100 * time.Millisecond})

	_, err := l.CheckAndReserve(ctx, event("evt-1"))
	require.NoError(t, err)

	_, err = l.CheckAndReserve(ctx, event("evt-1"))
	assert.ErrorIs(t, err, domain.ErrEventInFlight)
}

func TestWaiterSeesCommit(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(Options{InflightWait: 5 * time.Second})

	first, err := l.CheckAndReserve(ctx, event("evt-1"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(50 * time.Millisecond)
		first.Entry.ResultStatus = domain.StatusActive
		_ = l.Commit(ctx, first.Entry, nil)
	}()

	second, err := l.CheckAndReserve(ctx, event("evt-1"))
	wg.Wait()
	require.NoError(t, err)
	assert.Equal(t, AlreadyApplied, second.Outcome)
	assert.Equal(t, domain.StatusActive, second.Entry.ResultStatus)
}

func TestStaleReservationIsTakenOver(t *testing.T) {
	ctx := context.Background()
	l, store, clk := newTestLedger(Options{Lease: time.Minute, InflightWait: 100 * time.Millisecond})

	_, err := l.CheckAndReserve(ctx, event("evt-1"))
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	res, err := l.CheckAndReserve(ctx, event("evt-1"))
	require.NoError(t, err)
	assert.Equal(t, Fresh, res.Outcome)
	assert.Equal(t, start.Add(2*time.Minute), res.Entry.ReservedAt)

	stored, err := store.GetEntry(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, start.Add(2*time.Minute), stored.ReservedAt)

	// Третий вызов снова упирается в живую резервацию.
	_, err = l.CheckAndReserve(ctx, event("evt-1"))
	assert.ErrorIs(t, err, domain.ErrEventInFlight)
}

func TestReleaseAllowsImmediateRetry(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(Options{Lease: time.Hour, InflightWait: 100 * time.Millisecond})

	first, err := l.CheckAndReserve(ctx, event("evt-1"))
	require.NoError(t, err)
	l.Release(ctx, first.Entry)

	second, err := l.CheckAndReserve(ctx, event("evt-1"))
	require.NoError(t, err)
	assert.Equal(t, Fresh, second.Outcome)
}

func TestConcurrentReservationsYieldOneFresh(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(Options{InflightWait: 50 * time.Millisecond})

	const n = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		fresh    int
		inFlight int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.CheckAndReserve(ctx, event("evt-1"))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrEventInFlight)
				inFlight++
				return
			}
			if res.Outcome == Fresh {
				fresh++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fresh)
	assert.Equal(t, n-1, inFlight)
}

func TestReject(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(Options{})

	raw := []byte(`{"id":`)
	perr := domain.NewMalformedError("sha256:abc", "invalid JSON", nil)
	entry, created, err := l.Reject(ctx, raw, perr)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.LedgerRejected, entry.State)
	assert.Equal(t, string(domain.ParseMalformed), entry.ErrorKind)
	assert.Equal(t, domain.EventUnknown, entry.EventType)

	again, created, err := l.Reject(ctx, raw, perr)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, domain.LedgerRejected, again.State)

	res, err := l.CheckAndReserve(ctx, event("sha256:abc"))
	require.NoError(t, err)
	assert.Equal(t, AlreadyApplied, res.Outcome)
}

func TestAbandonRecordsRejection(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(Options{})

	res, err := l.CheckAndReserve(ctx, event("evt-9"))
	require.NoError(t, err)
	require.NoError(t, l.Abandon(ctx, res.Entry, domain.NewUnresolvedError("evt-9", domain.EventActivated, "subscriber deleted")))

	again, err := l.CheckAndReserve(ctx, event("evt-9"))
	require.NoError(t, err)
	assert.Equal(t, AlreadyApplied, again.Outcome)
	assert.Equal(t, domain.LedgerRejected, again.Entry.State)
	assert.Equal(t, string(domain.ParseUnresolvedSubscriber), again.Entry.ErrorKind)
}
