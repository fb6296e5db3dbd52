package syncloop

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tableflow/internal/domain"
	"tableflow/internal/logger"
)

type fakeFetcher struct {
	mu     sync.Mutex
	orders []domain.Order
	fails  int
	count  atomic.Int32
}

func (f *fakeFetcher) FetchActive(context.Context) ([]domain.Order, error) {
	f.count.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return nil, errors.New("connection reset")
	}
	return append([]domain.Order(nil), f.orders...), nil
}

func (f *fakeFetcher) set(orders ...domain.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = orders
}

type snapCollector struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (c *snapCollector) take(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = append(c.snaps, s)
}

func (c *snapCollector) latest() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.snaps) == 0 {
		return Snapshot{}, false
	}
	return c.snaps[len(c.snaps)-1], true
}

func testLoop(f *fakeFetcher, c *snapCollector, debounce time.Duration) *Loop {
	lg := logger.NewWriter("syncloop-test", io.Discard)
	return New(f, debounce, c.take, lg)
}

func order(id int64, status domain.Status) domain.Order {
	return domain.Order{ID: id, RestaurantID: "resto-1", Status: status}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRun_InitialUnconditionalRefetch(t *testing.T) {
	f := &fakeFetcher{}
	f.set(order(1, domain.StatusPending))
	c := &snapCollector{}
	l := testLoop(f, c, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	waitFor(t, func() bool { return f.count.Load() >= 1 })
	waitFor(t, func() bool { _, ok := c.latest(); return ok })

	snap, _ := c.latest()
	require.Len(t, snap.Orders, 1)
	assert.True(t, snap.Orders[0].Confirmed)
}

func TestNotify_BurstCoalescesIntoOneRefetch(t *testing.T) {
	f := &fakeFetcher{}
	c := &snapCollector{}
	l := testLoop(f, c, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()
	waitFor(t, func() bool { return f.count.Load() == 1 })

	// a claim followed by its status change: five notifications inside
	// one debounce window
	for i := 0; i < 5; i++ {
		l.Notify()
		time.Sleep(2 * time.Millisecond)
	}
	waitFor(t, func() bool { return f.count.Load() == 2 })
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 2, f.count.Load())
}

func TestNotify_IdempotentToDuplicates(t *testing.T) {
	f := &fakeFetcher{}
	f.set(order(1, domain.StatusClaimed))
	c := &snapCollector{}
	l := testLoop(f, c, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()
	waitFor(t, func() bool { return f.count.Load() == 1 })

	// the same event redelivered twice, far apart: two refetches, same view
	l.Notify()
	waitFor(t, func() bool { return f.count.Load() == 2 })
	l.Notify()
	waitFor(t, func() bool { return f.count.Load() == 3 })

	snap, ok := c.latest()
	require.True(t, ok)
	require.Len(t, snap.Orders, 1)
	assert.Equal(t, domain.StatusClaimed, snap.Orders[0].Order.Status)
}

func TestRefetch_TransportErrorRetries(t *testing.T) {
	f := &fakeFetcher{fails: 2}
	f.set(order(1, domain.StatusPending))
	c := &snapCollector{}
	l := testLoop(f, c, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	// two failures, then the retry path converges on the good fetch
	waitFor(t, func() bool {
		snap, ok := c.latest()
		return ok && len(snap.Orders) == 1
	})
	assert.GreaterOrEqual(t, f.count.Load(), int32(3))
}

func TestOptimisticOverlay_MarkedPendingUntilServerAgrees(t *testing.T) {
	f := &fakeFetcher{}
	f.set(order(1, domain.StatusPending))
	c := &snapCollector{}
	l := testLoop(f, c, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()
	waitFor(t, func() bool { return f.count.Load() == 1 })

	// optimistic local update, server still says pending
	l.MarkPending(1, domain.StatusPreparing)
	snap, ok := c.latest()
	require.True(t, ok)
	require.Len(t, snap.Orders, 1)
	assert.Equal(t, domain.StatusPreparing, snap.Orders[0].Order.Status)
	assert.False(t, snap.Orders[0].Confirmed)

	// server catches up; the next refetch confirms and drops the overlay
	f.set(order(1, domain.StatusPreparing))
	l.Notify()
	waitFor(t, func() bool {
		snap, ok := c.latest()
		return ok && len(snap.Orders) == 1 && snap.Orders[0].Confirmed
	})
	snap, _ = c.latest()
	assert.Equal(t, domain.StatusPreparing, snap.Orders[0].Order.Status)
}

func TestOptimisticOverlay_RevertRollsBackToServerValue(t *testing.T) {
	f := &fakeFetcher{}
	f.set(order(1, domain.StatusPending))
	c := &snapCollector{}
	l := testLoop(f, c, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()
	waitFor(t, func() bool { return f.count.Load() == 1 })

	l.MarkPending(1, domain.StatusClaimed)
	l.Revert(1) // the write failed: back to the confirmed value

	waitFor(t, func() bool {
		snap, ok := c.latest()
		return ok && len(snap.Orders) == 1 &&
			snap.Orders[0].Confirmed &&
			snap.Orders[0].Order.Status == domain.StatusPending
	})
}
