// Package syncloop keeps a client's order view consistent with
// authoritative state. Any change notification only schedules a debounced
// full refetch; deltas are never applied, so duplicate, reordered or lost
// notifications cannot make the view diverge for longer than one refetch.
package syncloop

import (
	"context"
	"sync"
	"time"

	"tableflow/internal/domain"
	"tableflow/internal/logger"
)

type Fetcher interface {
	FetchActive(ctx context.Context) ([]domain.Order, error)
}

// OrderView is one order as the client shows it. Confirmed is false while
// an optimistic local edit is overlaid on the authoritative value.
type OrderView struct {
	Order     domain.Order
	Confirmed bool
}

type Snapshot struct {
	Orders    []OrderView
	FetchedAt time.Time
}

type Loop struct {
	fetcher    Fetcher
	debounce   time.Duration
	onSnapshot func(Snapshot)
	lg         *logger.Logger

	notices chan struct{}

	mu      sync.Mutex
	overlay map[int64]domain.Status // optimistic status by order id
	last    []domain.Order
	lastAt  time.Time
}

func New(fetcher Fetcher, debounce time.Duration, onSnapshot func(Snapshot), lg *logger.Logger) *Loop {
	return &Loop{
		fetcher:    fetcher,
		debounce:   debounce,
		onSnapshot: onSnapshot,
		lg:         lg,
		notices:    make(chan struct{}, 1),
		overlay:    make(map[int64]domain.Status),
	}
}

// Notify schedules a debounced refetch. Non-blocking; a burst of
// notifications coalesces into one pending signal.
func (l *Loop) Notify() {
	select {
	case l.notices <- struct{}{}:
	default:
	}
}

// MarkPending overlays an optimistic status ahead of server confirmation
// and re-renders immediately. The overlay is dropped when a refetch shows
// the server agreeing, or explicitly via Resolve/Revert.
func (l *Loop) MarkPending(orderID int64, status domain.Status) {
	l.mu.Lock()
	l.overlay[orderID] = status
	l.mu.Unlock()
	l.emit()
}

// Resolve drops the overlay after the write was confirmed; the follow-up
// refetch replaces the view with the authoritative row.
func (l *Loop) Resolve(orderID int64) {
	l.mu.Lock()
	delete(l.overlay, orderID)
	l.mu.Unlock()
	l.Notify()
}

// Revert rolls back a failed or unknown-outcome write by dropping the
// overlay and refetching; the optimistic value is never merged into the
// authoritative model.
func (l *Loop) Revert(orderID int64) {
	l.mu.Lock()
	delete(l.overlay, orderID)
	l.mu.Unlock()
	l.emit()
	l.Notify()
}

// Run drains notifications with debounce until ctx is done. The initial
// load is an unconditional refetch; reconnecting callers just call Run
// again.
func (l *Loop) Run(ctx context.Context) error {
	l.refetch(ctx)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.notices:
			if timer == nil {
				timer = time.NewTimer(l.debounce)
				fire = timer.C
			}
			// an armed timer keeps its deadline: the window opens at the
			// first notification so a steady burst cannot starve refetch
		case <-fire:
			timer, fire = nil, nil
			l.refetch(ctx)
		}
	}
}

func (l *Loop) refetch(ctx context.Context) {
	orders, err := l.fetcher.FetchActive(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// transport errors are retried here, never at the mutation layer
		l.lg.Warn("refetch_failed", err, nil)
		l.Notify()
		return
	}

	l.mu.Lock()
	l.last = orders
	l.lastAt = time.Now().UTC()
	for id, status := range l.overlay {
		for _, o := range orders {
			if o.ID == id && o.Status == status {
				delete(l.overlay, id) // server caught up with the optimism
			}
		}
	}
	l.mu.Unlock()
	l.emit()
}

// emit builds the overlaid snapshot and hands it to the renderer.
func (l *Loop) emit() {
	l.mu.Lock()
	snap := Snapshot{FetchedAt: l.lastAt}
	for _, o := range l.last {
		view := OrderView{Order: o, Confirmed: true}
		if status, ok := l.overlay[o.ID]; ok {
			view.Order.Status = status
			view.Confirmed = false
		}
		snap.Orders = append(snap.Orders, view)
	}
	l.mu.Unlock()
	if l.onSnapshot != nil {
		l.onSnapshot(snap)
	}
}
