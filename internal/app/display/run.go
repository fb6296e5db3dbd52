// Package display is the kitchen-side client: it joins a session, keeps
// it alive with heartbeats, subscribes to change notifications and keeps
// an order board in sync through debounced refetches.
package display

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tableflow/internal/config"
	"tableflow/internal/domain"
	"tableflow/internal/logger"
	"tableflow/internal/relay"
	"tableflow/internal/session"
	"tableflow/internal/syncloop"
)

type Options struct {
	EngineURL    string
	RestaurantID string
	DisplayName  string
	Station      string
	// Cook simulates a worker: claim the oldest pending order, prepare
	// it, mark it ready.
	Cook bool
}

// Run drives the display until ctx is cancelled or the session expires.
func Run(ctx context.Context, cfg *config.Config, opts Options) error {
	lg := logger.New("kitchen-display")

	client := NewAPIClient(opts.EngineURL, cfg.Engine.RequestTimeout)
	sess, err := client.Join(ctx, opts.RestaurantID, opts.DisplayName, opts.Station)
	if err != nil {
		return err
	}
	lg.Info("joined_kitchen", map[string]any{"session": sess.Token, "name": opts.DisplayName})
	defer func() {
		lctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Leave(lctx); err != nil {
			lg.Warn("leave_failed", err, nil)
		}
	}()

	board := &board{lg: lg}
	loop := syncloop.New(client, cfg.Engine.DebounceWindow, board.render, lg)

	rly, err := relay.Dial(cfg.RabbitMQ, lg)
	if err != nil {
		return err
	}
	defer rly.Close()

	g, gctx := errgroup.WithContext(ctx)

	events, err := rly.Subscribe(gctx, opts.RestaurantID)
	if err != nil {
		return err
	}
	g.Go(func() error {
		// events are triggers only; the refetch is the source of truth
		for range events {
			loop.Notify()
		}
		return nil
	})

	g.Go(func() error { return loop.Run(gctx) })

	runner := &session.Runner{
		Interval: cfg.Engine.HeartbeatInterval,
		Beat:     client.Heartbeat,
		OnConnLost: func() {
			lg.Warn("connection_lost", nil, nil)
			board.setStale(true)
		},
		OnRestored: func() {
			lg.Info("connection_restored", nil)
			board.setStale(false)
			loop.Notify()
		},
		Log: lg,
	}
	g.Go(func() error { return runner.Run(gctx) })

	if opts.Cook {
		cook := &cook{client: client, loop: loop, board: board, lg: lg}
		g.Go(func() error { return cook.run(gctx) })
	}

	err = g.Wait()
	if errors.Is(err, domain.ErrSessionExpired) {
		lg.Error("session_expired", err, map[string]any{"session": sess.Token})
	}
	return err
}

// board renders snapshots to the structured log and remembers the latest
// one for the cook.
type board struct {
	lg    *logger.Logger
	mu    sync.Mutex
	last  syncloop.Snapshot
	stale bool
}

func (b *board) render(s syncloop.Snapshot) {
	b.mu.Lock()
	b.last = s
	stale := b.stale
	b.mu.Unlock()

	counts := map[domain.Status]int{}
	unconfirmed := 0
	for _, v := range s.Orders {
		counts[v.Order.Status]++
		if !v.Confirmed {
			unconfirmed++
		}
	}
	b.lg.Info("board_updated", map[string]any{
		"orders":      len(s.Orders),
		"pending":     counts[domain.StatusPending],
		"claimed":     counts[domain.StatusClaimed],
		"preparing":   counts[domain.StatusPreparing],
		"ready":       counts[domain.StatusReady],
		"unconfirmed": unconfirmed,
		"stale":       stale,
	})
}

func (b *board) setStale(v bool) {
	b.mu.Lock()
	b.stale = v
	b.mu.Unlock()
}

func (b *board) snapshot() syncloop.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

func (b *board) isStale() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stale
}

// cook is the simulated worker: serve whatever is ready, else take the
// oldest pending order. Losing a claim race is routine; the refetch
// heals the board.
type cook struct {
	client *APIClient
	loop   *syncloop.Loop
	board  *board
	lg     *logger.Logger
}

const prepTime = 4 * time.Second

func (c *cook) run(ctx context.Context) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if c.board.isStale() {
				continue
			}
			var err error
			if ready, ok := c.pickByStatus(domain.StatusReady); ok {
				err = c.serve(ctx, ready)
			} else if pending, ok := c.pickByStatus(domain.StatusPending); ok {
				err = c.prepare(ctx, pending)
			}
			if errors.Is(err, domain.ErrSessionExpired) {
				return err
			}
		}
	}
}

// pickByStatus picks the oldest confirmed order in the given state.
// Unconfirmed rows are someone's in-flight optimism, not a work target.
func (c *cook) pickByStatus(status domain.Status) (int64, bool) {
	snap := c.board.snapshot()
	for _, v := range snap.Orders {
		if v.Confirmed && v.Order.Status == status {
			return v.Order.ID, true
		}
	}
	return 0, false
}

// serve completes a ready order. Ownership does not matter here; any
// staff may serve a ready plate.
func (c *cook) serve(ctx context.Context, orderID int64) error {
	c.loop.MarkPending(orderID, domain.StatusServed)
	if _, err := c.client.MarkServed(ctx, orderID); err != nil {
		c.loop.Revert(orderID)
		c.lg.Warn("serve_failed", err, map[string]any{"order_id": orderID})
		return err
	}
	c.loop.Resolve(orderID)
	c.lg.Info("order_served", map[string]any{"order_id": orderID})
	return nil
}

func (c *cook) prepare(ctx context.Context, orderID int64) error {
	c.loop.MarkPending(orderID, domain.StatusPreparing)
	if _, err := c.client.StartPreparing(ctx, orderID); err != nil {
		c.loop.Revert(orderID)
		if errors.Is(err, domain.ErrAlreadyClaimed) {
			c.lg.Debug("claim_lost", map[string]any{"order_id": orderID})
			return nil
		}
		c.lg.Warn("start_failed", err, map[string]any{"order_id": orderID})
		return err
	}
	c.loop.Resolve(orderID)
	c.lg.Info("cooking", map[string]any{"order_id": orderID})

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(prepTime):
	}

	c.loop.MarkPending(orderID, domain.StatusReady)
	if _, err := c.client.MarkReady(ctx, orderID); err != nil {
		c.loop.Revert(orderID)
		c.lg.Warn("ready_failed", err, map[string]any{"order_id": orderID})
		return err
	}
	c.loop.Resolve(orderID)
	c.lg.Info("order_ready", map[string]any{"order_id": orderID})
	return nil
}
