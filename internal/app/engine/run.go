// Package engine is the server side: the HTTP lifecycle API, the claim
// coordinator and the session expiry sweeper, all over postgres and
// rabbitmq.
package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"tableflow/internal/claim"
	"tableflow/internal/config"
	"tableflow/internal/httpx"
	"tableflow/internal/logger"
	"tableflow/internal/relay"
	"tableflow/internal/rules"
	"tableflow/internal/session"
	"tableflow/internal/storage"
)

// Run wires storage, messaging and the coordinator together and serves
// until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config, port int) error {
	lg := logger.New("engine-server")

	pool, err := storage.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	if err := storage.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	lg.Info("database_ready", map[string]any{"host": cfg.Database.Host})

	rly, err := relay.Dial(cfg.RabbitMQ, lg)
	if err != nil {
		return fmt.Errorf("connect rabbitmq: %w", err)
	}
	defer rly.Close()
	lg.Info("rabbitmq_ready", map[string]any{"host": cfg.RabbitMQ.Host})

	orders := storage.NewOrderStore(pool)
	sessionStore := storage.NewSessionStore(pool)
	tbl := rules.New(cfg.Engine.OrderFreezeAge)
	coord := claim.New(orders, sessionStore, rly, tbl, lg)
	sessions := session.NewManager(sessionStore, coord, rly, cfg.Engine.SessionExpiry, lg)

	h := NewHandler(orders, coord, sessions, tbl, rly, lg)
	srv := httpx.New(fmt.Sprintf(":%d", port), h.Router())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		lg.Info("server_listening", map[string]any{"port": port})
		return srv.Run(gctx)
	})
	g.Go(func() error {
		return sessions.RunSweeper(gctx, cfg.Engine.SweepInterval)
	})
	return g.Wait()
}
