package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"tableflow/internal/config"
)

// Connect opens a pool and retries until the database is reachable or ctx
// is cancelled. The engine usually starts alongside postgres in compose.
func Connect(ctx context.Context, cfg config.Database) (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	const (
		maxRetries = 10
		retryDelay = 2 * time.Second
		pingTTL    = 5 * time.Second
	)

	var lastErr error
	for i := 1; i <= maxRetries; i++ {
		pool, err := pgxpool.New(ctx, dsn)
		if err == nil {
			pctx, cancel := context.WithTimeout(ctx, pingTTL)
			err = pool.Ping(pctx)
			cancel()
			if err == nil {
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return nil, fmt.Errorf("db connect canceled: %w", ctx.Err())
		}
	}
	return nil, fmt.Errorf("database unreachable after %d attempts: %w", maxRetries, lastErr)
}

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id            BIGSERIAL PRIMARY KEY,
	restaurant_id TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	total_amount  NUMERIC(10,2) NOT NULL DEFAULT 0,
	priority      INT NOT NULL DEFAULT 1,
	claimed_by    TEXT,
	claimed_at    TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_orders_active
	ON orders (restaurant_id, created_at)
	WHERE status NOT IN ('served','cancelled');

CREATE TABLE IF NOT EXISTS order_items (
	id           BIGSERIAL PRIMARY KEY,
	order_id     BIGINT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
	name         TEXT NOT NULL,
	quantity     INT NOT NULL,
	unit_price   NUMERIC(10,2) NOT NULL,
	instructions TEXT NOT NULL DEFAULT '',
	prep_status  TEXT NOT NULL DEFAULT 'queued'
);

CREATE TABLE IF NOT EXISTS order_status_log (
	id         BIGSERIAL PRIMARY KEY,
	order_id   BIGINT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
	status     TEXT NOT NULL,
	changed_by TEXT NOT NULL,
	override   BOOLEAN NOT NULL DEFAULT FALSE,
	changed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sessions (
	token         TEXT PRIMARY KEY,
	restaurant_id TEXT NOT NULL,
	display_name  TEXT NOT NULL,
	station       TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'active',
	last_seen     TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS session_claims (
	session_token TEXT NOT NULL REFERENCES sessions(token) ON DELETE CASCADE,
	order_id      BIGINT NOT NULL,
	claimed_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (session_token, order_id)
);
`

// Migrate applies the idempotent schema on startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
