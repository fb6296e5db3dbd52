package session

import (
	"context"
	"errors"
	"time"

	"tableflow/internal/domain"
	"tableflow/internal/logger"
)

// connLostAfter is how many consecutive heartbeat misses put the client
// into the connection-lost state. Distinct from session expiry: the
// server may still consider the session live.
const connLostAfter = 3

// Runner drives a client's recurring heartbeat.
type Runner struct {
	Interval time.Duration
	Beat     func(ctx context.Context) error
	// OnConnLost fires once after connLostAfter consecutive misses.
	OnConnLost func()
	// OnRestored fires when a beat succeeds after connection loss.
	OnRestored func()
	Log        *logger.Logger
}

// Run beats until ctx is done. Returns domain.ErrSessionExpired when the
// server no longer knows the session; the caller must re-join.
func (r *Runner) Run(ctx context.Context) error {
	t := time.NewTicker(r.Interval)
	defer t.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			err := r.Beat(ctx)
			switch {
			case err == nil:
				if misses >= connLostAfter && r.OnRestored != nil {
					r.OnRestored()
				}
				misses = 0
			case errors.Is(err, domain.ErrSessionExpired):
				return domain.ErrSessionExpired
			default:
				misses++
				r.Log.Warn("heartbeat_missed", err, map[string]any{"consecutive": misses})
				if misses == connLostAfter && r.OnConnLost != nil {
					r.OnConnLost()
				}
			}
		}
	}
}
