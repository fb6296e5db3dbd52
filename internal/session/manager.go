// Package session tracks live kitchen workers: join/leave, heartbeat
// liveness, and the background expiry sweep that releases whatever a
// crashed client left claimed.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tableflow/internal/domain"
	"tableflow/internal/logger"
)

type Store interface {
	Create(ctx context.Context, s domain.Session) error
	// Get returns domain.ErrSessionExpired for an unknown token.
	Get(ctx context.Context, token string) (domain.Session, error)
	// Touch refreshes liveness; domain.ErrSessionExpired when the session
	// was already swept.
	Touch(ctx context.Context, token string, at time.Time) error
	SetStatus(ctx context.Context, token string, status domain.SessionStatus) error
	Delete(ctx context.Context, token string) error
	// ListExpired re-reads the stored liveness timestamp at sweep time.
	ListExpired(ctx context.Context, olderThan time.Time) ([]domain.Session, error)
}

// Releaser is the slice of the claim coordinator the manager needs to
// hand orders back when a session ends.
type Releaser interface {
	ReleaseAllHeld(ctx context.Context, sess domain.Session) int
}

type Publisher interface {
	Publish(ctx context.Context, ev domain.ChangeEvent) error
}

type Manager struct {
	store  Store
	orders Releaser
	pub    Publisher
	expiry time.Duration
	lg     *logger.Logger
	now    func() time.Time
}

func NewManager(store Store, orders Releaser, pub Publisher, expiry time.Duration, lg *logger.Logger) *Manager {
	return &Manager{store: store, orders: orders, pub: pub, expiry: expiry, lg: lg, now: time.Now}
}

// Join starts a shift: a fresh token, status active, liveness now.
func (m *Manager) Join(ctx context.Context, restaurantID, displayName, station string) (domain.Session, error) {
	if restaurantID == "" || displayName == "" {
		return domain.Session{}, fmt.Errorf("restaurant id and display name are required")
	}
	now := m.now().UTC()
	sess := domain.Session{
		Token:        uuid.NewString(),
		RestaurantID: restaurantID,
		DisplayName:  displayName,
		Station:      station,
		Status:       domain.SessionActive,
		LastSeen:     now,
		CreatedAt:    now,
	}
	if err := m.store.Create(ctx, sess); err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}
	m.publish(ctx, sess, domain.EventJoined)
	m.lg.Info("worker_joined", map[string]any{"session": sess.Token, "name": displayName, "station": station})
	return sess, nil
}

func (m *Manager) Get(ctx context.Context, token string) (domain.Session, error) {
	return m.store.Get(ctx, token)
}

// Heartbeat refreshes liveness. ErrSessionExpired means the session was
// swept; the caller must treat it as a forced logout and re-join.
func (m *Manager) Heartbeat(ctx context.Context, token string) error {
	return m.store.Touch(ctx, token, m.now().UTC())
}

func (m *Manager) SetStatus(ctx context.Context, token string, status domain.SessionStatus) error {
	if !status.Valid() {
		return fmt.Errorf("unknown session status %q", status)
	}
	return m.store.SetStatus(ctx, token, status)
}

// Leave releases every held order (best-effort, one release per order)
// and deletes the session. Partial release failures are logged, not
// fatal: orphaned claims are caught by the sweep's claimant predicate.
func (m *Manager) Leave(ctx context.Context, token string) error {
	sess, err := m.store.Get(ctx, token)
	if err != nil {
		return err
	}
	if n := m.orders.ReleaseAllHeld(ctx, sess); n != len(sess.Claimed) {
		m.lg.Warn("leave_partial_release", nil, map[string]any{
			"session": token, "held": len(sess.Claimed), "released": n,
		})
	}
	if err := m.store.Delete(ctx, token); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	m.publish(ctx, sess, domain.EventLeft)
	m.lg.Info("worker_left", map[string]any{"session": token})
	return nil
}

// ExpirySweep removes sessions whose heartbeat is stale beyond the
// threshold and releases every order they held. The safety net against
// clients that never called Leave.
func (m *Manager) ExpirySweep(ctx context.Context) (int, error) {
	cutoff := m.now().UTC().Add(-m.expiry)
	stale, err := m.store.ListExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}
	for _, sess := range stale {
		released := m.orders.ReleaseAllHeld(ctx, sess)
		if err := m.store.Delete(ctx, sess.Token); err != nil {
			m.lg.Error("expired_session_delete_failed", err, map[string]any{"session": sess.Token})
			continue
		}
		m.publish(ctx, sess, domain.EventExpired)
		m.lg.Info("session_expired", map[string]any{
			"session": sess.Token, "name": sess.DisplayName, "orders_released": released,
		})
	}
	return len(stale), nil
}

// RunSweeper runs ExpirySweep on a ticker until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := m.ExpirySweep(ctx); err != nil {
				m.lg.Error("expiry_sweep_failed", err, nil)
			}
		}
	}
}

func (m *Manager) publish(ctx context.Context, sess domain.Session, event string) {
	ev := domain.ChangeEvent{
		Table:        domain.TableSessions,
		EventType:    event,
		RestaurantID: sess.RestaurantID,
		OccurredAt:   m.now().UTC(),
	}
	if err := m.pub.Publish(ctx, ev); err != nil {
		m.lg.Warn("session_publish_failed", err, map[string]any{"event": event})
	}
}
