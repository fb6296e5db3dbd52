package session

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tableflow/internal/claim"
	"tableflow/internal/domain"
	"tableflow/internal/logger"
	"tableflow/internal/rules"
	"tableflow/internal/storage/memory"
)

const resto = "resto-1"

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, domain.ChangeEvent) error { return nil }

type fixture struct {
	orders   *memory.Orders
	sessions *memory.Sessions
	coord    *claim.Coordinator
	mgr      *Manager
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		orders:   memory.NewOrders(),
		sessions: memory.NewSessions(),
	}
	lg := logger.NewWriter("session-test", io.Discard)
	f.coord = claim.New(f.orders, f.sessions, nopPublisher{}, rules.New(24*time.Hour), lg)
	f.mgr = NewManager(f.sessions, f.coord, nopPublisher{}, 5*time.Minute, lg)
	return f
}

func TestJoin_CreatesActiveSession(t *testing.T) {
	f := setup(t)
	sess, err := f.mgr.Join(context.Background(), resto, "alice", "grill")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Token)
	assert.Equal(t, domain.SessionActive, sess.Status)
	assert.Equal(t, "grill", sess.Station)
	assert.True(t, sess.CanClaim())
}

func TestJoin_RequiresNameAndRestaurant(t *testing.T) {
	f := setup(t)
	_, err := f.mgr.Join(context.Background(), "", "alice", "")
	assert.Error(t, err)
	_, err = f.mgr.Join(context.Background(), resto, "", "")
	assert.Error(t, err)
}

func TestHeartbeat_UnknownSessionIsForcedLogout(t *testing.T) {
	f := setup(t)
	err := f.mgr.Heartbeat(context.Background(), "swept-away")
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
}

func TestLeave_ReleasesEveryHeldOrder(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sess, err := f.mgr.Join(ctx, resto, "alice", "")
	require.NoError(t, err)

	o, err := f.orders.Create(ctx, domain.Order{RestaurantID: resto, Status: domain.StatusPending})
	require.NoError(t, err)
	_, err = f.coord.StartPreparing(ctx, o.ID, sess.Token)
	require.NoError(t, err)

	require.NoError(t, f.mgr.Leave(ctx, sess.Token))

	got, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Nil(t, got.ClaimedBy)

	_, err = f.sessions.Get(ctx, sess.Token)
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
}

func TestExpirySweep_ReleasesDeadSessionsOrders(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	stale, err := f.mgr.Join(ctx, resto, "alice", "")
	require.NoError(t, err)
	fresh, err := f.mgr.Join(ctx, resto, "bob", "")
	require.NoError(t, err)

	o, err := f.orders.Create(ctx, domain.Order{RestaurantID: resto, Status: domain.StatusPending})
	require.NoError(t, err)
	_, err = f.coord.StartPreparing(ctx, o.ID, stale.Token)
	require.NoError(t, err)

	// alice's display crashed six minutes ago; bob keeps beating
	require.NoError(t, f.sessions.Touch(ctx, stale.Token, time.Now().UTC().Add(-6*time.Minute)))
	require.NoError(t, f.mgr.Heartbeat(ctx, fresh.Token))

	n, err := f.mgr.ExpirySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// no order is left permanently claimed by a dead session
	got, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Nil(t, got.ClaimedBy)

	_, err = f.sessions.Get(ctx, stale.Token)
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
	_, err = f.sessions.Get(ctx, fresh.Token)
	assert.NoError(t, err)
}

func TestExpirySweep_HeartbeatRaceResolvedAtSweepTime(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sess, err := f.mgr.Join(ctx, resto, "alice", "")
	require.NoError(t, err)

	// stale when the sweep was scheduled, refreshed just before it runs:
	// the sweep re-reads last_seen and must keep the session
	require.NoError(t, f.sessions.Touch(ctx, sess.Token, time.Now().UTC().Add(-10*time.Minute)))
	require.NoError(t, f.mgr.Heartbeat(ctx, sess.Token))

	n, err := f.mgr.ExpirySweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunner_ConnLostAfterThreeMissesThenRestored(t *testing.T) {
	lg := logger.NewWriter("runner-test", io.Discard)

	beats := 0
	lost := 0
	restored := 0
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		Interval: time.Millisecond,
		Beat: func(context.Context) error {
			beats++
			if beats <= 3 {
				return errors.New("connection refused")
			}
			if beats == 4 {
				return nil
			}
			cancel()
			return nil
		},
		OnConnLost: func() { lost++ },
		OnRestored: func() { restored++ },
		Log:        lg,
	}

	require.NoError(t, r.Run(ctx))
	assert.Equal(t, 1, lost, "connection-lost fires once, on the third consecutive miss")
	assert.Equal(t, 1, restored)
}

func TestRunner_SessionExpiredStopsTheRunner(t *testing.T) {
	lg := logger.NewWriter("runner-test", io.Discard)
	r := &Runner{
		Interval: time.Millisecond,
		Beat:     func(context.Context) error { return domain.ErrSessionExpired },
		Log:      lg,
	}
	err := r.Run(context.Background())
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
}
