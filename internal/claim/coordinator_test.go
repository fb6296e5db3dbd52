package claim

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tableflow/internal/domain"
	"tableflow/internal/logger"
	"tableflow/internal/rules"
	"tableflow/internal/storage/memory"
)

const resto = "resto-1"

type capturedEvents struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
}

func (p *capturedEvents) Publish(_ context.Context, ev domain.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturedEvents) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		out = append(out, ev.EventType)
	}
	return out
}

type fixture struct {
	orders   *memory.Orders
	sessions *memory.Sessions
	pub      *capturedEvents
	coord    *Coordinator
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		orders:   memory.NewOrders(),
		sessions: memory.NewSessions(),
		pub:      &capturedEvents{},
	}
	lg := logger.NewWriter("claim-test", io.Discard)
	f.coord = New(f.orders, f.sessions, f.pub, rules.New(24*time.Hour), lg)
	return f
}

func (f *fixture) newSession(t *testing.T, token string) domain.Session {
	t.Helper()
	sess := domain.Session{
		Token:        token,
		RestaurantID: resto,
		DisplayName:  "worker-" + token,
		Status:       domain.SessionActive,
		LastSeen:     time.Now().UTC(),
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, f.sessions.Create(context.Background(), sess))
	return sess
}

func (f *fixture) newOrder(t *testing.T, restaurantID string) domain.Order {
	t.Helper()
	o, err := f.orders.Create(context.Background(), domain.Order{
		RestaurantID: restaurantID,
		Status:       domain.StatusPending,
		TotalAmount:  42.50,
	})
	require.NoError(t, err)
	return o
}

func TestClaim_Succeeds(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.newSession(t, "sess-a")
	o := f.newOrder(t, resto)

	got, err := f.coord.Claim(ctx, o.ID, "sess-a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClaimed, got.Status)
	require.NotNil(t, got.ClaimedBy)
	assert.Equal(t, "sess-a", *got.ClaimedBy)

	sess, err := f.sessions.Get(ctx, "sess-a")
	require.NoError(t, err)
	assert.Equal(t, []int64{o.ID}, sess.Claimed)

	assert.Contains(t, f.pub.types(), domain.EventClaimed)
}

func TestClaim_RaceExactlyOneWinner(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.newSession(t, "sess-a")
	f.newSession(t, "sess-b")
	o := f.newOrder(t, resto)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, token := range []string{"sess-a", "sess-b"} {
		wg.Add(1)
		go func(i int, token string) {
			defer wg.Done()
			_, errs[i] = f.coord.Claim(ctx, o.ID, token)
		}(i, token)
	}
	wg.Wait()

	wins, losses := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case assert.ErrorIs(t, err, domain.ErrAlreadyClaimed):
			losses++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, losses)
}

func TestClaim_SessionExpired(t *testing.T) {
	f := setup(t)
	o := f.newOrder(t, resto)
	_, err := f.coord.Claim(context.Background(), o.ID, "ghost")
	assert.ErrorIs(t, err, domain.ErrSessionExpired)
}

func TestClaim_OnBreakRejected(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.newSession(t, "sess-a")
	require.NoError(t, f.sessions.SetStatus(ctx, "sess-a", domain.SessionBreak))
	o := f.newOrder(t, resto)

	_, err := f.coord.Claim(ctx, o.ID, "sess-a")
	var denied *domain.TransitionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Contains(t, denied.Reason, "break")
}

func TestClaim_CrossRestaurantLooksLikeNotFound(t *testing.T) {
	f := setup(t)
	f.newSession(t, "sess-a")
	o := f.newOrder(t, "resto-other")
	_, err := f.coord.Claim(context.Background(), o.ID, "sess-a")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestRelease_ByClaimantThenReclaimable(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.newSession(t, "sess-a")
	f.newSession(t, "sess-b")
	o := f.newOrder(t, resto)

	_, err := f.coord.StartPreparing(ctx, o.ID, "sess-a")
	require.NoError(t, err)

	got, err := f.coord.Release(ctx, o.ID, "sess-a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Nil(t, got.ClaimedBy)

	sess, _ := f.sessions.Get(ctx, "sess-a")
	assert.Empty(t, sess.Claimed)

	// worker B can now claim it
	got, err = f.coord.Claim(ctx, o.ID, "sess-b")
	require.NoError(t, err)
	assert.Equal(t, "sess-b", *got.ClaimedBy)
}

func TestRelease_NotYourClaimDoesNotMutate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.newSession(t, "sess-a")
	f.newSession(t, "sess-b")
	o := f.newOrder(t, resto)

	_, err := f.coord.Claim(ctx, o.ID, "sess-a")
	require.NoError(t, err)

	_, err = f.coord.Release(ctx, o.ID, "sess-b")
	assert.ErrorIs(t, err, domain.ErrNotYourClaim)

	after, err := f.orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClaimed, after.Status)
	require.NotNil(t, after.ClaimedBy)
	assert.Equal(t, "sess-a", *after.ClaimedBy)
}

func TestRelease_UnclaimedIsAnErrorNotAMutation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.newSession(t, "sess-b")
	o := f.newOrder(t, resto)

	_, err := f.coord.Release(ctx, o.ID, "sess-b")
	require.Error(t, err)

	after, _ := f.orders.Get(ctx, o.ID)
	assert.Equal(t, domain.StatusPending, after.Status)
	assert.Nil(t, after.ClaimedBy)
}

func TestStartPreparing_ClaimsAndAdvancesAtomically(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.newSession(t, "sess-a")
	f.newSession(t, "sess-b")
	o := f.newOrder(t, resto)

	got, err := f.coord.StartPreparing(ctx, o.ID, "sess-a")
	require.NoError(t, err)
	// both fields changed together; no claimed-but-pending intermediate
	assert.Equal(t, domain.StatusPreparing, got.Status)
	require.NotNil(t, got.ClaimedBy)
	assert.Equal(t, "sess-a", *got.ClaimedBy)

	// worker B's late claim loses
	_, err = f.coord.Claim(ctx, o.ID, "sess-b")
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
}

func TestStartPreparing_AdvancesOwnClaimedOrder(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.newSession(t, "sess-a")
	o := f.newOrder(t, resto)

	_, err := f.coord.Claim(ctx, o.ID, "sess-a")
	require.NoError(t, err)
	got, err := f.coord.StartPreparing(ctx, o.ID, "sess-a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPreparing, got.Status)
}

func TestStartPreparing_SomeoneElsesOrder(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.newSession(t, "sess-a")
	f.newSession(t, "sess-b")
	o := f.newOrder(t, resto)

	_, err := f.coord.Claim(ctx, o.ID, "sess-a")
	require.NoError(t, err)
	_, err = f.coord.StartPreparing(ctx, o.ID, "sess-b")
	assert.ErrorIs(t, err, domain.ErrAlreadyClaimed)
}

func TestMarkReady_OnlyClaimant(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.newSession(t, "sess-a")
	f.newSession(t, "sess-b")
	o := f.newOrder(t, resto)

	_, err := f.coord.StartPreparing(ctx, o.ID, "sess-a")
	require.NoError(t, err)

	_, err = f.coord.MarkReady(ctx, o.ID, "sess-b")
	var denied *domain.TransitionDeniedError
	assert.ErrorAs(t, err, &denied)

	got, err := f.coord.MarkReady(ctx, o.ID, "sess-a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, got.Status)
}

func TestMarkServed_AnyStaffNoOwnershipCheck(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.newSession(t, "sess-a")
	f.newSession(t, "sess-b")
	o := f.newOrder(t, resto)

	_, err := f.coord.StartPreparing(ctx, o.ID, "sess-a")
	require.NoError(t, err)
	_, err = f.coord.MarkReady(ctx, o.ID, "sess-a")
	require.NoError(t, err)

	// sess-b did not prepare the order but may serve it
	got, err := f.coord.MarkServed(ctx, o.ID, "sess-b")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusServed, got.Status)
	assert.Nil(t, got.ClaimedBy)

	// the preparing worker's claimed set is trimmed
	sessA, _ := f.sessions.Get(ctx, "sess-a")
	assert.Empty(t, sessA.Claimed)
}

func TestOverride_CancelsRegardlessOfClaimant(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.newSession(t, "sess-a")
	o := f.newOrder(t, resto)

	_, err := f.coord.StartPreparing(ctx, o.ID, "sess-a")
	require.NoError(t, err)

	got, err := f.coord.Override(ctx, o.ID, domain.StatusCancelled, domain.OwnerActor(resto))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Nil(t, got.ClaimedBy)

	sessA, _ := f.sessions.Get(ctx, "sess-a")
	assert.Empty(t, sessA.Claimed)

	// override is recorded as such in the status log
	log := f.orders.StatusLog()
	require.NotEmpty(t, log)
	last := log[len(log)-1]
	assert.True(t, last.Override)
	assert.Equal(t, domain.StatusCancelled, last.Status)
}

func TestOverride_RequiresOwnerPermission(t *testing.T) {
	f := setup(t)
	o := f.newOrder(t, resto)

	actor := domain.StaffActor("sess-a")
	actor.RestaurantID = resto
	_, err := f.coord.Override(context.Background(), o.ID, domain.StatusCancelled, actor)
	var denied *domain.TransitionDeniedError
	assert.ErrorAs(t, err, &denied)
}

func TestOverride_CrossRestaurantLooksLikeNotFound(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	foreign := f.newOrder(t, "resto-other")

	// the restaurant boundary holds for owners too
	_, err := f.coord.Override(ctx, foreign.ID, domain.StatusCancelled, domain.OwnerActor(resto))
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)

	after, getErr := f.orders.Get(ctx, foreign.ID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.StatusPending, after.Status)
}

func TestOverride_UnclaimedOrderCannotBecomePreparing(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	o := f.newOrder(t, resto)

	for _, target := range []domain.Status{domain.StatusClaimed, domain.StatusPreparing} {
		_, err := f.coord.Override(ctx, o.ID, target, domain.OwnerActor(resto))
		var denied *domain.TransitionDeniedError
		require.ErrorAs(t, err, &denied, target)
		assert.Contains(t, denied.Reason, "unclaimed")
	}

	after, _ := f.orders.Get(ctx, o.ID)
	assert.Equal(t, domain.StatusPending, after.Status)
}

func TestOverride_BackToPreparingKeepsClaimant(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.newSession(t, "sess-a")
	o := f.newOrder(t, resto)

	_, err := f.coord.StartPreparing(ctx, o.ID, "sess-a")
	require.NoError(t, err)
	_, err = f.coord.MarkReady(ctx, o.ID, "sess-a")
	require.NoError(t, err)

	// owner sends the plate back; the worker keeps their claim
	got, err := f.coord.Override(ctx, o.ID, domain.StatusPreparing, domain.OwnerActor(resto))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPreparing, got.Status)
	require.NotNil(t, got.ClaimedBy)
	assert.Equal(t, "sess-a", *got.ClaimedBy)
}

func TestReleaseAllHeld_ReadyKeepsStatusDropsClaimant(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.newSession(t, "sess-a")
	prep := f.newOrder(t, resto)
	ready := f.newOrder(t, resto)

	_, err := f.coord.StartPreparing(ctx, prep.ID, "sess-a")
	require.NoError(t, err)
	_, err = f.coord.StartPreparing(ctx, ready.ID, "sess-a")
	require.NoError(t, err)
	_, err = f.coord.MarkReady(ctx, ready.ID, "sess-a")
	require.NoError(t, err)

	sess, err := f.sessions.Get(ctx, "sess-a")
	require.NoError(t, err)
	require.Len(t, sess.Claimed, 2)

	released := f.coord.ReleaseAllHeld(ctx, sess)
	assert.Equal(t, 2, released)

	gotPrep, _ := f.orders.Get(ctx, prep.ID)
	assert.Equal(t, domain.StatusPending, gotPrep.Status)
	assert.Nil(t, gotPrep.ClaimedBy)

	gotReady, _ := f.orders.Get(ctx, ready.ID)
	assert.Equal(t, domain.StatusReady, gotReady.Status)
	assert.Nil(t, gotReady.ClaimedBy)
}
