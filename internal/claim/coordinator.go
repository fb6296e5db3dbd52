// Package claim performs every order mutation as a single conditional
// write, so two workers racing on the same order cannot both succeed.
package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tableflow/internal/domain"
	"tableflow/internal/logger"
	"tableflow/internal/rules"
)

// Store is the conditional-write surface of the order storage. Every
// mutating method is one atomic predicated update: it either returns the
// updated order or domain.ErrWriteConflict when the predicate matched no
// row at write time. ErrOrderNotFound means the id does not exist at all.
type Store interface {
	Get(ctx context.Context, orderID int64) (domain.Order, error)
	// status='claimed', claimed_by=token WHERE status='pending' AND claimed_by IS NULL
	ClaimPending(ctx context.Context, orderID int64, token string) (domain.Order, error)
	// status='pending', claimed_by=NULL WHERE claimed_by=token AND status IN ('claimed','preparing')
	ReleaseClaim(ctx context.Context, orderID int64, token string) (domain.Order, error)
	// claim-and-advance composite: one write covering both the unclaimed
	// and the already-mine case
	ClaimAndStart(ctx context.Context, orderID int64, token string) (domain.Order, error)
	// status=to WHERE status=from AND claimed_by=token
	AdvanceByClaimant(ctx context.Context, orderID int64, token string, from, to domain.Status) (domain.Order, error)
	// status=to WHERE status=from, no claimant predicate; clears the
	// claimant when clearClaimant is set
	AdvanceAny(ctx context.Context, orderID int64, from, to domain.Status, clearClaimant bool) (domain.Order, error)
	// owner path: status=to regardless of current claimant
	ForceStatus(ctx context.Context, orderID int64, to domain.Status, clearClaimant bool) (domain.Order, error)
	// claimed_by=NULL WHERE claimed_by=token AND status='ready'; used when
	// a dead session held an order whose preparation already finished
	DropClaimant(ctx context.Context, orderID int64, token string) (domain.Order, error)
	AppendStatusLog(ctx context.Context, orderID int64, status domain.Status, changedBy string, override bool) error
}

// Sessions is the presence-side bookkeeping the coordinator keeps in step
// with the order claimant column.
type Sessions interface {
	Get(ctx context.Context, token string) (domain.Session, error)
	AddClaim(ctx context.Context, token string, orderID int64) error
	RemoveClaim(ctx context.Context, token string, orderID int64) error
}

type Publisher interface {
	Publish(ctx context.Context, ev domain.ChangeEvent) error
}

type Coordinator struct {
	store    Store
	sessions Sessions
	pub      Publisher
	rules    *rules.Table
	lg       *logger.Logger
}

func New(store Store, sessions Sessions, pub Publisher, tbl *rules.Table, lg *logger.Logger) *Coordinator {
	return &Coordinator{store: store, sessions: sessions, pub: pub, rules: tbl, lg: lg}
}

// liveSession resolves the session and rejects workers who may not claim.
func (c *Coordinator) liveSession(ctx context.Context, token string) (domain.Session, error) {
	sess, err := c.sessions.Get(ctx, token)
	if err != nil {
		if errors.Is(err, domain.ErrSessionExpired) {
			return domain.Session{}, domain.ErrSessionExpired
		}
		return domain.Session{}, fmt.Errorf("resolve session: %w", err)
	}
	return sess, nil
}

// orderFor fetches the order and enforces the restaurant boundary: an
// order of another restaurant is indistinguishable from a missing one.
func (c *Coordinator) orderFor(ctx context.Context, orderID int64, restaurantID string) (domain.Order, error) {
	o, err := c.store.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if o.RestaurantID != restaurantID {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return o, nil
}

// Claim takes exclusive responsibility for a pending order.
func (c *Coordinator) Claim(ctx context.Context, orderID int64, token string) (domain.Order, error) {
	sess, err := c.liveSession(ctx, token)
	if err != nil {
		return domain.Order{}, err
	}
	if !sess.CanClaim() {
		return domain.Order{}, domain.Denied(domain.StatusPending, domain.StatusClaimed,
			fmt.Sprintf("session is %s and may not claim orders", sess.Status))
	}
	o, err := c.orderFor(ctx, orderID, sess.RestaurantID)
	if err != nil {
		return domain.Order{}, err
	}
	if !o.Unclaimed() {
		return domain.Order{}, domain.ErrAlreadyClaimed
	}
	if d := c.rules.CanTransition(o, domain.StatusClaimed, domain.StaffActor(token)); !d.Allowed {
		return domain.Order{}, domain.Denied(o.Status, domain.StatusClaimed, d.Reason)
	}

	updated, err := c.store.ClaimPending(ctx, orderID, token)
	if err != nil {
		return domain.Order{}, c.classify(ctx, orderID, token, err)
	}
	c.finishClaimSide(ctx, token, orderID, true)
	c.logAndPublish(ctx, updated, token, domain.EventClaimed, false)
	return updated, nil
}

// Release returns a claimed or preparing order to the pending pool.
// Releasing an order held by someone else fails with ErrNotYourClaim and
// never mutates anything.
func (c *Coordinator) Release(ctx context.Context, orderID int64, token string) (domain.Order, error) {
	sess, err := c.liveSession(ctx, token)
	if err != nil {
		return domain.Order{}, err
	}
	o, err := c.orderFor(ctx, orderID, sess.RestaurantID)
	if err != nil {
		return domain.Order{}, err
	}
	if (o.Status == domain.StatusClaimed || o.Status == domain.StatusPreparing) && !o.HeldBy(token) {
		return domain.Order{}, domain.ErrNotYourClaim
	}
	if d := c.rules.CanTransition(o, domain.StatusPending, domain.StaffActor(token)); !d.Allowed {
		return domain.Order{}, domain.Denied(o.Status, domain.StatusPending, d.Reason)
	}

	updated, err := c.store.ReleaseClaim(ctx, orderID, token)
	if err != nil {
		return domain.Order{}, c.classify(ctx, orderID, token, err)
	}
	c.finishClaimSide(ctx, token, orderID, false)
	c.logAndPublish(ctx, updated, token, domain.EventReleased, false)
	return updated, nil
}

// StartPreparing is the atomic claim-and-advance composite: an unclaimed
// pending order is claimed and moved to preparing in one conditional
// write; an order already held by this session is plainly advanced. No
// intermediate claimed-but-pending state is ever observable.
func (c *Coordinator) StartPreparing(ctx context.Context, orderID int64, token string) (domain.Order, error) {
	sess, err := c.liveSession(ctx, token)
	if err != nil {
		return domain.Order{}, err
	}
	if !sess.CanClaim() {
		return domain.Order{}, domain.Denied(domain.StatusPending, domain.StatusPreparing,
			fmt.Sprintf("session is %s and may not claim orders", sess.Status))
	}
	o, err := c.orderFor(ctx, orderID, sess.RestaurantID)
	if err != nil {
		return domain.Order{}, err
	}
	if o.ClaimedBy != nil && !o.HeldBy(token) {
		return domain.Order{}, domain.ErrAlreadyClaimed
	}
	// validate against whichever leg the composite will take; the write
	// itself re-checks the predicate atomically
	target := domain.StatusClaimed
	if o.HeldBy(token) {
		target = domain.StatusPreparing
	}
	if d := c.rules.CanTransition(o, target, domain.StaffActor(token)); !d.Allowed {
		return domain.Order{}, domain.Denied(o.Status, domain.StatusPreparing, d.Reason)
	}

	updated, err := c.store.ClaimAndStart(ctx, orderID, token)
	if err != nil {
		return domain.Order{}, c.classify(ctx, orderID, token, err)
	}
	c.finishClaimSide(ctx, token, orderID, true)
	c.logAndPublish(ctx, updated, token, domain.EventStatusChanged, false)
	return updated, nil
}

// MarkReady advances the caller's own preparing order to ready.
func (c *Coordinator) MarkReady(ctx context.Context, orderID int64, token string) (domain.Order, error) {
	sess, err := c.liveSession(ctx, token)
	if err != nil {
		return domain.Order{}, err
	}
	o, err := c.orderFor(ctx, orderID, sess.RestaurantID)
	if err != nil {
		return domain.Order{}, err
	}
	if d := c.rules.CanTransition(o, domain.StatusReady, domain.StaffActor(token)); !d.Allowed {
		return domain.Order{}, domain.Denied(o.Status, domain.StatusReady, d.Reason)
	}

	updated, err := c.store.AdvanceByClaimant(ctx, orderID, token, domain.StatusPreparing, domain.StatusReady)
	if err != nil {
		return domain.Order{}, c.classify(ctx, orderID, token, err)
	}
	c.logAndPublish(ctx, updated, token, domain.EventStatusChanged, false)
	return updated, nil
}

// MarkServed completes a ready order. Any staff with the update-status
// permission may serve, regardless of claimant; the claimant column is
// cleared and the preparing worker's claimed set is trimmed.
func (c *Coordinator) MarkServed(ctx context.Context, orderID int64, token string) (domain.Order, error) {
	sess, err := c.liveSession(ctx, token)
	if err != nil {
		return domain.Order{}, err
	}
	o, err := c.orderFor(ctx, orderID, sess.RestaurantID)
	if err != nil {
		return domain.Order{}, err
	}
	if d := c.rules.CanTransition(o, domain.StatusServed, domain.StaffActor(token)); !d.Allowed {
		return domain.Order{}, domain.Denied(o.Status, domain.StatusServed, d.Reason)
	}

	updated, err := c.store.AdvanceAny(ctx, orderID, domain.StatusReady, domain.StatusServed, true)
	if err != nil {
		return domain.Order{}, c.classify(ctx, orderID, token, err)
	}
	if o.ClaimedBy != nil {
		c.finishClaimSide(ctx, *o.ClaimedBy, orderID, false)
	}
	c.logAndPublish(ctx, updated, token, domain.EventStatusChanged, false)
	return updated, nil
}

// Override is the owner path: any transition, bypassing claimant checks
// but never the restaurant boundary. It races last-write-wins against
// in-flight worker operations; the displaced worker finds out on its
// next refetch.
func (c *Coordinator) Override(ctx context.Context, orderID int64, target domain.Status, actor domain.Actor) (domain.Order, error) {
	if actor.Role != domain.RoleOwner || !actor.Has(domain.PermOverride) {
		return domain.Order{}, domain.Denied("", target,
			"override requires the owner role with the override permission")
	}
	o, err := c.orderFor(ctx, orderID, actor.RestaurantID)
	if err != nil {
		return domain.Order{}, err
	}
	// claimed/preparing without a claimant would be stuck for every
	// worker; the owner must pick a state that stands on its own
	if (target == domain.StatusClaimed || target == domain.StatusPreparing) && o.ClaimedBy == nil {
		return domain.Order{}, domain.Denied(o.Status, target,
			fmt.Sprintf("cannot override an unclaimed order to %s", target))
	}
	d := c.rules.CanTransition(o, target, actor)
	if !d.Allowed || !d.Override {
		reason := d.Reason
		if reason == "" {
			reason = "override requires the owner role with the override permission"
		}
		return domain.Order{}, domain.Denied(o.Status, target, reason)
	}

	clear := target == domain.StatusPending || target.Terminal()
	updated, err := c.store.ForceStatus(ctx, orderID, target, clear)
	if err != nil {
		return domain.Order{}, err
	}
	if clear && o.ClaimedBy != nil {
		c.finishClaimSide(ctx, *o.ClaimedBy, orderID, false)
	}
	c.logAndPublish(ctx, updated, "owner", domain.EventOverridden, true)
	return updated, nil
}

// ReleaseAllHeld releases every order a session currently holds. Used by
// the expiry sweep and by leave; per-order failures are logged and do not
// stop the remainder.
func (c *Coordinator) ReleaseAllHeld(ctx context.Context, sess domain.Session) int {
	released := 0
	for _, orderID := range sess.Claimed {
		updated, err := c.store.ReleaseClaim(ctx, orderID, sess.Token)
		if errors.Is(err, domain.ErrWriteConflict) {
			// ready orders keep their status; only the claimant is dropped
			// so any worker may still serve them
			updated, err = c.store.DropClaimant(ctx, orderID, sess.Token)
			if errors.Is(err, domain.ErrWriteConflict) {
				// nothing left to release: the order moved on without us
				c.finishClaimSide(ctx, sess.Token, orderID, false)
				continue
			}
		}
		if err != nil {
			c.lg.Warn("release_on_expiry_failed", err, map[string]any{"order_id": orderID, "session": sess.Token})
			continue
		}
		released++
		c.finishClaimSide(ctx, sess.Token, orderID, false)
		c.logAndPublish(ctx, updated, sess.Token, domain.EventReleased, false)
	}
	return released
}

// classify turns a zero-row conditional write into the user-facing race
// error. The follow-up read is for the error message only; it plays no
// part in the mutation itself.
func (c *Coordinator) classify(ctx context.Context, orderID int64, token string, err error) error {
	if !errors.Is(err, domain.ErrWriteConflict) {
		return err
	}
	o, gerr := c.store.Get(ctx, orderID)
	if gerr != nil {
		return domain.ErrOrderNotFound
	}
	switch {
	case o.ClaimedBy != nil && !o.HeldBy(token):
		if o.Status == domain.StatusClaimed || o.Status == domain.StatusPreparing {
			return domain.ErrAlreadyClaimed
		}
		return domain.ErrNotYourClaim
	case o.Unclaimed():
		return domain.ErrNotYourClaim
	default:
		return domain.Denied(o.Status, o.Status, "order state changed concurrently")
	}
}

// finishClaimSide updates the session claimed-order set after a
// successful conditional write. Claim correctness takes priority: a
// failure here is retried, never rolled back, and the expiry sweep heals
// any leftover disagreement.
func (c *Coordinator) finishClaimSide(ctx context.Context, token string, orderID int64, add bool) {
	op := c.sessions.RemoveClaim
	action := "session_claim_remove_failed"
	if add {
		op = c.sessions.AddClaim
		action = "session_claim_add_failed"
	}
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = op(ctx, token, orderID); err == nil {
			return
		}
		select {
		case <-time.After(time.Duration(attempt+1) * 50 * time.Millisecond):
		case <-ctx.Done():
			err = ctx.Err()
			attempt = 3
		}
	}
	c.lg.Warn(action, err, map[string]any{"order_id": orderID, "session": token})
}

func (c *Coordinator) logAndPublish(ctx context.Context, o domain.Order, changedBy, event string, override bool) {
	if err := c.store.AppendStatusLog(ctx, o.ID, o.Status, changedBy, override); err != nil {
		c.lg.Warn("status_log_append_failed", err, map[string]any{"order_id": o.ID})
	}
	ev := domain.ChangeEvent{
		Table:        domain.TableOrders,
		EventType:    event,
		RestaurantID: o.RestaurantID,
		OrderID:      o.ID,
		OccurredAt:   time.Now().UTC(),
	}
	if err := c.pub.Publish(ctx, ev); err != nil {
		// clients reconcile on their periodic refetch even when a
		// notification is lost
		c.lg.Warn("change_publish_failed", err, map[string]any{"order_id": o.ID, "event": event})
	}
}
