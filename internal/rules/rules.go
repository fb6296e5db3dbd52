// Package rules is the transition rule table: a pure mapping from
// (current status, target status, actor) to allowed/denied. All status
// checks are evaluated here once; the claim coordinator re-expresses the
// winning rule's predicate inside its conditional write.
package rules

import (
	"fmt"
	"time"

	"tableflow/internal/domain"
)

// Decision is the outcome of evaluating one requested transition.
type Decision struct {
	Allowed  bool
	Override bool // matched the owner override rule; logged as an override
	Reason   string
}

func allow() Decision { return Decision{Allowed: true} }

func deny(reason string) Decision { return Decision{Reason: reason} }

type rule struct {
	from, to domain.Status
	check    func(o domain.Order, a domain.Actor) Decision
}

// Table evaluates transitions against an ordered rule set; the first rule
// matching (from, to) wins. Rules are authored so at most one is relevant
// per (from, to, role) combination.
type Table struct {
	freezeAge time.Duration
	rules     []rule
	now       func() time.Time
}

func New(freezeAge time.Duration) *Table {
	t := &Table{freezeAge: freezeAge, now: time.Now}
	t.rules = []rule{
		{domain.StatusPending, domain.StatusClaimed, claimRule},
		{domain.StatusClaimed, domain.StatusPreparing, claimantOnly},
		{domain.StatusPreparing, domain.StatusReady, claimantOnly},
		{domain.StatusReady, domain.StatusServed, serveRule},
		{domain.StatusClaimed, domain.StatusPending, claimantOnly},
		{domain.StatusPreparing, domain.StatusPending, claimantOnly},
	}
	return t
}

// anyone with the claim permission may take an unclaimed order
func claimRule(o domain.Order, a domain.Actor) Decision {
	if a.Role != domain.RoleKitchenStaff || !a.Has(domain.PermClaim) {
		return deny("only kitchen staff with the claim permission may claim orders")
	}
	if a.SessionToken == "" {
		return deny("claiming requires a live kitchen session")
	}
	if !o.Unclaimed() {
		return deny("order is already claimed by another worker")
	}
	return allow()
}

// only the claimant may advance or release their own order
func claimantOnly(o domain.Order, a domain.Actor) Decision {
	if a.Role != domain.RoleKitchenStaff {
		return deny("only kitchen staff may progress orders")
	}
	if !o.HeldBy(a.SessionToken) {
		return deny("order is claimed by a different worker")
	}
	return allow()
}

// ready orders may be served by any staff with the status permission,
// regardless of who prepared them
func serveRule(o domain.Order, a domain.Actor) Decision {
	if a.Role != domain.RoleKitchenStaff || !a.Has(domain.PermUpdateStatus) {
		return deny("only kitchen staff with the update-status permission may serve orders")
	}
	return allow()
}

// CanTransition evaluates one requested change. Business-rule freezes
// (order age, terminal states) are checked before the table for every
// non-owner actor; the owner override rule bypasses both.
func (t *Table) CanTransition(o domain.Order, target domain.Status, a domain.Actor) Decision {
	if !target.Valid() {
		return deny(fmt.Sprintf("unknown status %q", target))
	}
	if target == o.Status {
		return deny(fmt.Sprintf("order is already %s", o.Status))
	}

	if a.Role == domain.RoleOwner && a.Has(domain.PermOverride) {
		d := allow()
		d.Override = true
		return d
	}

	// business-rule freezes apply to every non-owner mutation
	if o.Status.Terminal() {
		return deny(fmt.Sprintf("order is %s and can no longer be modified", o.Status))
	}
	if t.freezeAge > 0 && o.Age(t.now()) > t.freezeAge {
		return deny(fmt.Sprintf("order is older than %s and is frozen for non-owner actors", t.freezeAge))
	}

	for _, r := range t.rules {
		if r.from == o.Status && r.to == target {
			return r.check(o, a)
		}
	}
	return deny(fmt.Sprintf("no transition from %s to %s is defined for role %s", o.Status, target, a.Role))
}

// AvailableTransitions enumerates every status the actor could move the
// order to right now. Drives the action buttons each client presents;
// derived from the same rule set as CanTransition.
func (t *Table) AvailableTransitions(o domain.Order, a domain.Actor) []domain.Status {
	var out []domain.Status
	for _, s := range domain.AllStatuses {
		if s == o.Status {
			continue
		}
		if d := t.CanTransition(o, s, a); d.Allowed {
			out = append(out, s)
		}
	}
	return out
}
