package rules

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tableflow/internal/domain"
)

const (
	sessA = "sess-a"
	sessB = "sess-b"
)

func orderIn(status domain.Status, claimant string) domain.Order {
	o := domain.Order{
		ID:           1,
		RestaurantID: "resto-1",
		Status:       status,
		CreatedAt:    time.Now().Add(-10 * time.Minute),
	}
	if claimant != "" {
		o.ClaimedBy = &claimant
	}
	return o
}

// expected whitelist for a staff actor acting as the claimant
func claimantAllowed(from, to domain.Status) bool {
	switch {
	case from == domain.StatusPending && to == domain.StatusClaimed:
		return true
	case from == domain.StatusClaimed && to == domain.StatusPreparing:
		return true
	case from == domain.StatusPreparing && to == domain.StatusReady:
		return true
	case from == domain.StatusReady && to == domain.StatusServed:
		return true
	case from == domain.StatusClaimed && to == domain.StatusPending:
		return true
	case from == domain.StatusPreparing && to == domain.StatusPending:
		return true
	}
	return false
}

func TestCanTransition_ExhaustiveTriples(t *testing.T) {
	tbl := New(24 * time.Hour)

	actors := map[string]domain.Actor{
		"claimant": domain.StaffActor(sessA),
		"other":    domain.StaffActor(sessB),
		"owner":    domain.OwnerActor("resto-1"),
		"customer": {Role: domain.RoleCustomer},
	}

	for _, from := range domain.AllStatuses {
		for _, to := range domain.AllStatuses {
			for name, actor := range actors {
				// pending orders are unclaimed; every other live state is
				// held by sessA
				claimant := sessA
				if from == domain.StatusPending || from.Terminal() {
					claimant = ""
				}
				o := orderIn(from, claimant)
				d := tbl.CanTransition(o, to, actor)

				var want bool
				switch name {
				case "owner":
					want = from != to
				case "claimant":
					want = claimantAllowed(from, to)
				case "other":
					// a non-claimant may only claim unclaimed orders and
					// serve ready ones
					want = (from == domain.StatusPending && to == domain.StatusClaimed) ||
						(from == domain.StatusReady && to == domain.StatusServed)
				case "customer":
					want = false
				}

				label := fmt.Sprintf("%s: %s -> %s", name, from, to)
				assert.Equal(t, want, d.Allowed, label)
				if !d.Allowed {
					assert.NotEmpty(t, d.Reason, label)
				}
			}
		}
	}
}

func TestCanTransition_OwnerOverrideIsFlagged(t *testing.T) {
	tbl := New(24 * time.Hour)
	o := orderIn(domain.StatusPreparing, sessA)

	d := tbl.CanTransition(o, domain.StatusCancelled, domain.OwnerActor("resto-1"))
	require.True(t, d.Allowed)
	assert.True(t, d.Override)

	d = tbl.CanTransition(o, domain.StatusReady, domain.StaffActor(sessA))
	require.True(t, d.Allowed)
	assert.False(t, d.Override)
}

func TestCanTransition_StaffWithoutClaimPermission(t *testing.T) {
	tbl := New(24 * time.Hour)
	actor := domain.Actor{
		Role:         domain.RoleKitchenStaff,
		Permissions:  []domain.Permission{domain.PermUpdateStatus},
		SessionToken: sessA,
	}
	d := tbl.CanTransition(orderIn(domain.StatusPending, ""), domain.StatusClaimed, actor)
	assert.False(t, d.Allowed)
}

func TestCanTransition_FrozenByAge(t *testing.T) {
	tbl := New(24 * time.Hour)
	o := orderIn(domain.StatusPending, "")
	o.CreatedAt = time.Now().Add(-25 * time.Hour)

	d := tbl.CanTransition(o, domain.StatusClaimed, domain.StaffActor(sessA))
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "frozen")

	// the owner override is not subject to the age freeze
	d = tbl.CanTransition(o, domain.StatusCancelled, domain.OwnerActor("resto-1"))
	assert.True(t, d.Allowed)
}

func TestCanTransition_TerminalFrozen(t *testing.T) {
	tbl := New(24 * time.Hour)
	for _, s := range []domain.Status{domain.StatusServed, domain.StatusCancelled} {
		d := tbl.CanTransition(orderIn(s, ""), domain.StatusPending, domain.StaffActor(sessA))
		assert.False(t, d.Allowed, s)

		d = tbl.CanTransition(orderIn(s, ""), domain.StatusPending, domain.OwnerActor("resto-1"))
		assert.True(t, d.Allowed, s)
	}
}

func TestCanTransition_SameStatusDenied(t *testing.T) {
	tbl := New(24 * time.Hour)
	d := tbl.CanTransition(orderIn(domain.StatusPending, ""), domain.StatusPending, domain.OwnerActor("resto-1"))
	assert.False(t, d.Allowed)
}

func TestAvailableTransitions(t *testing.T) {
	tbl := New(24 * time.Hour)

	got := tbl.AvailableTransitions(orderIn(domain.StatusPending, ""), domain.StaffActor(sessA))
	assert.Equal(t, []domain.Status{domain.StatusClaimed}, got)

	got = tbl.AvailableTransitions(orderIn(domain.StatusPreparing, sessA), domain.StaffActor(sessA))
	assert.ElementsMatch(t, []domain.Status{domain.StatusPending, domain.StatusReady}, got)

	// non-claimant sees nothing to do on someone else's preparing order
	got = tbl.AvailableTransitions(orderIn(domain.StatusPreparing, sessA), domain.StaffActor(sessB))
	assert.Empty(t, got)

	got = tbl.AvailableTransitions(orderIn(domain.StatusReady, sessA), domain.StaffActor(sessB))
	assert.Equal(t, []domain.Status{domain.StatusServed}, got)

	got = tbl.AvailableTransitions(orderIn(domain.StatusServed, ""), domain.OwnerActor("resto-1"))
	assert.Len(t, got, 5)
}
