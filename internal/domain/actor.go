package domain

// Role of the actor requesting a transition. Derived per request from the
// auth layer (external); never persisted.
type Role string

const (
	RoleOwner        Role = "owner"
	RoleKitchenStaff Role = "kitchen-staff"
	RoleCustomer     Role = "customer"
)

type Permission string

const (
	PermClaim        Permission = "orders.claim"
	PermUpdateStatus Permission = "orders.update_status"
	PermOverride     Permission = "orders.override"
)

// Actor carries the role/permission context a transition is evaluated
// against. SessionToken is set for kitchen staff only; RestaurantID
// scopes every actor, owners included, to their own restaurant.
type Actor struct {
	Role         Role
	Permissions  []Permission
	SessionToken string
	RestaurantID string
}

func (a Actor) Has(p Permission) bool {
	for _, got := range a.Permissions {
		if got == p {
			return true
		}
	}
	return false
}

// StaffActor builds the actor a live kitchen session acts as.
func StaffActor(sessionToken string) Actor {
	return Actor{
		Role:         RoleKitchenStaff,
		Permissions:  []Permission{PermClaim, PermUpdateStatus},
		SessionToken: sessionToken,
	}
}

// OwnerActor has every permission, including override, within its own
// restaurant.
func OwnerActor(restaurantID string) Actor {
	return Actor{
		Role:         RoleOwner,
		Permissions:  []Permission{PermClaim, PermUpdateStatus, PermOverride},
		RestaurantID: restaurantID,
	}
}
