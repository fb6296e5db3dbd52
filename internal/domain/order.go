package domain

import "time"

// Status is the lifecycle state of an order.
//
// pending -> claimed -> preparing -> ready -> served
// cancelled is reachable from any non-terminal state; claimed and preparing
// may fall back to pending on release. served and cancelled are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusPreparing Status = "preparing"
	StatusReady     Status = "ready"
	StatusServed    Status = "served"
	StatusCancelled Status = "cancelled"
)

// AllStatuses in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusClaimed, StatusPreparing,
	StatusReady, StatusServed, StatusCancelled,
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusClaimed, StatusPreparing, StatusReady, StatusServed, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusServed || s == StatusCancelled
}

// ItemStatus is the per-item preparation state shown on the kitchen board.
type ItemStatus string

const (
	ItemQueued    ItemStatus = "queued"
	ItemPreparing ItemStatus = "preparing"
	ItemDone      ItemStatus = "done"
)

type OrderItem struct {
	ID           int64      `json:"id"`
	OrderID      int64      `json:"order_id"`
	Name         string     `json:"name"`
	Quantity     int        `json:"quantity"`
	UnitPrice    float64    `json:"unit_price"`
	Instructions string     `json:"instructions,omitempty"`
	PrepStatus   ItemStatus `json:"prep_status"`
}

type Order struct {
	ID           int64      `json:"id"`
	RestaurantID string     `json:"restaurant_id"`
	Status       Status     `json:"status"`
	TotalAmount  float64    `json:"total_amount"`
	Priority     int        `json:"priority"`
	ClaimedBy    *string    `json:"claimed_by,omitempty"` // session token of the claimant
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	// ClaimedByName is the claimant's display name, joined in for board
	// listings; not stored on the order row.
	ClaimedByName *string     `json:"claimed_by_name,omitempty"`
	Items         []OrderItem `json:"items,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// HeldBy reports whether the order is currently claimed by the given session.
func (o Order) HeldBy(token string) bool {
	return o.ClaimedBy != nil && *o.ClaimedBy == token
}

func (o Order) Unclaimed() bool { return o.ClaimedBy == nil }

// Age of the order relative to now.
func (o Order) Age(now time.Time) time.Duration { return now.Sub(o.CreatedAt) }
