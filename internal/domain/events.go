package domain

import "time"

const (
	TableOrders   = "orders"
	TableSessions = "sessions"
)

const (
	EventCreated       = "created"
	EventClaimed       = "claimed"
	EventReleased      = "released"
	EventStatusChanged = "status_changed"
	EventOverridden    = "overridden"
	EventJoined        = "joined"
	EventLeft          = "left"
	EventExpired       = "expired"
)

// ChangeEvent is what the relay carries. Delivery is at-least-once with
// best-effort ordering, so consumers treat it purely as a "something
// changed" trigger and refetch authoritative state; the fields are never
// applied as a delta.
type ChangeEvent struct {
	Table        string    `json:"table"`
	EventType    string    `json:"event_type"`
	RestaurantID string    `json:"restaurant_id"`
	OrderID      int64     `json:"order_id,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}
