package domain

import "time"

// SessionStatus is a worker's presence state.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionBusy    SessionStatus = "busy"
	SessionBreak   SessionStatus = "break"
	SessionOffline SessionStatus = "offline"
)

func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionBusy, SessionBreak, SessionOffline:
		return true
	}
	return false
}

// Session is a logged-in kitchen worker's live presence record.
//
// Claimed must always be a subset of the orders whose claimant equals
// Token; both sides are mutated only through the claim coordinator.
type Session struct {
	Token        string        `json:"token"`
	RestaurantID string        `json:"restaurant_id"`
	DisplayName  string        `json:"display_name"`
	Station      string        `json:"station,omitempty"`
	Status       SessionStatus `json:"status"`
	Claimed      []int64       `json:"claimed_orders"`
	LastSeen     time.Time     `json:"last_seen"`
	CreatedAt    time.Time     `json:"created_at"`
}

// CanClaim reports whether the worker may take on new orders. A worker on
// break or offline is rejected both by the UI and by the coordinator.
func (s Session) CanClaim() bool {
	return s.Status == SessionActive || s.Status == SessionBusy
}

func (s Session) Holds(orderID int64) bool {
	for _, id := range s.Claimed {
		if id == orderID {
			return true
		}
	}
	return false
}
