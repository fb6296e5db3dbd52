package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyClaimed: another session won the claim race.
	ErrAlreadyClaimed = errors.New("order already claimed by another worker")
	// ErrNotYourClaim: the caller tried to advance or release an order it
	// does not hold.
	ErrNotYourClaim = errors.New("order is not claimed by this session")
	// ErrSessionExpired: the referenced session no longer exists
	// server-side; the client must re-join.
	ErrSessionExpired = errors.New("session expired")
	// ErrOrderNotFound: unknown order, or an order of another restaurant.
	ErrOrderNotFound = errors.New("order not found")
	// ErrWriteConflict: a conditional write matched no row. Internal to the
	// coordinator, which re-reads to classify it into one of the above.
	ErrWriteConflict = errors.New("conditional write matched no row")
)

// TransitionDeniedError carries the human-readable reason from the rule
// table. Never retried; surfaced to the actor as-is.
type TransitionDeniedError struct {
	From   Status
	To     Status
	Reason string
}

func (e *TransitionDeniedError) Error() string {
	return fmt.Sprintf("transition %s -> %s denied: %s", e.From, e.To, e.Reason)
}

func Denied(from, to Status, reason string) *TransitionDeniedError {
	return &TransitionDeniedError{From: from, To: to, Reason: reason}
}
