// Package memory is an in-process store with the same conditional-write
// semantics as the postgres store: every mutation checks its predicate
// and applies the update under one lock, atomically with respect to
// concurrent callers. Used by tests and single-process demos.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"tableflow/internal/domain"
)

// Orders mirrors storage.OrderStore.
type Orders struct {
	mu     sync.Mutex
	nextID int64
	orders map[int64]*domain.Order
	log    []StatusLogEntry
}

type StatusLogEntry struct {
	OrderID   int64
	Status    domain.Status
	ChangedBy string
	Override  bool
	At        time.Time
}

func NewOrders() *Orders {
	return &Orders{nextID: 1, orders: make(map[int64]*domain.Order)}
}

func (s *Orders) Create(_ context.Context, o domain.Order) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o.ID = s.nextID
	s.nextID++
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	if o.Status == "" {
		o.Status = domain.StatusPending
	}
	cp := o
	s.orders[o.ID] = &cp
	return o, nil
}

func (s *Orders) Get(_ context.Context, orderID int64) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return clone(o), nil
}

func (s *Orders) ListActive(_ context.Context, restaurantID string) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.RestaurantID == restaurantID && !o.Status.Terminal() {
			out = append(out, clone(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Orders) ClaimPending(_ context.Context, orderID int64, token string) (domain.Order, error) {
	return s.conditional(orderID, func(o *domain.Order) bool {
		return o.Status == domain.StatusPending && o.ClaimedBy == nil
	}, func(o *domain.Order) {
		o.Status = domain.StatusClaimed
		setClaimant(o, token)
	})
}

func (s *Orders) ReleaseClaim(_ context.Context, orderID int64, token string) (domain.Order, error) {
	return s.conditional(orderID, func(o *domain.Order) bool {
		return o.ClaimedBy != nil && *o.ClaimedBy == token &&
			(o.Status == domain.StatusClaimed || o.Status == domain.StatusPreparing)
	}, func(o *domain.Order) {
		o.Status = domain.StatusPending
		clearClaimant(o)
	})
}

func (s *Orders) ClaimAndStart(_ context.Context, orderID int64, token string) (domain.Order, error) {
	return s.conditional(orderID, func(o *domain.Order) bool {
		unclaimed := o.Status == domain.StatusPending && o.ClaimedBy == nil
		mine := o.Status == domain.StatusClaimed && o.ClaimedBy != nil && *o.ClaimedBy == token
		return unclaimed || mine
	}, func(o *domain.Order) {
		o.Status = domain.StatusPreparing
		setClaimant(o, token)
	})
}

func (s *Orders) AdvanceByClaimant(_ context.Context, orderID int64, token string, from, to domain.Status) (domain.Order, error) {
	return s.conditional(orderID, func(o *domain.Order) bool {
		return o.Status == from && o.ClaimedBy != nil && *o.ClaimedBy == token
	}, func(o *domain.Order) {
		o.Status = to
	})
}

func (s *Orders) AdvanceAny(_ context.Context, orderID int64, from, to domain.Status, clear bool) (domain.Order, error) {
	return s.conditional(orderID, func(o *domain.Order) bool {
		return o.Status == from
	}, func(o *domain.Order) {
		o.Status = to
		if clear {
			clearClaimant(o)
		}
	})
}

func (s *Orders) ForceStatus(_ context.Context, orderID int64, to domain.Status, clear bool) (domain.Order, error) {
	return s.conditional(orderID, func(o *domain.Order) bool {
		return true
	}, func(o *domain.Order) {
		o.Status = to
		if clear {
			clearClaimant(o)
		}
	})
}

func (s *Orders) DropClaimant(_ context.Context, orderID int64, token string) (domain.Order, error) {
	return s.conditional(orderID, func(o *domain.Order) bool {
		return o.Status == domain.StatusReady && o.ClaimedBy != nil && *o.ClaimedBy == token
	}, func(o *domain.Order) {
		clearClaimant(o)
	})
}

func (s *Orders) AppendStatusLog(_ context.Context, orderID int64, status domain.Status, changedBy string, override bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, StatusLogEntry{
		OrderID: orderID, Status: status, ChangedBy: changedBy,
		Override: override, At: time.Now().UTC(),
	})
	return nil
}

func (s *Orders) StatusLog() []StatusLogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StatusLogEntry, len(s.log))
	copy(out, s.log)
	return out
}

// conditional is the whole point of this package: predicate check and
// update happen under the same lock, like a single predicated UPDATE.
func (s *Orders) conditional(orderID int64, pred func(*domain.Order) bool, apply func(*domain.Order)) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if !pred(o) {
		return domain.Order{}, domain.ErrWriteConflict
	}
	apply(o)
	o.UpdatedAt = time.Now().UTC()
	return clone(o), nil
}

func setClaimant(o *domain.Order, token string) {
	t := token
	now := time.Now().UTC()
	o.ClaimedBy = &t
	o.ClaimedAt = &now
}

func clearClaimant(o *domain.Order) {
	o.ClaimedBy = nil
	o.ClaimedAt = nil
}

func clone(o *domain.Order) domain.Order {
	cp := *o
	if o.ClaimedBy != nil {
		t := *o.ClaimedBy
		cp.ClaimedBy = &t
	}
	if o.ClaimedAt != nil {
		at := *o.ClaimedAt
		cp.ClaimedAt = &at
	}
	cp.Items = append([]domain.OrderItem(nil), o.Items...)
	return cp
}

// Sessions mirrors storage.SessionStore.
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
}

func NewSessions() *Sessions {
	return &Sessions{sessions: make(map[string]*domain.Session)}
}

func (s *Sessions) Create(_ context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := sess
	cp.Claimed = append([]int64(nil), sess.Claimed...)
	s.sessions[sess.Token] = &cp
	return nil
}

func (s *Sessions) Get(_ context.Context, token string) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return domain.Session{}, domain.ErrSessionExpired
	}
	return cloneSession(sess), nil
}

func (s *Sessions) Touch(_ context.Context, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return domain.ErrSessionExpired
	}
	sess.LastSeen = at
	return nil
}

func (s *Sessions) SetStatus(_ context.Context, token string, status domain.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return domain.ErrSessionExpired
	}
	sess.Status = status
	return nil
}

func (s *Sessions) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
	return nil
}

func (s *Sessions) ListExpired(_ context.Context, olderThan time.Time) ([]domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Session
	for _, sess := range s.sessions {
		if sess.LastSeen.Before(olderThan) {
			out = append(out, cloneSession(sess))
		}
	}
	return out, nil
}

func (s *Sessions) AddClaim(_ context.Context, token string, orderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return domain.ErrSessionExpired
	}
	for _, id := range sess.Claimed {
		if id == orderID {
			return nil
		}
	}
	sess.Claimed = append(sess.Claimed, orderID)
	return nil
}

func (s *Sessions) RemoveClaim(_ context.Context, token string, orderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return nil // session already gone; nothing to reconcile
	}
	kept := sess.Claimed[:0]
	for _, id := range sess.Claimed {
		if id != orderID {
			kept = append(kept, id)
		}
	}
	sess.Claimed = kept
	return nil
}

func cloneSession(sess *domain.Session) domain.Session {
	cp := *sess
	cp.Claimed = append([]int64(nil), sess.Claimed...)
	return cp
}
