package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tableflow/internal/domain"
)

// OrderStore performs every order mutation as one predicated UPDATE.
// The where-clause is the concurrency control: if the predicate no longer
// holds at write time, no row is touched and the caller gets
// domain.ErrWriteConflict to classify.
type OrderStore struct {
	pool *pgxpool.Pool
}

func NewOrderStore(pool *pgxpool.Pool) *OrderStore { return &OrderStore{pool: pool} }

const orderColumns = `id, restaurant_id, status, total_amount, priority, claimed_by, claimed_at, created_at, updated_at`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var status string
	err := row.Scan(&o.ID, &o.RestaurantID, &status, &o.TotalAmount, &o.Priority,
		&o.ClaimedBy, &o.ClaimedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return domain.Order{}, err
	}
	o.Status = domain.Status(status)
	return o, nil
}

// Create inserts the order, its items and the first status-log row in one
// transaction. Used by the intake endpoint; lifecycle mutations never go
// through transactions, only through conditional single-row updates.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) (domain.Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.Order{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if o.Status == "" {
		o.Status = domain.StatusPending
	}
	created, err := scanOrder(tx.QueryRow(ctx, `
		INSERT INTO orders (restaurant_id, status, total_amount, priority)
		VALUES ($1, $2, $3, $4)
		RETURNING `+orderColumns,
		o.RestaurantID, string(o.Status), o.TotalAmount, o.Priority))
	if err != nil {
		return domain.Order{}, fmt.Errorf("insert order: %w", err)
	}
	for _, item := range o.Items {
		if item.PrepStatus == "" {
			item.PrepStatus = domain.ItemQueued
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_items (order_id, name, quantity, unit_price, instructions, prep_status)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			created.ID, item.Name, item.Quantity, item.UnitPrice, item.Instructions, string(item.PrepStatus)); err != nil {
			return domain.Order{}, fmt.Errorf("insert item %s: %w", item.Name, err)
		}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO order_status_log (order_id, status, changed_by)
		VALUES ($1, $2, 'intake')`,
		created.ID, string(created.Status)); err != nil {
		return domain.Order{}, fmt.Errorf("insert status log: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Order{}, fmt.Errorf("commit: %w", err)
	}
	created.Items = o.Items
	return created, nil
}

func (s *OrderStore) Get(ctx context.Context, orderID int64) (domain.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id=$1`, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, err
	}
	items, err := s.itemsFor(ctx, []int64{o.ID})
	if err != nil {
		return domain.Order{}, err
	}
	o.Items = items[o.ID]
	return o, nil
}

// ListActive returns every non-terminal order of the restaurant with
// items and the claimant's display name attached. This is the sync
// loop's refetch target.
func (s *OrderStore) ListActive(ctx context.Context, restaurantID string) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT o.id, o.restaurant_id, o.status, o.total_amount, o.priority,
		       o.claimed_by, o.claimed_at, o.created_at, o.updated_at,
		       s.display_name
		FROM orders o
		LEFT JOIN sessions s ON s.token = o.claimed_by
		WHERE o.restaurant_id=$1 AND o.status NOT IN ('served','cancelled')
		ORDER BY o.priority DESC, o.created_at ASC`, restaurantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Order
	var ids []int64
	for rows.Next() {
		var o domain.Order
		var status string
		if err := rows.Scan(&o.ID, &o.RestaurantID, &status, &o.TotalAmount, &o.Priority,
			&o.ClaimedBy, &o.ClaimedAt, &o.CreatedAt, &o.UpdatedAt, &o.ClaimedByName); err != nil {
			return nil, err
		}
		o.Status = domain.Status(status)
		out = append(out, o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	items, err := s.itemsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Items = items[out[i].ID]
	}
	return out, nil
}

func (s *OrderStore) itemsFor(ctx context.Context, orderIDs []int64) (map[int64][]domain.OrderItem, error) {
	if len(orderIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, name, quantity, unit_price, instructions, prep_status
		FROM order_items WHERE order_id = ANY($1) ORDER BY id`, orderIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64][]domain.OrderItem)
	for rows.Next() {
		var it domain.OrderItem
		var prep string
		if err := rows.Scan(&it.ID, &it.OrderID, &it.Name, &it.Quantity, &it.UnitPrice, &it.Instructions, &prep); err != nil {
			return nil, err
		}
		it.PrepStatus = domain.ItemStatus(prep)
		out[it.OrderID] = append(out[it.OrderID], it)
	}
	return out, rows.Err()
}

// conditional runs one predicated UPDATE. ErrNoRows from RETURNING means
// the predicate failed; a follow-up existence check tells a missing order
// apart from a lost race.
func (s *OrderStore) conditional(ctx context.Context, orderID int64, query string, args ...any) (domain.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, err
	}
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM orders WHERE id=$1)`, orderID).Scan(&exists); err != nil {
		return domain.Order{}, err
	}
	if !exists {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return domain.Order{}, domain.ErrWriteConflict
}

func (s *OrderStore) ClaimPending(ctx context.Context, orderID int64, token string) (domain.Order, error) {
	return s.conditional(ctx, orderID, `
		UPDATE orders
		SET status='claimed', claimed_by=$2, claimed_at=now(), updated_at=now()
		WHERE id=$1 AND status='pending' AND claimed_by IS NULL
		RETURNING `+orderColumns, orderID, token)
}

func (s *OrderStore) ReleaseClaim(ctx context.Context, orderID int64, token string) (domain.Order, error) {
	return s.conditional(ctx, orderID, `
		UPDATE orders
		SET status='pending', claimed_by=NULL, claimed_at=NULL, updated_at=now()
		WHERE id=$1 AND claimed_by=$2 AND status IN ('claimed','preparing')
		RETURNING `+orderColumns, orderID, token)
}

// ClaimAndStart collapses the claim race and the advance race into one
// write: claim-and-advance for an unclaimed pending order, plain advance
// for an order this session already holds.
func (s *OrderStore) ClaimAndStart(ctx context.Context, orderID int64, token string) (domain.Order, error) {
	return s.conditional(ctx, orderID, `
		UPDATE orders
		SET status='preparing', claimed_by=$2,
		    claimed_at=COALESCE(claimed_at, now()), updated_at=now()
		WHERE id=$1 AND ((status='pending' AND claimed_by IS NULL)
		              OR (status='claimed' AND claimed_by=$2))
		RETURNING `+orderColumns, orderID, token)
}

func (s *OrderStore) AdvanceByClaimant(ctx context.Context, orderID int64, token string, from, to domain.Status) (domain.Order, error) {
	return s.conditional(ctx, orderID, `
		UPDATE orders
		SET status=$4, updated_at=now()
		WHERE id=$1 AND claimed_by=$2 AND status=$3
		RETURNING `+orderColumns, orderID, token, string(from), string(to))
}

func (s *OrderStore) AdvanceAny(ctx context.Context, orderID int64, from, to domain.Status, clearClaimant bool) (domain.Order, error) {
	if clearClaimant {
		return s.conditional(ctx, orderID, `
			UPDATE orders
			SET status=$3, claimed_by=NULL, claimed_at=NULL, updated_at=now()
			WHERE id=$1 AND status=$2
			RETURNING `+orderColumns, orderID, string(from), string(to))
	}
	return s.conditional(ctx, orderID, `
		UPDATE orders
		SET status=$3, updated_at=now()
		WHERE id=$1 AND status=$2
		RETURNING `+orderColumns, orderID, string(from), string(to))
}

// ForceStatus is the owner override write: no claimant predicate, last
// write wins against any in-flight worker operation.
func (s *OrderStore) ForceStatus(ctx context.Context, orderID int64, to domain.Status, clearClaimant bool) (domain.Order, error) {
	if clearClaimant {
		return s.conditional(ctx, orderID, `
			UPDATE orders
			SET status=$2, claimed_by=NULL, claimed_at=NULL, updated_at=now()
			WHERE id=$1
			RETURNING `+orderColumns, orderID, string(to))
	}
	return s.conditional(ctx, orderID, `
		UPDATE orders
		SET status=$2, updated_at=now()
		WHERE id=$1
		RETURNING `+orderColumns, orderID, string(to))
}

func (s *OrderStore) DropClaimant(ctx context.Context, orderID int64, token string) (domain.Order, error) {
	return s.conditional(ctx, orderID, `
		UPDATE orders
		SET claimed_by=NULL, claimed_at=NULL, updated_at=now()
		WHERE id=$1 AND claimed_by=$2 AND status='ready'
		RETURNING `+orderColumns, orderID, token)
}

func (s *OrderStore) AppendStatusLog(ctx context.Context, orderID int64, status domain.Status, changedBy string, override bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO order_status_log (order_id, status, changed_by, override)
		VALUES ($1, $2, $3, $4)`, orderID, string(status), changedBy, override)
	return err
}
