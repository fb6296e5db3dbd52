package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tableflow/internal/domain"
)

// SessionStore keeps worker presence rows and the claim bookkeeping
// table. The claimed set here is advisory (healed by the sweep); the
// orders.claimed_by column is the authority.
type SessionStore struct {
	pool *pgxpool.Pool
}

func NewSessionStore(pool *pgxpool.Pool) *SessionStore { return &SessionStore{pool: pool} }

func (s *SessionStore) Create(ctx context.Context, sess domain.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (token, restaurant_id, display_name, station, status, last_seen, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sess.Token, sess.RestaurantID, sess.DisplayName, sess.Station,
		string(sess.Status), sess.LastSeen, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, token string) (domain.Session, error) {
	var sess domain.Session
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT token, restaurant_id, display_name, station, status, last_seen, created_at
		FROM sessions WHERE token=$1`, token).
		Scan(&sess.Token, &sess.RestaurantID, &sess.DisplayName, &sess.Station,
			&status, &sess.LastSeen, &sess.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Session{}, domain.ErrSessionExpired
	}
	if err != nil {
		return domain.Session{}, err
	}
	sess.Status = domain.SessionStatus(status)

	rows, err := s.pool.Query(ctx,
		`SELECT order_id FROM session_claims WHERE session_token=$1 ORDER BY claimed_at`, token)
	if err != nil {
		return domain.Session{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return domain.Session{}, err
		}
		sess.Claimed = append(sess.Claimed, id)
	}
	return sess, rows.Err()
}

func (s *SessionStore) Touch(ctx context.Context, token string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET last_seen=$2 WHERE token=$1`, token, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSessionExpired
	}
	return nil
}

func (s *SessionStore) SetStatus(ctx context.Context, token string, status domain.SessionStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status=$2, last_seen=now() WHERE token=$1`, token, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSessionExpired
	}
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, token string) error {
	// session_claims rows go with it via ON DELETE CASCADE
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE token=$1`, token)
	return err
}

// ListExpired reads last_seen at sweep time, so a heartbeat racing the
// sweep keeps its session.
func (s *SessionStore) ListExpired(ctx context.Context, olderThan time.Time) ([]domain.Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT token FROM sessions WHERE last_seen < $1`, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []domain.Session
	for _, token := range tokens {
		sess, err := s.Get(ctx, token)
		if errors.Is(err, domain.ErrSessionExpired) {
			continue // already swept by a concurrent sweeper
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *SessionStore) AddClaim(ctx context.Context, token string, orderID int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_claims (session_token, order_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`, token, orderID)
	return err
}

func (s *SessionStore) RemoveClaim(ctx context.Context, token string, orderID int64) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM session_claims WHERE session_token=$1 AND order_id=$2`, token, orderID)
	return err
}
