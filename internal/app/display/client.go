package display

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"tableflow/internal/domain"
)

// APIClient talks to the engine server. A timed-out mutation has an
// unknown outcome; callers must revert their optimistic state and let the
// next refetch settle it, never resend the mutation.
type APIClient struct {
	base         string
	http         *http.Client
	token        string
	restaurantID string
}

func NewAPIClient(base string, timeout time.Duration) *APIClient {
	return &APIClient{base: base, http: &http.Client{Timeout: timeout}}
}

func (c *APIClient) Token() string { return c.token }

type problemBody struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

// decodeError maps the engine's problem JSON back onto the domain
// taxonomy so client code can errors.Is its way through.
func decodeError(resp *http.Response) error {
	var p problemBody
	_ = json.NewDecoder(resp.Body).Decode(&p)
	switch p.Type {
	case "already_claimed":
		return domain.ErrAlreadyClaimed
	case "not_your_claim":
		return domain.ErrNotYourClaim
	case "session_expired":
		return domain.ErrSessionExpired
	case "not_found":
		return domain.ErrOrderNotFound
	case "transition_denied":
		return &domain.TransitionDeniedError{Reason: p.Detail}
	}
	return fmt.Errorf("engine returned %d: %s", resp.StatusCode, p.Detail)
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *APIClient) Join(ctx context.Context, restaurantID, displayName, station string) (domain.Session, error) {
	var sess domain.Session
	err := c.do(ctx, http.MethodPost, "/api/v1/kitchen/join", map[string]string{
		"restaurant_id": restaurantID,
		"display_name":  displayName,
		"station":       station,
	}, &sess)
	if err != nil {
		return domain.Session{}, err
	}
	c.token = sess.Token
	c.restaurantID = restaurantID
	return sess, nil
}

func (c *APIClient) Heartbeat(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/kitchen/heartbeat",
		map[string]string{"session_token": c.token}, nil)
}

func (c *APIClient) Leave(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/kitchen/leave",
		map[string]string{"session_token": c.token}, nil)
}

// FetchActive is the sync loop's refetch: the full active board in one
// read.
func (c *APIClient) FetchActive(ctx context.Context) ([]domain.Order, error) {
	var out struct {
		Orders []domain.Order `json:"orders"`
	}
	path := "/api/v1/orders?restaurant_id=" + url.QueryEscape(c.restaurantID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Orders, nil
}

func (c *APIClient) action(ctx context.Context, orderID int64, verb string) (domain.Order, error) {
	var o domain.Order
	err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/v1/orders/%d/%s", orderID, verb),
		map[string]string{"session_token": c.token}, &o)
	return o, err
}

func (c *APIClient) Claim(ctx context.Context, orderID int64) (domain.Order, error) {
	return c.action(ctx, orderID, "claim")
}

func (c *APIClient) StartPreparing(ctx context.Context, orderID int64) (domain.Order, error) {
	return c.action(ctx, orderID, "start")
}

func (c *APIClient) MarkReady(ctx context.Context, orderID int64) (domain.Order, error) {
	return c.action(ctx, orderID, "ready")
}

func (c *APIClient) MarkServed(ctx context.Context, orderID int64) (domain.Order, error) {
	return c.action(ctx, orderID, "served")
}

func (c *APIClient) Release(ctx context.Context, orderID int64) (domain.Order, error) {
	return c.action(ctx, orderID, "release")
}
