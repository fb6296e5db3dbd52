package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tableflow/internal/claim"
	"tableflow/internal/domain"
	"tableflow/internal/logger"
	"tableflow/internal/rules"
	"tableflow/internal/session"
)

// Orders is the storage slice the HTTP surface needs beyond the
// coordinator: intake and the refetch reads.
type Orders interface {
	Create(ctx context.Context, o domain.Order) (domain.Order, error)
	Get(ctx context.Context, orderID int64) (domain.Order, error)
	ListActive(ctx context.Context, restaurantID string) ([]domain.Order, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev domain.ChangeEvent) error
}

type Handler struct {
	orders   Orders
	coord    *claim.Coordinator
	sessions *session.Manager
	rules    *rules.Table
	pub      Publisher
	lg       *logger.Logger
}

func NewHandler(orders Orders, coord *claim.Coordinator, sessions *session.Manager, tbl *rules.Table, pub Publisher, lg *logger.Logger) *Handler {
	return &Handler{orders: orders, coord: coord, sessions: sessions, rules: tbl, pub: pub, lg: lg}
}

func (h *Handler) Router() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/orders", h.IntakeOrder)
	mux.HandleFunc("GET /api/v1/orders", h.ListActive)
	mux.HandleFunc("GET /api/v1/orders/{order_id}", h.GetOrder)
	mux.HandleFunc("GET /api/v1/orders/{order_id}/transitions", h.AvailableTransitions)
	mux.HandleFunc("POST /api/v1/orders/{order_id}/claim", h.action((*claim.Coordinator).Claim))
	mux.HandleFunc("POST /api/v1/orders/{order_id}/start", h.action((*claim.Coordinator).StartPreparing))
	mux.HandleFunc("POST /api/v1/orders/{order_id}/ready", h.action((*claim.Coordinator).MarkReady))
	mux.HandleFunc("POST /api/v1/orders/{order_id}/served", h.action((*claim.Coordinator).MarkServed))
	mux.HandleFunc("POST /api/v1/orders/{order_id}/release", h.action((*claim.Coordinator).Release))
	mux.HandleFunc("POST /api/v1/orders/{order_id}/override", h.OverrideOrder)
	mux.HandleFunc("POST /api/v1/kitchen/join", h.Join)
	mux.HandleFunc("POST /api/v1/kitchen/heartbeat", h.Heartbeat)
	mux.HandleFunc("POST /api/v1/kitchen/status", h.SetStatus)
	mux.HandleFunc("POST /api/v1/kitchen/leave", h.Leave)
	return mux
}

// ---- intake (the ordering flow lives elsewhere; this is its entry) ----

type intakeItem struct {
	Name         string  `json:"name"`
	Quantity     int     `json:"quantity"`
	UnitPrice    float64 `json:"unit_price"`
	Instructions string  `json:"instructions,omitempty"`
}

type intakeRequest struct {
	RestaurantID string       `json:"restaurant_id"`
	Items        []intakeItem `json:"items"`
}

func (h *Handler) IntakeOrder(w http.ResponseWriter, r *http.Request) {
	var req intakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "bad_json", "request body is not valid JSON")
		return
	}
	order, err := buildOrder(req)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	created, err := h.orders.Create(r.Context(), order)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.publish(r.Context(), created, domain.EventCreated)
	h.lg.Debug("order_received", map[string]any{"order_id": created.ID, "total": created.TotalAmount})
	writeJSON(w, http.StatusCreated, created)
}

func buildOrder(req intakeRequest) (domain.Order, error) {
	if req.RestaurantID == "" {
		return domain.Order{}, fmt.Errorf("restaurant_id is required")
	}
	if len(req.Items) == 0 {
		return domain.Order{}, fmt.Errorf("at least one item is required")
	}
	total := 0.0
	items := make([]domain.OrderItem, 0, len(req.Items))
	for _, it := range req.Items {
		if it.Name == "" {
			return domain.Order{}, fmt.Errorf("item name is required")
		}
		if it.Quantity <= 0 {
			return domain.Order{}, fmt.Errorf("invalid quantity for item %s", it.Name)
		}
		if it.UnitPrice <= 0 {
			return domain.Order{}, fmt.Errorf("invalid price for item %s", it.Name)
		}
		total += float64(it.Quantity) * it.UnitPrice
		items = append(items, domain.OrderItem{
			Name: it.Name, Quantity: it.Quantity, UnitPrice: it.UnitPrice,
			Instructions: it.Instructions, PrepStatus: domain.ItemQueued,
		})
	}
	priority := 1
	switch {
	case total >= 100:
		priority = 10
	case total >= 50:
		priority = 5
	}
	return domain.Order{
		RestaurantID: req.RestaurantID,
		Status:       domain.StatusPending,
		TotalAmount:  total,
		Priority:     priority,
		Items:        items,
	}, nil
}

// ---- reads ----

func (h *Handler) ListActive(w http.ResponseWriter, r *http.Request) {
	restaurantID := r.URL.Query().Get("restaurant_id")
	if restaurantID == "" {
		writeProblem(w, http.StatusBadRequest, "validation_failed", "restaurant_id is required")
		return
	}
	orders, err := h.orders.ListActive(r.Context(), restaurantID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	o, err := h.orders.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) AvailableTransitions(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	o, err := h.orders.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	available := h.rules.AvailableTransitions(o, actorFrom(r))
	if available == nil {
		available = []domain.Status{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": id, "transitions": available})
}

// ---- worker actions ----

type actionRequest struct {
	SessionToken string `json:"session_token"`
}

// action adapts one coordinator method to an HTTP handler; every one has
// the same (orderID, sessionToken) shape.
func (h *Handler) action(op func(*claim.Coordinator, context.Context, int64, string) (domain.Order, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := orderID(w, r)
		if !ok {
			return
		}
		var req actionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionToken == "" {
			writeProblem(w, http.StatusBadRequest, "validation_failed", "session_token is required")
			return
		}
		o, err := op(h.coord, r.Context(), id, req.SessionToken)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, o)
	}
}

type overrideRequest struct {
	TargetStatus domain.Status `json:"target_status"`
}

func (h *Handler) OverrideOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "bad_json", "request body is not valid JSON")
		return
	}
	o, err := h.coord.Override(r.Context(), id, req.TargetStatus, actorFrom(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ---- presence ----

type joinRequest struct {
	RestaurantID string `json:"restaurant_id"`
	DisplayName  string `json:"display_name"`
	Station      string `json:"station,omitempty"`
}

func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "bad_json", "request body is not valid JSON")
		return
	}
	sess, err := h.sessions.Join(r.Context(), req.RestaurantID, req.DisplayName, req.Station)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionToken == "" {
		writeProblem(w, http.StatusBadRequest, "validation_failed", "session_token is required")
		return
	}
	if err := h.sessions.Heartbeat(r.Context(), req.SessionToken); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type setStatusRequest struct {
	SessionToken string               `json:"session_token"`
	Status       domain.SessionStatus `json:"status"`
}

func (h *Handler) SetStatus(w http.ResponseWriter, r *http.Request) {
	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionToken == "" {
		writeProblem(w, http.StatusBadRequest, "validation_failed", "session_token is required")
		return
	}
	if err := h.sessions.SetStatus(r.Context(), req.SessionToken, req.Status); err != nil {
		if errors.Is(err, domain.ErrSessionExpired) {
			h.writeError(w, err)
			return
		}
		writeProblem(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionToken == "" {
		writeProblem(w, http.StatusBadRequest, "validation_failed", "session_token is required")
		return
	}
	if err := h.sessions.Leave(r.Context(), req.SessionToken); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// ---- plumbing ----

func (h *Handler) publish(ctx context.Context, o domain.Order, event string) {
	ev := domain.ChangeEvent{
		Table: domain.TableOrders, EventType: event,
		RestaurantID: o.RestaurantID, OrderID: o.ID,
		OccurredAt: time.Now().UTC(),
	}
	if err := h.pub.Publish(ctx, ev); err != nil {
		h.lg.Warn("change_publish_failed", err, map[string]any{"order_id": o.ID})
	}
}

// actorFrom derives the permission context. Authentication itself is the
// gateway's job; these headers arrive already verified. X-Restaurant-ID
// scopes the owner: overrides against another restaurant's orders look
// like missing orders, same as the staff paths.
func actorFrom(r *http.Request) domain.Actor {
	role := domain.Role(r.Header.Get("X-Actor-Role"))
	token := r.Header.Get("X-Session-Token")
	switch role {
	case domain.RoleOwner:
		return domain.OwnerActor(r.Header.Get("X-Restaurant-ID"))
	case domain.RoleCustomer:
		return domain.Actor{Role: domain.RoleCustomer}
	default:
		return domain.StaffActor(token)
	}
}

// writeError maps the domain taxonomy onto problem JSON.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var denied *domain.TransitionDeniedError
	switch {
	case errors.As(err, &denied):
		writeProblem(w, http.StatusUnprocessableEntity, "transition_denied", denied.Reason)
	case errors.Is(err, domain.ErrAlreadyClaimed):
		writeProblem(w, http.StatusConflict, "already_claimed", "order was claimed by someone else")
	case errors.Is(err, domain.ErrNotYourClaim):
		writeProblem(w, http.StatusConflict, "not_your_claim", "order is not claimed by this session")
	case errors.Is(err, domain.ErrSessionExpired):
		writeProblem(w, http.StatusUnauthorized, "session_expired", "session expired; join the kitchen again")
	case errors.Is(err, domain.ErrOrderNotFound):
		writeProblem(w, http.StatusNotFound, "not_found", "order not found")
	default:
		h.lg.Error("internal_error", err, nil)
		writeProblem(w, http.StatusInternalServerError, "internal_error", "unexpected error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// simplified RFC7807 problem body
func writeProblem(w http.ResponseWriter, code int, typ, detail string) {
	writeJSON(w, code, map[string]any{
		"type":   typ,
		"title":  http.StatusText(code),
		"status": code,
		"detail": detail,
	})
}

func orderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(r.PathValue("order_id"))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeProblem(w, http.StatusBadRequest, "validation_failed", "order_id must be a positive integer")
		return 0, false
	}
	return id, true
}
