package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/efreitasn/tradecore/internal/domain"
	"github.com/efreitasn/tradecore/internal/events"
	"github.com/efreitasn/tradecore/internal/service"
	"github.com/efreitasn/tradecore/internal/store"
)

// OrderHandler handles HTTP requests for orders, trades and positions.
type OrderHandler struct {
	orderSvc *service.OrderService
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(orderSvc *service.OrderService) *OrderHandler {
	return &OrderHandler{orderSvc: orderSvc}
}

// submitOrderRequest is the JSON request body for POST /users/{user_id}/orders.
type submitOrderRequest struct {
	OrderID         string  `json:"order_id"`
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	Kind            string  `json:"kind"`
	Quantity        int64   `json:"quantity"`
	LimitPriceMinor *int64  `json:"limit_price_minor"`
	StopPriceMinor  *int64  `json:"stop_price_minor"`
	ExpiresAt       *string `json:"expires_at"`
}

// orderListResponse is the JSON response for GET /users/{user_id}/orders.
type orderListResponse struct {
	Orders []events.OrderView `json:"orders"`
	Page   int                `json:"page"`
	Limit  int                `json:"limit"`
	Total  int                `json:"total"`
}

// tradeListResponse is the JSON response for GET /users/{user_id}/trades.
type tradeListResponse struct {
	Trades []events.TradeView `json:"trades"`
	Page   int                `json:"page"`
	Limit  int                `json:"limit"`
	Total  int                `json:"total"`
}

// positionListResponse is the JSON response for GET /users/{user_id}/positions.
type positionListResponse struct {
	Positions []events.PositionView `json:"positions"`
}

// SubmitOrder handles POST /users/{user_id}/orders.
func (h *OrderHandler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "VALIDATION", "expires_at must be a valid RFC 3339 timestamp")
			return
		}
		expiresAt = &t
	}

	order, err := h.orderSvc.SubmitOrder(r.Context(), userParam(r), service.SubmitOrderRequest{
		OrderID:    domain.OrderID(req.OrderID),
		Symbol:     req.Symbol,
		Side:       domain.OrderSide(strings.ToUpper(req.Side)),
		Kind:       domain.OrderKind(strings.ToUpper(req.Kind)),
		Quantity:   domain.Quantity(req.Quantity),
		LimitPrice: moneyPtr(req.LimitPriceMinor),
		StopPrice:  moneyPtr(req.StopPriceMinor),
		ExpiresAt:  expiresAt,
	})
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, events.NewOrderView(order))
}

// GetOrder handles GET /users/{user_id}/orders/{order_id}.
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := domain.OrderID(chi.URLParam(r, "order_id"))

	order, err := h.orderSvc.GetOrder(r.Context(), userParam(r), orderID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, events.NewOrderView(order))
}

// CancelOrder handles DELETE /users/{user_id}/orders/{order_id}.
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := domain.OrderID(chi.URLParam(r, "order_id"))

	order, err := h.orderSvc.CancelOrder(r.Context(), userParam(r), orderID)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, events.NewOrderView(order))
}

// ListOrders handles GET /users/{user_id}/orders.
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var f store.OrderFilter
	if s := q.Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			f.Statuses = append(f.Statuses, domain.OrderStatus(strings.ToUpper(strings.TrimSpace(part))))
		}
	}
	f.Symbol = q.Get("symbol")

	var err error
	if f.Page, f.Limit, err = pageParams(r); err != nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}
	if f.From, f.To, err = rangeParams(r); err != nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}

	orders, total, err := h.orderSvc.GetOrders(r.Context(), userParam(r), f)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	views := make([]events.OrderView, len(orders))
	for i, o := range orders {
		views[i] = events.NewOrderView(o)
	}
	page, limit := effectivePage(f.Page, f.Limit)
	WriteJSON(w, http.StatusOK, orderListResponse{Orders: views, Page: page, Limit: limit, Total: total})
}

// ListTrades handles GET /users/{user_id}/trades.
func (h *OrderHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := store.TradeFilter{
		Symbol:  q.Get("symbol"),
		OrderID: domain.OrderID(q.Get("order_id")),
	}

	var err error
	if f.Page, f.Limit, err = pageParams(r); err != nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}
	if f.From, f.To, err = rangeParams(r); err != nil {
		WriteError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}

	trades, total, err := h.orderSvc.GetTrades(r.Context(), userParam(r), f)
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	views := make([]events.TradeView, len(trades))
	for i, t := range trades {
		views[i] = events.NewTradeView(t)
	}
	page, limit := effectivePage(f.Page, f.Limit)
	WriteJSON(w, http.StatusOK, tradeListResponse{Trades: views, Page: page, Limit: limit, Total: total})
}

// ListPositions handles GET /users/{user_id}/positions.
func (h *OrderHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.orderSvc.ListPositions(r.Context(), userParam(r))
	if err != nil {
		WriteDomainError(w, err)
		return
	}

	views := make([]events.PositionView, len(positions))
	for i, p := range positions {
		views[i] = events.NewPositionView(p)
	}
	WriteJSON(w, http.StatusOK, positionListResponse{Positions: views})
}

// GetPosition handles GET /users/{user_id}/positions/{symbol}.
func (h *OrderHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	p, err := h.orderSvc.GetPosition(r.Context(), userParam(r), chi.URLParam(r, "symbol"))
	if err != nil {
		WriteDomainError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, events.NewPositionView(p))
}

func moneyPtr(v *int64) *domain.Money {
	if v == nil {
		return nil
	}
	m := domain.Money(*v)
	return &m
}

// pageParams reads page and limit. Missing values are left at zero for
// the service to default.
func pageParams(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	var page, limit int
	if p := q.Get("page"); p != "" {
		var err error
		if page, err = strconv.Atoi(p); err != nil {
			return 0, 0, errorString("page must be a valid integer")
		}
	}
	if l := q.Get("limit"); l != "" {
		var err error
		if limit, err = strconv.Atoi(l); err != nil {
			return 0, 0, errorString("limit must be a valid integer")
		}
	}
	return page, limit, nil
}

func rangeParams(r *http.Request) (*time.Time, *time.Time, error) {
	q := r.URL.Query()
	parse := func(name string) (*time.Time, error) {
		v := q.Get(name)
		if v == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, errorString(name + " must be a valid RFC 3339 timestamp")
		}
		return &t, nil
	}
	from, err := parse("from")
	if err != nil {
		return nil, nil, err
	}
	to, err := parse("to")
	if err != nil {
		return nil, nil, err
	}
	return from, to, nil
}

func effectivePage(page, limit int) (int, int) {
	if page == 0 {
		page = 1
	}
	if limit == 0 {
		limit = 20
	}
	return page, limit
}

type errorString string

func (e errorString) Error() string { return string(e) }
