package domain

import (
	"time"

	"github.com/google/uuid"
)

// OrderKind selects the trigger semantics of an order.
type OrderKind string

const (
	OrderKindMarket    OrderKind = "MARKET"
	OrderKindLimit     OrderKind = "LIMIT"
	OrderKindStop      OrderKind = "STOP"
	OrderKindStopLimit OrderKind = "STOP_LIMIT"
)

// Valid reports whether k is a known order kind.
func (k OrderKind) Valid() bool {
	switch k {
	case OrderKindMarket, OrderKindLimit, OrderKindStop, OrderKindStopLimit:
		return true
	}
	return false
}

// Conditional reports whether orders of this kind may rest on the book.
func (k OrderKind) Conditional() bool {
	return k == OrderKindLimit || k == OrderKindStop || k == OrderKindStopLimit
}

// OrderSide indicates whether an order buys or sells.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Valid reports whether s is a known side.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusTriggered       OrderStatus = "TRIGGERED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// LiveStatuses are the non-terminal statuses.
var LiveStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusTriggered,
	OrderStatusPartiallyFilled,
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusTriggered, OrderStatusPartiallyFilled,
		OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// IsLive reports whether the order can still fill, be cancelled or expire.
func (s OrderStatus) IsLive() bool {
	return s == OrderStatusPending || s == OrderStatusTriggered || s == OrderStatusPartiallyFilled
}

// IsTerminal reports whether s is a sink of the state machine.
func (s OrderStatus) IsTerminal() bool {
	return s.Valid() && !s.IsLive()
}

// OrderID identifies an order.
type OrderID string

// NewOrderID returns a fresh random order id.
func NewOrderID() OrderID {
	return OrderID(uuid.New().String())
}

// Order is a user instruction to buy or sell an instrument against the
// house at the market price, subject to the kind's trigger conditions.
type Order struct {
	ID                  OrderID
	UserID              UserID
	InstrumentID        InstrumentID
	Symbol              string
	Side                OrderSide
	Kind                OrderKind
	RequestedQty        Quantity
	FilledQty           Quantity
	LimitPrice          *Money
	StopPrice           *Money
	AvgFillPrice        *Money
	MarketPriceAtSubmit Money // 0 when no tick existed at submit
	Status              OrderStatus
	RejectReason        string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	ExpiresAt           *time.Time
	ExecutedAt          *time.Time
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() Quantity {
	return o.RequestedQty - o.FilledQty
}

// Fillable reports whether the order is live and has quantity left.
// This is the predicate of the at-most-once fill lock.
func (o *Order) Fillable() bool {
	return o.Status.IsLive() && o.FilledQty < o.RequestedQty
}

// AveragePrice returns the volume-weighted average fill price, or
// (0, false) when nothing has been filled.
func (o *Order) AveragePrice() (Money, bool) {
	if o.FilledQty == 0 || o.AvgFillPrice == nil {
		return 0, false
	}
	return *o.AvgFillPrice, true
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.LimitPrice = cloneMoney(o.LimitPrice)
	c.StopPrice = cloneMoney(o.StopPrice)
	c.AvgFillPrice = cloneMoney(o.AvgFillPrice)
	c.ExpiresAt = cloneTime(o.ExpiresAt)
	c.ExecutedAt = cloneTime(o.ExecutedAt)
	return &c
}

// ValidateShape checks the kind-specific price fields.
func (o *Order) ValidateShape() error {
	if !o.Kind.Valid() {
		return &ValidationError{Message: "kind must be one of: MARKET, LIMIT, STOP, STOP_LIMIT"}
	}
	if !o.Side.Valid() {
		return &ValidationError{Message: "side must be 'BUY' or 'SELL'"}
	}
	if o.RequestedQty <= 0 {
		return &ValidationError{Message: "quantity must be a positive integer"}
	}

	needLimit := o.Kind == OrderKindLimit || o.Kind == OrderKindStopLimit
	needStop := o.Kind == OrderKindStop || o.Kind == OrderKindStopLimit

	switch {
	case needLimit && o.LimitPrice == nil:
		return &ValidationError{Message: "limit_price is required for " + string(o.Kind) + " orders"}
	case !needLimit && o.LimitPrice != nil:
		return &ValidationError{Message: string(o.Kind) + " orders must not include limit_price"}
	case needStop && o.StopPrice == nil:
		return &ValidationError{Message: "stop_price is required for " + string(o.Kind) + " orders"}
	case !needStop && o.StopPrice != nil:
		return &ValidationError{Message: string(o.Kind) + " orders must not include stop_price"}
	}
	if o.LimitPrice != nil && *o.LimitPrice <= 0 {
		return &ValidationError{Message: "limit_price must be greater than 0"}
	}
	if o.StopPrice != nil && *o.StopPrice <= 0 {
		return &ValidationError{Message: "stop_price must be greater than 0"}
	}
	return nil
}

func cloneMoney(m *Money) *Money {
	if m == nil {
		return nil
	}
	v := *m
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
