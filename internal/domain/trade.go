package domain

import (
	"time"

	"github.com/google/uuid"
)

// TradeID identifies a trade.
type TradeID string

// Trade is an immutable record of one fill of an order against the house.
type Trade struct {
	ID           TradeID
	UserID       UserID
	InstrumentID InstrumentID
	Symbol       string
	OrderID      OrderID
	Side         OrderSide
	Quantity     Quantity
	Price        Money
	Amount       Money // Price × Quantity
	CreatedAt    time.Time
}

// NewTrade builds the trade for a fill of qty shares of o at price.
// It fails with ErrInvariantViolation if the amount overflows.
func NewTrade(o *Order, price Money, qty Quantity, at time.Time) (*Trade, error) {
	amount, ok := price.MulChecked(qty)
	if !ok {
		return nil, Errorf(ErrInvariantViolation, "trade amount overflows: price=%d qty=%d", price, qty)
	}
	return &Trade{
		ID:           TradeID(uuid.New().String()),
		UserID:       o.UserID,
		InstrumentID: o.InstrumentID,
		Symbol:       o.Symbol,
		OrderID:      o.ID,
		Side:         o.Side,
		Quantity:     qty,
		Price:        price,
		Amount:       amount,
		CreatedAt:    at,
	}, nil
}
