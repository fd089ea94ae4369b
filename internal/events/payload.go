package events

import (
	"time"

	"github.com/efreitasn/tradecore/internal/domain"
)

// Envelope is the JSON form of an event, shared by webhooks and the
// websocket stream. Amounts are minor units.
type Envelope struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id"`
	Data      any       `json:"data"`
}

// NewEnvelope renders ev for the wire.
func NewEnvelope(ev domain.Event) Envelope {
	return Envelope{
		Event:     ev.Type,
		Timestamp: ev.OccurredAt.UTC(),
		UserID:    string(ev.UserID),
		Data:      View(ev.Payload),
	}
}

// View maps a domain entity to its JSON view. Unknown values pass
// through unchanged.
func View(payload any) any {
	switch p := payload.(type) {
	case *domain.Order:
		return NewOrderView(p)
	case *domain.Trade:
		return NewTradeView(p)
	case *domain.Position:
		return NewPositionView(p)
	case *domain.User:
		return NewUserView(p)
	}
	return payload
}

// OrderView is the JSON form of an order.
type OrderView struct {
	OrderID                  string     `json:"order_id"`
	UserID                   string     `json:"user_id"`
	Symbol                   string     `json:"symbol"`
	Side                     string     `json:"side"`
	Kind                     string     `json:"kind"`
	Quantity                 int64      `json:"quantity"`
	FilledQuantity           int64      `json:"filled_quantity"`
	RemainingQuantity        int64      `json:"remaining_quantity"`
	LimitPriceMinor          *int64     `json:"limit_price_minor"`
	StopPriceMinor           *int64     `json:"stop_price_minor"`
	AvgFillPriceMinor        *int64     `json:"avg_fill_price_minor"`
	MarketPriceAtSubmitMinor int64      `json:"market_price_at_submit_minor"`
	Status                   string     `json:"status"`
	RejectReason             string     `json:"reject_reason,omitempty"`
	CreatedAt                time.Time  `json:"created_at"`
	UpdatedAt                time.Time  `json:"updated_at"`
	ExpiresAt                *time.Time `json:"expires_at"`
	ExecutedAt               *time.Time `json:"executed_at"`
}

// NewOrderView builds the view of o.
func NewOrderView(o *domain.Order) OrderView {
	v := OrderView{
		OrderID:                  string(o.ID),
		UserID:                   string(o.UserID),
		Symbol:                   o.Symbol,
		Side:                     string(o.Side),
		Kind:                     string(o.Kind),
		Quantity:                 int64(o.RequestedQty),
		FilledQuantity:           int64(o.FilledQty),
		RemainingQuantity:        int64(o.Remaining()),
		LimitPriceMinor:          minorPtr(o.LimitPrice),
		StopPriceMinor:           minorPtr(o.StopPrice),
		MarketPriceAtSubmitMinor: int64(o.MarketPriceAtSubmit),
		Status:                   string(o.Status),
		RejectReason:             o.RejectReason,
		CreatedAt:                o.CreatedAt.UTC(),
		UpdatedAt:                o.UpdatedAt.UTC(),
		ExpiresAt:                utcPtr(o.ExpiresAt),
		ExecutedAt:               utcPtr(o.ExecutedAt),
	}
	if avg, ok := o.AveragePrice(); ok {
		a := int64(avg)
		v.AvgFillPriceMinor = &a
	}
	return v
}

// TradeView is the JSON form of a trade.
type TradeView struct {
	TradeID     string    `json:"trade_id"`
	OrderID     string    `json:"order_id"`
	UserID      string    `json:"user_id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Quantity    int64     `json:"quantity"`
	PriceMinor  int64     `json:"price_minor"`
	AmountMinor int64     `json:"amount_minor"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewTradeView builds the view of t.
func NewTradeView(t *domain.Trade) TradeView {
	return TradeView{
		TradeID:     string(t.ID),
		OrderID:     string(t.OrderID),
		UserID:      string(t.UserID),
		Symbol:      t.Symbol,
		Side:        string(t.Side),
		Quantity:    int64(t.Quantity),
		PriceMinor:  int64(t.Price),
		AmountMinor: int64(t.Amount),
		CreatedAt:   t.CreatedAt.UTC(),
	}
}

// PositionView is the JSON form of a position. A zero quantity reports a
// position that was closed.
type PositionView struct {
	UserID            string    `json:"user_id"`
	Symbol            string    `json:"symbol"`
	Quantity          int64     `json:"quantity"`
	AvgCostBasisMinor int64     `json:"avg_cost_basis_minor"`
	CostBasisMinor    int64     `json:"cost_basis_minor"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// NewPositionView builds the view of p.
func NewPositionView(p *domain.Position) PositionView {
	return PositionView{
		UserID:            string(p.UserID),
		Symbol:            p.Symbol,
		Quantity:          int64(p.Quantity),
		AvgCostBasisMinor: int64(p.AvgCostBasis),
		CostBasisMinor:    int64(p.CostBasis()),
		UpdatedAt:         p.UpdatedAt.UTC(),
	}
}

// UserView is the JSON form of a user account.
type UserView struct {
	UserID       string    `json:"user_id"`
	BalanceMinor int64     `json:"balance_minor"`
	IsBanned     bool      `json:"is_banned"`
	Roles        []string  `json:"roles"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewUserView builds the view of u.
func NewUserView(u *domain.User) UserView {
	roles := u.Roles
	if roles == nil {
		roles = []string{}
	}
	return UserView{
		UserID:       string(u.ID),
		BalanceMinor: int64(u.Balance),
		IsBanned:     u.IsBanned,
		Roles:        roles,
		CreatedAt:    u.CreatedAt.UTC(),
	}
}

func minorPtr(m *domain.Money) *int64 {
	if m == nil {
		return nil
	}
	v := int64(*m)
	return &v
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
