package engine

import (
	"github.com/efreitasn/tradecore/internal/domain"
)

// Action is what the matcher should do with an order at the current price.
type Action int

const (
	// ActionPark leaves the order resting until the next tick.
	ActionPark Action = iota
	// ActionFill executes the remaining quantity at Decision.Price.
	ActionFill
	// ActionTrigger moves a PENDING stop order to TRIGGERED.
	ActionTrigger
	// ActionReject terminates the order with Decision.Err.
	ActionReject
)

func (a Action) String() string {
	switch a {
	case ActionPark:
		return "park"
	case ActionFill:
		return "fill"
	case ActionTrigger:
		return "trigger"
	case ActionReject:
		return "reject"
	}
	return "unknown"
}

// Decision is the outcome of evaluating an order against a quote.
type Decision struct {
	Action Action
	Price  domain.Money // execution price, set for ActionFill
	Err    error        // reason, set for ActionReject
}

// evaluator decides one order kind. quoteErr is non-nil when there is no
// usable market price.
type evaluator func(o *domain.Order, market domain.Money, quoteErr error) Decision

var evaluators = map[domain.OrderKind]evaluator{
	domain.OrderKindMarket:    evaluateMarket,
	domain.OrderKindLimit:     evaluateLimit,
	domain.OrderKindStop:      evaluateStop,
	domain.OrderKindStopLimit: evaluateStopLimit,
}

// Evaluate decides what to do with o given the market price. It is pure:
// it never touches the store, the book or the clock.
func Evaluate(o *domain.Order, market domain.Money, quoteErr error) Decision {
	if !o.Fillable() {
		return Decision{Action: ActionReject, Err: domain.ErrAlreadyFilledOrTerminal}
	}
	eval, ok := evaluators[o.Kind]
	if !ok {
		return Decision{Action: ActionReject, Err: domain.Errorf(domain.ErrValidation, "unknown order kind %q", o.Kind)}
	}
	return eval(o, market, quoteErr)
}

func evaluateMarket(_ *domain.Order, market domain.Money, quoteErr error) Decision {
	if quoteErr != nil {
		return Decision{Action: ActionReject, Err: quoteErr}
	}
	return Decision{Action: ActionFill, Price: market}
}

func evaluateLimit(o *domain.Order, market domain.Money, quoteErr error) Decision {
	if quoteErr != nil || o.LimitPrice == nil {
		return Decision{Action: ActionPark}
	}
	if limitReached(o.Side, *o.LimitPrice, market) {
		return Decision{Action: ActionFill, Price: *o.LimitPrice}
	}
	return Decision{Action: ActionPark}
}

// A triggered STOP behaves as a MARKET order.
func evaluateStop(o *domain.Order, market domain.Money, quoteErr error) Decision {
	if o.Status != domain.OrderStatusPending {
		return evaluateMarket(o, market, quoteErr)
	}
	if quoteErr != nil {
		return Decision{Action: ActionPark}
	}
	if o.StopPrice != nil && stopReached(o.Side, *o.StopPrice, market) {
		return Decision{Action: ActionTrigger}
	}
	return Decision{Action: ActionPark}
}

// A triggered STOP_LIMIT behaves as a LIMIT and never reverts.
func evaluateStopLimit(o *domain.Order, market domain.Money, quoteErr error) Decision {
	if o.Status != domain.OrderStatusPending {
		return evaluateLimit(o, market, quoteErr)
	}
	if quoteErr != nil {
		return Decision{Action: ActionPark}
	}
	if o.StopPrice != nil && stopReached(o.Side, *o.StopPrice, market) {
		return Decision{Action: ActionTrigger}
	}
	return Decision{Action: ActionPark}
}

// limitReached: BUY fills at or below the limit, SELL at or above it.
func limitReached(side domain.OrderSide, limit, market domain.Money) bool {
	if side == domain.OrderSideBuy {
		return market <= limit
	}
	return market >= limit
}

// stopReached: BUY stops fire at or above the stop, SELL at or below it.
func stopReached(side domain.OrderSide, stop, market domain.Money) bool {
	if side == domain.OrderSideBuy {
		return market >= stop
	}
	return market <= stop
}
