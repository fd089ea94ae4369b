package domain

import "time"

// Event types emitted after a fill or state change commits.
const (
	EventOrderStatusChanged = "order.status_changed"
	EventTradeExecuted      = "trade.executed"
	EventPositionChanged    = "position.changed"
	EventBalanceChanged     = "balance.changed"
)

// EventTypes lists every event type a webhook may subscribe to.
var EventTypes = []string{
	EventOrderStatusChanged,
	EventTradeExecuted,
	EventPositionChanged,
	EventBalanceChanged,
}

// ValidEventType reports whether s is a known event type.
func ValidEventType(s string) bool {
	for _, t := range EventTypes {
		if t == s {
			return true
		}
	}
	return false
}

// Event is a committed state change. Payload holds a copy of the affected
// entity: *Order, *Trade, *Position or *User.
type Event struct {
	Type       string
	UserID     UserID
	Payload    any
	OccurredAt time.Time
}
