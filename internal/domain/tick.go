package domain

import "time"

// PriceTick is one observation of an instrument's market price. Ticks
// are ordered per symbol by Sequence and are not persisted.
type PriceTick struct {
	Symbol     string
	Price      Money
	Bid        *Money
	Ask        *Money
	Volume     *int64
	Sequence   uint64
	ObservedAt time.Time
}

// Validate checks the tick's prices.
func (t *PriceTick) Validate() error {
	if t.Price <= 0 {
		return &ValidationError{Message: "price must be greater than 0"}
	}
	if t.Bid != nil && *t.Bid <= 0 {
		return &ValidationError{Message: "bid must be greater than 0"}
	}
	if t.Ask != nil && *t.Ask <= 0 {
		return &ValidationError{Message: "ask must be greater than 0"}
	}
	if t.Bid != nil && t.Ask != nil && *t.Bid > *t.Ask {
		return &ValidationError{Message: "bid must not exceed ask"}
	}
	if t.Volume != nil && *t.Volume < 0 {
		return &ValidationError{Message: "volume must not be negative"}
	}
	return nil
}
