package domain

import "time"

// Position is a user's long holding in one instrument. A position with
// zero quantity does not exist.
type Position struct {
	UserID       UserID
	InstrumentID InstrumentID
	Symbol       string
	Quantity     Quantity
	AvgCostBasis Money
	UpdatedAt    time.Time
}

// CostBasis returns the total cost of the holding.
func (p *Position) CostBasis() Money {
	return p.AvgCostBasis.Mul(p.Quantity)
}
