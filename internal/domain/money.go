package domain

import (
	"github.com/shopspring/decimal"
)

// Money is a monetary amount in integer minor units (cents).
type Money int64

// Quantity is a whole number of shares.
type Quantity int64

// minorExp is the decimal exponent of the minor unit.
const minorExp = -2

// Mul returns m × q. Callers on the fill path use MulChecked.
func (m Money) Mul(q Quantity) Money {
	return m * Money(q)
}

// MulChecked returns m × q and false if the product overflows int64.
func (m Money) MulChecked(q Quantity) (Money, bool) {
	if m == 0 || q == 0 {
		return 0, true
	}
	p := m * Money(q)
	if p/Money(q) != m {
		return 0, false
	}
	return p, true
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), minorExp)
}

// String formats the amount in major units with two fractional digits.
func (m Money) String() string {
	return m.Decimal().StringFixed(-minorExp)
}

// Ptr returns a pointer to a copy of m.
func (m Money) Ptr() *Money {
	return &m
}

var decimalTwo = decimal.NewFromInt(2)

// WeightedAverage returns (prevAvg×prevQty + price×qty) / (prevQty+qty)
// rounded half-to-even to a whole minor unit. Intermediate products use
// arbitrary precision so large positions cannot overflow.
func WeightedAverage(prevAvg Money, prevQty Quantity, price Money, qty Quantity) Money {
	total := prevQty + qty
	if total == 0 {
		return 0
	}
	num := decimal.NewFromInt(int64(prevAvg)).Mul(decimal.NewFromInt(int64(prevQty))).
		Add(decimal.NewFromInt(int64(price)).Mul(decimal.NewFromInt(int64(qty))))
	den := decimal.NewFromInt(int64(total))
	return Money(roundHalfEven(num, den).IntPart())
}

// roundHalfEven divides num by den exactly and rounds the quotient to an
// integer, ties to even.
func roundHalfEven(num, den decimal.Decimal) decimal.Decimal {
	q, r := num.QuoRem(den, 0)
	if r.IsZero() {
		return q
	}
	step := decimal.NewFromInt(1)
	if num.Sign()*den.Sign() < 0 {
		step = step.Neg()
	}
	switch r.Abs().Mul(decimalTwo).Cmp(den.Abs()) {
	case 1:
		q = q.Add(step)
	case 0:
		if q.Mod(decimalTwo).Abs().Equal(decimal.NewFromInt(1)) {
			q = q.Add(step)
		}
	}
	return q
}
