package domain

import (
	"testing"

	"pgregory.net/rapid"
)

func TestProperty_WeightedAverageBounded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		prevAvg := Money(rapid.Int64Range(1, 10_000_000).Draw(t, "prevAvg"))
		prevQty := Quantity(rapid.Int64Range(0, 100_000).Draw(t, "prevQty"))
		price := Money(rapid.Int64Range(1, 10_000_000).Draw(t, "price"))
		qty := Quantity(rapid.Int64Range(1, 100_000).Draw(t, "qty"))

		got := WeightedAverage(prevAvg, prevQty, price, qty)

		lo, hi := prevAvg, price
		if prevQty == 0 {
			lo = price
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		if got < lo || got > hi {
			t.Fatalf("average %d outside [%d, %d]", got, lo, hi)
		}

		// The rounding error is at most half a minor unit.
		exactNum := int64(prevAvg)*int64(prevQty) + int64(price)*int64(qty)
		total := int64(prevQty + qty)
		diff := int64(got)*total - exactNum
		if diff < 0 {
			diff = -diff
		}
		if 2*diff > total {
			t.Fatalf("rounding error too large: avg=%d total=%d num=%d", got, total, exactNum)
		}
	})
}
