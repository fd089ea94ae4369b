package domain

import (
	"math"
	"testing"
)

func TestMoney_String(t *testing.T) {
	if got := Money(14850).String(); got != "148.50" {
		t.Errorf("String() = %q, want 148.50", got)
	}
	if got := Money(-5).String(); got != "-0.05" {
		t.Errorf("String() = %q, want -0.05", got)
	}
}

func TestMoney_MulChecked(t *testing.T) {
	if got, ok := Money(15000).MulChecked(3); !ok || got != 45000 {
		t.Errorf("MulChecked(3) = %d, %v, want 45000, true", got, ok)
	}
	if _, ok := Money(math.MaxInt64 / 2).MulChecked(3); ok {
		t.Error("MulChecked should report overflow")
	}
	if got, ok := Money(0).MulChecked(math.MaxInt64); !ok || got != 0 {
		t.Errorf("MulChecked on zero = %d, %v", got, ok)
	}
}

func TestWeightedAverage(t *testing.T) {
	tests := []struct {
		name    string
		prevAvg Money
		prevQty Quantity
		price   Money
		qty     Quantity
		want    Money
	}{
		{"first fill", 0, 0, 15000, 3, 15000},
		{"exact average", 10000, 1, 20000, 1, 15000},
		{"round down", 100, 2, 101, 1, 100},      // 301/3 = 100.33
		{"round up", 100, 1, 102, 2, 101},        // 305/3 = 101.67
		{"tie to even down", 100, 1, 101, 1, 100}, // 100.5 → 100
		{"tie to even up", 101, 1, 102, 1, 102},   // 101.5 → 102
		{"zero quantity", 0, 0, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WeightedAverage(tt.prevAvg, tt.prevQty, tt.price, tt.qty)
			if got != tt.want {
				t.Errorf("WeightedAverage(%d, %d, %d, %d) = %d, want %d",
					tt.prevAvg, tt.prevQty, tt.price, tt.qty, got, tt.want)
			}
		})
	}
}
