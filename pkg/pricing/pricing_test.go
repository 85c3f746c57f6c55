package pricing

import (
	"math"
	"testing"

	"github.com/calebhsu/perptrader/pkg/models"
)

func TestRoundPriceTruncatesTowardZero(t *testing.T) {
	tests := []struct {
		name  string
		price float64
		tick  float64
		want  float64
	}{
		{"exact multiple", 100.50, 0.10, 100.50},
		{"truncates down", 100.57, 0.10, 100.50},
		{"never rounds up", 100.59, 0.10, 100.50},
		{"fine tick", 27123.456, 0.1, 27123.4},
		{"sub-cent tick", 0.123456, 0.0001, 0.1234},
		{"zero tick passthrough", 100.57, 0, 100.57},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundPrice(tt.price, tt.tick)
			if math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("RoundPrice(%v, %v) = %v, want %v", tt.price, tt.tick, got, tt.want)
			}
		})
	}
}

func TestRoundQuantityNeverExceedsInput(t *testing.T) {
	// Binary float artifacts like 0.1+0.2 must not round up past the input.
	qty := 0.1 + 0.2
	got := RoundQuantity(qty, 0.001)
	if got > qty {
		t.Fatalf("RoundQuantity rounded up: %v > %v", got, qty)
	}
	if math.Abs(got-0.3) > 1e-12 {
		t.Fatalf("RoundQuantity(0.3, 0.001) = %v, want 0.3", got)
	}
}

func TestFormatPrice(t *testing.T) {
	tests := []struct {
		price float64
		tick  float64
		want  string
	}{
		{27123.456, 0.1, "27123.4"},
		{100.5, 0.01, "100.50"},
		{3, 1, "3"},
		{0.12349, 0.0001, "0.1234"},
	}
	for _, tt := range tests {
		if got := FormatPrice(tt.price, tt.tick); got != tt.want {
			t.Errorf("FormatPrice(%v, %v) = %q, want %q", tt.price, tt.tick, got, tt.want)
		}
	}
}

func TestWithinMarkRange(t *testing.T) {
	tests := []struct {
		name   string
		side   models.OrderSide
		price  float64
		mark   float64
		maxPct float64
		want   bool
	}{
		{"buy above band", models.OrderSideBuy, 101, 100, 0.005, false},
		{"buy inside band", models.OrderSideBuy, 100.4, 100, 0.005, true},
		{"sell below band", models.OrderSideSell, 99.4, 100, 0.005, false},
		{"sell inside band", models.OrderSideSell, 99.6, 100, 0.005, true},
		{"no mark disables guard", models.OrderSideBuy, 1000, 0, 0.005, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WithinMarkRange(tt.side, tt.price, tt.mark, tt.maxPct); got != tt.want {
				t.Errorf("WithinMarkRange(%s, %v, %v, %v) = %v, want %v",
					tt.side, tt.price, tt.mark, tt.maxPct, got, tt.want)
			}
		})
	}
}

func TestValidStopPrice(t *testing.T) {
	tests := []struct {
		name string
		side models.OrderSide
		stop float64
		last float64
		want bool
	}{
		{"sell stop below last", models.OrderSideSell, 99, 100, true},
		{"sell stop at last", models.OrderSideSell, 100, 100, false},
		{"sell stop above last", models.OrderSideSell, 101, 100, false},
		{"buy stop above last", models.OrderSideBuy, 101, 100, true},
		{"buy stop below last", models.OrderSideBuy, 99, 100, false},
		{"no last price", models.OrderSideBuy, 101, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidStopPrice(tt.side, tt.stop, tt.last); got != tt.want {
				t.Errorf("ValidStopPrice(%s, %v, %v) = %v, want %v", tt.side, tt.stop, tt.last, got, tt.want)
			}
		})
	}
}

func TestSMA(t *testing.T) {
	closes := make([]float64, 0, 31)
	for i := 0; i < 30; i++ {
		closes = append(closes, 100)
	}

	avg, ok := SMA(closes, 30)
	if !ok || avg != 100 {
		t.Fatalf("SMA = %v, %v; want 100, true", avg, ok)
	}

	if _, ok := SMA(closes[:29], 30); ok {
		t.Fatal("SMA reported ok with fewer values than period")
	}

	// Only the trailing window counts.
	closes = append([]float64{5000}, closes...)
	avg, ok = SMA(closes, 30)
	if !ok || avg != 100 {
		t.Fatalf("SMA over trailing window = %v, %v; want 100, true", avg, ok)
	}
}
