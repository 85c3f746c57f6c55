// Package pricing holds the price/quantity granularity helpers and the
// sanity guards every order submission passes through.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/calebhsu/perptrader/pkg/models"
)

// RoundPrice truncates price toward zero to a multiple of tick. Rounding up is
// never allowed: a rounded-up price could cross the mark-deviation guard or
// exceed the margin the caller budgeted for.
func RoundPrice(price, tick float64) float64 {
	return truncateToIncrement(price, tick)
}

// RoundQuantity truncates qty toward zero to a multiple of step.
func RoundQuantity(qty, step float64) float64 {
	return truncateToIncrement(qty, step)
}

func truncateToIncrement(value, increment float64) float64 {
	if increment <= 0 {
		return value
	}
	v := decimal.NewFromFloat(value)
	inc := decimal.NewFromFloat(increment)
	out, _ := v.Div(inc).Truncate(0).Mul(inc).Float64()
	return out
}

// FormatPrice renders price as a wire string with tick precision.
func FormatPrice(price, tick float64) string {
	return formatToIncrement(price, tick)
}

// FormatQuantity renders qty as a wire string with step precision.
func FormatQuantity(qty, step float64) string {
	return formatToIncrement(qty, step)
}

func formatToIncrement(value, increment float64) string {
	if increment <= 0 {
		return decimal.NewFromFloat(value).String()
	}
	inc := decimal.NewFromFloat(increment)
	places := -inc.Exponent()
	if places < 0 {
		places = 0
	}
	v := decimal.NewFromFloat(truncateToIncrement(value, increment))
	return v.StringFixed(places)
}

// WithinMarkRange is the directional mark-price deviation guard: a BUY must
// not pay more than mark*(1+maxPct), a SELL must not give away more than
// mark*(1-maxPct). A non-positive mark disables the check (no reference yet).
func WithinMarkRange(side models.OrderSide, price, mark, maxPct float64) bool {
	if mark <= 0 || maxPct <= 0 {
		return true
	}
	if side == models.OrderSideBuy {
		return price <= mark*(1+maxPct)
	}
	return price >= mark*(1-maxPct)
}

// ValidStopPrice rejects stops that would trigger immediately: a SELL stop
// must sit strictly below the last price, a BUY stop strictly above.
func ValidStopPrice(side models.OrderSide, stopPrice, lastPrice float64) bool {
	if lastPrice <= 0 {
		return false
	}
	if side == models.OrderSideSell {
		return stopPrice < lastPrice
	}
	return stopPrice > lastPrice
}

// SMA returns the simple moving average of the last period values. The second
// return is false when fewer than period values are available.
func SMA(values []float64, period int) (float64, bool) {
	if period <= 0 || len(values) < period {
		return 0, false
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), true
}
