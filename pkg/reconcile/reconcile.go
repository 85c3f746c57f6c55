// Package reconcile maps a desired order set and the currently open orders to
// a minimal {cancel, place} diff. Keeping an order whose price is within
// tolerance avoids the fee and latency cost of cancel/replacing the quote on
// every tick; the quote only chases price past the tolerance band.
package reconcile

import (
	"math"

	"github.com/calebhsu/perptrader/pkg/models"
)

// quantityEpsilon bounds the float error considered "the same quantity".
const quantityEpsilon = 1e-9

// Diff returns the open orders to cancel and the desired orders to place.
// Matching is keyed by side plus reduceOnly flag and is strictly one-to-one:
// an open order is kept iff exactly one unclaimed desired order of the same
// key sits within tolerance of its price with a matching quantity. Callers
// must pass only orders that are not already pending cancel.
func Diff(open []models.Order, desired []models.DesiredOrder, tolerance float64) (toCancel []models.Order, toPlace []models.DesiredOrder) {
	claimed := make([]bool, len(desired))

	for _, o := range open {
		matched := false
		for i, d := range desired {
			if claimed[i] {
				continue
			}
			if o.Side != d.Side || o.ReduceOnly != d.ReduceOnly {
				continue
			}
			if math.Abs(o.Price-d.Price) > tolerance {
				continue
			}
			if math.Abs(o.Quantity-d.Quantity) > quantityEpsilon {
				continue
			}
			claimed[i] = true
			matched = true
			break
		}
		if !matched {
			toCancel = append(toCancel, o)
		}
	}

	for i, d := range desired {
		if !claimed[i] {
			toPlace = append(toPlace, d)
		}
	}
	return toCancel, toPlace
}
