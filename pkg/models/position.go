package models

import (
	"math"
	"time"
)

type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionFlat  Direction = "flat"
)

// PositionSnapshot is derived from the latest account push. It is never
// mutated in place; every tick recomputes a fresh one.
type PositionSnapshot struct {
	Symbol           string
	PositionAmt      float64
	EntryPrice       float64
	UnrealizedProfit float64
	MarkPrice        float64 // 0 when the exchange did not report one
}

// Direction classifies the position by the sign of PositionAmt. Magnitudes
// below epsilon count as flat.
func (p PositionSnapshot) Direction(epsilon float64) Direction {
	if math.Abs(p.PositionAmt) < epsilon {
		return DirectionFlat
	}
	if p.PositionAmt > 0 {
		return DirectionLong
	}
	return DirectionShort
}

// Flat reports whether the position magnitude is below epsilon.
func (p PositionSnapshot) Flat(epsilon float64) bool {
	return math.Abs(p.PositionAmt) < epsilon
}

// Quantity returns the unsigned position size.
func (p PositionSnapshot) Quantity() float64 {
	return math.Abs(p.PositionAmt)
}

// AccountSnapshot is the full-replace account state delivered by the gateway.
type AccountSnapshot struct {
	AvailableBalance float64
	Positions        map[string]PositionSnapshot
	UpdatedAt        time.Time
}

// Position returns the snapshot for symbol, zero-valued when absent.
func (a AccountSnapshot) Position(symbol string) PositionSnapshot {
	if p, ok := a.Positions[symbol]; ok {
		return p
	}
	return PositionSnapshot{Symbol: symbol}
}
