package models

import (
	"time"
)

type Ticker struct {
	Symbol    string
	BidPrice  float64
	BidSize   float64
	AskPrice  float64
	AskSize   float64
	LastPrice float64
	Timestamp time.Time
}

type OrderBookLevel struct {
	Price float64
	Size  float64
}

// OrderBook is a full-replace depth snapshot, best levels first.
type OrderBook struct {
	Symbol    string
	Bids      []OrderBookLevel
	Asks      []OrderBookLevel
	Timestamp time.Time
}

// BidDepth sums bid quantity over the top n levels.
func (ob *OrderBook) BidDepth(n int) float64 {
	return sumLevels(ob.Bids, n)
}

// AskDepth sums ask quantity over the top n levels.
func (ob *OrderBook) AskDepth(n int) float64 {
	return sumLevels(ob.Asks, n)
}

func sumLevels(levels []OrderBookLevel, n int) float64 {
	if n > len(levels) {
		n = len(levels)
	}
	total := 0.0
	for i := 0; i < n; i++ {
		total += levels[i].Size
	}
	return total
}

type Candle struct {
	Symbol   string
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	OpenTime time.Time
	Closed   bool
}
