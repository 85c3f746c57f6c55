package models

import (
	"time"
)

type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the closing side for a position opened on s.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

type OrderType string

const (
	OrderTypeLimit              OrderType = "LIMIT"
	OrderTypeMarket             OrderType = "MARKET"
	OrderTypeStopMarket         OrderType = "STOP_MARKET"
	OrderTypeTrailingStopMarket OrderType = "TRAILING_STOP_MARKET"
)

// OrderTypes lists every type the coordinator tracks a lock for.
var OrderTypes = []OrderType{
	OrderTypeLimit,
	OrderTypeMarket,
	OrderTypeStopMarket,
	OrderTypeTrailingStopMarket,
}

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// Active reports whether the order is still resting on the book.
func (s OrderStatus) Active() bool {
	return s == OrderStatusNew || s == OrderStatusPartiallyFilled
}

type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceGTX TimeInForce = "GTX"
)

// Order mirrors an exchange-owned order. The engine never owns order identity;
// it only reconciles intent against whatever the exchange reports.
type Order struct {
	OrderID         int64
	ClientOrderID   string
	Symbol          string
	Side            OrderSide
	Type            OrderType
	Status          OrderStatus
	Price           float64
	StopPrice       float64
	ActivationPrice float64
	Quantity        float64
	ExecutedQty     float64
	ReduceOnly      bool
	ClosePosition   bool
	CreatedAt       time.Time
	UpdateTime      int64
}

// OrderRequest is the create-order command sent to the gateway.
type OrderRequest struct {
	Symbol          string
	Side            OrderSide
	Type            OrderType
	Quantity        float64
	Price           float64
	StopPrice       float64
	ActivationPrice float64
	CallbackRate    float64
	ReduceOnly      bool
	ClosePosition   bool
	TimeInForce     TimeInForce
}

// DesiredOrder is what a quote or position protection should look like right
// now. It is recomputed every tick and has no lifecycle beyond one tick.
type DesiredOrder struct {
	Side       OrderSide
	Price      float64
	Quantity   float64
	ReduceOnly bool
}
