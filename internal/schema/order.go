package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the exchange-facing trade direction.
type OrderSide string

const (
	// OrderSideBuy buys the base asset.
	OrderSideBuy OrderSide = "BUY"
	// OrderSideSell sells the base asset.
	OrderSideSell OrderSide = "SELL"
)

// SideFor maps a signal direction onto an order side.
func SideFor(d Direction) OrderSide {
	if d == DirectionShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType enumerates supported order types.
type OrderType string

const (
	// OrderTypeMarket executes immediately at the best price.
	OrderTypeMarket OrderType = "MARKET"
	// OrderTypeLimit rests at the given price.
	OrderTypeLimit OrderType = "LIMIT"
	// OrderTypeStopLimit arms a limit order at a stop trigger.
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// OrderStatus enumerates order lifecycle states; transitions are monotonic.
type OrderStatus string

const (
	// OrderStatusPending means the order has not reached the exchange yet.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusPlaced means the exchange acknowledged the order.
	OrderStatusPlaced OrderStatus = "PLACED"
	// OrderStatusPartial means the order is partially filled.
	OrderStatusPartial OrderStatus = "PARTIAL"
	// OrderStatusFilled means the order is completely filled.
	OrderStatusFilled OrderStatus = "FILLED"
	// OrderStatusCanceled means the order was canceled before completion.
	OrderStatusCanceled OrderStatus = "CANCELED"
	// OrderStatusRejected means the exchange refused the order.
	OrderStatusRejected OrderStatus = "REJECTED"
)

// rank orders statuses along the monotonic lifecycle; terminal states share
// the highest rank so no terminal state can replace another.
func (s OrderStatus) rank() int {
	switch s {
	case OrderStatusPending:
		return 0
	case OrderStatusPlaced:
		return 1
	case OrderStatusPartial:
		return 2
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return 3
	default:
		return -1
	}
}

// CanTransition reports whether moving from s to next respects monotonicity.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	from, to := s.rank(), next.rank()
	if from < 0 || to < 0 {
		return false
	}
	if from == 3 {
		return false
	}
	return to >= from
}

// Order is the engine's record of one exchange order.
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        SymbolID        `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price,omitempty"`
	Status        OrderStatus     `json:"status"`
	Timestamp     time.Time       `json:"ts"`
}

// OrderSpec is the outbound order placement request.
type OrderSpec struct {
	Symbol        SymbolID        `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price,omitempty"`
	StopPrice     decimal.Decimal `json:"stop_price,omitempty"`
	ReduceOnly    bool            `json:"reduce_only,omitempty"`
	ClientOrderID string          `json:"client_order_id"`
}

// OrderAck is the gateway's response to a placement request.
type OrderAck struct {
	ExchangeOrderID string      `json:"exchange_order_id"`
	Status          OrderStatus `json:"status"`
}
