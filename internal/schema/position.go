package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is derived state owned by the position tracker.
type Position struct {
	Symbol        SymbolID        `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntry      decimal.Decimal `json:"avg_entry"`
	OpenedAt      time.Time       `json:"opened_at"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Flat reports whether the position has no remaining quantity.
func (p Position) Flat() bool {
	return p.Quantity.IsZero()
}

// MarkPrice recomputes the unrealized P&L against the given price.
func (p Position) MarkPrice(price decimal.Decimal) Position {
	diff := price.Sub(p.AvgEntry)
	if p.Side == OrderSideSell {
		diff = diff.Neg()
	}
	p.UnrealizedPnL = diff.Mul(p.Quantity)
	return p
}

// Balance is one asset balance reported by the gateway.
type Balance struct {
	Asset string          `json:"asset"`
	Free  decimal.Decimal `json:"free"`
	Total decimal.Decimal `json:"total"`
}
