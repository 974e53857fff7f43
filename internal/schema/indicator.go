package schema

import (
	"github.com/shopspring/decimal"
)

// ZoneState is the lifecycle of a detected price-action structure.
type ZoneState string

const (
	// ZoneActive means price has not interacted with the structure yet.
	ZoneActive ZoneState = "ACTIVE"
	// ZoneMitigated means price touched the structure at least once.
	ZoneMitigated ZoneState = "MITIGATED"
	// ZoneInvalidated means the structure no longer holds.
	ZoneInvalidated ZoneState = "INVALIDATED"
)

// SwingKind distinguishes swing highs from swing lows.
type SwingKind string

const (
	// SwingHigh is a local maximum confirmed by the symmetric window.
	SwingHigh SwingKind = "HIGH"
	// SwingLow is a local minimum confirmed by the symmetric window.
	SwingLow SwingKind = "LOW"
)

// SwingPoint is a confirmed local extreme.
type SwingPoint struct {
	Kind     SwingKind       `json:"kind"`
	Price    decimal.Decimal `json:"price"`
	OpenTime int64           `json:"open_time_ms"`
}

// OrderBlock is the last opposite-color candle preceding an impulsive move
// that broke structure.
type OrderBlock struct {
	Direction  Direction       `json:"direction"`
	Top        decimal.Decimal `json:"top"`
	Bottom     decimal.Decimal `json:"bottom"`
	State      ZoneState       `json:"state"`
	DetectedAt int64           `json:"detected_at_open_time"`
}

// FairValueGap is a three-candle imbalance.
type FairValueGap struct {
	Direction  Direction       `json:"direction"`
	Top        decimal.Decimal `json:"top"`
	Bottom     decimal.Decimal `json:"bottom"`
	State      ZoneState       `json:"state"`
	DetectedAt int64           `json:"detected_at_open_time"`
}

// BreakerBlock is a former order block that was invalidated and then
// retested from the opposite side.
type BreakerBlock struct {
	Direction  Direction       `json:"direction"`
	Top        decimal.Decimal `json:"top"`
	Bottom     decimal.Decimal `json:"bottom"`
	State      ZoneState       `json:"state"`
	DetectedAt int64           `json:"detected_at_open_time"`
}

// LiquidityZone is a cluster of equal highs or lows within tolerance.
type LiquidityZone struct {
	Kind       SwingKind       `json:"kind"`
	Level      decimal.Decimal `json:"level"`
	Touches    int             `json:"touches"`
	State      ZoneState       `json:"state"`
	DetectedAt int64           `json:"detected_at_open_time"`
}

// Trend classifies the prevailing market structure.
type Trend string

const (
	// TrendBullish marks rising structure (higher highs and higher lows).
	TrendBullish Trend = "BULLISH"
	// TrendBearish marks falling structure.
	TrendBearish Trend = "BEARISH"
	// TrendRanging marks structure with no clear direction.
	TrendRanging Trend = "RANGING"
)

// IndicatorSnapshot is the per-stream tagged record published after each
// candle. Slices are copies; consumers may retain them.
type IndicatorSnapshot struct {
	OrderBlocks    []OrderBlock    `json:"order_blocks"`
	FVGs           []FairValueGap  `json:"fvgs"`
	BreakerBlocks  []BreakerBlock  `json:"breaker_blocks"`
	LiquidityZones []LiquidityZone `json:"liquidity_zones"`
	Swings         []SwingPoint    `json:"swings"`
	Trend          Trend           `json:"trend"`
}

// ActiveOrderBlocks filters order blocks still in the given state.
func (s IndicatorSnapshot) ActiveOrderBlocks(state ZoneState) []OrderBlock {
	out := make([]OrderBlock, 0, len(s.OrderBlocks))
	for _, ob := range s.OrderBlocks {
		if ob.State == state {
			out = append(out, ob)
		}
	}
	return out
}
