package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/riptide-engine/riptide/internal/schema"
)

// Built-in strategy ids; the config toggles in StrategyConfig map onto these.
const (
	StrategyOBRetest       = "ob-retest"
	StrategyFVGFill        = "fvg-fill"
	StrategyLiquiditySweep = "liquidity-sweep"
)

var two = decimal.NewFromInt(2)

// target projects a take-profit at twice the stop distance.
func target(entry, stop decimal.Decimal, direction schema.Direction) decimal.Decimal {
	risk := entry.Sub(stop).Abs().Mul(two)
	if direction == schema.DirectionLong {
		return entry.Add(risk)
	}
	return entry.Sub(risk)
}

func lastCandle(candles []schema.Candle) (schema.Candle, bool) {
	if len(candles) == 0 {
		return schema.Candle{}, false
	}
	return candles[len(candles)-1], true
}

// OBRetest trades the first return into an active order block aligned with
// the prevailing trend.
type OBRetest struct {
	timeframes []schema.Timeframe
}

// NewOBRetest builds the order-block retest strategy for the given timeframes.
func NewOBRetest(timeframes ...schema.Timeframe) *OBRetest {
	return &OBRetest{timeframes: timeframes}
}

func (s *OBRetest) ID() string                    { return StrategyOBRetest }
func (s *OBRetest) Timeframes() []schema.Timeframe { return s.timeframes }

func (s *OBRetest) Evaluate(snapshot schema.IndicatorPayload, candles []schema.Candle) (*schema.Signal, error) {
	bar, ok := lastCandle(candles)
	if !ok {
		return nil, nil
	}
	for _, ob := range snapshot.Snapshot.OrderBlocks {
		if ob.State != schema.ZoneActive || !aligned(ob.Direction, snapshot.Snapshot.Trend) {
			continue
		}
		switch ob.Direction {
		case schema.DirectionLong:
			// Wick into the block with a close back above it.
			if bar.Low.LessThanOrEqual(ob.Top) && bar.Close.GreaterThan(ob.Top) {
				stop := ob.Bottom
				return &schema.Signal{
					Direction:  schema.DirectionLong,
					EntryPrice: bar.Close,
					StopLoss:   stop,
					TakeProfit: target(bar.Close, stop, schema.DirectionLong),
					Confidence: decimal.RequireFromString("0.7"),
				}, nil
			}
		case schema.DirectionShort:
			if bar.High.GreaterThanOrEqual(ob.Bottom) && bar.Close.LessThan(ob.Bottom) {
				stop := ob.Top
				return &schema.Signal{
					Direction:  schema.DirectionShort,
					EntryPrice: bar.Close,
					StopLoss:   stop,
					TakeProfit: target(bar.Close, stop, schema.DirectionShort),
					Confidence: decimal.RequireFromString("0.7"),
				}, nil
			}
		}
	}
	return nil, nil
}

// FVGFill trades a partial fill of an active fair value gap in the trend
// direction.
type FVGFill struct {
	timeframes []schema.Timeframe
}

// NewFVGFill builds the fair-value-gap fill strategy.
func NewFVGFill(timeframes ...schema.Timeframe) *FVGFill {
	return &FVGFill{timeframes: timeframes}
}

func (s *FVGFill) ID() string                    { return StrategyFVGFill }
func (s *FVGFill) Timeframes() []schema.Timeframe { return s.timeframes }

func (s *FVGFill) Evaluate(snapshot schema.IndicatorPayload, candles []schema.Candle) (*schema.Signal, error) {
	bar, ok := lastCandle(candles)
	if !ok {
		return nil, nil
	}
	for _, gap := range snapshot.Snapshot.FVGs {
		if gap.State != schema.ZoneActive || !aligned(gap.Direction, snapshot.Snapshot.Trend) {
			continue
		}
		switch gap.Direction {
		case schema.DirectionLong:
			if bar.Low.LessThan(gap.Top) && bar.Close.GreaterThanOrEqual(gap.Top) {
				return &schema.Signal{
					Direction:  schema.DirectionLong,
					EntryPrice: bar.Close,
					StopLoss:   gap.Bottom,
					TakeProfit: target(bar.Close, gap.Bottom, schema.DirectionLong),
					Confidence: decimal.RequireFromString("0.6"),
				}, nil
			}
		case schema.DirectionShort:
			if bar.High.GreaterThan(gap.Bottom) && bar.Close.LessThanOrEqual(gap.Bottom) {
				return &schema.Signal{
					Direction:  schema.DirectionShort,
					EntryPrice: bar.Close,
					StopLoss:   gap.Top,
					TakeProfit: target(bar.Close, gap.Top, schema.DirectionShort),
					Confidence: decimal.RequireFromString("0.6"),
				}, nil
			}
		}
	}
	return nil, nil
}

// LiquiditySweep fades a wick through clustered equal highs or lows that
// closed back on the original side.
type LiquiditySweep struct {
	timeframes []schema.Timeframe
}

// NewLiquiditySweep builds the liquidity sweep reversal strategy.
func NewLiquiditySweep(timeframes ...schema.Timeframe) *LiquiditySweep {
	return &LiquiditySweep{timeframes: timeframes}
}

func (s *LiquiditySweep) ID() string                    { return StrategyLiquiditySweep }
func (s *LiquiditySweep) Timeframes() []schema.Timeframe { return s.timeframes }

func (s *LiquiditySweep) Evaluate(snapshot schema.IndicatorPayload, candles []schema.Candle) (*schema.Signal, error) {
	bar, ok := lastCandle(candles)
	if !ok {
		return nil, nil
	}
	for _, zone := range snapshot.Snapshot.LiquidityZones {
		if zone.State == schema.ZoneInvalidated {
			continue
		}
		switch zone.Kind {
		case schema.SwingLow:
			// Sweep below equal lows that closed back above is long fuel.
			if bar.Low.LessThan(zone.Level) && bar.Close.GreaterThan(zone.Level) {
				return &schema.Signal{
					Direction:  schema.DirectionLong,
					EntryPrice: bar.Close,
					StopLoss:   bar.Low,
					TakeProfit: target(bar.Close, bar.Low, schema.DirectionLong),
					Confidence: decimal.RequireFromString("0.65"),
				}, nil
			}
		case schema.SwingHigh:
			if bar.High.GreaterThan(zone.Level) && bar.Close.LessThan(zone.Level) {
				return &schema.Signal{
					Direction:  schema.DirectionShort,
					EntryPrice: bar.Close,
					StopLoss:   bar.High,
					TakeProfit: target(bar.Close, bar.High, schema.DirectionShort),
					Confidence: decimal.RequireFromString("0.65"),
				}, nil
			}
		}
	}
	return nil, nil
}

// aligned accepts trades with the trend; ranging markets accept both sides.
func aligned(d schema.Direction, trend schema.Trend) bool {
	switch trend {
	case schema.TrendBullish:
		return d == schema.DirectionLong
	case schema.TrendBearish:
		return d == schema.DirectionShort
	default:
		return true
	}
}
