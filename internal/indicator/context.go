package indicator

import (
	"github.com/shopspring/decimal"

	"github.com/riptide-engine/riptide/internal/schema"
)

// Params are the live detection thresholds, re-read from configuration on
// every candle.
type Params struct {
	// SwingWindow is the symmetric confirmation window W.
	SwingWindow int
	// OBLookbackPeriods bounds how many bars back structures are kept.
	OBLookbackPeriods int
	// FVGMinSizePercent filters gaps smaller than this fraction of price.
	FVGMinSizePercent decimal.Decimal
	// LiquidityTolerancePercent clusters equal highs/lows within this band.
	LiquidityTolerancePercent decimal.Decimal
}

func (p Params) normalize() Params {
	if p.SwingWindow <= 0 {
		p.SwingWindow = 5
	}
	if p.OBLookbackPeriods <= 0 {
		p.OBLookbackPeriods = 20
	}
	return p
}

// streamContext is the rolling detection state for one stream. It is only
// mutated by the engine's event handler, which the bus serializes.
type streamContext struct {
	key          schema.StreamKey
	swings       []schema.SwingPoint
	orderBlocks  []schema.OrderBlock
	fvgs         []schema.FairValueGap
	breakers     []schema.BreakerBlock
	liquidity    []schema.LiquidityZone
	trend        schema.Trend
	lastOpenTime int64
}

func newStreamContext(key schema.StreamKey) *streamContext {
	return &streamContext{key: key, trend: schema.TrendRanging}
}

// update advances the context with the window ending at the triggering
// candle. Structure detection runs only on closed bars; lifecycle
// transitions run against every bar including provisional ones.
func (c *streamContext) update(window []schema.Candle, latest schema.Candle, p Params) {
	p = p.normalize()
	c.lastOpenTime = latest.OpenTime

	if latest.IsClosed {
		c.confirmSwing(window, p)
		c.detectFVG(window, p)
		c.detectOrderBlock(window)
	}
	c.transitionFVGs(latest)
	c.transitionOrderBlocks(latest)
	c.transitionBreakers(latest)
	c.detectLiquidity(p)
	c.transitionLiquidity(latest)
	c.classifyTrend()
	c.evict(latest, p)
}

// confirmSwing checks the single bar that just became confirmable: the one
// W closed bars back from the end of the window.
func (c *streamContext) confirmSwing(window []schema.Candle, p Params) {
	w := p.SwingWindow
	idx := len(window) - 1 - w
	if idx < w {
		return
	}
	pivot := window[idx]
	isHigh, isLow := true, true
	for off := 1; off <= w; off++ {
		left, right := window[idx-off], window[idx+off]
		if !pivot.High.GreaterThan(left.High) || !pivot.High.GreaterThan(right.High) {
			isHigh = false
		}
		if !pivot.Low.LessThan(left.Low) || !pivot.Low.LessThan(right.Low) {
			isLow = false
		}
		if !isHigh && !isLow {
			return
		}
	}
	if isHigh {
		c.addSwing(schema.SwingPoint{Kind: schema.SwingHigh, Price: pivot.High, OpenTime: pivot.OpenTime})
	}
	if isLow {
		c.addSwing(schema.SwingPoint{Kind: schema.SwingLow, Price: pivot.Low, OpenTime: pivot.OpenTime})
	}
}

func (c *streamContext) addSwing(s schema.SwingPoint) {
	for _, existing := range c.swings {
		if existing.OpenTime == s.OpenTime && existing.Kind == s.Kind {
			return
		}
	}
	c.swings = append(c.swings, s)
}

// detectFVG inspects the last three closed bars for an imbalance.
func (c *streamContext) detectFVG(window []schema.Candle, p Params) {
	if len(window) < 3 {
		return
	}
	first, third := window[len(window)-3], window[len(window)-1]
	if !third.IsClosed {
		return
	}

	check := func(direction schema.Direction, top, bottom decimal.Decimal) {
		if !top.GreaterThan(bottom) {
			return
		}
		if p.FVGMinSizePercent.IsPositive() {
			size := top.Sub(bottom)
			threshold := third.Close.Mul(p.FVGMinSizePercent).Div(decimal.NewFromInt(100))
			if size.LessThan(threshold) {
				return
			}
		}
		gap := schema.FairValueGap{
			Direction:  direction,
			Top:        top,
			Bottom:     bottom,
			State:      schema.ZoneActive,
			DetectedAt: third.OpenTime,
		}
		for _, existing := range c.fvgs {
			if existing.DetectedAt == gap.DetectedAt && existing.Direction == gap.Direction {
				return
			}
		}
		c.fvgs = append(c.fvgs, gap)
	}

	// Bullish imbalance: the wicks of bars 1 and 3 never overlap upward.
	check(schema.DirectionLong, third.Low, first.High)
	// Bearish imbalance: gap below.
	check(schema.DirectionShort, first.Low, third.High)
}

// transitionFVGs moves gaps through MITIGATED and INVALIDATED as price
// trades back into or through them.
func (c *streamContext) transitionFVGs(bar schema.Candle) {
	for i := range c.fvgs {
		gap := &c.fvgs[i]
		if gap.State == schema.ZoneInvalidated || gap.DetectedAt >= bar.OpenTime {
			continue
		}
		if gap.Direction == schema.DirectionLong {
			if bar.Low.LessThanOrEqual(gap.Bottom) {
				gap.State = schema.ZoneInvalidated
				continue
			}
			if bar.Low.LessThan(gap.Top) {
				gap.State = schema.ZoneMitigated
			}
		} else {
			if bar.High.GreaterThanOrEqual(gap.Top) {
				gap.State = schema.ZoneInvalidated
				continue
			}
			if bar.High.GreaterThan(gap.Bottom) {
				gap.State = schema.ZoneMitigated
			}
		}
	}
}

// detectOrderBlock looks for a close beyond the latest confirmed swing and
// tags the last opposite-color candle before the impulse.
func (c *streamContext) detectOrderBlock(window []schema.Candle) {
	if len(window) < 2 {
		return
	}
	latest := window[len(window)-1]
	if !latest.IsClosed {
		return
	}

	// DetectedAt carries the breakout bar's open time, not the tagged
	// candle's, so the formation bar cannot transition its own zone.
	if high, ok := c.latestSwing(schema.SwingHigh); ok && latest.Close.GreaterThan(high.Price) {
		if ob, found := lastOppositeCandle(window, false); found {
			c.addOrderBlock(schema.OrderBlock{
				Direction:  schema.DirectionLong,
				Top:        ob.High,
				Bottom:     ob.Low,
				State:      schema.ZoneActive,
				DetectedAt: latest.OpenTime,
			})
		}
	}
	if low, ok := c.latestSwing(schema.SwingLow); ok && latest.Close.LessThan(low.Price) {
		if ob, found := lastOppositeCandle(window, true); found {
			c.addOrderBlock(schema.OrderBlock{
				Direction:  schema.DirectionShort,
				Top:        ob.High,
				Bottom:     ob.Low,
				State:      schema.ZoneActive,
				DetectedAt: latest.OpenTime,
			})
		}
	}
}

// lastOppositeCandle scans back from the bar before the break for the most
// recent candle of the opposite color.
func lastOppositeCandle(window []schema.Candle, bullish bool) (schema.Candle, bool) {
	for i := len(window) - 2; i >= 0; i-- {
		bar := window[i]
		if bullish && bar.Bullish() {
			return bar, true
		}
		if !bullish && bar.Bearish() {
			return bar, true
		}
	}
	return schema.Candle{}, false
}

func (c *streamContext) addOrderBlock(ob schema.OrderBlock) {
	for _, existing := range c.orderBlocks {
		if existing.Direction != ob.Direction {
			continue
		}
		if existing.DetectedAt == ob.DetectedAt {
			return
		}
		// A later breakout tagging the same candle re-proposes the same
		// zone; keep the original record.
		if existing.State != schema.ZoneInvalidated &&
			existing.Top.Equal(ob.Top) && existing.Bottom.Equal(ob.Bottom) {
			return
		}
	}
	c.orderBlocks = append(c.orderBlocks, ob)
}

func (c *streamContext) latestSwing(kind schema.SwingKind) (schema.SwingPoint, bool) {
	for i := len(c.swings) - 1; i >= 0; i-- {
		if c.swings[i].Kind == kind {
			return c.swings[i], true
		}
	}
	return schema.SwingPoint{}, false
}

// transitionOrderBlocks mitigates on first touch and invalidates on a close
// beyond the block body. An invalidated block becomes a breaker candidate.
func (c *streamContext) transitionOrderBlocks(bar schema.Candle) {
	for i := range c.orderBlocks {
		ob := &c.orderBlocks[i]
		if ob.State == schema.ZoneInvalidated || ob.DetectedAt >= bar.OpenTime {
			continue
		}
		invalidated := false
		if ob.Direction == schema.DirectionLong {
			invalidated = bar.IsClosed && bar.Close.LessThan(ob.Bottom)
		} else {
			invalidated = bar.IsClosed && bar.Close.GreaterThan(ob.Top)
		}
		if invalidated {
			ob.State = schema.ZoneInvalidated
			c.addBreaker(schema.BreakerBlock{
				Direction:  opposite(ob.Direction),
				Top:        ob.Top,
				Bottom:     ob.Bottom,
				State:      schema.ZoneActive,
				DetectedAt: bar.OpenTime,
			})
			continue
		}
		if ob.State == schema.ZoneActive && touches(bar, ob.Top, ob.Bottom) {
			ob.State = schema.ZoneMitigated
		}
	}
}

func (c *streamContext) addBreaker(b schema.BreakerBlock) {
	for _, existing := range c.breakers {
		if existing.DetectedAt == b.DetectedAt && existing.Direction == b.Direction {
			return
		}
	}
	c.breakers = append(c.breakers, b)
}

// transitionBreakers marks a breaker mitigated on the retest from the new
// side and invalidates it on a close back through the zone.
func (c *streamContext) transitionBreakers(bar schema.Candle) {
	for i := range c.breakers {
		b := &c.breakers[i]
		if b.State == schema.ZoneInvalidated || b.DetectedAt >= bar.OpenTime {
			continue
		}
		invalidated := false
		if b.Direction == schema.DirectionLong {
			invalidated = bar.IsClosed && bar.Close.LessThan(b.Bottom)
		} else {
			invalidated = bar.IsClosed && bar.Close.GreaterThan(b.Top)
		}
		if invalidated {
			b.State = schema.ZoneInvalidated
			continue
		}
		if b.State == schema.ZoneActive && touches(bar, b.Top, b.Bottom) {
			b.State = schema.ZoneMitigated
		}
	}
}

// detectLiquidity clusters confirmed swing extremes whose prices sit within
// the tolerance band.
func (c *streamContext) detectLiquidity(p Params) {
	if p.LiquidityTolerancePercent.LessThanOrEqual(decimal.Zero) {
		return
	}
	for _, kind := range []schema.SwingKind{schema.SwingHigh, schema.SwingLow} {
		var cluster []schema.SwingPoint
		for _, s := range c.swings {
			if s.Kind == kind {
				cluster = append(cluster, s)
			}
		}
		if len(cluster) < 2 {
			continue
		}
		anchor := cluster[len(cluster)-1]
		band := anchor.Price.Mul(p.LiquidityTolerancePercent).Div(decimal.NewFromInt(100))
		level := anchor.Price
		touchCount := 1
		for i := 0; i < len(cluster)-1; i++ {
			if cluster[i].Price.Sub(anchor.Price).Abs().LessThanOrEqual(band) {
				touchCount++
				level = level.Add(cluster[i].Price)
			}
		}
		if touchCount < 2 {
			continue
		}
		level = level.Div(decimal.NewFromInt(int64(touchCount)))
		zone := schema.LiquidityZone{
			Kind:       kind,
			Level:      level,
			Touches:    touchCount,
			State:      schema.ZoneActive,
			DetectedAt: anchor.OpenTime,
		}
		replaced := false
		for i := range c.liquidity {
			if c.liquidity[i].Kind == kind && c.liquidity[i].State != schema.ZoneInvalidated {
				zone.State = c.liquidity[i].State
				c.liquidity[i] = zone
				replaced = true
				break
			}
		}
		if !replaced {
			c.liquidity = append(c.liquidity, zone)
		}
	}
}

// transitionLiquidity mitigates a zone on a wick through it and invalidates
// it on a sweep that closes past the level.
func (c *streamContext) transitionLiquidity(bar schema.Candle) {
	for i := range c.liquidity {
		zone := &c.liquidity[i]
		if zone.State == schema.ZoneInvalidated || zone.DetectedAt >= bar.OpenTime {
			continue
		}
		if zone.Kind == schema.SwingHigh {
			if bar.IsClosed && bar.Close.GreaterThan(zone.Level) {
				zone.State = schema.ZoneInvalidated
				continue
			}
			if bar.High.GreaterThanOrEqual(zone.Level) {
				zone.State = schema.ZoneMitigated
			}
		} else {
			if bar.IsClosed && bar.Close.LessThan(zone.Level) {
				zone.State = schema.ZoneInvalidated
				continue
			}
			if bar.Low.LessThanOrEqual(zone.Level) {
				zone.State = schema.ZoneMitigated
			}
		}
	}
}

// classifyTrend reads the last two swing highs and lows.
func (c *streamContext) classifyTrend() {
	highs := c.lastTwo(schema.SwingHigh)
	lows := c.lastTwo(schema.SwingLow)
	if len(highs) < 2 || len(lows) < 2 {
		c.trend = schema.TrendRanging
		return
	}
	higherHighs := highs[1].Price.GreaterThan(highs[0].Price)
	higherLows := lows[1].Price.GreaterThan(lows[0].Price)
	switch {
	case higherHighs && higherLows:
		c.trend = schema.TrendBullish
	case !higherHighs && !higherLows:
		c.trend = schema.TrendBearish
	default:
		c.trend = schema.TrendRanging
	}
}

func (c *streamContext) lastTwo(kind schema.SwingKind) []schema.SwingPoint {
	var out []schema.SwingPoint
	for _, s := range c.swings {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	if len(out) > 2 {
		out = out[len(out)-2:]
	}
	return out
}

// evict drops swings and dead structures older than the lookback horizon.
func (c *streamContext) evict(latest schema.Candle, p Params) {
	horizon := latest.OpenTime - int64(p.OBLookbackPeriods)*latest.Timeframe.Duration().Milliseconds()

	kept := c.swings[:0]
	for _, s := range c.swings {
		if s.OpenTime >= horizon {
			kept = append(kept, s)
		}
	}
	c.swings = kept

	obs := c.orderBlocks[:0]
	for _, ob := range c.orderBlocks {
		if ob.DetectedAt >= horizon || ob.State != schema.ZoneInvalidated {
			obs = append(obs, ob)
		}
	}
	c.orderBlocks = obs

	fvgs := c.fvgs[:0]
	for _, gap := range c.fvgs {
		if gap.DetectedAt >= horizon || gap.State != schema.ZoneInvalidated {
			fvgs = append(fvgs, gap)
		}
	}
	c.fvgs = fvgs

	breakers := c.breakers[:0]
	for _, b := range c.breakers {
		if b.DetectedAt >= horizon || b.State != schema.ZoneInvalidated {
			breakers = append(breakers, b)
		}
	}
	c.breakers = breakers

	zones := c.liquidity[:0]
	for _, zone := range c.liquidity {
		if zone.DetectedAt >= horizon && zone.State != schema.ZoneInvalidated {
			zones = append(zones, zone)
		}
	}
	c.liquidity = zones
}

// snapshot copies the context into an immutable publishable record.
func (c *streamContext) snapshot() schema.IndicatorSnapshot {
	return schema.IndicatorSnapshot{
		OrderBlocks:    append([]schema.OrderBlock(nil), c.orderBlocks...),
		FVGs:           append([]schema.FairValueGap(nil), c.fvgs...),
		BreakerBlocks:  append([]schema.BreakerBlock(nil), c.breakers...),
		LiquidityZones: append([]schema.LiquidityZone(nil), c.liquidity...),
		Swings:         append([]schema.SwingPoint(nil), c.swings...),
		Trend:          c.trend,
	}
}

func touches(bar schema.Candle, top, bottom decimal.Decimal) bool {
	return bar.Low.LessThanOrEqual(top) && bar.High.GreaterThanOrEqual(bottom)
}

func opposite(d schema.Direction) schema.Direction {
	if d == schema.DirectionLong {
		return schema.DirectionShort
	}
	return schema.DirectionLong
}
