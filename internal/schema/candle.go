package schema

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/riptide-engine/riptide/errs"
)

func init() {
	// Prices serialize as JSON numbers engine-wide, not quoted strings.
	decimal.MarshalJSONWithoutQuotes = true
}

// Candle is one OHLCV bar. Within a stream the last candle may be live
// (IsClosed=false) and is overwritten in place until a newer OpenTime arrives.
type Candle struct {
	Symbol    SymbolID        `json:"symbol"`
	Timeframe Timeframe       `json:"timeframe"`
	OpenTime  int64           `json:"open_time_ms"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	IsClosed  bool            `json:"is_closed"`
}

// Key returns the stream key this candle belongs to.
func (c Candle) Key() StreamKey {
	return StreamKey{Symbol: c.Symbol, Timeframe: c.Timeframe}
}

// Bullish reports whether the candle closed above its open.
func (c Candle) Bullish() bool {
	return c.Close.GreaterThan(c.Open)
}

// Bearish reports whether the candle closed below its open.
func (c Candle) Bearish() bool {
	return c.Close.LessThan(c.Open)
}

// Body returns the absolute distance between open and close.
func (c Candle) Body() decimal.Decimal {
	return c.Close.Sub(c.Open).Abs()
}

// Range returns the high-to-low span.
func (c Candle) Range() decimal.Decimal {
	return c.High.Sub(c.Low)
}

// Validate enforces the candle invariants: low <= min(open,close),
// max(open,close) <= high, volume >= 0, and open time aligned to the
// timeframe boundary.
func (c Candle) Validate() error {
	if err := c.Key().Validate(); err != nil {
		return err
	}
	lowBound := decimal.Min(c.Open, c.Close)
	highBound := decimal.Max(c.Open, c.Close)
	if c.Low.GreaterThan(lowBound) || c.High.LessThan(highBound) {
		return errs.New("schema/candle", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("ohlc out of order for %s at %d", c.Key(), c.OpenTime)))
	}
	if c.Volume.IsNegative() {
		return errs.New("schema/candle", errs.CodeInvalid,
			errs.WithMessage("volume must be non-negative"))
	}
	interval := c.Timeframe.Duration().Milliseconds()
	if interval > 0 && c.OpenTime%interval != 0 {
		return errs.New("schema/candle", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("open time %d not aligned to %s boundary", c.OpenTime, c.Timeframe)))
	}
	return nil
}
