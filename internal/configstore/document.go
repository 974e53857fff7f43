// Package configstore holds the engine's live configuration with versioned
// history, atomic updates and rollback.
package configstore

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/riptide-engine/riptide/errs"
	"github.com/riptide-engine/riptide/internal/schema"
)

// Section names the recognized configuration sections.
type Section string

const (
	SectionBinance  Section = "binance"
	SectionTrading  Section = "trading"
	SectionStrategy Section = "strategy"
	SectionICT      Section = "ict"
	SectionMarket   Section = "market"
)

// Sections returns the closed section set.
func Sections() []Section {
	return []Section{SectionBinance, SectionTrading, SectionStrategy, SectionICT, SectionMarket}
}

// TradingMode selects live or simulated execution.
type TradingMode string

const (
	ModePaper TradingMode = "paper"
	ModeLive  TradingMode = "live"
)

// BinanceConfig carries exchange connectivity settings.
type BinanceConfig struct {
	Testnet     bool     `json:"testnet" yaml:"testnet"`
	APIKey      string   `json:"api_key" yaml:"api_key"`
	APISecret   string   `json:"api_secret" yaml:"api_secret"`
	IPWhitelist []string `json:"ip_whitelist" yaml:"ip_whitelist"`
}

// TradingConfig carries sizing and risk limits.
type TradingConfig struct {
	Mode                TradingMode     `json:"mode" yaml:"mode"`
	DefaultLeverage     int             `json:"default_leverage" yaml:"default_leverage"`
	MaxPositionSizeUSDT decimal.Decimal `json:"max_position_size_usdt" yaml:"max_position_size_usdt"`
	RiskPerTradePercent decimal.Decimal `json:"risk_per_trade_percent" yaml:"risk_per_trade_percent"`
	DailyLossLimitUSDT  decimal.Decimal `json:"daily_loss_limit_usdt" yaml:"daily_loss_limit_usdt"`
}

// StrategyConfig toggles the built-in strategies.
type StrategyConfig struct {
	EnableOBRetest       bool `json:"enable_ob_retest" yaml:"enable_ob_retest"`
	EnableFVGFill        bool `json:"enable_fvg_fill" yaml:"enable_fvg_fill"`
	EnableLiquiditySweep bool `json:"enable_liquidity_sweep" yaml:"enable_liquidity_sweep"`
}

// ICTConfig tunes indicator detection thresholds.
type ICTConfig struct {
	FVGMinSizePercent       decimal.Decimal `json:"fvg_min_size_percent" yaml:"fvg_min_size_percent"`
	OBLookbackPeriods       int             `json:"ob_lookback_periods" yaml:"ob_lookback_periods"`
	LiquiditySweepThreshold decimal.Decimal `json:"liquidity_sweep_threshold" yaml:"liquidity_sweep_threshold"`
}

// MarketConfig selects the traded universe and timeframe roles.
type MarketConfig struct {
	ActiveSymbols    []string `json:"active_symbols" yaml:"active_symbols"`
	PrimaryTimeframe string   `json:"primary_timeframe" yaml:"primary_timeframe"`
	HigherTimeframe  string   `json:"higher_timeframe" yaml:"higher_timeframe"`
	LowerTimeframe   string   `json:"lower_timeframe" yaml:"lower_timeframe"`
}

// Document is the full layered configuration object.
type Document struct {
	Binance  BinanceConfig  `json:"binance" yaml:"binance"`
	Trading  TradingConfig  `json:"trading" yaml:"trading"`
	Strategy StrategyConfig `json:"strategy" yaml:"strategy"`
	ICT      ICTConfig      `json:"ict" yaml:"ict"`
	Market   MarketConfig   `json:"market" yaml:"market"`
}

// Default returns the bootstrap configuration used when nothing is loaded.
func Default() Document {
	return Document{
		Binance: BinanceConfig{Testnet: true},
		Trading: TradingConfig{
			Mode:                ModePaper,
			DefaultLeverage:     3,
			MaxPositionSizeUSDT: decimal.NewFromInt(1000),
			RiskPerTradePercent: decimal.NewFromInt(1),
			DailyLossLimitUSDT:  decimal.NewFromInt(100),
		},
		Strategy: StrategyConfig{EnableOBRetest: true},
		ICT: ICTConfig{
			FVGMinSizePercent:       decimal.RequireFromString("0.1"),
			OBLookbackPeriods:       20,
			LiquiditySweepThreshold: decimal.RequireFromString("0.05"),
		},
		Market: MarketConfig{
			ActiveSymbols:    []string{"BTCUSDT"},
			PrimaryTimeframe: string(schema.TimeframeM5),
			HigherTimeframe:  string(schema.TimeframeH1),
			LowerTimeframe:   string(schema.TimeframeM1),
		},
	}
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	out := d
	out.Binance.IPWhitelist = append([]string(nil), d.Binance.IPWhitelist...)
	out.Market.ActiveSymbols = append([]string(nil), d.Market.ActiveSymbols...)
	return out
}

// Validate checks every section. symbolKnown may be nil, in which case any
// non-empty symbol token is accepted.
func (d Document) Validate(symbolKnown func(string) bool) error {
	if d.Trading.Mode != ModePaper && d.Trading.Mode != ModeLive {
		return invalid("trading.mode must be paper or live")
	}
	if d.Trading.DefaultLeverage < 1 || d.Trading.DefaultLeverage > 125 {
		return invalid("trading.default_leverage must be within [1,125]")
	}
	if d.Trading.MaxPositionSizeUSDT.LessThanOrEqual(decimal.Zero) {
		return invalid("trading.max_position_size_usdt must be positive")
	}
	risk := d.Trading.RiskPerTradePercent
	if risk.LessThanOrEqual(decimal.Zero) || risk.GreaterThan(decimal.NewFromInt(10)) {
		return invalid("trading.risk_per_trade_percent must be within (0,10]")
	}
	if d.Trading.DailyLossLimitUSDT.IsNegative() {
		return invalid("trading.daily_loss_limit_usdt must not be negative")
	}
	if d.ICT.OBLookbackPeriods <= 0 {
		return invalid("ict.ob_lookback_periods must be positive")
	}
	if d.ICT.FVGMinSizePercent.IsNegative() {
		return invalid("ict.fvg_min_size_percent must not be negative")
	}
	if len(d.Market.ActiveSymbols) == 0 {
		return invalid("market.active_symbols must not be empty")
	}
	for _, symbol := range d.Market.ActiveSymbols {
		token := strings.TrimSpace(symbol)
		if token == "" {
			return invalid("market.active_symbols contains an empty symbol")
		}
		if symbolKnown != nil && !symbolKnown(token) {
			return invalid(fmt.Sprintf("unknown symbol %s", token))
		}
	}
	for _, field := range []struct {
		name  string
		token string
	}{
		{"market.primary_timeframe", d.Market.PrimaryTimeframe},
		{"market.higher_timeframe", d.Market.HigherTimeframe},
		{"market.lower_timeframe", d.Market.LowerTimeframe},
	} {
		if _, err := schema.ParseTimeframe(field.token); err != nil {
			return invalid(fmt.Sprintf("%s: invalid timeframe %q", field.name, field.token))
		}
	}
	return nil
}

func invalid(msg string) error {
	return errs.New("configstore/validate", errs.CodeInvalid,
		errs.WithReason(string(schema.ReasonConfigInvalid)),
		errs.WithMessage(msg))
}
