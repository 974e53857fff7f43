// Package risk sizes signals against live configuration and account state
// and approves or rejects them with a stable reason code.
package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/riptide-engine/riptide/errs"
	"github.com/riptide-engine/riptide/internal/configstore"
	"github.com/riptide-engine/riptide/internal/observability"
	"github.com/riptide-engine/riptide/internal/schema"
	"github.com/riptide-engine/riptide/internal/telemetry"
)

// ConfigSource yields the current configuration document. The validator
// re-reads it on every signal; limits are never cached.
type ConfigSource interface {
	Get() configstore.Document
}

// AccountSource reports balances used to derive equity and free margin.
type AccountSource interface {
	GetBalances(ctx context.Context) ([]schema.Balance, error)
}

// PositionCounter reports how many positions are currently open.
type PositionCounter func() int

// Publisher is the event sink for verdicts.
type Publisher interface {
	Publish(evt *schema.Event) error
}

var hundred = decimal.NewFromInt(100)

// Config tunes the validator.
type Config struct {
	// MinNotionalUSDT is the exchange minimum order value. Default 5.
	MinNotionalUSDT decimal.Decimal
	// MinStopDistancePercent rejects stops closer than this fraction of the
	// entry price. Default 0.05.
	MinStopDistancePercent decimal.Decimal
	// MaxOpenPositions caps concurrently held positions. Default 5.
	MaxOpenPositions int
	// EquityAsset selects the balance used as account equity. Default USDT.
	EquityAsset string

	Source    ConfigSource
	Account   AccountSource
	Positions PositionCounter
	Publisher Publisher
	Metrics   *telemetry.Metrics
}

func (c Config) normalize() Config {
	if c.MinNotionalUSDT.LessThanOrEqual(decimal.Zero) {
		c.MinNotionalUSDT = decimal.NewFromInt(5)
	}
	if c.MinStopDistancePercent.LessThanOrEqual(decimal.Zero) {
		c.MinStopDistancePercent = decimal.RequireFromString("0.05")
	}
	if c.MaxOpenPositions <= 0 {
		c.MaxOpenPositions = 5
	}
	if c.EquityAsset == "" {
		c.EquityAsset = "USDT"
	}
	return c
}

// Validator is the SignalGenerated consumer producing RiskCheckPassed and
// RiskCheckFailed events.
type Validator struct {
	cfg  Config
	cron *cron.Cron

	mu            sync.Mutex
	dailyRealized decimal.Decimal
}

// New constructs the validator and schedules the UTC midnight ledger reset.
func New(cfg Config) (*Validator, error) {
	cfg = cfg.normalize()
	if cfg.Source == nil || cfg.Account == nil || cfg.Publisher == nil {
		return nil, errs.New("risk/new", errs.CodeInvalid,
			errs.WithMessage("config source, account source and publisher required"))
	}
	v := new(Validator)
	v.cfg = cfg
	v.cron = cron.New(cron.WithLocation(time.UTC))
	if _, err := v.cron.AddFunc("0 0 * * *", v.ResetDaily); err != nil {
		return nil, fmt.Errorf("risk: schedule daily reset: %w", err)
	}
	return v, nil
}

// Start begins the daily reset schedule.
func (v *Validator) Start() { v.cron.Start() }

// Stop halts the schedule and waits for a running reset to finish.
func (v *Validator) Stop(ctx context.Context) error {
	select {
	case <-v.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleSignal validates one SignalGenerated event.
func (v *Validator) HandleSignal(ctx context.Context, evt *schema.Event) error {
	payload, ok := evt.Payload.(schema.SignalPayload)
	if !ok {
		return errs.New("risk/handle", errs.CodeInvalid,
			errs.WithMessage("unexpected payload type for SignalGenerated"))
	}
	signal := payload.Signal

	doc := v.cfg.Source.Get()
	if err := doc.Validate(nil); err != nil {
		v.reject(signal, schema.ReasonConfigInvalid, err.Error())
		return nil
	}
	trading := doc.Trading

	if trading.DailyLossLimitUSDT.IsPositive() &&
		v.DailyRealized().LessThanOrEqual(trading.DailyLossLimitUSDT.Neg()) {
		v.reject(signal, schema.ReasonDailyLossLimit,
			fmt.Sprintf("daily realized %s breaches limit %s",
				v.DailyRealized(), trading.DailyLossLimitUSDT))
		return nil
	}

	if reason, detail, bad := checkStop(signal, v.cfg.MinStopDistancePercent); bad {
		v.reject(signal, reason, detail)
		return nil
	}

	if v.cfg.Positions != nil && v.cfg.Positions() >= v.cfg.MaxOpenPositions {
		v.reject(signal, schema.ReasonPositionCap,
			fmt.Sprintf("open positions at cap %d", v.cfg.MaxOpenPositions))
		return nil
	}

	equity, free, err := v.account(ctx)
	if err != nil {
		return err
	}

	size := positionSize(signal, trading, equity)
	notional := size.Mul(signal.EntryPrice)
	if notional.LessThan(v.cfg.MinNotionalUSDT) {
		v.reject(signal, schema.ReasonMinNotional,
			fmt.Sprintf("notional %s below exchange minimum %s", notional, v.cfg.MinNotionalUSDT))
		return nil
	}

	margin := notional.Div(decimal.NewFromInt(int64(trading.DefaultLeverage)))
	if margin.GreaterThan(free) {
		v.reject(signal, schema.ReasonInsufficientBalance,
			fmt.Sprintf("required margin %s exceeds free balance %s", margin, free))
		return nil
	}

	observability.Log().Info("signal approved",
		observability.F("signal", signal.ID),
		observability.F("symbol", string(signal.Symbol)),
		observability.F("size", size.String()))
	_ = v.cfg.Publisher.Publish(&schema.Event{
		Type:          schema.EventRiskCheckPassed,
		Priority:      schema.PriorityControl,
		Source:        "risk",
		CreatedAt:     time.Now().UTC(),
		CorrelationID: signal.ID,
		Payload: schema.RiskPassedPayload{
			Signal:       signal,
			PositionSize: size,
			StopLoss:     signal.StopLoss,
			TakeProfit:   signal.TakeProfit,
		},
	})
	return nil
}

// HandlePositionClosed accrues realized P&L into the daily ledger.
func (v *Validator) HandlePositionClosed(_ context.Context, evt *schema.Event) error {
	payload, ok := evt.Payload.(schema.PositionPayload)
	if !ok {
		return errs.New("risk/handle", errs.CodeInvalid,
			errs.WithMessage("unexpected payload type for PositionClosed"))
	}
	v.mu.Lock()
	v.dailyRealized = v.dailyRealized.Add(payload.RealizedPnL)
	v.mu.Unlock()
	return nil
}

// DailyRealized returns the realized P&L accumulated since the last reset.
func (v *Validator) DailyRealized() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dailyRealized
}

// ResetDaily zeroes the ledger; invoked at UTC midnight.
func (v *Validator) ResetDaily() {
	v.mu.Lock()
	previous := v.dailyRealized
	v.dailyRealized = decimal.Zero
	v.mu.Unlock()
	observability.Log().Info("daily pnl ledger reset",
		observability.F("carried", previous.String()))
}

func (v *Validator) reject(signal schema.Signal, reason schema.ReasonCode, detail string) {
	observability.Log().Warn("signal rejected",
		observability.F("signal", signal.ID),
		observability.F("reason", string(reason)),
		observability.F("detail", detail))
	v.cfg.Metrics.RiskRejected(string(reason))
	_ = v.cfg.Publisher.Publish(&schema.Event{
		Type:          schema.EventRiskCheckFailed,
		Priority:      schema.PriorityControl,
		Source:        "risk",
		CreatedAt:     time.Now().UTC(),
		CorrelationID: signal.ID,
		Payload: schema.RiskFailedPayload{
			Signal:     signal,
			ReasonCode: reason,
			Detail:     detail,
		},
	})
}

func (v *Validator) account(ctx context.Context) (equity, free decimal.Decimal, err error) {
	balances, err := v.cfg.Account.GetBalances(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	for _, b := range balances {
		if b.Asset == v.cfg.EquityAsset {
			return b.Total, b.Free, nil
		}
	}
	return decimal.Zero, decimal.Zero, nil
}

// checkStop enforces stop side and minimum distance.
func checkStop(signal schema.Signal, minDistPercent decimal.Decimal) (schema.ReasonCode, string, bool) {
	stop := signal.StopLoss
	if !stop.IsPositive() {
		return schema.ReasonStopInvalid, "stop loss must be positive", true
	}
	switch signal.Direction {
	case schema.DirectionLong:
		if stop.GreaterThanOrEqual(signal.EntryPrice) {
			return schema.ReasonStopInvalid, "long stop must sit below entry", true
		}
	case schema.DirectionShort:
		if stop.LessThanOrEqual(signal.EntryPrice) {
			return schema.ReasonStopInvalid, "short stop must sit above entry", true
		}
	}
	dist := signal.EntryPrice.Sub(stop).Abs().Div(signal.EntryPrice).Mul(hundred)
	if dist.LessThan(minDistPercent) {
		return schema.ReasonStopTooTight,
			fmt.Sprintf("stop distance %s%% below minimum %s%%", dist, minDistPercent), true
	}
	return "", "", false
}

// positionSize applies the risk-capital sizing rule capped by the maximum
// position value, scaled by leverage.
func positionSize(signal schema.Signal, trading configstore.TradingConfig, equity decimal.Decimal) decimal.Decimal {
	riskCapital := equity.Mul(trading.RiskPerTradePercent).Div(hundred)
	dist := signal.EntryPrice.Sub(signal.StopLoss).Abs()
	byRisk := riskCapital.Div(dist)
	byCap := trading.MaxPositionSizeUSDT.Div(signal.EntryPrice)
	size := decimal.Min(byRisk, byCap)
	return size.Mul(decimal.NewFromInt(int64(trading.DefaultLeverage)))
}
