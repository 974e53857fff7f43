package schema

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/riptide-engine/riptide/errs"
)

// Direction is the side a signal wants to trade.
type Direction string

const (
	// DirectionLong buys expecting price to rise.
	DirectionLong Direction = "LONG"
	// DirectionShort sells expecting price to fall.
	DirectionShort Direction = "SHORT"
)

// Validate rejects unknown directions.
func (d Direction) Validate() error {
	switch d {
	case DirectionLong, DirectionShort:
		return nil
	default:
		return errs.New("schema/direction", errs.CodeInvalid,
			errs.WithMessage("direction must be LONG or SHORT"))
	}
}

// Signal is an immutable trade proposal emitted by a strategy.
type Signal struct {
	ID                 string          `json:"id"`
	Symbol             SymbolID        `json:"symbol"`
	Timeframe          Timeframe       `json:"timeframe"`
	Direction          Direction       `json:"direction"`
	EntryPrice         decimal.Decimal `json:"entry_price"`
	StopLoss           decimal.Decimal `json:"stop_loss"`
	TakeProfit         decimal.Decimal `json:"take_profit"`
	Confidence         decimal.Decimal `json:"confidence"`
	StrategyID         string          `json:"strategy_id"`
	SourceSnapshotTime int64           `json:"source_snapshot_time"`
}

// Validate enforces structural signal invariants; risk-level checks (stop
// placement, sizing) belong to the risk validator.
func (s Signal) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errs.New("schema/signal", errs.CodeInvalid, errs.WithMessage("signal id required"))
	}
	if err := s.Key().Validate(); err != nil {
		return err
	}
	if err := s.Direction.Validate(); err != nil {
		return err
	}
	if !s.EntryPrice.IsPositive() {
		return errs.New("schema/signal", errs.CodeInvalid, errs.WithMessage("entry price must be positive"))
	}
	if s.Confidence.IsNegative() || s.Confidence.GreaterThan(decimal.NewFromInt(1)) {
		return errs.New("schema/signal", errs.CodeInvalid, errs.WithMessage("confidence must be within [0,1]"))
	}
	return nil
}

// Key returns the stream key the signal was generated on.
func (s Signal) Key() StreamKey {
	return StreamKey{Symbol: s.Symbol, Timeframe: s.Timeframe}
}

// ReasonCode is the closed set of risk rejection reasons.
type ReasonCode string

const (
	// ReasonDailyLossLimit rejects trading past the daily realized loss cap.
	ReasonDailyLossLimit ReasonCode = "DAILY_LOSS_LIMIT"
	// ReasonStopInvalid rejects stops on the wrong side of the entry.
	ReasonStopInvalid ReasonCode = "STOP_INVALID"
	// ReasonStopTooTight rejects stops closer than the minimum distance.
	ReasonStopTooTight ReasonCode = "STOP_TOO_TIGHT"
	// ReasonMinNotional rejects sizes below the exchange minimum notional.
	ReasonMinNotional ReasonCode = "MIN_NOTIONAL"
	// ReasonPositionCap rejects signals exceeding the open-position cap.
	ReasonPositionCap ReasonCode = "POSITION_CAP"
	// ReasonInsufficientBalance rejects sizes the account cannot fund.
	ReasonInsufficientBalance ReasonCode = "INSUFFICIENT_BALANCE"
	// ReasonConfigInvalid rejects signals evaluated under broken config.
	ReasonConfigInvalid ReasonCode = "CONFIG_INVALID"
)

// ValidatedSignal is the risk validator's verdict on a signal.
type ValidatedSignal struct {
	Signal          Signal          `json:"signal"`
	Approved        bool            `json:"approved"`
	PositionSize    decimal.Decimal `json:"position_size"`
	RejectionReason ReasonCode      `json:"rejection_reason,omitempty"`
}
