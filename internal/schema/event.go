package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType enumerates the closed set of engine events.
type EventType string

const (
	// EventCandleReceived carries one ingested candle (warm-up or live).
	EventCandleReceived EventType = "CandleReceived"
	// EventIndicatorUpdated carries a recomputed indicator snapshot.
	EventIndicatorUpdated EventType = "IndicatorUpdated"
	// EventSignalGenerated carries a strategy signal awaiting risk checks.
	EventSignalGenerated EventType = "SignalGenerated"
	// EventRiskCheckPassed carries an approved, sized signal.
	EventRiskCheckPassed EventType = "RiskCheckPassed"
	// EventRiskCheckFailed carries a rejected signal with its reason code.
	EventRiskCheckFailed EventType = "RiskCheckFailed"
	// EventOrderPlaced reports a successful order submission.
	EventOrderPlaced EventType = "OrderPlaced"
	// EventOrderFilled reports a (possibly partial) fill.
	EventOrderFilled EventType = "OrderFilled"
	// EventPositionOpened reports a newly opened position.
	EventPositionOpened EventType = "PositionOpened"
	// EventPositionClosed reports a fully closed position with realized P&L.
	EventPositionClosed EventType = "PositionClosed"
	// EventConfigUpdated reports a committed runtime configuration change.
	EventConfigUpdated EventType = "ConfigUpdated"
	// EventSubscriptionChanged reports committed stream subscription changes.
	EventSubscriptionChanged EventType = "SubscriptionChanged"
	// EventServiceStateChanged reports service lifecycle transitions.
	EventServiceStateChanged EventType = "ServiceStateChanged"
	// EventTaskRestarted reports a supervised task restart (or terminal failure).
	EventTaskRestarted EventType = "TaskRestarted"
)

// EventTypes lists the closed taxonomy.
func EventTypes() []EventType {
	return []EventType{
		EventCandleReceived, EventIndicatorUpdated, EventSignalGenerated,
		EventRiskCheckPassed, EventRiskCheckFailed, EventOrderPlaced,
		EventOrderFilled, EventPositionOpened, EventPositionClosed,
		EventConfigUpdated, EventSubscriptionChanged, EventServiceStateChanged,
		EventTaskRestarted,
	}
}

const (
	// PriorityMarketData is assigned to candle and indicator traffic; queues
	// at this priority and above drop-oldest under back-pressure.
	PriorityMarketData = 6
	// PriorityControl is assigned to lifecycle and trade events, which block
	// briefly rather than drop.
	PriorityControl = 2
	// MarketDataPriorityFloor separates the two overflow policies.
	MarketDataPriorityFloor = 5
)

// Event is the envelope delivered through the bus.
type Event struct {
	Type          EventType `json:"type"`
	Priority      int       `json:"priority"`
	Payload       any       `json:"payload"`
	Source        string    `json:"source"`
	CreatedAt     time.Time `json:"created_at"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// MarketData reports whether the event falls under the drop-oldest policy.
func (e *Event) MarketData() bool {
	return e != nil && e.Priority >= MarketDataPriorityFloor
}

// CandleSource tags where an ingested candle came from.
const (
	// CandleSourceWarmup marks historical candles published before going live.
	CandleSourceWarmup = "warmup"
	// CandleSourceLive marks candles from the live stream.
	CandleSourceLive = "live"
)

// CandlePayload is the EventCandleReceived payload.
type CandlePayload struct {
	Candle Candle `json:"candle"`
	Origin string `json:"origin"`
}

// IndicatorPayload is the EventIndicatorUpdated payload.
type IndicatorPayload struct {
	Symbol           SymbolID          `json:"symbol"`
	Timeframe        Timeframe         `json:"timeframe"`
	Snapshot         IndicatorSnapshot `json:"snapshot"`
	SourceCandleTime int64             `json:"source_candle_time"`
	Provisional      bool              `json:"provisional"`
}

// SignalPayload is the EventSignalGenerated payload.
type SignalPayload struct {
	Signal Signal `json:"signal"`
}

// RiskPassedPayload is the EventRiskCheckPassed payload.
type RiskPassedPayload struct {
	Signal       Signal          `json:"signal"`
	PositionSize decimal.Decimal `json:"position_size"`
	StopLoss     decimal.Decimal `json:"stop_loss"`
	TakeProfit   decimal.Decimal `json:"take_profit"`
}

// RiskFailedPayload is the EventRiskCheckFailed payload.
type RiskFailedPayload struct {
	Signal     Signal     `json:"signal"`
	ReasonCode ReasonCode `json:"reason_code"`
	Detail     string     `json:"detail"`
}

// OrderPayload is the EventOrderPlaced payload.
type OrderPayload struct {
	Order Order `json:"order"`
}

// FillPayload is the EventOrderFilled payload.
type FillPayload struct {
	Order    Order           `json:"order"`
	FillID   string          `json:"fill_id"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// PositionPayload is the payload for position lifecycle events.
type PositionPayload struct {
	Position    Position        `json:"position"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// ConfigChangePayload is the EventConfigUpdated payload. Details maps
// dotted section.key paths to the values that changed.
type ConfigChangePayload struct {
	Subject    string         `json:"subject"`
	ChangeType string         `json:"change_type"`
	Details    map[string]any `json:"details,omitempty"`
	Version    uint64         `json:"version"`
}

// SubscriptionChangePayload is the EventSubscriptionChanged payload.
type SubscriptionChangePayload struct {
	Added   []StreamKey `json:"added,omitempty"`
	Removed []StreamKey `json:"removed,omitempty"`
	Version uint64      `json:"version"`
}

// ServiceStatePayload is the EventServiceStateChanged payload.
type ServiceStatePayload struct {
	Service string `json:"service"`
	State   string `json:"state"`
	Reason  string `json:"reason,omitempty"`
}

// TaskRestartPayload is the EventTaskRestarted payload. Final marks a task
// that exhausted its restart budget and will not run again.
type TaskRestartPayload struct {
	Task     string        `json:"task"`
	Restarts int           `json:"restarts"`
	Backoff  time.Duration `json:"backoff"`
	Final    bool          `json:"final"`
	Cause    string        `json:"cause,omitempty"`
}
