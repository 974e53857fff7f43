// Package position derives open positions from order fills and marks them
// against incoming candles.
package position

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/riptide-engine/riptide/errs"
	"github.com/riptide-engine/riptide/internal/observability"
	"github.com/riptide-engine/riptide/internal/schema"
)

// Publisher is the event sink for position lifecycle events.
type Publisher interface {
	Publish(evt *schema.Event) error
}

// Tracker owns the Position records. All mutation flows through fills; other
// components read copies.
type Tracker struct {
	pub Publisher

	mu        sync.RWMutex
	positions map[schema.SymbolID]schema.Position
	realized  decimal.Decimal
}

// New constructs an empty tracker.
func New(pub Publisher) *Tracker {
	t := new(Tracker)
	t.pub = pub
	t.positions = make(map[schema.SymbolID]schema.Position)
	return t
}

// HandleFill applies one OrderFilled event: open, weight, reduce, close or
// flip the position for the fill's symbol.
func (t *Tracker) HandleFill(_ context.Context, evt *schema.Event) error {
	fill, ok := evt.Payload.(schema.FillPayload)
	if !ok {
		return errs.New("position/handle", errs.CodeInvalid,
			errs.WithMessage("unexpected payload type for OrderFilled"))
	}
	if !fill.Quantity.IsPositive() || !fill.Price.IsPositive() {
		return errs.New("position/handle", errs.CodeInvalid,
			errs.WithMessage("fill quantity and price must be positive"))
	}

	symbol := fill.Order.Symbol
	side := fill.Order.Side
	correlation := evt.CorrelationID

	t.mu.Lock()
	pos, held := t.positions[symbol]

	switch {
	case !held || pos.Flat():
		opened := schema.Position{
			Symbol:   symbol,
			Side:     side,
			Quantity: fill.Quantity,
			AvgEntry: fill.Price,
			OpenedAt: time.Now().UTC(),
		}
		t.positions[symbol] = opened
		t.mu.Unlock()
		t.emit(schema.EventPositionOpened, opened, decimal.Zero, correlation)
		return nil

	case pos.Side == side:
		total := pos.Quantity.Add(fill.Quantity)
		pos.AvgEntry = pos.AvgEntry.Mul(pos.Quantity).
			Add(fill.Price.Mul(fill.Quantity)).Div(total)
		pos.Quantity = total
		t.positions[symbol] = pos
		t.mu.Unlock()
		return nil
	}

	// Opposite side: reduce first, then close or flip.
	closing := decimal.Min(pos.Quantity, fill.Quantity)
	diff := fill.Price.Sub(pos.AvgEntry)
	if pos.Side == schema.OrderSideSell {
		diff = diff.Neg()
	}
	realized := diff.Mul(closing)
	t.realized = t.realized.Add(realized)

	remainder := fill.Quantity.Sub(pos.Quantity)
	switch {
	case remainder.IsNegative():
		pos.Quantity = pos.Quantity.Sub(fill.Quantity)
		t.positions[symbol] = pos
		t.mu.Unlock()
		return nil

	case remainder.IsZero():
		delete(t.positions, symbol)
		closed := pos
		closed.Quantity = decimal.Zero
		t.mu.Unlock()
		t.emit(schema.EventPositionClosed, closed, realized, correlation)
		return nil

	default:
		flipped := schema.Position{
			Symbol:   symbol,
			Side:     side,
			Quantity: remainder,
			AvgEntry: fill.Price,
			OpenedAt: time.Now().UTC(),
		}
		t.positions[symbol] = flipped
		closed := pos
		closed.Quantity = decimal.Zero
		t.mu.Unlock()
		t.emit(schema.EventPositionClosed, closed, realized, correlation)
		t.emit(schema.EventPositionOpened, flipped, decimal.Zero, correlation)
		return nil
	}
}

// HandleCandle refreshes the unrealized P&L of the candle's symbol.
func (t *Tracker) HandleCandle(_ context.Context, evt *schema.Event) error {
	payload, ok := evt.Payload.(schema.CandlePayload)
	if !ok {
		return errs.New("position/handle", errs.CodeInvalid,
			errs.WithMessage("unexpected payload type for CandleReceived"))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	pos, held := t.positions[payload.Candle.Symbol]
	if !held {
		return nil
	}
	t.positions[payload.Candle.Symbol] = pos.MarkPrice(payload.Candle.Close)
	return nil
}

// Get returns a copy of the position for the symbol.
func (t *Tracker) Get(symbol schema.SymbolID) (schema.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, held := t.positions[symbol]
	return pos, held
}

// All returns copies of every open position.
func (t *Tracker) All() []schema.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]schema.Position, 0, len(t.positions))
	for _, pos := range t.positions {
		out = append(out, pos)
	}
	return out
}

// Open counts held positions. Satisfies the position counters consumed by
// the config store and the risk validator.
func (t *Tracker) Open() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.positions)
}

// Realized returns the lifetime realized P&L across all closes.
func (t *Tracker) Realized() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.realized
}

func (t *Tracker) emit(evtType schema.EventType, pos schema.Position, realized decimal.Decimal, correlation string) {
	observability.Log().Info("position "+string(evtType),
		observability.F("symbol", string(pos.Symbol)),
		observability.F("side", string(pos.Side)),
		observability.F("quantity", pos.Quantity.String()),
		observability.F("realized", realized.String()))
	if t.pub == nil {
		return
	}
	_ = t.pub.Publish(&schema.Event{
		Type:          evtType,
		Priority:      schema.PriorityControl,
		Source:        "position",
		CreatedAt:     time.Now().UTC(),
		CorrelationID: correlation,
		Payload:       schema.PositionPayload{Position: pos, RealizedPnL: realized},
	})
}
