package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/riptide-engine/riptide/internal/observability"
	"github.com/riptide-engine/riptide/internal/schema"
)

// Paper is an in-process gateway that fills every order instantly against
// the latest observed price. It backs trading.mode=paper and the package
// tests; candles are seeded and pushed by the host rather than fetched from
// a venue.
type Paper struct {
	mu        sync.Mutex
	history   map[schema.StreamKey][]schema.Candle
	lastPrice map[schema.SymbolID]decimal.Decimal
	watchers  map[schema.StreamKey][]chan schema.Candle
	positions map[schema.SymbolID]schema.Position
	acks      map[string]schema.OrderAck
	cash      decimal.Decimal
	fills     chan schema.FillPayload
	closed    bool
}

// NewPaper constructs a paper gateway with the given starting USDT balance.
// A zero or negative balance defaults to 10000.
func NewPaper(startingUSDT decimal.Decimal) *Paper {
	if startingUSDT.LessThanOrEqual(decimal.Zero) {
		startingUSDT = decimal.NewFromInt(10_000)
	}
	p := new(Paper)
	p.history = make(map[schema.StreamKey][]schema.Candle)
	p.lastPrice = make(map[schema.SymbolID]decimal.Decimal)
	p.watchers = make(map[schema.StreamKey][]chan schema.Candle)
	p.positions = make(map[schema.SymbolID]schema.Position)
	p.acks = make(map[string]schema.OrderAck)
	p.cash = startingUSDT
	p.fills = make(chan schema.FillPayload, 256)
	return p
}

// SeedHistory preloads warm-up candles for a stream and records the last
// close as the symbol's price.
func (p *Paper) SeedHistory(key schema.StreamKey, candles []schema.Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history[key] = append(p.history[key][:0:0], candles...)
	if len(candles) > 0 {
		p.lastPrice[key.Symbol] = candles[len(candles)-1].Close
	}
}

// PushCandle appends a candle, updates the symbol price and fans it out to
// every watcher of its stream.
func (p *Paper) PushCandle(candle schema.Candle) {
	key := candle.Key()
	p.mu.Lock()
	p.history[key] = append(p.history[key], candle)
	p.lastPrice[candle.Symbol] = candle.Close
	watchers := append([]chan schema.Candle(nil), p.watchers[key]...)
	p.mu.Unlock()
	for _, ch := range watchers {
		select {
		case ch <- candle:
		default:
			observability.Log().Warn("paper gateway watcher lagging, candle skipped",
				observability.F("stream", key.String()))
		}
	}
}

// WatchCandles returns a stream fed by PushCandle.
func (p *Paper) WatchCandles(ctx context.Context, key schema.StreamKey) (<-chan schema.Candle, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	ch := make(chan schema.Candle, 64)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, NetworkError("gateway/paper/watch", context.Canceled)
	}
	p.watchers[key] = append(p.watchers[key], ch)
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		kept := p.watchers[key][:0]
		for _, w := range p.watchers[key] {
			if w != ch {
				kept = append(kept, w)
			}
		}
		p.watchers[key] = kept
		p.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// FetchOHLCV returns up to limit seeded candles, oldest first.
func (p *Paper) FetchOHLCV(_ context.Context, key schema.StreamKey, limit int) ([]schema.Candle, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	candles := p.history[key]
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return append([]schema.Candle(nil), candles...), nil
}

// PlaceOrder fills immediately at the last price (market) or the limit
// price. Resubmitting a known client order id returns the original ack
// without executing again.
func (p *Paper) PlaceOrder(_ context.Context, spec schema.OrderSpec) (schema.OrderAck, error) {
	if spec.ClientOrderID == "" || spec.Quantity.LessThanOrEqual(decimal.Zero) {
		return schema.OrderAck{}, RejectedByExchange("gateway/paper/place", "missing client order id or non-positive quantity")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if ack, seen := p.acks[spec.ClientOrderID]; seen {
		return ack, nil
	}

	price := spec.Price
	if spec.Type == schema.OrderTypeMarket || price.LessThanOrEqual(decimal.Zero) {
		last, ok := p.lastPrice[spec.Symbol]
		if !ok {
			return schema.OrderAck{}, RejectedByExchange("gateway/paper/place", "no price observed for "+string(spec.Symbol))
		}
		price = last
	}

	p.applyFill(spec, price)
	ack := schema.OrderAck{ExchangeOrderID: uuid.NewString(), Status: schema.OrderStatusFilled}
	p.acks[spec.ClientOrderID] = ack

	fill := schema.FillPayload{
		Order: schema.Order{
			ID:            ack.ExchangeOrderID,
			ClientOrderID: spec.ClientOrderID,
			Symbol:        spec.Symbol,
			Side:          spec.Side,
			Type:          spec.Type,
			Quantity:      spec.Quantity,
			Price:         price,
			Status:        schema.OrderStatusFilled,
			Timestamp:     time.Now().UTC(),
		},
		FillID:   uuid.NewString(),
		Quantity: spec.Quantity,
		Price:    price,
	}
	select {
	case p.fills <- fill:
	default:
		observability.Log().Warn("paper gateway fill channel full, fill dropped",
			observability.F("client_order_id", spec.ClientOrderID))
	}
	return ack, nil
}

// applyFill mutates the simulated position and cash balance. Called with
// the mutex held.
func (p *Paper) applyFill(spec schema.OrderSpec, price decimal.Decimal) {
	pos, exists := p.positions[spec.Symbol]
	if !exists || pos.Flat() {
		p.positions[spec.Symbol] = schema.Position{
			Symbol:   spec.Symbol,
			Side:     spec.Side,
			Quantity: spec.Quantity,
			AvgEntry: price,
			OpenedAt: time.Now().UTC(),
		}
		p.cash = p.cash.Sub(price.Mul(spec.Quantity))
		return
	}
	if pos.Side == spec.Side {
		total := pos.Quantity.Add(spec.Quantity)
		pos.AvgEntry = pos.AvgEntry.Mul(pos.Quantity).Add(price.Mul(spec.Quantity)).Div(total)
		pos.Quantity = total
		p.positions[spec.Symbol] = pos
		p.cash = p.cash.Sub(price.Mul(spec.Quantity))
		return
	}

	// Opposite side reduces, closes or flips.
	closing := decimal.Min(pos.Quantity, spec.Quantity)
	diff := price.Sub(pos.AvgEntry)
	if pos.Side == schema.OrderSideSell {
		diff = diff.Neg()
	}
	realized := diff.Mul(closing)
	p.cash = p.cash.Add(pos.AvgEntry.Mul(closing)).Add(realized)

	remainder := spec.Quantity.Sub(pos.Quantity)
	switch {
	case remainder.IsPositive():
		p.positions[spec.Symbol] = schema.Position{
			Symbol:   spec.Symbol,
			Side:     spec.Side,
			Quantity: remainder,
			AvgEntry: price,
			OpenedAt: time.Now().UTC(),
		}
		p.cash = p.cash.Sub(price.Mul(remainder))
	case remainder.IsZero():
		delete(p.positions, spec.Symbol)
	default:
		pos.Quantity = pos.Quantity.Sub(spec.Quantity)
		p.positions[spec.Symbol] = pos
	}
}

// CancelOrder reports NotFound for unknown ids; known orders are already
// filled, so cancellation is a no-op.
func (p *Paper) CancelOrder(_ context.Context, clientOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, seen := p.acks[clientOrderID]; !seen {
		return NotFound("gateway/paper/cancel", "order "+clientOrderID)
	}
	return nil
}

// GetPosition returns the simulated position, flat when none is open.
func (p *Paper) GetPosition(_ context.Context, symbol schema.SymbolID) (schema.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[symbol]
	if !ok {
		return schema.Position{Symbol: symbol}, nil
	}
	if last, seen := p.lastPrice[symbol]; seen {
		pos = pos.MarkPrice(last)
	}
	return pos, nil
}

// GetBalances reports the single simulated USDT balance.
func (p *Paper) GetBalances(context.Context) ([]schema.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return []schema.Balance{{Asset: "USDT", Free: p.cash, Total: p.cash}}, nil
}

// Fills exposes the push stream of simulated executions.
func (p *Paper) Fills() <-chan schema.FillPayload {
	return p.fills
}

var (
	_ Gateway    = (*Paper)(nil)
	_ FillStream = (*Paper)(nil)
)
