// Package indicator maintains per-stream price-action state: swing points,
// order blocks, fair value gaps, breaker blocks, liquidity zones and trend.
package indicator

import (
	"context"
	"sync"
	"time"

	"github.com/riptide-engine/riptide/errs"
	"github.com/riptide-engine/riptide/internal/candlestore"
	"github.com/riptide-engine/riptide/internal/observability"
	"github.com/riptide-engine/riptide/internal/schema"
)

// Publisher is the event sink for indicator snapshots.
type Publisher interface {
	Publish(evt *schema.Event) error
}

// ParamsFunc supplies the live detection thresholds. It is invoked per
// candle so configuration changes apply without restart.
type ParamsFunc func() Params

// Engine consumes CandleReceived and publishes IndicatorUpdated.
type Engine struct {
	store      *candlestore.Store
	pub        Publisher
	params     ParamsFunc
	timeframes map[schema.Timeframe]bool

	mu       sync.Mutex
	contexts map[schema.StreamKey]*streamContext
	warned   map[schema.StreamKey]bool
}

// New constructs an engine for the declared timeframes.
func New(store *candlestore.Store, pub Publisher, params ParamsFunc, timeframes []schema.Timeframe) *Engine {
	e := new(Engine)
	e.store = store
	e.pub = pub
	e.params = params
	e.timeframes = make(map[schema.Timeframe]bool, len(timeframes))
	for _, tf := range timeframes {
		e.timeframes[tf] = true
	}
	e.contexts = make(map[schema.StreamKey]*streamContext)
	e.warned = make(map[schema.StreamKey]bool)
	return e
}

// HandleCandle is the bus handler for CandleReceived.
func (e *Engine) HandleCandle(_ context.Context, evt *schema.Event) error {
	payload, ok := evt.Payload.(schema.CandlePayload)
	if !ok {
		return errs.New("indicator/handle", errs.CodeInvalid,
			errs.WithMessage("unexpected payload type for CandleReceived"))
	}
	candle := payload.Candle
	key := candle.Key()

	if !e.timeframes[candle.Timeframe] {
		e.warnOnce(key)
		return nil
	}

	e.mu.Lock()
	sc, exists := e.contexts[key]
	if !exists {
		sc = newStreamContext(key)
		e.contexts[key] = sc
	}
	e.mu.Unlock()

	// Candles never move backwards within a stream; a repeated open time is
	// the provisional-to-closed refinement of the same bar.
	if candle.OpenTime < sc.lastOpenTime {
		return nil
	}

	p := e.params().normalize()
	windowLen := p.OBLookbackPeriods + 2*p.SwingWindow + 3
	window := e.store.Get(candle.Symbol, candle.Timeframe, windowLen)
	if len(window) == 0 {
		return nil
	}

	sc.update(window, candle, p)

	return e.pub.Publish(&schema.Event{
		Type:      schema.EventIndicatorUpdated,
		Priority:  schema.PriorityMarketData,
		Source:    "indicator",
		CreatedAt: time.Now().UTC(),
		Payload: schema.IndicatorPayload{
			Symbol:           candle.Symbol,
			Timeframe:        candle.Timeframe,
			Snapshot:         sc.snapshot(),
			SourceCandleTime: candle.OpenTime,
			Provisional:      !candle.IsClosed,
		},
	})
}

// Snapshot returns the current detection state for a stream.
func (e *Engine) Snapshot(key schema.StreamKey) (schema.IndicatorSnapshot, bool) {
	e.mu.Lock()
	sc, ok := e.contexts[key]
	e.mu.Unlock()
	if !ok {
		return schema.IndicatorSnapshot{}, false
	}
	return sc.snapshot(), true
}

// Forget drops the context for a stream. Used when a symbol is removed.
func (e *Engine) Forget(key schema.StreamKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.contexts, key)
	delete(e.warned, key)
}

func (e *Engine) warnOnce(key schema.StreamKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.warned[key] {
		return
	}
	e.warned[key] = true
	observability.Log().Warn("candle for unconfigured timeframe dropped",
		observability.F("stream", key.String()))
}
