// Package strategy evaluates pluggable trading strategies against indicator
// snapshots and publishes the signals they produce.
package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/riptide-engine/riptide/errs"
	"github.com/riptide-engine/riptide/internal/observability"
	"github.com/riptide-engine/riptide/internal/schema"
	"github.com/riptide-engine/riptide/internal/telemetry"
	"github.com/riptide-engine/riptide/lib/async"
)

// Strategy is one pluggable signal generator. Implementations must be
// stateless across events; all rolling state lives in the snapshot and the
// candle window.
type Strategy interface {
	ID() string
	Timeframes() []schema.Timeframe
	Evaluate(snapshot schema.IndicatorPayload, candles []schema.Candle) (*schema.Signal, error)
}

// Publisher is the event sink for generated signals.
type Publisher interface {
	Publish(evt *schema.Event) error
}

// CandleSource supplies the recent window handed to strategies.
type CandleSource interface {
	Get(symbol schema.SymbolID, timeframe schema.Timeframe, limit int) []schema.Candle
}

// Config tunes the layer.
type Config struct {
	// Workers bounds concurrent strategy evaluation.
	Workers int
	// QueueDepth bounds pending evaluations before they are shed.
	QueueDepth int
	// RecentCandles is the window length handed to strategies.
	RecentCandles int
	Publisher     Publisher
	Candles       CandleSource
	Metrics       *telemetry.Metrics
	// Enabled is the live toggle per strategy id; nil enables everything.
	Enabled func(id string) bool
}

func (c Config) normalize() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 64
	}
	if c.RecentCandles <= 0 {
		c.RecentCandles = 100
	}
	return c
}

// Layer owns the strategy set and fans indicator updates out to them.
type Layer struct {
	cfg  Config
	pool *async.Pool

	mu         sync.Mutex
	strategies []Strategy
	failures   map[string]uint64
}

// NewLayer constructs the layer and its evaluation pool.
func NewLayer(cfg Config) (*Layer, error) {
	cfg = cfg.normalize()
	if cfg.Publisher == nil || cfg.Candles == nil {
		return nil, errs.New("strategy/layer", errs.CodeInvalid,
			errs.WithMessage("publisher and candle source required"))
	}
	pool, err := async.NewPool(cfg.Workers, cfg.QueueDepth)
	if err != nil {
		return nil, err
	}
	l := new(Layer)
	l.cfg = cfg
	l.pool = pool
	l.failures = make(map[string]uint64)
	return l, nil
}

// Register adds a strategy. Duplicate ids are rejected.
func (l *Layer) Register(s Strategy) error {
	if s == nil || s.ID() == "" {
		return errs.New("strategy/register", errs.CodeInvalid,
			errs.WithMessage("strategy with a non-empty id required"))
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.strategies {
		if existing.ID() == s.ID() {
			return errs.New("strategy/register", errs.CodeConflict,
				errs.WithMessage(fmt.Sprintf("strategy %s already registered", s.ID())))
		}
	}
	l.strategies = append(l.strategies, s)
	return nil
}

// HandleIndicator is the bus handler for IndicatorUpdated.
func (l *Layer) HandleIndicator(ctx context.Context, evt *schema.Event) error {
	payload, ok := evt.Payload.(schema.IndicatorPayload)
	if !ok {
		return errs.New("strategy/handle", errs.CodeInvalid,
			errs.WithMessage("unexpected payload type for IndicatorUpdated"))
	}

	candles := l.cfg.Candles.Get(payload.Symbol, payload.Timeframe, l.cfg.RecentCandles)

	l.mu.Lock()
	strategies := append([]Strategy(nil), l.strategies...)
	l.mu.Unlock()

	for _, s := range strategies {
		if !l.enabled(s.ID()) || !listens(s, payload.Timeframe) {
			continue
		}
		s := s
		if err := l.pool.Submit(ctx, func(context.Context) error {
			l.evaluate(s, payload, candles)
			return nil
		}); err != nil {
			observability.Log().Warn("strategy evaluation shed",
				observability.F("strategy", s.ID()),
				observability.F("error", err.Error()))
		}
	}
	return nil
}

// evaluate runs one strategy in isolation; errors and panics are counted
// and never propagate.
func (l *Layer) evaluate(s Strategy, payload schema.IndicatorPayload, candles []schema.Candle) {
	defer func() {
		if r := recover(); r != nil {
			l.recordFailure(s.ID(), fmt.Sprintf("panic: %v", r))
		}
	}()

	signal, err := s.Evaluate(payload, candles)
	if err != nil {
		l.recordFailure(s.ID(), err.Error())
		return
	}
	if signal == nil {
		return
	}

	out := *signal
	out.ID = uuid.NewString()
	out.Symbol = payload.Symbol
	out.Timeframe = payload.Timeframe
	out.StrategyID = s.ID()
	out.SourceSnapshotTime = payload.SourceCandleTime
	if out.Confidence.IsZero() {
		out.Confidence = decimal.RequireFromString("0.5")
	}
	if err := out.Validate(); err != nil {
		l.recordFailure(s.ID(), "invalid signal: "+err.Error())
		return
	}

	l.cfg.Metrics.SignalGenerated(s.ID())
	_ = l.cfg.Publisher.Publish(&schema.Event{
		Type:          schema.EventSignalGenerated,
		Priority:      schema.PriorityControl,
		Source:        "strategy/" + s.ID(),
		CreatedAt:     time.Now().UTC(),
		CorrelationID: out.ID,
		Payload:       schema.SignalPayload{Signal: out},
	})
}

// Failures reports how many evaluations of a strategy have failed.
func (l *Layer) Failures(id string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures[id]
}

// Close drains the evaluation pool.
func (l *Layer) Close(ctx context.Context) error {
	return l.pool.Shutdown(ctx)
}

func (l *Layer) enabled(id string) bool {
	if l.cfg.Enabled == nil {
		return true
	}
	return l.cfg.Enabled(id)
}

func (l *Layer) recordFailure(id, detail string) {
	l.mu.Lock()
	l.failures[id]++
	l.mu.Unlock()
	observability.Log().Error("strategy evaluation failed",
		observability.F("strategy", id),
		observability.F("error", detail))
}

func listens(s Strategy, tf schema.Timeframe) bool {
	for _, own := range s.Timeframes() {
		if own == tf {
			return true
		}
	}
	return false
}
