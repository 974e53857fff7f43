package strategy

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/riptide-engine/riptide/internal/schema"
)

type signalCapture struct {
	mu      sync.Mutex
	signals []schema.Signal
}

func (c *signalCapture) Publish(evt *schema.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if payload, ok := evt.Payload.(schema.SignalPayload); ok {
		c.signals = append(c.signals, payload.Signal)
	}
	return nil
}

func (c *signalCapture) all() []schema.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]schema.Signal(nil), c.signals...)
}

type staticCandles struct {
	candles []schema.Candle
}

func (s *staticCandles) Get(schema.SymbolID, schema.Timeframe, int) []schema.Candle {
	return append([]schema.Candle(nil), s.candles...)
}

type stubStrategy struct {
	id         string
	timeframes []schema.Timeframe
	evaluate   func(schema.IndicatorPayload, []schema.Candle) (*schema.Signal, error)
}

func (s *stubStrategy) ID() string                     { return s.id }
func (s *stubStrategy) Timeframes() []schema.Timeframe { return s.timeframes }
func (s *stubStrategy) Evaluate(p schema.IndicatorPayload, c []schema.Candle) (*schema.Signal, error) {
	return s.evaluate(p, c)
}

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func longSignal() *schema.Signal {
	return &schema.Signal{
		Direction:  schema.DirectionLong,
		EntryPrice: d("100"),
		StopLoss:   d("98"),
		TakeProfit: d("104"),
		Confidence: d("0.8"),
	}
}

func indicatorEvent(tf schema.Timeframe) *schema.Event {
	return &schema.Event{
		Type:     schema.EventIndicatorUpdated,
		Priority: schema.PriorityMarketData,
		Payload: schema.IndicatorPayload{
			Symbol:           "BTCUSDT",
			Timeframe:        tf,
			SourceCandleTime: 1_700_000_000_000,
		},
	}
}

func newTestLayer(t *testing.T, enabled func(string) bool) (*Layer, *signalCapture) {
	t.Helper()
	capture := new(signalCapture)
	layer, err := NewLayer(Config{
		Workers:   2,
		Publisher: capture,
		Candles:   &staticCandles{},
		Enabled:   enabled,
	})
	require.NoError(t, err)
	return layer, capture
}

func TestLayerPublishesValidatedSignal(t *testing.T) {
	layer, capture := newTestLayer(t, nil)
	require.NoError(t, layer.Register(&stubStrategy{
		id:         "stub",
		timeframes: []schema.Timeframe{schema.TimeframeM5},
		evaluate: func(schema.IndicatorPayload, []schema.Candle) (*schema.Signal, error) {
			return longSignal(), nil
		},
	}))

	require.NoError(t, layer.HandleIndicator(context.Background(), indicatorEvent(schema.TimeframeM5)))
	require.NoError(t, layer.Close(context.Background()))

	signals := capture.all()
	require.Len(t, signals, 1)
	got := signals[0]
	require.NotEmpty(t, got.ID)
	require.Equal(t, "stub", got.StrategyID)
	require.Equal(t, schema.SymbolID("BTCUSDT"), got.Symbol)
	require.Equal(t, schema.TimeframeM5, got.Timeframe)
	require.Equal(t, int64(1_700_000_000_000), got.SourceSnapshotTime)
	require.NoError(t, got.Validate())
}

func TestDisabledToggleTakesEffectImmediately(t *testing.T) {
	var enabled atomic.Bool
	layer, capture := newTestLayer(t, func(string) bool { return enabled.Load() })
	require.NoError(t, layer.Register(&stubStrategy{
		id:         "toggled",
		timeframes: []schema.Timeframe{schema.TimeframeM5},
		evaluate: func(schema.IndicatorPayload, []schema.Candle) (*schema.Signal, error) {
			return longSignal(), nil
		},
	}))

	require.NoError(t, layer.HandleIndicator(context.Background(), indicatorEvent(schema.TimeframeM5)))
	enabled.Store(true)
	require.NoError(t, layer.HandleIndicator(context.Background(), indicatorEvent(schema.TimeframeM5)))
	require.NoError(t, layer.Close(context.Background()))

	require.Len(t, capture.all(), 1, "only the post-toggle event evaluates")
}

func TestTimeframeFiltering(t *testing.T) {
	layer, capture := newTestLayer(t, nil)
	require.NoError(t, layer.Register(&stubStrategy{
		id:         "hourly",
		timeframes: []schema.Timeframe{schema.TimeframeH1},
		evaluate: func(schema.IndicatorPayload, []schema.Candle) (*schema.Signal, error) {
			return longSignal(), nil
		},
	}))

	require.NoError(t, layer.HandleIndicator(context.Background(), indicatorEvent(schema.TimeframeM1)))
	require.NoError(t, layer.Close(context.Background()))
	require.Empty(t, capture.all())
}

func TestPanicAndErrorIsolation(t *testing.T) {
	layer, capture := newTestLayer(t, nil)
	require.NoError(t, layer.Register(&stubStrategy{
		id:         "panicky",
		timeframes: []schema.Timeframe{schema.TimeframeM5},
		evaluate: func(schema.IndicatorPayload, []schema.Candle) (*schema.Signal, error) {
			panic("strategy bug")
		},
	}))
	require.NoError(t, layer.Register(&stubStrategy{
		id:         "broken",
		timeframes: []schema.Timeframe{schema.TimeframeM5},
		evaluate: func(schema.IndicatorPayload, []schema.Candle) (*schema.Signal, error) {
			return nil, context.DeadlineExceeded
		},
	}))
	require.NoError(t, layer.Register(&stubStrategy{
		id:         "healthy",
		timeframes: []schema.Timeframe{schema.TimeframeM5},
		evaluate: func(schema.IndicatorPayload, []schema.Candle) (*schema.Signal, error) {
			return longSignal(), nil
		},
	}))

	require.NoError(t, layer.HandleIndicator(context.Background(), indicatorEvent(schema.TimeframeM5)))
	require.Eventually(t, func() bool {
		return layer.Failures("panicky") == 1 && layer.Failures("broken") == 1
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, layer.Close(context.Background()))

	signals := capture.all()
	require.Len(t, signals, 1)
	require.Equal(t, "healthy", signals[0].StrategyID)
}

func TestFreshIDPerSignal(t *testing.T) {
	layer, capture := newTestLayer(t, nil)
	require.NoError(t, layer.Register(&stubStrategy{
		id:         "stub",
		timeframes: []schema.Timeframe{schema.TimeframeM5},
		evaluate: func(schema.IndicatorPayload, []schema.Candle) (*schema.Signal, error) {
			return longSignal(), nil
		},
	}))

	require.NoError(t, layer.HandleIndicator(context.Background(), indicatorEvent(schema.TimeframeM5)))
	require.NoError(t, layer.HandleIndicator(context.Background(), indicatorEvent(schema.TimeframeM5)))
	require.NoError(t, layer.Close(context.Background()))

	signals := capture.all()
	require.Len(t, signals, 2)
	require.NotEqual(t, signals[0].ID, signals[1].ID)
}

func TestInvalidSignalNotPublished(t *testing.T) {
	layer, capture := newTestLayer(t, nil)
	require.NoError(t, layer.Register(&stubStrategy{
		id:         "sloppy",
		timeframes: []schema.Timeframe{schema.TimeframeM5},
		evaluate: func(schema.IndicatorPayload, []schema.Candle) (*schema.Signal, error) {
			return &schema.Signal{Direction: "SIDEWAYS", EntryPrice: d("1")}, nil
		},
	}))

	require.NoError(t, layer.HandleIndicator(context.Background(), indicatorEvent(schema.TimeframeM5)))
	require.Eventually(t, func() bool { return layer.Failures("sloppy") == 1 },
		time.Second, 5*time.Millisecond)
	require.NoError(t, layer.Close(context.Background()))
	require.Empty(t, capture.all())
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	layer, _ := newTestLayer(t, nil)
	defer layer.Close(context.Background())

	dup := &stubStrategy{
		id:         "stub",
		timeframes: []schema.Timeframe{schema.TimeframeM5},
		evaluate: func(schema.IndicatorPayload, []schema.Candle) (*schema.Signal, error) {
			return nil, nil
		},
	}
	require.NoError(t, layer.Register(dup))
	require.Error(t, layer.Register(dup))
}
