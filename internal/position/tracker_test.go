package position

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/riptide-engine/riptide/internal/schema"
)

type lifecycleCapture struct {
	mu     sync.Mutex
	opened []schema.PositionPayload
	closed []schema.PositionPayload
	corr   []string
}

func (c *lifecycleCapture) Publish(evt *schema.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	payload, ok := evt.Payload.(schema.PositionPayload)
	if !ok {
		return nil
	}
	c.corr = append(c.corr, evt.CorrelationID)
	switch evt.Type {
	case schema.EventPositionOpened:
		c.opened = append(c.opened, payload)
	case schema.EventPositionClosed:
		c.closed = append(c.closed, payload)
	}
	return nil
}

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func fillEvent(side schema.OrderSide, qty, price string) *schema.Event {
	return &schema.Event{
		Type:     schema.EventOrderFilled,
		Priority: schema.PriorityControl,
		Payload: schema.FillPayload{
			Order: schema.Order{
				ClientOrderID: "rt-" + qty + price,
				Symbol:        "BTCUSDT",
				Side:          side,
				Status:        schema.OrderStatusFilled,
			},
			FillID:   "fill-" + qty + price,
			Quantity: d(qty),
			Price:    d(price),
		},
	}
}

func candleEvent(close string) *schema.Event {
	return &schema.Event{
		Type:     schema.EventCandleReceived,
		Priority: schema.PriorityMarketData,
		Payload: schema.CandlePayload{
			Candle: schema.Candle{
				Symbol: "BTCUSDT", Timeframe: schema.TimeframeM5, OpenTime: 300_000,
				Open: d(close), High: d(close), Low: d(close), Close: d(close),
				Volume: d("1"), IsClosed: false,
			},
			Origin: schema.CandleSourceLive,
		},
	}
}

func TestOpeningFillCreatesPosition(t *testing.T) {
	capture := new(lifecycleCapture)
	tracker := New(capture)

	require.NoError(t, tracker.HandleFill(context.Background(), fillEvent(schema.OrderSideBuy, "2", "100")))

	pos, held := tracker.Get("BTCUSDT")
	require.True(t, held)
	require.Equal(t, schema.OrderSideBuy, pos.Side)
	require.True(t, pos.Quantity.Equal(d("2")))
	require.True(t, pos.AvgEntry.Equal(d("100")))
	require.Len(t, capture.opened, 1)
	require.Equal(t, 1, tracker.Open())
}

func TestSameSideFillWeightsAverageEntry(t *testing.T) {
	tracker := New(new(lifecycleCapture))

	require.NoError(t, tracker.HandleFill(context.Background(), fillEvent(schema.OrderSideBuy, "2", "100")))
	require.NoError(t, tracker.HandleFill(context.Background(), fillEvent(schema.OrderSideBuy, "2", "110")))

	pos, _ := tracker.Get("BTCUSDT")
	require.True(t, pos.Quantity.Equal(d("4")))
	require.True(t, pos.AvgEntry.Equal(d("105")))
}

func TestPartialReduceKeepsPositionOpen(t *testing.T) {
	capture := new(lifecycleCapture)
	tracker := New(capture)

	require.NoError(t, tracker.HandleFill(context.Background(), fillEvent(schema.OrderSideBuy, "3", "100")))
	require.NoError(t, tracker.HandleFill(context.Background(), fillEvent(schema.OrderSideSell, "1", "110")))

	pos, held := tracker.Get("BTCUSDT")
	require.True(t, held)
	require.True(t, pos.Quantity.Equal(d("2")))
	require.True(t, pos.AvgEntry.Equal(d("100")), "reduction does not reprice the remainder")
	require.Empty(t, capture.closed)
	require.True(t, tracker.Realized().Equal(d("10")))
}

func TestFullCloseEmitsRealizedPnL(t *testing.T) {
	capture := new(lifecycleCapture)
	tracker := New(capture)

	require.NoError(t, tracker.HandleFill(context.Background(), fillEvent(schema.OrderSideBuy, "2", "100")))
	require.NoError(t, tracker.HandleFill(context.Background(), fillEvent(schema.OrderSideSell, "2", "95")))

	_, held := tracker.Get("BTCUSDT")
	require.False(t, held)
	require.Zero(t, tracker.Open())
	require.Len(t, capture.closed, 1)
	require.True(t, capture.closed[0].RealizedPnL.Equal(d("-10")))
	require.True(t, capture.closed[0].Position.Quantity.IsZero())
}

func TestShortCloseRealizesInvertedPnL(t *testing.T) {
	capture := new(lifecycleCapture)
	tracker := New(capture)

	require.NoError(t, tracker.HandleFill(context.Background(), fillEvent(schema.OrderSideSell, "2", "100")))
	require.NoError(t, tracker.HandleFill(context.Background(), fillEvent(schema.OrderSideBuy, "2", "90")))

	require.Len(t, capture.closed, 1)
	require.True(t, capture.closed[0].RealizedPnL.Equal(d("20")))
}

func TestOversizedOppositeFillFlips(t *testing.T) {
	capture := new(lifecycleCapture)
	tracker := New(capture)

	require.NoError(t, tracker.HandleFill(context.Background(), fillEvent(schema.OrderSideBuy, "2", "100")))
	require.NoError(t, tracker.HandleFill(context.Background(), fillEvent(schema.OrderSideSell, "5", "110")))

	pos, held := tracker.Get("BTCUSDT")
	require.True(t, held)
	require.Equal(t, schema.OrderSideSell, pos.Side)
	require.True(t, pos.Quantity.Equal(d("3")))
	require.True(t, pos.AvgEntry.Equal(d("110")))
	require.Len(t, capture.closed, 1)
	require.True(t, capture.closed[0].RealizedPnL.Equal(d("20")))
	require.Len(t, capture.opened, 2, "flip opens the remainder as a new position")
}

func TestLifecycleEventsKeepFillCorrelation(t *testing.T) {
	capture := new(lifecycleCapture)
	tracker := New(capture)

	open := fillEvent(schema.OrderSideBuy, "2", "100")
	open.CorrelationID = "sig-42"
	require.NoError(t, tracker.HandleFill(context.Background(), open))

	flip := fillEvent(schema.OrderSideSell, "5", "110")
	flip.CorrelationID = "sig-43"
	require.NoError(t, tracker.HandleFill(context.Background(), flip))

	require.Equal(t, []string{"sig-42", "sig-43", "sig-43"}, capture.corr,
		"open, close and flip-open all carry the triggering fill's correlation")
}

func TestCandleMarksUnrealizedPnL(t *testing.T) {
	tracker := New(new(lifecycleCapture))

	require.NoError(t, tracker.HandleFill(context.Background(), fillEvent(schema.OrderSideBuy, "2", "100")))
	require.NoError(t, tracker.HandleCandle(context.Background(), candleEvent("104")))

	pos, _ := tracker.Get("BTCUSDT")
	require.True(t, pos.UnrealizedPnL.Equal(d("8")))

	require.NoError(t, tracker.HandleCandle(context.Background(), candleEvent("97")))
	pos, _ = tracker.Get("BTCUSDT")
	require.True(t, pos.UnrealizedPnL.Equal(d("-6")))
}

func TestCandleForUnheldSymbolIgnored(t *testing.T) {
	tracker := New(new(lifecycleCapture))
	require.NoError(t, tracker.HandleCandle(context.Background(), candleEvent("104")))
	require.Zero(t, tracker.Open())
}

func TestRejectsMalformedFills(t *testing.T) {
	tracker := New(new(lifecycleCapture))
	require.Error(t, tracker.HandleFill(context.Background(), fillEvent(schema.OrderSideBuy, "0", "100")))
	require.Error(t, tracker.HandleFill(context.Background(), &schema.Event{
		Type:    schema.EventOrderFilled,
		Payload: "bogus",
	}))
}
