package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/riptide-engine/riptide/errs"
	"github.com/riptide-engine/riptide/internal/schema"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func candleAt(openMs int64, close string) schema.Candle {
	return schema.Candle{
		Symbol:    "BTCUSDT",
		Timeframe: schema.TimeframeM1,
		OpenTime:  openMs,
		Open:      d(close),
		High:      d(close),
		Low:       d(close),
		Close:     d(close),
		Volume:    d("1"),
		IsClosed:  true,
	}
}

func key() schema.StreamKey {
	return schema.StreamKey{Symbol: "BTCUSDT", Timeframe: schema.TimeframeM1}
}

func TestFetchOHLCVRespectsLimit(t *testing.T) {
	p := NewPaper(decimal.Zero)
	var seed []schema.Candle
	for i := int64(0); i < 10; i++ {
		seed = append(seed, candleAt(i*60_000, "100"))
	}
	p.SeedHistory(key(), seed)

	got, err := p.FetchOHLCV(context.Background(), key(), 4)
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.Equal(t, int64(6*60_000), got[0].OpenTime, "newest candles are kept")

	all, err := p.FetchOHLCV(context.Background(), key(), 0)
	require.NoError(t, err)
	require.Len(t, all, 10)
}

func TestWatchCandlesReceivesPushes(t *testing.T) {
	p := NewPaper(decimal.Zero)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := p.WatchCandles(ctx, key())
	require.NoError(t, err)

	pushed := candleAt(60_000, "101")
	p.PushCandle(pushed)

	select {
	case got := <-stream:
		require.True(t, got.Close.Equal(pushed.Close))
	case <-time.After(time.Second):
		t.Fatal("candle not delivered")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-stream
		return !open
	}, time.Second, 5*time.Millisecond, "stream closes when the watcher context ends")
}

func TestPlaceOrderFillsAtLastPrice(t *testing.T) {
	p := NewPaper(d("10000"))
	p.PushCandle(candleAt(60_000, "100"))

	ack, err := p.PlaceOrder(context.Background(), schema.OrderSpec{
		Symbol:        "BTCUSDT",
		Side:          schema.OrderSideBuy,
		Type:          schema.OrderTypeMarket,
		Quantity:      d("2"),
		ClientOrderID: "ord-1",
	})
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusFilled, ack.Status)
	require.NotEmpty(t, ack.ExchangeOrderID)

	select {
	case fill := <-p.Fills():
		require.Equal(t, "ord-1", fill.Order.ClientOrderID)
		require.True(t, fill.Price.Equal(d("100")))
	case <-time.After(time.Second):
		t.Fatal("fill not emitted")
	}

	pos, err := p.GetPosition(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.True(t, pos.Quantity.Equal(d("2")))
	require.True(t, pos.AvgEntry.Equal(d("100")))

	balances, err := p.GetBalances(context.Background())
	require.NoError(t, err)
	require.True(t, balances[0].Free.Equal(d("9800")))
}

func TestPlaceOrderIsIdempotentPerClientOrderID(t *testing.T) {
	p := NewPaper(d("10000"))
	p.PushCandle(candleAt(60_000, "100"))

	spec := schema.OrderSpec{
		Symbol:        "BTCUSDT",
		Side:          schema.OrderSideBuy,
		Type:          schema.OrderTypeMarket,
		Quantity:      d("1"),
		ClientOrderID: "dup-1",
	}
	first, err := p.PlaceOrder(context.Background(), spec)
	require.NoError(t, err)
	second, err := p.PlaceOrder(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, first, second)

	pos, err := p.GetPosition(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.True(t, pos.Quantity.Equal(d("1")), "resubmission must not double-execute")
}

func TestOppositeOrderReducesAndRealizes(t *testing.T) {
	p := NewPaper(d("10000"))
	p.PushCandle(candleAt(60_000, "100"))

	_, err := p.PlaceOrder(context.Background(), schema.OrderSpec{
		Symbol: "BTCUSDT", Side: schema.OrderSideBuy, Type: schema.OrderTypeMarket,
		Quantity: d("2"), ClientOrderID: "open",
	})
	require.NoError(t, err)

	p.PushCandle(candleAt(120_000, "110"))
	_, err = p.PlaceOrder(context.Background(), schema.OrderSpec{
		Symbol: "BTCUSDT", Side: schema.OrderSideSell, Type: schema.OrderTypeMarket,
		Quantity: d("2"), ClientOrderID: "close",
	})
	require.NoError(t, err)

	pos, err := p.GetPosition(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.True(t, pos.Flat())

	balances, err := p.GetBalances(context.Background())
	require.NoError(t, err)
	require.True(t, balances[0].Free.Equal(d("10020")), "10000 - 200 + 200 + 20 realized")
}

func TestCancelUnknownOrderIsNotFound(t *testing.T) {
	p := NewPaper(decimal.Zero)
	err := p.CancelOrder(context.Background(), "ghost")
	require.Error(t, err)
	require.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestPlaceOrderWithoutPriceIsRejected(t *testing.T) {
	p := NewPaper(decimal.Zero)
	_, err := p.PlaceOrder(context.Background(), schema.OrderSpec{
		Symbol: "NOPRICE", Side: schema.OrderSideBuy, Type: schema.OrderTypeMarket,
		Quantity: d("1"), ClientOrderID: "x",
	})
	require.Error(t, err)
	require.Equal(t, errs.CodeExchange, errs.CodeOf(err))
}
