package candlestore

import (
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/riptide-engine/riptide/internal/schema"
)

func candle(openMs int64, close string, closed bool) schema.Candle {
	c := decimal.RequireFromString(close)
	return schema.Candle{
		Symbol:    "BTCUSDT",
		Timeframe: schema.TimeframeM1,
		OpenTime:  openMs,
		Open:      c,
		High:      c,
		Low:       c,
		Close:     c,
		Volume:    decimal.NewFromInt(1),
		IsClosed:  closed,
	}
}

func streamKey() schema.StreamKey {
	return schema.StreamKey{Symbol: "BTCUSDT", Timeframe: schema.TimeframeM1}
}

func TestAppendOrderingRules(t *testing.T) {
	s := New(10)

	res, err := s.Append(candle(60_000, "100", true))
	require.NoError(t, err)
	require.Equal(t, Pushed, res)

	// Same open time replaces the latest bar in place.
	res, err = s.Append(candle(60_000, "101", true))
	require.NoError(t, err)
	require.Equal(t, Replaced, res)
	last, ok := s.Last(streamKey())
	require.True(t, ok)
	require.True(t, last.Close.Equal(decimal.RequireFromString("101")))
	require.Equal(t, 1, s.Len(streamKey()))

	res, err = s.Append(candle(120_000, "102", true))
	require.NoError(t, err)
	require.Equal(t, Pushed, res)

	// Older candles never rewind the series.
	res, err = s.Append(candle(60_000, "999", true))
	require.NoError(t, err)
	require.Equal(t, Ignored, res)
	require.Equal(t, 2, s.Len(streamKey()))
}

func TestLiveCandleOverwrite(t *testing.T) {
	s := New(10)
	_, err := s.Append(candle(60_000, "100", false))
	require.NoError(t, err)
	_, err = s.Append(candle(60_000, "105", false))
	require.NoError(t, err)
	res, err := s.Append(candle(60_000, "103", true))
	require.NoError(t, err)
	require.Equal(t, Replaced, res)

	got := s.Get("BTCUSDT", schema.TimeframeM1, 0)
	require.Len(t, got, 1)
	require.True(t, got[0].IsClosed)
	require.True(t, got[0].Close.Equal(decimal.RequireFromString("103")))
}

func TestEvictionAtCapacity(t *testing.T) {
	s := New(5)
	for i := int64(1); i <= 8; i++ {
		_, err := s.Append(candle(i*60_000, fmt.Sprintf("%d", 100+i), true))
		require.NoError(t, err)
	}
	got := s.Get("BTCUSDT", schema.TimeframeM1, 0)
	require.Len(t, got, 5)
	require.Equal(t, int64(4*60_000), got[0].OpenTime, "oldest three evicted")
	require.Equal(t, int64(8*60_000), got[4].OpenTime)
}

func TestGetLimitAndUnknownKey(t *testing.T) {
	s := New(10)
	for i := int64(1); i <= 6; i++ {
		_, err := s.Append(candle(i*60_000, "100", true))
		require.NoError(t, err)
	}

	got := s.Get("BTCUSDT", schema.TimeframeM1, 2)
	require.Len(t, got, 2)
	require.Equal(t, int64(5*60_000), got[0].OpenTime)
	require.Equal(t, int64(6*60_000), got[1].OpenTime)

	require.Empty(t, s.Get("ETHUSDT", schema.TimeframeM1, 0))
	require.Empty(t, s.Get("BTCUSDT", schema.TimeframeH1, 10))
}

func TestAppendRejectsMalformedCandles(t *testing.T) {
	s := New(10)
	bad := candle(60_000, "100", true)
	bad.Low = decimal.RequireFromString("200")
	_, err := s.Append(bad)
	require.Error(t, err)
	require.Equal(t, 0, s.Len(streamKey()))
}

func TestConcurrentReadsDuringWrites(t *testing.T) {
	s := New(50)
	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := int64(1); i <= 500; i++ {
			_, _ = s.Append(candle(i*60_000, "100", true))
		}
		close(stop)
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				window := s.Get("BTCUSDT", schema.TimeframeM1, 0)
				for i := 1; i < len(window); i++ {
					require.Less(t, window[i-1].OpenTime, window[i].OpenTime,
						"readers must observe a consistent ordered snapshot")
				}
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 50, s.Len(streamKey()))
}

func TestDropRemovesWindow(t *testing.T) {
	s := New(10)
	_, err := s.Append(candle(60_000, "100", true))
	require.NoError(t, err)
	require.Len(t, s.Keys(), 1)
	s.Drop(streamKey())
	require.Empty(t, s.Keys())
	require.Empty(t, s.Get("BTCUSDT", schema.TimeframeM1, 0))
}
