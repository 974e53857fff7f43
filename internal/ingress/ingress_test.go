package ingress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/riptide-engine/riptide/internal/candlestore"
	"github.com/riptide-engine/riptide/internal/gateway"
	"github.com/riptide-engine/riptide/internal/schema"
)

type candleCapture struct {
	mu     sync.Mutex
	events []schema.CandlePayload
}

func (c *candleCapture) Publish(evt *schema.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if payload, ok := evt.Payload.(schema.CandlePayload); ok {
		c.events = append(c.events, payload)
	}
	return nil
}

func (c *candleCapture) snapshot() []schema.CandlePayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]schema.CandlePayload, len(c.events))
	copy(out, c.events)
	return out
}

func candleAt(openMs int64) schema.Candle {
	price := decimal.NewFromInt(100)
	return schema.Candle{
		Symbol:    "BTCUSDT",
		Timeframe: schema.TimeframeM1,
		OpenTime:  openMs,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    decimal.NewFromInt(1),
		IsClosed:  true,
	}
}

func streamKey() schema.StreamKey {
	return schema.StreamKey{Symbol: "BTCUSDT", Timeframe: schema.TimeframeM1}
}

func TestWarmupThenLiveOrdering(t *testing.T) {
	paper := gateway.NewPaper(decimal.Zero)
	var history []schema.Candle
	for i := int64(1); i <= 5; i++ {
		history = append(history, candleAt(i*60_000))
	}
	paper.SeedHistory(streamKey(), history)

	capture := new(candleCapture)
	store := candlestore.New(100)
	m := New(Config{WarmupLimit: 10}, paper, store, capture)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, streamKey()) }()

	// All warm-up candles land before any live candle.
	require.Eventually(t, func() bool {
		return len(capture.snapshot()) == 5
	}, 2*time.Second, 5*time.Millisecond)

	paper.PushCandle(candleAt(6 * 60_000))
	require.Eventually(t, func() bool {
		return len(capture.snapshot()) == 6
	}, 2*time.Second, 5*time.Millisecond)

	events := capture.snapshot()
	var lastOpen int64
	for i, evt := range events {
		require.Greater(t, evt.Candle.OpenTime, lastOpen, "chronological order")
		lastOpen = evt.Candle.OpenTime
		if i < 5 {
			require.Equal(t, schema.CandleSourceWarmup, evt.Origin)
		} else {
			require.Equal(t, schema.CandleSourceLive, evt.Origin)
		}
	}

	require.Equal(t, 6, store.Len(streamKey()), "ingested candles reach the store")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop on cancel")
	}
}

func TestWarmupSkippedWhenWindowRetained(t *testing.T) {
	paper := gateway.NewPaper(decimal.Zero)
	var history []schema.Candle
	for i := int64(1); i <= 10; i++ {
		history = append(history, candleAt(i*60_000))
	}
	paper.SeedHistory(streamKey(), history)

	store := candlestore.New(100)
	for _, c := range history {
		_, err := store.Append(c)
		require.NoError(t, err)
	}

	capture := new(candleCapture)
	m := New(Config{WarmupLimit: 10, MinRetained: 5}, paper, store, capture)
	require.NoError(t, m.Warmup(context.Background(), streamKey()))
	require.Empty(t, capture.snapshot(), "no warm-up events when the window is retained")
}

func TestWarmupRunsWhenWindowTooSmall(t *testing.T) {
	paper := gateway.NewPaper(decimal.Zero)
	paper.SeedHistory(streamKey(), []schema.Candle{candleAt(60_000), candleAt(120_000)})

	store := candlestore.New(100)
	capture := new(candleCapture)
	m := New(Config{WarmupLimit: 10, MinRetained: 5}, paper, store, capture)
	require.NoError(t, m.Warmup(context.Background(), streamKey()))
	require.Len(t, capture.snapshot(), 2)
}

// flakyGateway closes its first live streams immediately to exercise
// reconnection.
type flakyGateway struct {
	*gateway.Paper
	mu        sync.Mutex
	failTimes int
}

func (f *flakyGateway) WatchCandles(ctx context.Context, key schema.StreamKey) (<-chan schema.Candle, error) {
	f.mu.Lock()
	shouldFail := f.failTimes > 0
	if shouldFail {
		f.failTimes--
	}
	f.mu.Unlock()
	if shouldFail {
		ch := make(chan schema.Candle)
		close(ch)
		return ch, nil
	}
	return f.Paper.WatchCandles(ctx, key)
}

func TestLiveStreamReconnectsWithBackoff(t *testing.T) {
	paper := gateway.NewPaper(decimal.Zero)
	paper.SeedHistory(streamKey(), []schema.Candle{candleAt(60_000)})
	flaky := &flakyGateway{Paper: paper, failTimes: 2}

	capture := new(candleCapture)
	store := candlestore.New(100)
	m := New(Config{
		WarmupLimit:   10,
		MinRetained:   1,
		ReconnectBase: time.Millisecond,
		ReconnectCap:  5 * time.Millisecond,
	}, flaky, store, capture)

	// Seed the store so warm-up is skipped and failures surface fast.
	_, err := store.Append(candleAt(60_000))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx, streamKey()) }()

	require.Eventually(t, func() bool {
		return m.Failures(streamKey()) >= 2
	}, 2*time.Second, time.Millisecond, "both scripted failures counted")

	// The third attempt connects; a delivered candle resets the counter.
	paperReady := func() bool {
		paper.PushCandle(candleAt(2 * 60_000))
		return m.Failures(streamKey()) == 0
	}
	require.Eventually(t, paperReady, 2*time.Second, 10*time.Millisecond)
}

// pulseGateway fails a scripted number of connects, then serves exactly one
// stream that delivers a candle before closing, then fails every connect
// after that.
type pulseGateway struct {
	*gateway.Paper
	mu       sync.Mutex
	failures int
	pulsed   bool
}

func (g *pulseGateway) WatchCandles(ctx context.Context, key schema.StreamKey) (<-chan schema.Candle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch := make(chan schema.Candle, 1)
	if g.failures > 0 {
		g.failures--
	} else if !g.pulsed {
		g.pulsed = true
		ch <- candleAt(2 * 60_000)
	}
	close(ch)
	return ch, nil
}

func TestBackoffResetsAfterHealthyStream(t *testing.T) {
	paper := gateway.NewPaper(decimal.Zero)
	pulse := &pulseGateway{Paper: paper, failures: 6}

	capture := new(candleCapture)
	store := candlestore.New(100)
	m := New(Config{
		WarmupLimit:   10,
		MinRetained:   1,
		ReconnectBase: time.Millisecond,
		ReconnectCap:  2 * time.Second,
	}, pulse, store, capture)

	// Seed the store so warm-up is skipped.
	_, err := store.Append(candleAt(60_000))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx, streamKey()) }()

	// Six failed connects grow the reconnect delay, then the healthy stream
	// delivers its candle.
	require.Eventually(t, func() bool {
		return store.Len(streamKey()) == 2
	}, 5*time.Second, time.Millisecond)

	// After the healthy stretch the delay starts from the base again, so
	// consecutive failures accrue far faster than the accumulated interval
	// would allow.
	require.Eventually(t, func() bool {
		return m.Failures(streamKey()) >= 6
	}, 500*time.Millisecond, time.Millisecond,
		"reconnects after a healthy stream start from the base delay")
}

func TestRunRejectsInvalidKey(t *testing.T) {
	m := New(Config{}, gateway.NewPaper(decimal.Zero), candlestore.New(10), new(candleCapture))
	err := m.Run(context.Background(), schema.StreamKey{})
	require.Error(t, err)
}
