// Package ingress feeds the pipeline with exchange candles: a historical
// warm-up pass per stream followed by the live subscription, with
// backoff-based reconnection.
package ingress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/riptide-engine/riptide/internal/candlestore"
	"github.com/riptide-engine/riptide/internal/gateway"
	"github.com/riptide-engine/riptide/internal/observability"
	"github.com/riptide-engine/riptide/internal/schema"
	"github.com/riptide-engine/riptide/internal/telemetry"
)

// Publisher is the event sink for ingested candles.
type Publisher interface {
	Publish(evt *schema.Event) error
}

// Config tunes warm-up depth and reconnection backoff.
type Config struct {
	// WarmupLimit is how many historical candles are fetched per stream.
	WarmupLimit int
	// MinRetained skips warm-up on resubscribe when the store already
	// holds at least this many candles for the stream.
	MinRetained int
	// ReconnectBase seeds the exponential reconnect delay.
	ReconnectBase time.Duration
	// ReconnectCap bounds the reconnect delay.
	ReconnectCap time.Duration
	Metrics      *telemetry.Metrics
}

func (c Config) normalize() Config {
	if c.WarmupLimit <= 0 {
		c.WarmupLimit = 1000
	}
	if c.MinRetained <= 0 {
		c.MinRetained = 50
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 30 * time.Second
	}
	return c
}

// Manager owns one ingestion loop per active stream. The loops themselves
// are run as supervised tasks; Manager provides their bodies.
type Manager struct {
	cfg   Config
	gw    gateway.Gateway
	store *candlestore.Store
	pub   Publisher

	mu    sync.Mutex
	fails map[schema.StreamKey]int
}

// New constructs a manager.
func New(cfg Config, gw gateway.Gateway, store *candlestore.Store, pub Publisher) *Manager {
	m := new(Manager)
	m.cfg = cfg.normalize()
	m.gw = gw
	m.store = store
	m.pub = pub
	m.fails = make(map[schema.StreamKey]int)
	return m
}

// TaskName returns the supervised task name for a stream.
func TaskName(key schema.StreamKey) string {
	return "ingress/" + key.String()
}

// Run ingests one stream until the context is cancelled: warm-up first,
// then the live subscription with reconnection. Intended to be the body of
// a supervised one-shot task.
func (m *Manager) Run(ctx context.Context, key schema.StreamKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := m.Warmup(ctx, key); err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.ReconnectBase
	bo.MaxInterval = m.cfg.ReconnectCap
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := m.consume(ctx, key)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A connection that ingested candles cleared the failure count; the
		// next outage starts from the base delay again.
		if m.Failures(key) == 0 {
			bo.Reset()
		}
		fails := m.recordFailure(key)
		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			sleep = m.cfg.ReconnectCap
		}
		observability.Log().Warn("live stream failed, reconnecting",
			observability.F("stream", key.String()),
			observability.F("consecutive_failures", fails),
			observability.F("retry_in", sleep.String()),
			observability.F("error", errString(err)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// Warmup fetches history and publishes it chronologically with
// source="warmup". Skipped when the store already retains enough candles.
func (m *Manager) Warmup(ctx context.Context, key schema.StreamKey) error {
	if m.store.Len(key) >= m.cfg.MinRetained {
		observability.Log().Debug("warm-up skipped, window retained",
			observability.F("stream", key.String()),
			observability.F("retained", m.store.Len(key)))
		return nil
	}
	candles, err := m.gw.FetchOHLCV(ctx, key, m.cfg.WarmupLimit)
	if err != nil {
		return fmt.Errorf("warm-up fetch %s: %w", key.String(), err)
	}
	for _, candle := range candles {
		if err := m.ingest(candle, schema.CandleSourceWarmup); err != nil {
			observability.Log().Warn("warm-up candle rejected",
				observability.F("stream", key.String()),
				observability.F("open_time", candle.OpenTime),
				observability.F("error", err.Error()))
		}
	}
	observability.Log().Info("warm-up complete",
		observability.F("stream", key.String()),
		observability.F("candles", len(candles)))
	return nil
}

// consume drains one live subscription until it fails or the context ends.
func (m *Manager) consume(ctx context.Context, key schema.StreamKey) error {
	stream, err := m.gw.WatchCandles(ctx, key)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case candle, ok := <-stream:
			if !ok {
				return fmt.Errorf("live stream %s closed", key.String())
			}
			if err := m.ingest(candle, schema.CandleSourceLive); err != nil {
				observability.Log().Warn("live candle rejected",
					observability.F("stream", key.String()),
					observability.F("error", err.Error()))
				continue
			}
			m.resetFailures(key)
		}
	}
}

// ingest writes the candle into the store and publishes CandleReceived.
func (m *Manager) ingest(candle schema.Candle, origin string) error {
	result, err := m.store.Append(candle)
	if err != nil {
		return err
	}
	if result == candlestore.Ignored {
		return nil
	}
	m.cfg.Metrics.CandleIngested(string(candle.Symbol), string(candle.Timeframe), origin)
	return m.pub.Publish(&schema.Event{
		Type:      schema.EventCandleReceived,
		Priority:  schema.PriorityMarketData,
		Source:    "ingress",
		CreatedAt: time.Now().UTC(),
		Payload:   schema.CandlePayload{Candle: candle, Origin: origin},
	})
}

// Failures reports consecutive live-stream failures for a stream.
func (m *Manager) Failures(key schema.StreamKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fails[key]
}

func (m *Manager) recordFailure(key schema.StreamKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fails[key]++
	return m.fails[key]
}

func (m *Manager) resetFailures(key schema.StreamKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fails[key] != 0 {
		m.fails[key] = 0
	}
}

func errString(err error) string {
	if err == nil {
		return "stream closed"
	}
	return err.Error()
}
