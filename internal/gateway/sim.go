package gateway

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/riptide-engine/riptide/internal/observability"
	"github.com/riptide-engine/riptide/internal/schema"
)

// Simulator drives a Paper gateway with a seeded random-walk market so the
// engine runs end to end without venue connectivity. Seed loads warm-up
// history; Run pushes one closed candle per timeframe interval and is meant
// to run as a supervised task.
type Simulator struct {
	paper *Paper

	mu     sync.Mutex
	rng    *rand.Rand
	prices map[schema.SymbolID]decimal.Decimal
}

// maxStepPercent bounds the per-candle close-to-close move.
const maxStepPercent = 0.2

// NewSimulator constructs a simulator over the given gateway. The same seed
// reproduces the same market.
func NewSimulator(paper *Paper, seed int64) *Simulator {
	s := new(Simulator)
	s.paper = paper
	s.rng = rand.New(rand.NewSource(seed))
	s.prices = make(map[schema.SymbolID]decimal.Decimal)
	return s
}

// Seed generates count closed candles ending at the current interval
// boundary and loads them into the gateway as warm-up history. A
// non-positive start price defaults to 100.
func (s *Simulator) Seed(key schema.StreamKey, count int, start decimal.Decimal) {
	if count <= 0 {
		return
	}
	if start.LessThanOrEqual(decimal.Zero) {
		start = decimal.NewFromInt(100)
	}
	interval := key.Timeframe.Duration().Milliseconds()
	end := time.Now().UnixMilli() / interval * interval

	s.mu.Lock()
	if _, seen := s.prices[key.Symbol]; !seen {
		s.prices[key.Symbol] = start
	}
	candles := make([]schema.Candle, 0, count)
	for i := count; i > 0; i-- {
		candles = append(candles, s.nextLocked(key, end-int64(i)*interval))
	}
	s.mu.Unlock()

	s.paper.SeedHistory(key, candles)
}

// Run emits one closed candle per interval until the context ends.
func (s *Simulator) Run(ctx context.Context, key schema.StreamKey) error {
	interval := key.Timeframe.Duration()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	observability.Log().Debug("market simulation started",
		observability.F("stream", key.String()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			openTime := now.UnixMilli() / interval.Milliseconds() * interval.Milliseconds()
			s.mu.Lock()
			candle := s.nextLocked(key, openTime)
			s.mu.Unlock()
			s.paper.PushCandle(candle)
		}
	}
}

// nextLocked advances the symbol's random walk by one candle. Called with
// the mutex held.
func (s *Simulator) nextLocked(key schema.StreamKey, openTime int64) schema.Candle {
	open, seen := s.prices[key.Symbol]
	if !seen {
		open = decimal.NewFromInt(100)
	}

	step := decimal.NewFromFloat((s.rng.Float64()*2 - 1) * maxStepPercent / 100)
	closePrice := open.Mul(decimal.NewFromInt(1).Add(step))
	wick := decimal.NewFromFloat(s.rng.Float64() * maxStepPercent / 200)
	high := decimal.Max(open, closePrice).Mul(decimal.NewFromInt(1).Add(wick))
	low := decimal.Min(open, closePrice).Mul(decimal.NewFromInt(1).Sub(wick))
	volume := decimal.NewFromFloat(1 + s.rng.Float64()*99)

	s.prices[key.Symbol] = closePrice
	return schema.Candle{
		Symbol:    key.Symbol,
		Timeframe: key.Timeframe,
		OpenTime:  openTime,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
		IsClosed:  true,
	}
}
