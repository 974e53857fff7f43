package configstore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/riptide-engine/riptide/errs"
	"github.com/riptide-engine/riptide/internal/schema"
)

type changeCapture struct {
	mu     sync.Mutex
	events []schema.ConfigChangePayload
}

func (c *changeCapture) Publish(evt *schema.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if payload, ok := evt.Payload.(schema.ConfigChangePayload); ok {
		c.events = append(c.events, payload)
	}
	return nil
}

func (c *changeCapture) last() (schema.ConfigChangePayload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return schema.ConfigChangePayload{}, false
	}
	return c.events[len(c.events)-1], true
}

func newStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s, err := New(cfg, Default())
	require.NoError(t, err)
	return s
}

func TestUpdateAppliesPatchAndEmits(t *testing.T) {
	capture := new(changeCapture)
	s := newStore(t, Config{Publisher: capture})

	require.NoError(t, s.Update(SectionTrading, map[string]any{"default_leverage": 10}))

	doc := s.Get()
	require.Equal(t, 10, doc.Trading.DefaultLeverage)
	require.Equal(t, uint64(1), s.Version())

	evt, ok := capture.last()
	require.True(t, ok)
	require.Equal(t, "trading", evt.Subject)
	require.Equal(t, "update", evt.ChangeType)
	require.Equal(t, uint64(1), evt.Version)
}

func TestUpdateRejectsInvalidValues(t *testing.T) {
	s := newStore(t, Config{})

	cases := []struct {
		section Section
		patch   map[string]any
	}{
		{SectionTrading, map[string]any{"default_leverage": 0}},
		{SectionTrading, map[string]any{"default_leverage": 126}},
		{SectionTrading, map[string]any{"risk_per_trade_percent": 0}},
		{SectionTrading, map[string]any{"risk_per_trade_percent": 11}},
		{SectionTrading, map[string]any{"max_position_size_usdt": -5}},
		{SectionTrading, map[string]any{"mode": "dry-run"}},
		{SectionTrading, map[string]any{"no_such_key": 1}},
		{SectionMarket, map[string]any{"primary_timeframe": "7m"}},
		{SectionMarket, map[string]any{"active_symbols": []string{}}},
		{"nonsense", map[string]any{"x": 1}},
	}
	for _, tc := range cases {
		err := s.Update(tc.section, tc.patch)
		require.Error(t, err, "patch %v on %s must be rejected", tc.patch, tc.section)
	}

	// Nothing stuck: the document is untouched and unversioned.
	require.Equal(t, uint64(0), s.Version())
	require.Equal(t, Default().Trading.DefaultLeverage, s.Get().Trading.DefaultLeverage)
}

func TestUpdateRejectsUnknownSymbols(t *testing.T) {
	universe := map[string]bool{"BTCUSDT": true, "ETHUSDT": true}
	s := newStore(t, Config{SymbolKnown: func(sym string) bool { return universe[sym] }})

	err := s.Update(SectionMarket, map[string]any{"active_symbols": []string{"BTCUSDT", "DOGEZZZ"}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "DOGEZZZ")

	require.NoError(t, s.Update(SectionMarket, map[string]any{"active_symbols": []string{"ETHUSDT"}}))
}

func TestRollbackRestoresByteForByte(t *testing.T) {
	s := newStore(t, Config{})

	before, err := s.Snapshot()
	require.NoError(t, err)

	require.NoError(t, s.Update(SectionTrading, map[string]any{"default_leverage": 20}))
	require.NoError(t, s.Update(SectionICT, map[string]any{"ob_lookback_periods": 50}))

	require.NoError(t, s.Rollback(2))

	after, err := s.Snapshot()
	require.NoError(t, err)
	require.Equal(t, before, after)
	require.Equal(t, 0, s.HistoryDepth(), "rollback consumes the intervening snapshots")
	require.Equal(t, uint64(3), s.Version(), "rollback is itself a mutation")
}

func TestHistoryIsBounded(t *testing.T) {
	s := newStore(t, Config{HistoryLimit: 3})
	for i := 1; i <= 6; i++ {
		require.NoError(t, s.Update(SectionICT, map[string]any{"ob_lookback_periods": 10 + i}))
	}
	require.Equal(t, 3, s.HistoryDepth())
	require.Error(t, s.Rollback(4))
	require.NoError(t, s.Rollback(3))
	// The oldest reachable state is three mutations back, not the seed.
	require.Equal(t, 13, s.Get().ICT.OBLookbackPeriods)
}

func TestTestnetSwitchBlockedWithOpenPositions(t *testing.T) {
	open := 1
	s := newStore(t, Config{Positions: func() int { return open }})

	err := s.Update(SectionBinance, map[string]any{"testnet": false})
	require.Error(t, err)
	require.Equal(t, ReasonSwitchBlocked, errs.ReasonOf(err))
	require.True(t, s.Get().Binance.Testnet, "testnet flag unchanged")

	// Non-toggle updates to the section stay allowed.
	require.NoError(t, s.Update(SectionBinance, map[string]any{"api_key": "k"}))

	open = 0
	require.NoError(t, s.Update(SectionBinance, map[string]any{"testnet": false}))
	require.False(t, s.Get().Binance.Testnet)
}

func TestBatchUpdateIsAtomic(t *testing.T) {
	capture := new(changeCapture)
	s := newStore(t, Config{Publisher: capture})

	err := s.BatchUpdate(map[Section]map[string]any{
		SectionTrading: {"default_leverage": 10},
		SectionMarket:  {"primary_timeframe": "bogus"},
	})
	require.Error(t, err)
	require.Equal(t, Default().Trading.DefaultLeverage, s.Get().Trading.DefaultLeverage,
		"a failing batch leaves every section untouched")
	require.Equal(t, uint64(0), s.Version())

	require.NoError(t, s.BatchUpdate(map[Section]map[string]any{
		SectionTrading: {"default_leverage": 10},
		SectionMarket:  {"primary_timeframe": "15m"},
	}))
	require.Equal(t, uint64(1), s.Version(), "a batch is one mutation")
	require.Equal(t, 1, s.HistoryDepth())

	evt, ok := capture.last()
	require.True(t, ok)
	require.Equal(t, "batch_update", evt.ChangeType)
	require.Equal(t, "market,trading", evt.Subject)
}

func TestRestoreRejectsCorruptedState(t *testing.T) {
	s := newStore(t, Config{})
	err := s.Restore([]byte("{not json"))
	require.Error(t, err)
	require.Equal(t, errs.KindFatal, errs.KindOf(err))
}

func TestRestoreReplacesDocumentAndClearsHistory(t *testing.T) {
	s := newStore(t, Config{})
	require.NoError(t, s.Update(SectionTrading, map[string]any{"default_leverage": 7}))

	snapshot, err := s.Snapshot()
	require.NoError(t, err)

	other := newStore(t, Config{})
	require.NoError(t, other.Restore(snapshot))
	require.Equal(t, 7, other.Get().Trading.DefaultLeverage)
	require.Equal(t, 0, other.HistoryDepth())
}
