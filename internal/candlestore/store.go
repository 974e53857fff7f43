package candlestore

import (
	"sync"

	"github.com/riptide-engine/riptide/internal/schema"
)

// DefaultCapacity is the per-stream window size.
const DefaultCapacity = 1000

// Store holds one rolling candle window per stream key.
type Store struct {
	capacity int
	mu       sync.RWMutex
	buffers  map[schema.StreamKey]*buffer
}

// New constructs a store. capacity <= 0 uses DefaultCapacity.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	s := new(Store)
	s.capacity = capacity
	s.buffers = make(map[schema.StreamKey]*buffer)
	return s
}

// Append applies the ordering rules for one incoming candle: newer pushes,
// equal open time replaces the latest bar, older is ignored.
func (s *Store) Append(c schema.Candle) (AppendResult, error) {
	if err := c.Validate(); err != nil {
		return Ignored, err
	}
	key := c.Key()
	s.mu.Lock()
	buf, ok := s.buffers[key]
	if !ok {
		buf = newBuffer(s.capacity)
		s.buffers[key] = buf
	}
	s.mu.Unlock()
	return buf.append(c), nil
}

// Get returns up to limit candles for the stream, most recent last. Unknown
// keys yield an empty slice.
func (s *Store) Get(symbol schema.SymbolID, timeframe schema.Timeframe, limit int) []schema.Candle {
	buf := s.lookup(schema.StreamKey{Symbol: symbol, Timeframe: timeframe})
	if buf == nil {
		return nil
	}
	return buf.recent(limit)
}

// Last returns the most recent candle for the stream.
func (s *Store) Last(key schema.StreamKey) (schema.Candle, bool) {
	buf := s.lookup(key)
	if buf == nil {
		return schema.Candle{}, false
	}
	return buf.last()
}

// Len reports the current window size for the stream.
func (s *Store) Len(key schema.StreamKey) int {
	buf := s.lookup(key)
	if buf == nil {
		return 0
	}
	return buf.length()
}

// Keys lists every stream with at least one stored candle.
func (s *Store) Keys() []schema.StreamKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schema.StreamKey, 0, len(s.buffers))
	for key := range s.buffers {
		out = append(out, key)
	}
	return out
}

// Drop discards the window for a stream. Used when a symbol is removed
// without retention.
func (s *Store) Drop(key schema.StreamKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, key)
}

func (s *Store) lookup(key schema.StreamKey) *buffer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buffers[key]
}
