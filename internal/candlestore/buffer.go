// Package candlestore keeps a bounded rolling window of candles per stream.
package candlestore

import (
	"sync"

	"github.com/riptide-engine/riptide/internal/schema"
)

// AppendResult classifies what an append did.
type AppendResult int

const (
	// Pushed means the candle advanced the series.
	Pushed AppendResult = iota
	// Replaced means the candle updated the latest bar in place.
	Replaced
	// Ignored means the candle was older than the latest bar.
	Ignored
)

// buffer is a fixed-capacity ring over candles for one stream. The pipeline
// guarantees a single writer per stream; reads may be concurrent.
type buffer struct {
	mu    sync.RWMutex
	data  []schema.Candle
	start int
	size  int
}

func newBuffer(capacity int) *buffer {
	return &buffer{data: make([]schema.Candle, capacity)}
}

func (b *buffer) append(c schema.Candle) AppendResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size > 0 {
		lastIdx := (b.start + b.size - 1) % len(b.data)
		last := b.data[lastIdx]
		switch {
		case c.OpenTime == last.OpenTime:
			b.data[lastIdx] = c
			return Replaced
		case c.OpenTime < last.OpenTime:
			return Ignored
		}
	}
	if b.size == len(b.data) {
		b.data[b.start] = c
		b.start = (b.start + 1) % len(b.data)
		return Pushed
	}
	b.data[(b.start+b.size)%len(b.data)] = c
	b.size++
	return Pushed
}

// recent copies out up to limit candles, oldest first, most recent last.
// limit <= 0 returns the whole window.
func (b *buffer) recent(limit int) []schema.Candle {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := b.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]schema.Candle, n)
	first := b.size - n
	for i := 0; i < n; i++ {
		out[i] = b.data[(b.start+first+i)%len(b.data)]
	}
	return out
}

func (b *buffer) last() (schema.Candle, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.size == 0 {
		return schema.Candle{}, false
	}
	return b.data[(b.start+b.size-1)%len(b.data)], true
}

func (b *buffer) length() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}
