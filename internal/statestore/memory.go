package statestore

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is the in-process Store used for paper trading and tests.
type Memory struct {
	mu      sync.RWMutex
	records map[Key]Record
}

// NewMemory creates an empty memory store.
func NewMemory() *Memory {
	m := new(Memory)
	m.records = make(map[Key]Record)
	return m
}

// Load returns the current record for the key.
func (m *Memory) Load(ctx context.Context, key Key) (Record, error) {
	if err := key.Validate(); err != nil {
		return Record{}, err
	}
	if err := ctxErr(ctx, "load"); err != nil {
		return Record{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return Record{}, notFound(key)
	}
	return rec.Clone(), nil
}

// Save replaces the document and bumps its version.
func (m *Memory) Save(ctx context.Context, key Key, data []byte) (Record, error) {
	if err := key.Validate(); err != nil {
		return Record{}, err
	}
	if err := ctxErr(ctx, "save"); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := Record{
		Key:       key,
		Version:   m.records[key].Version + 1,
		Data:      append([]byte(nil), data...),
		UpdatedAt: time.Now().UTC(),
	}
	m.records[key] = rec
	return rec.Clone(), nil
}

// Delete removes the document; deleting a missing key is a no-op.
func (m *Memory) Delete(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := ctxErr(ctx, "delete"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

var _ Store = (*Memory)(nil)

func ctxErr(ctx context.Context, op string) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("statestore %s context: %w", op, ctx.Err())
	default:
		return nil
	}
}
