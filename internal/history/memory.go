package history

import (
	"context"
	"sync"
)

// Memory keeps records for the lifetime of the process.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record)}
}

// Lookup implements Store.
func (m *Memory) Lookup(_ context.Context, rawURL string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[rawURL]

	return rec, ok, nil
}

// Save implements Store.
func (m *Memory) Save(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[rec.URL] = rec

	return nil
}

// Close implements Store.
func (m *Memory) Close() error {
	return nil
}
