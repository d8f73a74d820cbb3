package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/cimillas/bookingflow/internal/clock"
)

type entry struct {
	body      []byte
	expiresAt time.Time
}

// Memory is a process-local TTL store.
type Memory struct {
	mu    sync.RWMutex
	items map[string]entry
	clock clock.Clock
}

// NewMemory returns an empty store using clk for expiry.
func NewMemory(clk clock.Clock) *Memory {
	return &Memory{items: make(map[string]entry), clock: clk}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !m.clock.Now().Before(e.expiresAt) {
		m.mu.Lock()
		if cur, ok := m.items[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(m.items, key)
		}
		m.mu.Unlock()
		return nil, false, nil
	}
	return e.body, true, nil
}

func (m *Memory) Put(_ context.Context, key string, body []byte, ttl time.Duration) error {
	cp := make([]byte, len(body))
	copy(cp, body)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = entry{body: cp, expiresAt: m.clock.Now().Add(ttl)}
	return nil
}

// Sweep drops expired entries and reports how many were removed.
func (m *Memory) Sweep() int {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.items {
		if !now.Before(e.expiresAt) {
			delete(m.items, k)
			n++
		}
	}
	return n
}

// Len reports the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
