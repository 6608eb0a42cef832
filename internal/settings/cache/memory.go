package cache

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"
)

type memoryItem struct {
	value     json.RawMessage
	expiresAt time.Time
}

// Memory is a process-local cache with a per-entry TTL.
type Memory struct {
	toggle
	mu    sync.RWMutex
	items map[string]memoryItem
	ttl   time.Duration
	now   func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{items: make(map[string]memoryItem), ttl: ttl, now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	if !m.Enabled() {
		return nil, false, nil
	}
	m.mu.RLock()
	item, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !item.expiresAt.IsZero() && !m.now().Before(item.expiresAt) {
		m.mu.Lock()
		delete(m.items, key)
		m.mu.Unlock()
		return nil, false, nil
	}
	return slices.Clone(item.value), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value json.RawMessage) error {
	if !m.Enabled() {
		return nil
	}
	item := memoryItem{value: slices.Clone(value)}
	if m.ttl > 0 {
		item.expiresAt = m.now().Add(m.ttl)
	}
	m.mu.Lock()
	m.items[key] = item
	m.mu.Unlock()
	return nil
}

func (m *Memory) Invalidate(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	clear(m.items)
	m.mu.Unlock()
	return nil
}

// Disable also drops every entry so a later Enable never serves stale values.
func (m *Memory) Disable() {
	m.toggle.Disable()
	_ = m.Clear(context.Background())
}
