package redis

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is a process-local IdempotencyStore with TTL support for tests.
// It offers no cross-process exclusion.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

type memoryItem struct {
	value     string
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]memoryItem{}, now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.lookup(key)
	if !ok {
		return "", Nil
	}
	return item.value, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = m.newItem(value, ttl)
	return nil
}

func (m *MemoryStore) SetNX(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.items[key] = m.newItem(value, ttl)
	return true, nil
}

func (m *MemoryStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.items, key)
	}
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) IdempotencyKey(scope string, parts ...string) string {
	return buildKey(append([]string{idempotencyPrefix, scope}, parts...)...)
}

// lookup must be called with mu held.
func (m *MemoryStore) lookup(key string) (memoryItem, bool) {
	item, ok := m.items[key]
	if !ok {
		return memoryItem{}, false
	}
	if !item.expiresAt.IsZero() && !m.now().Before(item.expiresAt) {
		delete(m.items, key)
		return memoryItem{}, false
	}
	return item, true
}

func (m *MemoryStore) newItem(value any, ttl time.Duration) memoryItem {
	var item memoryItem
	switch v := value.(type) {
	case []byte:
		item.value = string(v)
	default:
		item.value = fmt.Sprint(v)
	}
	if ttl > 0 {
		item.expiresAt = m.now().Add(ttl)
	}
	return item
}
