package kv

import (
	"context"
	"sync"
	"time"
)

// Memory is a simple in-memory store with expiration.
type Memory struct {
	items map[string]memoryItem
	sync.RWMutex
}

// memoryItem holds a value along with its expiration
type memoryItem struct {
	value      []byte
	expiration time.Time
}

// NewMemory creates a new in-memory store.
func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]memoryItem),
	}
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.Lock()
	defer m.Unlock()
	m.items[key] = memoryItem{
		value:      append([]byte(nil), value...),
		expiration: time.Now().Add(ttl),
	}
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.RLock()
	item, found := m.items[key]
	m.RUnlock()
	if !found {
		return nil, false, nil
	}
	if time.Now().After(item.expiration) {
		m.Lock()
		delete(m.items, key)
		m.Unlock()
		return nil, false, nil
	}
	return item.value, true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.Lock()
	defer m.Unlock()
	delete(m.items, key)
	return nil
}

// CleanupExpired removes expired items.
func (m *Memory) CleanupExpired() {
	m.Lock()
	defer m.Unlock()
	for key, item := range m.items {
		if time.Now().After(item.expiration) {
			delete(m.items, key)
		}
	}
}
