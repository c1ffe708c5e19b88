package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Memory is the in-process fallback used when Redis is not configured. It
// honors the same TTL semantics; entries expire lazily on read and a sweeper
// reclaims the rest.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	done    chan struct{}
	once    sync.Once
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func NewMemory() *Memory {
	m := &Memory{
		entries: make(map[string]memoryEntry),
		done:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

func (m *Memory) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for k, e := range m.entries {
				if now.After(e.expiresAt) {
					delete(m.entries, k)
				}
			}
			m.mu.Unlock()
		}
	}
}

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	m.mu.Lock()
	m.entries[key] = memoryEntry{value: cp, expiresAt: time.Now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && time.Now().Before(e.expiresAt) {
		return false, nil
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	m.entries[key] = memoryEntry{value: cp, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (m *Memory) InvalidateProject(_ context.Context, projectID string) error {
	prefixes := make([]string, 0, 2)
	for _, p := range projectPatterns(projectID) {
		prefixes = append(prefixes, strings.TrimSuffix(p, "*"))
	}
	m.mu.Lock()
	for k := range m.entries {
		for _, prefix := range prefixes {
			if strings.HasPrefix(k, prefix) {
				delete(m.entries, k)
				break
			}
		}
	}
	m.mu.Unlock()
	return nil
}
