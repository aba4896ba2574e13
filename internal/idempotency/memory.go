package idempotency

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value     string
	pending   bool
	expiresAt time.Time
}

// MemoryStore keeps keys in a map. The mutex is held only for the map access.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
}

func (m *MemoryStore) live(key string) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *MemoryStore) TryGet(ctx context.Context, key string) (bool, string, error) {
	if key == "" {
		return false, "", ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return false, "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || e.pending {
		return false, "", nil
	}
	return true, e.value, nil
}

func (m *MemoryStore) Store(ctx context.Context, key, value string, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *MemoryStore) Reserve(ctx context.Context, key string, lockTTL time.Duration) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.entries[key] = memEntry{pending: true, expiresAt: m.now().Add(lockTTL)}
	return true, nil
}

func (m *MemoryStore) Release(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.pending {
		delete(m.entries, key)
	}
	return nil
}
