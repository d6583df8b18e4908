package storage

import (
	"sync"

	"github.com/pkg/errors"
)

// MemoryBackend is the in-memory reference implementation of Backend.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

var _ Backend = (*MemoryBackend)(nil)

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string][]byte)}
}

// Store creates or replaces the value under key.
func (m *MemoryBackend) Store(key string, value []byte) error {
	if key == "" {
		return errors.New("[Store] key is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Copy so callers can't mutate stored state through the slice they passed in.
	stored := make([]byte, len(value))
	copy(stored, value)
	m.entries[key] = stored
	return nil
}

func (m *MemoryBackend) Retrieve(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.entries[key]
	if !ok {
		return nil, NotFoundErr
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (m *MemoryBackend) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; !ok {
		return NotFoundErr
	}
	delete(m.entries, key)
	return nil
}

func (m *MemoryBackend) List() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	return keys, nil
}

func (m *MemoryBackend) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string][]byte)
	return nil
}

func (m *MemoryBackend) Stats() (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, value := range m.entries {
		total += int64(len(value))
	}
	return Stats{Name: "memory", Keys: len(m.entries), TotalBytes: total}, nil
}
