package tokens

import (
	"context"
	"sync"
	"time"
)

// MemoryStore holds registrations in memory. Suitable for dev/testing.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]Token
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]Token)}
}

// Put implements Store.
func (m *MemoryStore) Put(_ context.Context, value string, validSince time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[value] = Token{Value: value, ValidSince: validSince}
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tokens[value]
	delete(m.tokens, value)
	return ok, nil
}

// MarkBad implements Store.
func (m *MemoryStore) MarkBad(_ context.Context, value string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[value]
	if !ok {
		return false, nil
	}
	t.LastKnownBad = &at
	m.tokens[value] = t
	return true, nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context) ([]Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Token, 0, len(m.tokens))
	for _, t := range m.tokens {
		if t.LastKnownBad != nil {
			bad := *t.LastKnownBad
			t.LastKnownBad = &bad
		}
		out = append(out, t)
	}
	return out, nil
}
