package admission

import (
	"context"
	"sync"

	"github.com/matst80/fstunnel/internal/obs"
)

type memorySet struct {
	mu     sync.Mutex
	tokens map[string]struct{}
}

// NewMemory returns a process-local Set.
func NewMemory() Set {
	return &memorySet{tokens: make(map[string]struct{})}
}

func (m *memorySet) Admit(_ context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[token]; ok {
		return false, nil
	}
	m.tokens[token] = struct{}{}
	obs.AdmittedTokens.Set(float64(len(m.tokens)))
	return true, nil
}

func (m *memorySet) Release(_ context.Context, token string) error {
	m.mu.Lock()
	delete(m.tokens, token)
	n := len(m.tokens)
	m.mu.Unlock()
	obs.AdmittedTokens.Set(float64(n))
	return nil
}

func (m *memorySet) Contains(_ context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tokens[token]
	return ok, nil
}

func (m *memorySet) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

func (m *memorySet) Close() error { return nil }
