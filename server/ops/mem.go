package ops

import (
	"context"
	"sync"

	"github.com/luno/flowmap/api"
)

// MemStore is the in-memory ViewStateStore used when redis is unavailable.
type MemStore struct {
	mu     sync.RWMutex
	states map[string]api.ToolbarState
}

func NewMemStore() *MemStore {
	return &MemStore{states: make(map[string]api.ToolbarState)}
}

func (m *MemStore) SaveViewState(_ context.Context, namespace string, st api.ToolbarState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[namespace] = st
	return nil
}

func (m *MemStore) LoadViewState(_ context.Context, namespace string) (api.ToolbarState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[namespace]
	return st, ok, nil
}

var _ ViewStateStore = (*MemStore)(nil)
