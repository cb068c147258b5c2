package breaker

import (
	"context"
	"sync"
	"time"
)

type slotKey struct {
	scope   string
	trigger Trigger
}

type MemoryStore struct {
	mu    sync.Mutex
	slots map[slotKey]State
}

var _ StateStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[slotKey]State)}
}

func (m *MemoryStore) Get(_ context.Context, scope string, trigger Trigger) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[slotKey{scope, trigger}]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryStore) Put(_ context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[slotKey{s.Scope, s.Trigger}] = s
	return nil
}

func (m *MemoryStore) Clear(_ context.Context, scope string, trigger Trigger, openedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := slotKey{scope, trigger}
	if s, ok := m.slots[k]; ok && s.OpenedAt.Equal(openedAt) {
		delete(m.slots, k)
	}
	return nil
}
