package datacenter

import (
	"context"
	"sync"

	"mtproto_core/internal/model"
)

// MemoryKeys keeps permanent keys in memory.
type MemoryKeys struct {
	mu   sync.Mutex
	keys map[int]model.AuthKey
}

func NewMemoryKeys() *MemoryKeys {
	return &MemoryKeys{keys: make(map[int]model.AuthKey)}
}

func (m *MemoryKeys) Load(_ context.Context, dc int) (model.AuthKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[dc]
	if !ok {
		return model.AuthKey{}, ErrNoKey
	}
	return key, nil
}

func (m *MemoryKeys) Save(_ context.Context, dc int, key model.AuthKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[dc] = key
	return nil
}
