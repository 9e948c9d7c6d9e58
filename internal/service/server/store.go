package server

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"mtproto_core/internal/model"
	"mtproto_core/internal/repository/authkey"
)

type (
	// UserStore is implemented by the mongo user repository.
	UserStore interface {
		GetByName(ctx context.Context, name string) (*model.User, error)
		GetByUserID(ctx context.Context, id int64) (*model.User, error)
		Create(ctx context.Context, user *model.User) (primitive.ObjectID, error)
	}

	// KeyRegistry holds the permanent keys created by clients. LoadByID
	// returns authkey.ErrNotFound for unknown ids.
	KeyRegistry interface {
		Put(ctx context.Context, dc int, key model.AuthKey) error
		LoadByID(ctx context.Context, id int64) (model.AuthKey, error)
	}

	// UpdateQueue keeps encoded updates for users that are offline.
	UpdateQueue interface {
		PutUpdatesToCache(ctx context.Context, to int64, updates [][]byte) error
		GetUpdatesFromCache(ctx context.Context, to int64) ([][]byte, error)
	}
)

type MemoryUsers struct {
	mu    sync.Mutex
	users map[string]model.User
}

func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{users: make(map[string]model.User)}
}

func (m *MemoryUsers) GetByName(_ context.Context, name string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[name]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *MemoryUsers) GetByUserID(_ context.Context, id int64) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.UserID == id {
			return &u, nil
		}
	}
	return nil, nil
}

func (m *MemoryUsers) Create(_ context.Context, user *model.User) (primitive.ObjectID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user.ID = primitive.NewObjectID()
	m.users[user.Name] = *user
	return user.ID, nil
}

type MemoryKeys struct {
	mu   sync.Mutex
	keys map[int64]model.AuthKey
}

func NewMemoryKeys() *MemoryKeys {
	return &MemoryKeys{keys: make(map[int64]model.AuthKey)}
}

func (m *MemoryKeys) Put(_ context.Context, _ int, key model.AuthKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key.IntID()] = key
	return nil
}

func (m *MemoryKeys) LoadByID(_ context.Context, id int64) (model.AuthKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[id]
	if !ok {
		return model.AuthKey{}, authkey.ErrNotFound
	}
	return key, nil
}

type MemoryQueue struct {
	mu      sync.Mutex
	updates map[int64][][]byte
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{updates: make(map[int64][][]byte)}
}

func (m *MemoryQueue) PutUpdatesToCache(_ context.Context, to int64, updates [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates[to] = append(m.updates[to], updates...)
	return nil
}

func (m *MemoryQueue) GetUpdatesFromCache(_ context.Context, to int64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := m.updates[to]
	delete(m.updates, to)
	return res, nil
}
