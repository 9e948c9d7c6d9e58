package secretchat

import (
	"context"
	"sync"

	"github.com/go-faster/errors"

	"mtproto_core/internal/model"
)

// ErrNotFound is returned by a Store for unknown chats.
var ErrNotFound = errors.New("secret chat not found")

// Store persists secret chats. Active chats and chats we requested but the
// peer has not accepted yet are kept apart.
type Store interface {
	Save(ctx context.Context, chat *model.SecretChat) error
	Get(ctx context.Context, id int) (*model.SecretChat, error)
	Delete(ctx context.Context, id int) error

	SaveRequested(ctx context.Context, chat *model.RequestedChat) error
	GetRequested(ctx context.Context, id int) (*model.RequestedChat, error)
	DeleteRequested(ctx context.Context, id int) error
}

// MemoryStore keeps chats in process memory.
type MemoryStore struct {
	mu        sync.Mutex
	chats     map[int]model.SecretChat
	requested map[int]model.RequestedChat
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:     make(map[int]model.SecretChat),
		requested: make(map[int]model.RequestedChat),
	}
}

func (s *MemoryStore) Save(_ context.Context, chat *model.SecretChat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[chat.ID] = *chat
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id int) (*model.SecretChat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &chat, nil
}

func (s *MemoryStore) Delete(_ context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chats, id)
	return nil
}

func (s *MemoryStore) SaveRequested(_ context.Context, chat *model.RequestedChat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requested[chat.ID] = *chat
	return nil
}

func (s *MemoryStore) GetRequested(_ context.Context, id int) (*model.RequestedChat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.requested[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &chat, nil
}

func (s *MemoryStore) DeleteRequested(_ context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requested, id)
	return nil
}
