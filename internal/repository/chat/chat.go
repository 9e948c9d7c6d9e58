// Package chat keeps secret chat state in redis. Records are sealed since
// they carry end-to-end keys.
package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"

	"mtproto_core/internal/cryptographic/encryption"
	"mtproto_core/internal/cryptographic/kdf"
	"mtproto_core/internal/model"
	"mtproto_core/internal/protocol/secretchat"
	"mtproto_core/internal/service/redis"
)

type (
	// ChatRepo implements secretchat.Store for one local user.
	ChatRepo struct {
		redisService *redis.RedisService
		sealer       *encryption.Sealer
		owner        string
	}
)

var _ secretchat.Store = (*ChatRepo)(nil)

func NewChatRepo(redisService *redis.RedisService, owner string, secret []byte) (*ChatRepo, error) {
	key, err := kdf.StorageKey(secret, "secret_chats")
	if err != nil {
		return nil, err
	}
	sealer, err := encryption.NewSealer(key)
	if err != nil {
		return nil, err
	}
	return &ChatRepo{
		redisService: redisService,
		sealer:       sealer,
		owner:        owner,
	}, nil
}

func (r *ChatRepo) chatKey(id int) string {
	return fmt.Sprintf("owner: %s, chat: %d", r.owner, id)
}

func (r *ChatRepo) requestedKey(id int) string {
	return fmt.Sprintf("owner: %s, requested: %d", r.owner, id)
}

func (r *ChatRepo) put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sealed, err := r.sealer.Seal(key, data)
	if err != nil {
		return err
	}
	return r.redisService.Set(ctx, key, sealed, 0)
}

func (r *ChatRepo) get(ctx context.Context, key string, v any) error {
	s, err := r.redisService.Get(ctx, key)
	if err == redis.Nil {
		return secretchat.ErrNotFound
	}
	if err != nil {
		return err
	}

	data, err := r.sealer.Open(key, []byte(s))
	if err != nil {
		return errors.Wrapf(err, "open %q", key)
	}
	return json.Unmarshal(data, v)
}

func (r *ChatRepo) Save(ctx context.Context, chat *model.SecretChat) error {
	return r.put(ctx, r.chatKey(chat.ID), chat)
}

func (r *ChatRepo) Get(ctx context.Context, id int) (*model.SecretChat, error) {
	var chat model.SecretChat
	if err := r.get(ctx, r.chatKey(id), &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

func (r *ChatRepo) Delete(ctx context.Context, id int) error {
	return r.redisService.Del(ctx, r.chatKey(id))
}

func (r *ChatRepo) SaveRequested(ctx context.Context, chat *model.RequestedChat) error {
	return r.put(ctx, r.requestedKey(chat.ID), chat)
}

func (r *ChatRepo) GetRequested(ctx context.Context, id int) (*model.RequestedChat, error) {
	var chat model.RequestedChat
	if err := r.get(ctx, r.requestedKey(id), &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

func (r *ChatRepo) DeleteRequested(ctx context.Context, id int) error {
	return r.redisService.Del(ctx, r.requestedKey(id))
}
