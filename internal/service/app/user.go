package app

import (
	"context"

	"github.com/go-faster/errors"

	"mtproto_core/internal/model"
	"mtproto_core/internal/repository/authkey"
	"mtproto_core/internal/service/datacenter"
)

// UserKeys stores the permanent keys of one local user in the auth key
// repository.
type UserKeys struct {
	repo *authkey.AuthKeyRepo
	user string
}

var _ datacenter.KeyStore = (*UserKeys)(nil)

func NewUserKeys(repo *authkey.AuthKeyRepo, user string) *UserKeys {
	return &UserKeys{repo: repo, user: user}
}

func (k *UserKeys) Load(ctx context.Context, dc int) (model.AuthKey, error) {
	key, err := k.repo.Load(ctx, dc, k.user)
	if errors.Is(err, authkey.ErrNotFound) {
		return model.AuthKey{}, datacenter.ErrNoKey
	}
	return key, err
}

func (k *UserKeys) Save(ctx context.Context, dc int, key model.AuthKey) error {
	return k.repo.Save(ctx, dc, k.user, key)
}
