// Package authkey persists permanent auth keys in MongoDB, sealed with a
// key derived from the operator secret.
package authkey

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"mtproto_core/internal/cryptographic/encryption"
	"mtproto_core/internal/cryptographic/kdf"
	"mtproto_core/internal/model"
)

var ErrNotFound = errors.New("auth key not found")

type (
	AuthKeyRepo struct {
		collection *mongo.Collection
		sealer     *encryption.Sealer
	}
)

// NewAuthKeyRepo seals keys with a key derived from secret.
func NewAuthKeyRepo(db *mongo.Database, secret []byte) (*AuthKeyRepo, error) {
	key, err := kdf.StorageKey(secret, "auth_keys")
	if err != nil {
		return nil, err
	}
	sealer, err := encryption.NewSealer(key)
	if err != nil {
		return nil, err
	}
	return &AuthKeyRepo{
		collection: db.Collection("auth_keys"),
		sealer:     sealer,
	}, nil
}

func record(id int64) string {
	return fmt.Sprintf("auth_key: %d", id)
}

// Save stores the permanent key of user for dc, replacing the previous one.
func (r *AuthKeyRepo) Save(ctx context.Context, dc int, user string, key model.AuthKey) error {
	return r.upsert(ctx, bson.M{"dc": dc, "user": user}, dc, user, key)
}

// Put stores a key under its id. The datacenter side does not know which
// user a permanent key belongs to.
func (r *AuthKeyRepo) Put(ctx context.Context, dc int, key model.AuthKey) error {
	return r.upsert(ctx, bson.M{"key_id": key.IntID()}, dc, "", key)
}

func (r *AuthKeyRepo) upsert(ctx context.Context, filter bson.M, dc int, user string, key model.AuthKey) error {
	sealed, err := r.sealer.Seal(record(key.IntID()), key.Value[:])
	if err != nil {
		return err
	}
	doc := model.StoredAuthKey{
		DC:     dc,
		User:   user,
		KeyID:  key.IntID(),
		Sealed: sealed,
	}
	_, err = r.collection.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	return err
}

func (r *AuthKeyRepo) Load(ctx context.Context, dc int, user string) (model.AuthKey, error) {
	return r.findOne(ctx, bson.M{"dc": dc, "user": user})
}

func (r *AuthKeyRepo) LoadByID(ctx context.Context, id int64) (model.AuthKey, error) {
	return r.findOne(ctx, bson.M{"key_id": id})
}

func (r *AuthKeyRepo) findOne(ctx context.Context, filter bson.M) (model.AuthKey, error) {
	var doc model.StoredAuthKey
	err := r.collection.FindOne(ctx, filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return model.AuthKey{}, ErrNotFound
	}
	if err != nil {
		return model.AuthKey{}, err
	}
	return Unseal(r.sealer, doc)
}

// Unseal opens a stored key and checks it against the stored id.
func Unseal(sealer *encryption.Sealer, doc model.StoredAuthKey) (model.AuthKey, error) {
	plain, err := sealer.Open(record(doc.KeyID), doc.Sealed)
	if err != nil {
		return model.AuthKey{}, errors.Wrapf(err, "open key %d", doc.KeyID)
	}
	var value [256]byte
	if len(plain) != len(value) {
		return model.AuthKey{}, errors.Errorf("stored key %d has %d bytes", doc.KeyID, len(plain))
	}
	copy(value[:], plain)

	key := model.NewAuthKey(value, 0, 0)
	if key.IntID() != doc.KeyID {
		return model.AuthKey{}, errors.Errorf("stored key %d does not match its id", doc.KeyID)
	}
	return key, nil
}
