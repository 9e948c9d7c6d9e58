package model

import (
	"github.com/gotd/td/crypto"
)

type (
	// AuthKey is an authorization key shared with a datacenter together with
	// the session parameters negotiated alongside it.
	AuthKey struct {
		crypto.AuthKey
		ServerSalt int64

		// ExpiresAt is the unix time a temporary key expires, zero for
		// permanent keys.
		ExpiresAt int64
	}

	// StoredAuthKey is a permanent key sealed for persistence.
	StoredAuthKey struct {
		DC     int    `bson:"dc"`
		User   string `bson:"user"`
		KeyID  int64  `bson:"key_id"`
		Sealed []byte `bson:"sealed"`
	}
)

func NewAuthKey(value crypto.Key, serverSalt, expiresAt int64) AuthKey {
	return AuthKey{
		AuthKey:    value.WithID(),
		ServerSalt: serverSalt,
		ExpiresAt:  expiresAt,
	}
}

func (k AuthKey) Zero() bool {
	return k == AuthKey{}
}

// AuxHash is the first 8 bytes of SHA1(Value), used by the nonce hashes of
// the key exchange.
func (k AuthKey) AuxHash() [8]byte {
	return k.Value.AuxHash()
}
