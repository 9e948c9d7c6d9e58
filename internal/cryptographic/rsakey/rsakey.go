// Package rsakey wraps the server RSA keys used by the req_DH_params step of
// the key exchange.
package rsakey

import (
	"crypto/rsa"
	"io"

	"github.com/go-faster/errors"
	"github.com/gotd/td/crypto"
)

type (
	// PublicKey is a server RSA public key known to the client.
	PublicKey struct {
		RSA *rsa.PublicKey
	}

	// PrivateKey is a server RSA private key, used by the DC emulator.
	PrivateKey struct {
		RSA *rsa.PrivateKey
	}
)

// Fingerprint returns the lower 64 bits of SHA1(n ‖ e), both serialized as
// TL bytes.
func (k PublicKey) Fingerprint() int64 {
	return crypto.RSAFingerprint(k.RSA)
}

// Encrypt encrypts SHA1(data) ‖ data ‖ padding with raw RSA.
func (k PublicKey) Encrypt(rand io.Reader, data []byte) ([]byte, error) {
	r, err := crypto.RSAEncryptHashed(data, k.RSA, rand)
	if err != nil {
		return nil, errors.Wrap(err, "rsa encrypt")
	}
	return r, nil
}

func (k PrivateKey) Public() PublicKey {
	return PublicKey{RSA: &k.RSA.PublicKey}
}

// Decrypt is the inverse of PublicKey.Encrypt. It fails when the SHA1
// prefix matches no prefix of the decrypted block.
func (k PrivateKey) Decrypt(data []byte) ([]byte, error) {
	r, err := crypto.RSADecryptHashed(data, k.RSA)
	if err != nil {
		return nil, errors.Wrap(err, "rsa decrypt")
	}
	return r, nil
}
