package kdf

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF fills buffer with HKDF-SHA256 output. It derives the key that seals
// auth keys at rest.
func HKDF(secret, salt, info, buffer []byte) (int, error) {
	h := hkdf.New(sha256.New, secret, salt, info)
	return io.ReadFull(h, buffer)
}

// StorageKey derives a 32-byte sealing key from an operator secret.
func StorageKey(secret []byte, purpose string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := HKDF(secret, []byte("mtproto_core storage"), []byte(purpose), key); err != nil {
		return nil, err
	}
	return key, nil
}
