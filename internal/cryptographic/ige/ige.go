package ige

import (
	"crypto/aes"

	"github.com/go-faster/errors"
	"github.com/gotd/ige"
)

// Encrypt encrypts data with AES-256 in IGE mode. The data length must be a
// multiple of the AES block size.
func Encrypt(key, iv [32]byte, data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, errors.Errorf("ige: data length %d is not a multiple of %d", len(data), aes.BlockSize)
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "aes.NewCipher")
	}
	dst := make([]byte, len(data))
	ige.EncryptBlocks(block, iv[:], dst, data)
	return dst, nil
}

// Decrypt is the inverse of Encrypt.
func Decrypt(key, iv [32]byte, data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, errors.Errorf("ige: data length %d is not a multiple of %d", len(data), aes.BlockSize)
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "aes.NewCipher")
	}
	dst := make([]byte, len(data))
	ige.DecryptBlocks(block, iv[:], dst, data)
	return dst, nil
}
