package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"github.com/go-faster/errors"
)

// Sealer protects key material at rest with AES-256-GCM. The record name is
// bound as additional data so a sealed key cannot be moved to another record.
type Sealer struct {
	aead cipher.AEAD
	rand io.Reader
}

// NewSealer creates a Sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "aes.NewCipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "cipher.NewGCM")
	}
	return &Sealer{aead: aead, rand: rand.Reader}, nil
}

// Seal returns nonce ‖ ciphertext.
func (s *Sealer) Seal(record string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return nil, errors.Wrap(err, "read nonce")
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(record)), nil
}

// Open reverses Seal.
func (s *Sealer) Open(record string, sealed []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns {
		return nil, errors.New("sealed data too short")
	}
	plain, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(record))
	if err != nil {
		return nil, errors.Wrap(err, "aead.Open")
	}
	return plain, nil
}
