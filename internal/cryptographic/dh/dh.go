package dh

import (
	"io"
	"math/big"

	"github.com/go-faster/errors"
)

// SecretSize is the size of an ephemeral exponent in bytes.
const SecretSize = 256

// KeySize is the size of a shared key in bytes.
const KeySize = 256

// NewSecret reads a random 2048-bit exponent from rand.
func NewSecret(rand io.Reader) (*big.Int, error) {
	buf := make([]byte, SecretSize)
	if _, err := io.ReadFull(rand, buf); err != nil {
		return nil, errors.Wrap(err, "read secret")
	}
	return new(big.Int).SetBytes(buf), nil
}

// Exp computes base^exp mod m.
func Exp(base, exp, m *big.Int) *big.Int {
	return new(big.Int).Exp(base, exp, m)
}

// Public computes g^secret mod p and validates the result.
func Public(g, secret, p *big.Int) (*big.Int, error) {
	v := Exp(g, secret, p)
	if err := CheckGA(v, p); err != nil {
		return nil, err
	}
	return v, nil
}

// SharedKey validates the peer's public value and computes
// peer^secret mod p as a 256-byte big-endian key padded on the left with zeroes.
func SharedKey(peer, secret, p *big.Int) (key [KeySize]byte, err error) {
	if err := CheckGA(peer, p); err != nil {
		return key, err
	}
	Exp(peer, secret, p).FillBytes(key[:])
	return key, nil
}
