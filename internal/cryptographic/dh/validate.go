package dh

import (
	"math/big"

	"mtproto_core/internal/mterr"
)

// primalityRounds is the number of Miller-Rabin rounds used by CheckPG.
const primalityRounds = 64

var (
	one      = big.NewInt(1)
	twoE1984 = new(big.Int).Lsh(one, 1984)
	twoE2047 = new(big.Int).Lsh(one, 2047)
	twoE2048 = new(big.Int).Lsh(one, 2048)
)

// CheckPG validates a Diffie-Hellman prime and generator received from the
// peer: p must be a prime with 2^2047 < p < 2^2048 and 1 < g < p-1.
func CheckPG(p, g *big.Int) error {
	if p == nil || g == nil {
		return mterr.Security("p or g is missing")
	}
	if p.Cmp(twoE2047) <= 0 || p.Cmp(twoE2048) >= 0 {
		return mterr.Security("p isn't a safe 2048-bit prime (2^2047 < p < 2^2048 is false)")
	}
	if !p.ProbablyPrime(primalityRounds) {
		return mterr.Security("p isn't a safe 2048-bit prime (p isn't a prime)")
	}
	pMinusOne := new(big.Int).Sub(p, one)
	if g.Cmp(one) <= 0 || g.Cmp(pMinusOne) >= 0 {
		return mterr.Security("g is invalid (1 < g < p - 1 is false)")
	}
	return nil
}

// CheckGA validates an ephemeral public value (g_a, g_b or g_a_or_b)
// against the prime p: 1 < v < p-1 and 2^1984 < v < p - 2^1984.
func CheckGA(v, p *big.Int) error {
	if v == nil || p == nil {
		return mterr.Security("g_a or p is missing")
	}
	pMinusOne := new(big.Int).Sub(p, one)
	if v.Cmp(one) <= 0 || v.Cmp(pMinusOne) >= 0 {
		return mterr.Security("g_a is invalid (1 < g_a < p - 1 is false)")
	}
	upper := new(big.Int).Sub(p, twoE1984)
	if v.Cmp(twoE1984) <= 0 || v.Cmp(upper) >= 0 {
		return mterr.Security("g_a is invalid (2^1984 < g_a < p - 2^1984 is false)")
	}
	return nil
}
