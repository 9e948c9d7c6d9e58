// Package pq factors the 64-bit pq product sent by the server in resPQ.
package pq

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"math/big"

	"github.com/go-faster/errors"
	"github.com/gotd/td/crypto"

	"mtproto_core/internal/mterr"
)

// primeRounds is the number of Miller-Rabin rounds used to reject pq values
// that have no factors to find.
const primeRounds = 20

type result struct {
	p, q *big.Int
	err  error
}

// Decompose factors pq into p < q and verifies p*q == pq exactly. Prime or
// even values are rejected before factoring, and the search gives up when
// ctx is done.
func Decompose(ctx context.Context, pq uint64) (p, q uint64, err error) {
	if pq < 6 || pq%2 == 0 {
		return 0, 0, mterr.Securityf("pq %d is not a product of two odd primes", pq)
	}
	n := new(big.Int).SetUint64(pq)
	if n.ProbablyPrime(primeRounds) {
		return 0, 0, mterr.Securityf("pq %d is prime", pq)
	}

	if err := ctx.Err(); err != nil {
		return 0, 0, errors.Wrap(err, "decompose pq")
	}

	done := make(chan result, 1)
	go func() {
		p, q, err := crypto.DecomposePQ(n, rand.Reader)
		done <- result{p: p, q: q, err: err}
	}()

	var r result
	select {
	case <-ctx.Done():
		return 0, 0, errors.Wrap(ctx.Err(), "decompose pq")
	case r = <-done:
	}
	if r.err != nil {
		return 0, 0, mterr.Securityf("couldn't compute p and q: %v", r.err)
	}
	if r.p.Cmp(r.q) > 0 {
		r.p, r.q = r.q, r.p
	}
	if r.p.Cmp(r.q) == 0 ||
		new(big.Int).Mul(r.p, r.q).Cmp(n) != 0 ||
		!r.p.ProbablyPrime(primeRounds) ||
		!r.q.ProbablyPrime(primeRounds) {
		return 0, 0, mterr.Security("couldn't compute p and q")
	}
	return r.p.Uint64(), r.q.Uint64(), nil
}

// DecomposeBytes decodes a big-endian pq string and returns p and q as
// minimal big-endian strings, the way they are sent in req_DH_params.
func DecomposeBytes(ctx context.Context, pq []byte) (p, q []byte, err error) {
	if len(pq) == 0 || len(pq) > 8 {
		return nil, nil, mterr.Securityf("invalid pq length %d", len(pq))
	}
	var buf [8]byte
	copy(buf[8-len(pq):], pq)
	pv, qv, err := Decompose(ctx, binary.BigEndian.Uint64(buf[:]))
	if err != nil {
		return nil, nil, err
	}
	return trimmed(pv), trimmed(qv), nil
}

func trimmed(v uint64) []byte {
	return new(big.Int).SetUint64(v).Bytes()
}
