package kdf

import (
	"crypto/sha1" // #nosec G505 mandated by the protocol
)

// Side selects which slices of the auth key seed the AES key and IV.
type Side int

const (
	// ToServer is used for messages sent by the client (x = 0).
	ToServer Side = iota
	// FromServer is used for messages sent by the server (x = 8).
	FromServer
)

func (s Side) offset() int {
	if s == FromServer {
		return 8
	}
	return 0
}

// MessageKey returns the last 16 bytes of SHA1(data).
func MessageKey(data []byte) (k [16]byte) {
	h := sha1.Sum(data)
	copy(k[:], h[4:])
	return k
}

// Keys derives the AES-256 key and IV for a message from its msg_key and
// the 256-byte auth key.
func Keys(authKey [256]byte, msgKey [16]byte, side Side) (key, iv [32]byte) {
	x := side.offset()

	a := sha1Concat(msgKey[:], authKey[x:x+32])
	b := sha1Concat(authKey[32+x:48+x], msgKey[:], authKey[48+x:64+x])
	c := sha1Concat(authKey[64+x:96+x], msgKey[:])
	d := sha1Concat(msgKey[:], authKey[96+x:128+x])

	copy(key[0:8], a[0:8])
	copy(key[8:20], b[8:20])
	copy(key[20:32], c[4:16])

	copy(iv[0:12], a[8:20])
	copy(iv[12:20], b[0:8])
	copy(iv[20:24], c[16:20])
	copy(iv[24:32], d[0:8])
	return key, iv
}

// NonceHash computes new_nonce_hash{1,2,3}: the last 16 bytes of
// SHA1(new_nonce ‖ n ‖ auth_key_aux_hash).
func NonceHash(newNonce [32]byte, n byte, authKeyAuxHash [8]byte) (r [16]byte) {
	h := sha1Concat(newNonce[:], []byte{n}, authKeyAuxHash[:])
	copy(r[:], h[4:])
	return r
}

// NewNonceHash is the last 16 bytes of SHA1(new_nonce), carried by
// server_DH_params_fail.
func NewNonceHash(newNonce [32]byte) (r [16]byte) {
	h := sha1.Sum(newNonce[:])
	copy(r[:], h[4:])
	return r
}

func sha1Concat(parts ...[]byte) [20]byte {
	h := sha1.New()
	for _, p := range parts {
		h.Write(p)
	}
	var r [20]byte
	h.Sum(r[:0])
	return r
}
