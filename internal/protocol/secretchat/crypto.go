package secretchat

import (
	"crypto/sha1" // #nosec G505 mandated by the protocol
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/go-faster/errors"

	"mtproto_core/internal/cryptographic/ige"
	"mtproto_core/internal/cryptographic/kdf"
	"mtproto_core/internal/model"
	"mtproto_core/internal/mterr"
)

const (
	// prefixSize is key fingerprint ‖ msg_key.
	prefixSize = 24
	maxSlack   = 15
	// minRandomBytes is the least amount of random_bytes a peer must send.
	minRandomBytes = 15
)

// Fingerprint returns the key fingerprint: the last 8 bytes of SHA1(key)
// read as a little-endian integer.
func Fingerprint(key [256]byte) int64 {
	h := sha1.Sum(key[:])
	return int64(binary.LittleEndian.Uint64(h[12:]))
}

// NewKey derives the fingerprint and visualizations of a freshly computed
// secret chat key.
func NewKey(value [256]byte) model.SecretKey {
	h1 := sha1.Sum(value[:])
	h256 := sha256.Sum256(value[:])
	return model.SecretKey{
		AuthKey:           value,
		Fingerprint:       Fingerprint(value),
		VisualizationOrig: append([]byte(nil), h1[16:]...),
		Visualization46:   append([]byte(nil), h256[20:]...),
	}
}

// rekeyed derives a replacement key. The original visualization is kept for
// the lifetime of the chat.
func rekeyed(old model.SecretKey, value [256]byte) model.SecretKey {
	k := NewKey(value)
	k.VisualizationOrig = old.VisualizationOrig
	return k
}

// Encrypt frames a serialized decryptedMessageLayer for the peer:
// fingerprint ‖ msg_key ‖ IGE(length ‖ data ‖ padding).
func Encrypt(rand io.Reader, key model.SecretKey, data []byte) ([]byte, error) {
	plain := make([]byte, 4, 4+len(data)+16)
	binary.LittleEndian.PutUint32(plain, uint32(len(data)))
	plain = append(plain, data...)

	msgKey := kdf.MessageKey(plain)
	padding := make([]byte, (16-len(plain)%16)%16)
	if _, err := io.ReadFull(rand, padding); err != nil {
		return nil, errors.Wrap(err, "read padding")
	}
	plain = append(plain, padding...)

	aesKey, aesIV := kdf.Keys(key.AuthKey, msgKey, kdf.ToServer)
	encrypted, err := ige.Encrypt(aesKey, aesIV, plain)
	if err != nil {
		return nil, err
	}

	out := make([]byte, prefixSize, prefixSize+len(encrypted))
	binary.LittleEndian.PutUint64(out, uint64(key.Fingerprint))
	copy(out[8:], msgKey[:])
	return append(out, encrypted...), nil
}

// Decrypt reverses Encrypt and returns the serialized message.
func Decrypt(key model.SecretKey, data []byte) ([]byte, error) {
	if len(data) < prefixSize+16 || (len(data)-prefixSize)%16 != 0 {
		return nil, mterr.Securityf("encrypted message of %d bytes is malformed", len(data))
	}
	if int64(binary.LittleEndian.Uint64(data)) != key.Fingerprint {
		return nil, mterr.Security("Key fingerprint mismatch")
	}
	var msgKey [16]byte
	copy(msgKey[:], data[8:prefixSize])

	aesKey, aesIV := kdf.Keys(key.AuthKey, msgKey, kdf.ToServer)
	plain, err := ige.Decrypt(aesKey, aesIV, data[prefixSize:])
	if err != nil {
		return nil, mterr.Security(err.Error())
	}

	length := int(binary.LittleEndian.Uint32(plain))
	switch {
	case length > len(plain)-4:
		return nil, mterr.Security("message_data_length is too big")
	case len(plain)-4-length > maxSlack:
		return nil, mterr.Security("difference between message_data_length and the length of the remaining decrypted buffer is too big")
	case length%4 != 0:
		return nil, mterr.Security("message_data_length not divisible by 4")
	}
	if kdf.MessageKey(plain[:4+length]) != msgKey {
		return nil, mterr.Security("msg_key mismatch")
	}
	return plain[4 : 4+length], nil
}
