package message

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/go-faster/errors"

	"mtproto_core/internal/cryptographic/ige"
	"mtproto_core/internal/cryptographic/kdf"
	"mtproto_core/internal/model"
	"mtproto_core/internal/mterr"
)

// EncryptBinding frames bind_auth_key_inner for auth.bindTempAuthKey. The
// envelope is random(16) ‖ msg_id ‖ seq_no=0 ‖ length ‖ data, encrypted
// with the permanent key and prefixed by its id and msg_key.
func EncryptBinding(rand io.Reader, perm model.AuthKey, msgID int64, data []byte) ([]byte, error) {
	envelope := make([]byte, 16+8+4+4, 16+8+4+4+len(data)+16)
	if _, err := io.ReadFull(rand, envelope[:16]); err != nil {
		return nil, errors.Wrap(err, "read random")
	}
	binary.LittleEndian.PutUint64(envelope[16:], uint64(msgID))
	binary.LittleEndian.PutUint32(envelope[28:], uint32(len(data)))
	envelope = append(envelope, data...)

	msgKey := kdf.MessageKey(envelope)
	padded, err := pad(rand, envelope)
	if err != nil {
		return nil, err
	}
	aesKey, aesIV := kdf.Keys(perm.Value, msgKey, kdf.ToServer)
	encrypted, err := ige.Encrypt(aesKey, aesIV, padded)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, prefixSize+len(encrypted))
	out = append(out, perm.ID[:]...)
	out = append(out, msgKey[:]...)
	return append(out, encrypted...), nil
}

// DecryptBinding reverses EncryptBinding and returns the message id and
// inner data.
func DecryptBinding(perm model.AuthKey, data []byte) (msgID int64, inner []byte, err error) {
	if len(data) < prefixSize+32 {
		return 0, nil, mterr.Security("binding message too short")
	}
	if !bytes.Equal(data[:8], perm.ID[:]) {
		return 0, nil, mterr.Security("binding message is not encrypted with the permanent key")
	}
	var msgKey [16]byte
	copy(msgKey[:], data[8:prefixSize])

	aesKey, aesIV := kdf.Keys(perm.Value, msgKey, kdf.ToServer)
	plain, err := ige.Decrypt(aesKey, aesIV, data[prefixSize:])
	if err != nil {
		return 0, nil, mterr.Security(err.Error())
	}

	length := int(binary.LittleEndian.Uint32(plain[28:]))
	if length > len(plain)-32 || len(plain)-32-length > maxSlack {
		return 0, nil, mterr.Security("binding message length mismatch")
	}
	end := 32 + length
	if kdf.MessageKey(plain[:end]) != msgKey {
		return 0, nil, mterr.Security("binding msg_key mismatch")
	}
	return int64(binary.LittleEndian.Uint64(plain[16:])), plain[32:end], nil
}
