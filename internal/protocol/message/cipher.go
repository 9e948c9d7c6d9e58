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

const (
	// headerSize is salt ‖ session_id ‖ msg_id ‖ seq_no ‖ length.
	headerSize = 8 + 8 + 8 + 4 + 4
	// prefixSize is auth_key_id ‖ msg_key.
	prefixSize = 8 + 16
	// maxSlack is the largest accepted padding after the declared length.
	maxSlack = 15
)

// Envelope is the decrypted content of an encrypted frame.
type Envelope struct {
	Salt      int64
	SessionID int64
	MessageID int64
	SeqNo     int32
	Body      []byte
}

// Cipher encrypts frames in one direction and decrypts them in the other.
type Cipher struct {
	rand    io.Reader
	encrypt kdf.Side
	decrypt kdf.Side
}

// NewClientCipher encrypts messages to the server and decrypts messages
// from it.
func NewClientCipher(rand io.Reader) Cipher {
	return Cipher{rand: rand, encrypt: kdf.ToServer, decrypt: kdf.FromServer}
}

// NewServerCipher is the mirror of NewClientCipher.
func NewServerCipher(rand io.Reader) Cipher {
	return Cipher{rand: rand, encrypt: kdf.FromServer, decrypt: kdf.ToServer}
}

// Encrypt builds auth_key_id ‖ msg_key ‖ AES-IGE(frame ‖ padding).
func (c Cipher) Encrypt(key model.AuthKey, e Envelope) ([]byte, error) {
	frame := make([]byte, headerSize, headerSize+len(e.Body)+16)
	binary.LittleEndian.PutUint64(frame[0:], uint64(e.Salt))
	binary.LittleEndian.PutUint64(frame[8:], uint64(e.SessionID))
	binary.LittleEndian.PutUint64(frame[16:], uint64(e.MessageID))
	binary.LittleEndian.PutUint32(frame[24:], uint32(e.SeqNo))
	binary.LittleEndian.PutUint32(frame[28:], uint32(len(e.Body)))
	frame = append(frame, e.Body...)

	msgKey := kdf.MessageKey(frame)
	padded, err := pad(c.rand, frame)
	if err != nil {
		return nil, err
	}

	aesKey, aesIV := kdf.Keys(key.Value, msgKey, c.encrypt)
	encrypted, err := ige.Encrypt(aesKey, aesIV, padded)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, prefixSize+len(encrypted))
	out = append(out, key.ID[:]...)
	out = append(out, msgKey[:]...)
	return append(out, encrypted...), nil
}

// Decrypt reverses Encrypt and checks every length field before the body
// is handed out. The session id is returned as is, callers check it.
func (c Cipher) Decrypt(key model.AuthKey, data []byte) (*Envelope, error) {
	if len(data) < prefixSize+headerSize {
		return nil, mterr.Security("encrypted frame too short")
	}
	if !bytes.Equal(data[:8], key.ID[:]) {
		return nil, ErrUnknownKey
	}
	var msgKey [16]byte
	copy(msgKey[:], data[8:prefixSize])

	aesKey, aesIV := kdf.Keys(key.Value, msgKey, c.decrypt)
	plain, err := ige.Decrypt(aesKey, aesIV, data[prefixSize:])
	if err != nil {
		return nil, mterr.Security(err.Error())
	}

	length := int64(int32(binary.LittleEndian.Uint32(plain[28:])))
	rest := int64(len(plain) - headerSize)
	switch {
	case length > rest:
		return nil, mterr.Security("message_data_length is too big")
	case rest-length > maxSlack:
		return nil, mterr.Security("message_data_length leaves too much padding")
	case length < 0:
		return nil, mterr.Security("message_data_length is negative")
	case length%4 != 0:
		return nil, mterr.Security("message_data_length not divisible by 4")
	}

	end := headerSize + int(length)
	if kdf.MessageKey(plain[:end]) != msgKey {
		return nil, mterr.Security("msg_key mismatch")
	}

	return &Envelope{
		Salt:      int64(binary.LittleEndian.Uint64(plain[0:])),
		SessionID: int64(binary.LittleEndian.Uint64(plain[8:])),
		MessageID: int64(binary.LittleEndian.Uint64(plain[16:])),
		SeqNo:     int32(binary.LittleEndian.Uint32(plain[24:])),
		Body:      plain[headerSize:end],
	}, nil
}

// pad appends random bytes up to the next multiple of 16.
func pad(rand io.Reader, data []byte) ([]byte, error) {
	n := (16 - len(data)%16) % 16
	if n == 0 {
		return data, nil
	}
	padding := make([]byte, n)
	if _, err := io.ReadFull(rand, padding); err != nil {
		return nil, errors.Wrap(err, "read padding")
	}
	return append(data, padding...), nil
}
