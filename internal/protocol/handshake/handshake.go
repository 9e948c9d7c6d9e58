// Package handshake runs the Diffie-Hellman key exchange that creates
// permanent and temporary authorization keys.
package handshake

import (
	"context"
	"crypto/sha1" // #nosec G505 mandated by the protocol
	"encoding/binary"
	"io"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/crypto"

	"mtproto_core/internal/mterr"
	"mtproto_core/internal/protocol/message"
	"mtproto_core/internal/tl"
)

// Conn carries the plaintext messages of the exchange.
type Conn interface {
	Send(ctx context.Context, body []byte) error
	Recv(ctx context.Context) ([]byte, error)
}

type codecConn struct {
	codec *message.Codec
	typ   message.Type
}

// CodecConn exchanges plaintext messages directly over a codec. Server
// codecs answer with response ids.
func CodecConn(c *message.Codec, server bool) Conn {
	conn := codecConn{codec: c, typ: message.Client}
	if server {
		conn.typ = message.ServerResponse
	}
	return conn
}

func (c codecConn) Send(ctx context.Context, body []byte) error {
	_, err := c.codec.Send(ctx, message.Outgoing{Type: c.typ, Body: body, Plain: true})
	return err
}

func (c codecConn) Recv(ctx context.Context) ([]byte, error) {
	m, err := c.codec.Recv(ctx)
	if err != nil {
		return nil, err
	}
	if !m.Plain {
		return nil, mterr.Security("encrypted message during key exchange")
	}
	return m.Body, nil
}

// ServerSalt is the XOR of the first 8 bytes of new_nonce and server_nonce,
// read as a little-endian signed integer.
func ServerSalt(newNonce bin.Int256, serverNonce bin.Int128) int64 {
	var s [8]byte
	for i := range s {
		s[i] = newNonce[i] ^ serverNonce[i]
	}
	return int64(binary.LittleEndian.Uint64(s[:]))
}

// tempKeys derives tmp_aes_key and tmp_aes_iv from new_nonce and
// server_nonce.
func tempKeys(newNonce bin.Int256, serverNonce bin.Int128) (key, iv [32]byte) {
	k, v := crypto.TempAESKeys(newNonce.BigInt(), serverNonce.BigInt())
	copy(key[:], k)
	copy(iv[:], v)
	return key, iv
}

func send(ctx context.Context, conn Conn, v bin.Encoder) error {
	data, err := tl.Encode(v)
	if err != nil {
		return errors.Wrapf(err, "encode %T", v)
	}
	return conn.Send(ctx, data)
}

func recv(ctx context.Context, conn Conn) (tl.Object, error) {
	data, err := conn.Recv(ctx)
	if err != nil {
		return nil, err
	}
	v, err := tl.Decode(data)
	if err != nil {
		return nil, mterr.Security(err.Error())
	}
	return v, nil
}

// withHash returns SHA1(data) ‖ data ‖ random bytes, padded to the next
// multiple of 16.
func withHash(rand io.Reader, data []byte) ([]byte, error) {
	h := sha1.Sum(data)
	out := make([]byte, 0, len(h)+len(data)+16)
	out = append(out, h[:]...)
	out = append(out, data...)

	padding := make([]byte, (16-len(out)%16)%16)
	if _, err := io.ReadFull(rand, padding); err != nil {
		return nil, errors.Wrap(err, "read padding")
	}
	return append(out, padding...), nil
}

// checkHash splits SHA1 ‖ object ‖ padding, decodes the object with v and
// verifies the hash over exactly the serialized bytes.
func checkHash(data []byte, v bin.Decoder) error {
	if len(data) < sha1.Size {
		return mterr.Security("hashed data too short")
	}
	answer := data[sha1.Size:]
	b := &bin.Buffer{Buf: answer}
	if err := v.Decode(b); err != nil {
		return mterr.Securityf("decode %T: %v", v, err)
	}
	n := len(answer) - b.Len()
	h := sha1.Sum(answer[:n])
	if string(h[:]) != string(data[:sha1.Size]) {
		return mterr.Securityf("%T hash mismatch", v)
	}
	return nil
}
