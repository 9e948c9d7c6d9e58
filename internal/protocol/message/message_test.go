package message

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mtproto_core/internal/cryptographic/ige"
	"mtproto_core/internal/cryptographic/kdf"
	"mtproto_core/internal/model"
	"mtproto_core/internal/mterr"
	"mtproto_core/internal/transport"
)

func testKey(t testing.TB) model.AuthKey {
	var v [256]byte
	_, err := rand.Read(v[:])
	require.NoError(t, err)
	return model.NewAuthKey(v, 0x0102030405060708, 0)
}

func TestCipherRoundTrip(t *testing.T) {
	key := testKey(t)
	client := NewClientCipher(rand.Reader)
	server := NewServerCipher(rand.Reader)

	for n := 0; n <= 10000; n += 4 {
		body := make([]byte, n)
		_, err := rand.Read(body)
		require.NoError(t, err)

		e := Envelope{
			Salt:      key.ServerSalt,
			SessionID: 77,
			MessageID: int64(n+1) << 2,
			SeqNo:     int32(n),
			Body:      body,
		}
		frame, err := client.Encrypt(key, e)
		require.NoError(t, err)
		require.Zero(t, (len(frame)-prefixSize)%16)
		require.Equal(t, key.ID[:], frame[:8])

		got, err := server.Decrypt(key, frame)
		require.NoError(t, err)
		require.Equal(t, e.Salt, got.Salt)
		require.Equal(t, e.SessionID, got.SessionID)
		require.Equal(t, e.MessageID, got.MessageID)
		require.Equal(t, e.SeqNo, got.SeqNo)
		require.Equal(t, body, got.Body)
	}
}

func TestCipherDirection(t *testing.T) {
	key := testKey(t)
	client := NewClientCipher(rand.Reader)

	frame, err := client.Encrypt(key, Envelope{Body: []byte{1, 2, 3, 4}})
	require.NoError(t, err)

	// A frame sent to the server is not readable as a server frame.
	_, err = client.Decrypt(key, frame)
	require.Error(t, err)
}

// craft encrypts a hand made plaintext as a client would, with msg_key
// computed over the first hashed bytes.
func craft(t *testing.T, key model.AuthKey, length int32, bodySize, hashed int) []byte {
	plain := make([]byte, headerSize+bodySize)
	_, err := rand.Read(plain)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(plain[28:], uint32(length))

	msgKey := kdf.MessageKey(plain[:hashed])
	aesKey, aesIV := kdf.Keys(key.Value, msgKey, kdf.ToServer)
	enc, err := ige.Encrypt(aesKey, aesIV, plain)
	require.NoError(t, err)

	out := append([]byte(nil), key.ID[:]...)
	out = append(out, msgKey[:]...)
	return append(out, enc...)
}

func TestCipherMalformed(t *testing.T) {
	key := testKey(t)
	server := NewServerCipher(rand.Reader)

	for _, tt := range []struct {
		name     string
		length   int32
		bodySize int
		hashed   int
	}{
		{"NotDivisibleBy4", 5, 16, headerSize + 5},
		{"ExceedsBuffer", 20, 16, headerSize + 16},
		{"TooMuchSlack", 0, 32, headerSize},
		{"Negative", -4, 0, headerSize},
		{"MessageKey", 8, 16, headerSize + 4},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := server.Decrypt(key, craft(t, key, tt.length, tt.bodySize, tt.hashed))
			require.Error(t, err)
			require.True(t, mterr.IsSecurity(err), "%v", err)
		})
	}

	t.Run("Valid", func(t *testing.T) {
		e, err := server.Decrypt(key, craft(t, key, 12, 16, headerSize+12))
		require.NoError(t, err)
		require.Len(t, e.Body, 12)
	})
	t.Run("Short", func(t *testing.T) {
		_, err := server.Decrypt(key, make([]byte, 40))
		require.True(t, mterr.IsSecurity(err))
	})
	t.Run("UnknownKey", func(t *testing.T) {
		_, err := server.Decrypt(testKey(t), craft(t, key, 12, 16, headerSize+12))
		require.ErrorIs(t, err, ErrUnknownKey)
	})
}

func TestPlain(t *testing.T) {
	frame := EncodePlain(0x1234, []byte{1, 2, 3, 4})
	require.Equal(t, make([]byte, 8), frame[:8])

	id, body, err := DecodePlain(frame)
	require.NoError(t, err)
	require.Equal(t, int64(0x1234), id)
	require.Equal(t, []byte{1, 2, 3, 4}, body)

	_, _, err = DecodePlain(frame[:10])
	require.True(t, mterr.IsSecurity(err))

	_, _, err = DecodePlain(frame[:plainHeaderSize+2])
	require.True(t, mterr.IsSecurity(err))
}

func TestIDGen(t *testing.T) {
	now := time.Unix(1700000000, 500)
	gen := NewIDGen(func() time.Time { return now })

	prev := int64(0)
	for i := 0; i < 100; i++ {
		id := gen.New(Client)
		require.Greater(t, id, prev)
		require.Zero(t, id%4)
		require.Equal(t, now.Unix(), id>>32)
		prev = id
	}

	require.Equal(t, int64(ServerResponse), gen.New(ServerResponse)&3)
	require.Equal(t, int64(ServerUpdate), gen.New(ServerUpdate)&3)

	gen.SetTimeDelta(time.Hour)
	require.Equal(t, now.Add(time.Hour).Unix(), gen.New(Client)>>32)
}

func TestIDChecker(t *testing.T) {
	now := time.Unix(1700000000, 0)
	gen := NewIDGen(func() time.Time { return now })
	checker := NewIDChecker(gen, true)

	id := gen.New(ServerResponse)
	require.NoError(t, checker.Check(id))
	require.Error(t, checker.Check(id), "replay")
	require.Error(t, checker.Check(gen.New(Client)), "parity")

	old := now.Add(-301*time.Second).Unix()<<32 | 1
	require.Error(t, checker.Check(old))

	future := now.Add(31*time.Second).Unix()<<32 | 1
	require.Error(t, checker.Check(future))

	edge := now.Add(29*time.Second).Unix()<<32 | 1
	require.NoError(t, checker.Check(edge))

	checker.Reset()
	require.NoError(t, checker.Check(id))
}

func TestSeqNo(t *testing.T) {
	var s SeqNo
	require.Equal(t, int32(0), s.Next(false))
	require.Equal(t, int32(1), s.Next(true))
	require.Equal(t, int32(3), s.Next(true))
	require.Equal(t, int32(4), s.Next(false))
	s.Reset()
	require.Equal(t, int32(1), s.Next(true))
}

func TestBinding(t *testing.T) {
	perm := testKey(t)
	data := []byte("bind_auth_key_inner goes here!!!")

	enc, err := EncryptBinding(rand.Reader, perm, 0x5000, data)
	require.NoError(t, err)

	id, inner, err := DecryptBinding(perm, enc)
	require.NoError(t, err)
	require.Equal(t, int64(0x5000), id)
	require.Equal(t, data, inner)

	_, _, err = DecryptBinding(testKey(t), enc)
	require.True(t, mterr.IsSecurity(err))

	enc[len(enc)-1] ^= 1
	_, _, err = DecryptBinding(perm, enc)
	require.True(t, mterr.IsSecurity(err))
}

func testCodecs(t *testing.T) (*Codec, *Codec) {
	a, b := transport.Pipe()
	t.Cleanup(func() { _ = a.Close() })
	log := zaptest.NewLogger(t)
	client := New(a, Options{Role: RoleClient, Logger: log.Named("client")})
	server := New(b, Options{Role: RoleServer, Logger: log.Named("server")})
	return client, server
}

func TestCodecPlain(t *testing.T) {
	ctx := context.Background()
	client, server := testCodecs(t)

	id, err := client.Send(ctx, Outgoing{Body: []byte{1, 2, 3, 4}})
	require.NoError(t, err)

	m, err := server.Recv(ctx)
	require.NoError(t, err)
	require.True(t, m.Plain)
	require.Equal(t, id, m.ID)
	require.Equal(t, []byte{1, 2, 3, 4}, m.Body)

	_, err = server.Send(ctx, Outgoing{Type: ServerResponse, Body: []byte{5, 6, 7, 8}})
	require.NoError(t, err)
	m, err = client.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte{5, 6, 7, 8}, m.Body)
}

func TestCodecEncrypted(t *testing.T) {
	ctx := context.Background()
	client, server := testCodecs(t)

	key := testKey(t)
	client.SetKey(key)
	server.SetKey(key)
	require.NoError(t, client.ResetSession())

	for i, content := range []bool{true, false, true} {
		body := make([]byte, 4*(i+1))
		id, err := client.Send(ctx, Outgoing{Body: body, ContentRelated: content})
		require.NoError(t, err)

		m, err := server.Recv(ctx)
		require.NoError(t, err)
		require.False(t, m.Plain)
		require.Equal(t, id, m.ID)
		require.Equal(t, body, m.Body)
	}
	require.Equal(t, client.SessionID(), server.SessionID())

	_, err := server.Send(ctx, Outgoing{Type: ServerResponse, Body: []byte{9, 9, 9, 9}, ContentRelated: true})
	require.NoError(t, err)
	m, err := client.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(1), m.SeqNo)
	require.Equal(t, []byte{9, 9, 9, 9}, m.Body)
}

func TestCodecRejects(t *testing.T) {
	ctx := context.Background()

	t.Run("Replay", func(t *testing.T) {
		client, server := testCodecs(t)
		key := testKey(t)
		client.SetKey(key)
		server.SetKey(key)

		id := server.IDs().New(ServerResponse)
		for i := 0; i < 2; i++ {
			_, err := server.Send(ctx, Outgoing{ID: id, Body: []byte{1, 2, 3, 4}})
			require.NoError(t, err)
		}
		_, err := client.Recv(ctx)
		require.NoError(t, err)
		_, err = client.Recv(ctx)
		require.True(t, mterr.IsSecurity(err))
	})
	t.Run("Session", func(t *testing.T) {
		client, server := testCodecs(t)
		key := testKey(t)
		client.SetKey(key)
		server.SetKey(key)
		client.SetSessionID(1)
		server.SetSessionID(2)

		_, err := server.Send(ctx, Outgoing{Type: ServerResponse, Body: []byte{1, 2, 3, 4}})
		require.NoError(t, err)
		_, err = client.Recv(ctx)
		require.True(t, mterr.IsSecurity(err))
	})
	t.Run("UnknownKey", func(t *testing.T) {
		client, server := testCodecs(t)
		client.SetKey(testKey(t))
		server.SetKey(testKey(t))

		_, err := client.Send(ctx, Outgoing{Body: []byte{1, 2, 3, 4}})
		require.NoError(t, err)
		_, err = server.Recv(ctx)
		require.ErrorIs(t, err, ErrUnknownKey)
	})
	t.Run("AuthKeyNotFound", func(t *testing.T) {
		client, server := testCodecs(t)
		client.SetKey(testKey(t))

		require.NoError(t, server.SendCode(ctx, CodeAuthKeyNotFound))
		_, err := client.Recv(ctx)
		rpcErr, ok := mterr.AsRPC(err)
		require.True(t, ok)
		require.Equal(t, CodeAuthKeyNotFound, rpcErr.Code)
		require.True(t, client.Key().Zero())
	})
	t.Run("OtherCode", func(t *testing.T) {
		client, server := testCodecs(t)
		key := testKey(t)
		client.SetKey(key)

		require.NoError(t, server.SendCode(ctx, -429))
		_, err := client.Recv(ctx)
		var rpcErr *mterr.RPCError
		require.True(t, errors.As(err, &rpcErr))
		require.Equal(t, -429, rpcErr.Code)
		require.Equal(t, key, client.Key())
	})
}
