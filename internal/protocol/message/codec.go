// Package message frames, encrypts and integrity-checks every message
// exchanged with a datacenter.
package message

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"mtproto_core/internal/model"
	"mtproto_core/internal/mterr"
	"mtproto_core/internal/transport"
)

// CodeAuthKeyNotFound is sent as a bare 4-byte payload when the server does
// not know the auth key of a frame.
const CodeAuthKeyNotFound = -404

// ErrUnknownKey is returned for frames encrypted with a key that is not the
// current one.
var ErrUnknownKey = mterr.Security("unknown auth_key id")

// Role selects the direction of the cipher and the message id parity.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

type Options struct {
	Role   Role
	Rand   io.Reader
	Now    func() time.Time
	Logger *zap.Logger
}

func (o *Options) setDefaults() {
	if o.Rand == nil {
		o.Rand = rand.Reader
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

type (
	// Message is a received message.
	Message struct {
		ID    int64
		SeqNo int32
		Body  []byte
		Plain bool
	}

	// Outgoing is a message to send. A zero ID assigns a fresh one. Plain
	// messages skip encryption even when a key is set.
	Outgoing struct {
		ID             int64
		Type           Type
		Body           []byte
		ContentRelated bool
		Plain          bool
	}
)

// Codec holds the per-datacenter framing state: the current key, session
// id, sequence counter and message id bookkeeping.
type Codec struct {
	conn    transport.Conn
	cipher  Cipher
	ids     *IDGen
	checker *IDChecker
	seq     SeqNo
	role    Role
	rand    io.Reader
	log     *zap.Logger

	// sendMu keeps sequence numbers in wire order.
	sendMu sync.Mutex

	mu        sync.RWMutex
	key       model.AuthKey
	sessionID int64
}

func New(conn transport.Conn, opt Options) *Codec {
	opt.setDefaults()

	c := &Codec{
		conn: conn,
		ids:  NewIDGen(opt.Now),
		role: opt.Role,
		rand: opt.Rand,
		log:  opt.Logger,
	}
	if opt.Role == RoleServer {
		c.cipher = NewServerCipher(opt.Rand)
		c.checker = NewIDChecker(c.ids, false)
	} else {
		c.cipher = NewClientCipher(opt.Rand)
		c.checker = NewIDChecker(c.ids, true)
	}
	return c
}

// IDs returns the message id generator, shared with callers that need to
// know a message id before sending it.
func (c *Codec) IDs() *IDGen {
	return c.ids
}

// SetKey installs the key used to frame all further messages.
func (c *Codec) SetKey(k model.AuthKey) {
	c.mu.Lock()
	c.key = k
	c.mu.Unlock()
}

func (c *Codec) Key() model.AuthKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key
}

// ResetKey drops the current key. Subsequent messages are sent in
// plaintext until a new key is set.
func (c *Codec) ResetKey() {
	c.SetKey(model.AuthKey{})
}

func (c *Codec) SetSalt(salt int64) {
	c.mu.Lock()
	c.key.ServerSalt = salt
	c.mu.Unlock()
}

func (c *Codec) SessionID() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Codec) SetSessionID(id int64) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// ResetSession starts a new session: a random session id and zeroed
// sequence numbers. Seen message ids are forgotten.
func (c *Codec) ResetSession() error {
	var b [8]byte
	if _, err := io.ReadFull(c.rand, b[:]); err != nil {
		return errors.Wrap(err, "read session id")
	}
	c.SetSessionID(int64(binary.LittleEndian.Uint64(b[:])))
	c.seq.Reset()
	c.checker.Reset()
	return nil
}

// Send frames and transmits m, returning its message id.
func (c *Codec) Send(ctx context.Context, m Outgoing) (int64, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	id := m.ID
	if id == 0 {
		t := m.Type
		if c.role == RoleClient {
			t = Client
		}
		id = c.ids.New(t)
	}

	c.mu.RLock()
	key, session := c.key, c.sessionID
	c.mu.RUnlock()

	plain := m.Plain || key.Zero()
	var frame []byte
	if plain {
		frame = EncodePlain(id, m.Body)
	} else {
		seq := c.seq.Next(m.ContentRelated)
		var err error
		frame, err = c.cipher.Encrypt(key, Envelope{
			Salt:      key.ServerSalt,
			SessionID: session,
			MessageID: id,
			SeqNo:     seq,
			Body:      m.Body,
		})
		if err != nil {
			return 0, errors.Wrap(err, "encrypt")
		}
	}

	if err := c.conn.Send(ctx, frame); err != nil {
		return 0, err
	}
	c.log.Debug("Sent message",
		zap.Int64("msg_id", id),
		zap.Bool("plain", plain),
		zap.Int("len", len(m.Body)),
	)
	return id, nil
}

// SendCode sends a bare 4-byte error code.
func (c *Codec) SendCode(ctx context.Context, code int32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(code))
	return c.conn.Send(ctx, b[:])
}

// Recv reads and verifies one message. A -404 code drops the current key
// before the error is returned.
func (c *Codec) Recv(ctx context.Context) (*Message, error) {
	payload, err := c.conn.Recv(ctx)
	if err != nil {
		return nil, err
	}

	if len(payload) == 4 {
		code := int32(binary.LittleEndian.Uint32(payload))
		if code == CodeAuthKeyNotFound && !c.Key().Zero() {
			c.log.Warn("Server does not know the auth key, resetting it")
			c.ResetKey()
		}
		return nil, mterr.RPC(int(code), "transport error")
	}
	if len(payload) < 8 {
		return nil, mterr.Securityf("payload of %d bytes is too short", len(payload))
	}

	if isZeroKeyID(payload[:8]) {
		id, body, err := DecodePlain(payload)
		if err != nil {
			return nil, err
		}
		if err := c.checker.Check(id); err != nil {
			return nil, err
		}
		return &Message{ID: id, Body: body, Plain: true}, nil
	}

	key := c.Key()
	if key.Zero() {
		return nil, ErrUnknownKey
	}
	env, err := c.cipher.Decrypt(key, payload)
	if err != nil {
		return nil, err
	}

	if err := c.checkSession(env.SessionID); err != nil {
		return nil, err
	}
	if err := c.checker.Check(env.MessageID); err != nil {
		return nil, err
	}
	return &Message{ID: env.MessageID, SeqNo: env.SeqNo, Body: env.Body}, nil
}

// checkSession requires the session id to match on the client. The server
// follows whatever session the client announces.
func (c *Codec) checkSession(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == c.sessionID {
		return nil
	}
	if c.role == RoleClient {
		return mterr.Security("session id mismatch")
	}
	c.log.Debug("New session", zap.Int64("session_id", id))
	c.sessionID = id
	c.seq.Reset()
	return nil
}
