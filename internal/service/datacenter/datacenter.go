// Package datacenter keeps the authorized session with one datacenter: key
// creation and binding, RPC calls and the read loop.
package datacenter

import (
	"context"
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/mt"
	"github.com/gotd/td/proto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mtproto_core/internal/cryptographic/rsakey"
	"mtproto_core/internal/model"
	"mtproto_core/internal/mterr"
	"mtproto_core/internal/protocol/message"
	"mtproto_core/internal/tl"
	"mtproto_core/internal/transport"
)

// ErrNoKey is returned by a KeyStore without a permanent key for the DC.
var ErrNoKey = errors.New("no permanent auth key")

// KeyStore persists permanent auth keys.
type KeyStore interface {
	Load(ctx context.Context, dc int) (model.AuthKey, error)
	Save(ctx context.Context, dc int, key model.AuthKey) error
}

// ClientInfo is sent with initConnection after every authorization.
type ClientInfo struct {
	APIID         int
	DeviceModel   string
	SystemVersion string
	AppVersion    string
	LangCode      string
}

type Options struct {
	DC         int
	PublicKeys []rsakey.PublicKey
	Keys       KeyStore
	ClientInfo ClientInfo

	// TempKeyTTL is the lifetime of temporary keys in seconds.
	TempKeyTTL int
	// AuthMaxTries bounds key exchanges and binding.
	AuthMaxTries int
	// QueryMaxTries bounds RPC calls.
	QueryMaxTries int
	Timeout       time.Duration

	Rand   io.Reader
	Logger *zap.Logger
	Now    func() time.Time

	// OnUpdate receives server pushed updates. It runs on its own
	// goroutine and may issue calls.
	OnUpdate func(ctx context.Context, upd tl.Object)
}

func (o *Options) setDefaults() {
	if o.Keys == nil {
		o.Keys = NewMemoryKeys()
	}
	if o.TempKeyTTL == 0 {
		o.TempKeyTTL = 31557600
	}
	if o.AuthMaxTries == 0 {
		o.AuthMaxTries = 5
	}
	if o.QueryMaxTries == 0 {
		o.QueryMaxTries = 5
	}
	if o.Timeout == 0 {
		o.Timeout = 10 * time.Second
	}
	if o.Rand == nil {
		o.Rand = rand.Reader
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.OnUpdate == nil {
		o.OnUpdate = func(context.Context, tl.Object) {}
	}
	if o.ClientInfo.APIID == 0 {
		o.ClientInfo = ClientInfo{
			APIID:         1,
			DeviceModel:   "terminal",
			SystemVersion: "linux",
			AppVersion:    "1.0",
			LangCode:      "en",
		}
	}
}

type result struct {
	body []byte
	err  error
}

// DC is the session with one datacenter.
type DC struct {
	conn  transport.Conn
	codec *message.Codec
	opt   Options
	log   *zap.Logger

	// exchangeMu serializes key creation and binding.
	exchangeMu sync.Mutex
	permMu     sync.Mutex
	perm       model.AuthKey

	plain   chan []byte
	updates chan tl.Object

	pendingMu sync.Mutex
	pending   map[int64]chan result
}

func New(conn transport.Conn, opt Options) *DC {
	opt.setDefaults()
	log := opt.Logger.With(zap.Int("dc", opt.DC))
	return &DC{
		conn: conn,
		codec: message.New(conn, message.Options{
			Role:   message.RoleClient,
			Rand:   opt.Rand,
			Now:    opt.Now,
			Logger: log.Named("codec"),
		}),
		opt:     opt,
		log:     log,
		plain:   make(chan []byte, 16),
		updates: make(chan tl.Object, 64),
		pending: make(map[int64]chan result),
	}
}

// Codec exposes the message codec of the session.
func (d *DC) Codec() *message.Codec {
	return d.codec
}

// Run reads messages until ctx is done or the connection fails. Updates
// are delivered to OnUpdate from a separate goroutine.
func (d *DC) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(d.updates)
		return d.readLoop(ctx)
	})
	g.Go(func() error {
		for upd := range d.updates {
			d.opt.OnUpdate(ctx, upd)
		}
		return nil
	})
	return g.Wait()
}

func (d *DC) readLoop(ctx context.Context) error {
	for {
		m, err := d.codec.Recv(ctx)
		if err != nil {
			if rpcErr, ok := mterr.AsRPC(err); ok {
				d.handleCode(ctx, rpcErr)
				continue
			}
			if errors.Is(err, message.ErrUnknownKey) {
				// A frame under a foreign key ends the session.
				d.log.Error("Message under an unknown auth key", zap.Error(err))
				d.failPending(err)
				return err
			}
			if mterr.IsSecurity(err) {
				d.log.Warn("Dropping message", zap.Error(err))
				continue
			}
			d.failPending(mterr.Transport("recv", err))
			return err
		}

		if m.Plain {
			select {
			case d.plain <- m.Body:
			default:
				d.log.Warn("Dropping unexpected plaintext message", zap.Int64("msg_id", m.ID))
			}
			continue
		}
		if err := d.dispatch(ctx, m); err != nil {
			return err
		}
	}
}

// handleCode reacts to a bare error code from the transport. An unknown
// auth key is recovered by creating and binding a new temporary key.
func (d *DC) handleCode(ctx context.Context, err *mterr.RPCError) {
	d.log.Warn("Transport error code", zap.Int("code", err.Code))
	d.failPending(err)
	if err.Code != message.CodeAuthKeyNotFound {
		return
	}
	go func() {
		if err := d.ensureAuthorized(ctx); err != nil {
			d.log.Error("Authorization recovery failed", zap.Error(err))
		}
	}()
}

func (d *DC) dispatch(ctx context.Context, m *message.Message) error {
	if m.SeqNo&1 == 1 {
		if err := d.ack(ctx, m.ID); err != nil {
			return err
		}
	}

	if id, err := tl.Peek(m.Body); err == nil && id == proto.ResultTypeID {
		res, err := tl.Result(m.Body)
		if err != nil {
			d.log.Warn("Undecodable result", zap.Int64("msg_id", m.ID), zap.Error(err))
			return nil
		}
		d.deliver(res.RequestMessageID, result{body: res.Result})
		return nil
	}

	v, err := tl.Decode(m.Body)
	if err != nil {
		d.log.Warn("Undecodable message", zap.Int64("msg_id", m.ID), zap.Error(err))
		return nil
	}
	switch v := v.(type) {
	case *mt.MsgsAck:
		d.log.Debug("Acknowledged", zap.Int64s("msg_ids", v.MsgIDs))
	default:
		select {
		case d.updates <- v:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *DC) ack(ctx context.Context, id int64) error {
	body, err := tl.Encode(&mt.MsgsAck{MsgIDs: []int64{id}})
	if err != nil {
		return err
	}
	_, err = d.codec.Send(ctx, message.Outgoing{Body: body})
	return err
}
