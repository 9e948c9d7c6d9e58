package server

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/mt"
	"github.com/gotd/td/proto"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"mtproto_core/internal/model"
	"mtproto_core/internal/mterr"
	"mtproto_core/internal/protocol/handshake"
	"mtproto_core/internal/protocol/message"
	"mtproto_core/internal/repository/authkey"
	"mtproto_core/internal/tl"
	"mtproto_core/internal/transport"
)

// plainConn sends key exchange answers as plaintext frames.
type plainConn struct {
	codec *message.Codec
}

func (c plainConn) Send(ctx context.Context, body []byte) error {
	_, err := c.codec.Send(ctx, message.Outgoing{Type: message.ServerResponse, Body: body, Plain: true})
	return err
}

func (c plainConn) Recv(context.Context) ([]byte, error) {
	return nil, errors.New("key exchange messages are read by the session")
}

// session is one client connection.
type session struct {
	srv   *HttpServer
	user  model.User
	codec *message.Codec
	hs    *handshake.Server
	log   *zap.Logger

	// bound is set once the temporary key is bound to a permanent key.
	bound atomic.Bool
	flush bool
}

func newSession(s *HttpServer, u model.User, conn transport.Conn) *session {
	log := s.log.With(zap.String("user", u.Name))
	codec := message.New(conn, message.Options{
		Role:   message.RoleServer,
		Rand:   s.opt.Rand,
		Now:    s.opt.Now,
		Logger: log.Named("codec"),
	})
	return &session{
		srv:   s,
		user:  u,
		codec: codec,
		hs: handshake.NewServer(plainConn{codec: codec}, s.opt.PrivateKey, handshake.ServerOptions{
			Rand:   s.opt.Rand,
			Logger: log.Named("handshake"),
			Now:    s.opt.Now,
			Prime:  s.opt.Prime,
			G:      s.opt.G,
		}),
		log: log,
	}
}

func (s *session) serve(ctx context.Context) error {
	for {
		m, err := s.codec.Recv(ctx)
		switch {
		case errors.Is(err, message.ErrUnknownKey):
			s.srv.metrics.unknownKeys.Inc()
			s.log.Info("Unknown auth key, answering -404")
			if err := s.codec.SendCode(ctx, message.CodeAuthKeyNotFound); err != nil {
				return err
			}
			continue
		case mterr.IsSecurity(err):
			s.log.Warn("Dropping message", zap.Error(err))
			continue
		case err != nil:
			return err
		}

		if m.Plain {
			if err := s.exchange(ctx, m.Body); err != nil {
				return err
			}
			continue
		}
		if err := s.handle(ctx, m); err != nil {
			return err
		}
	}
}

func (s *session) exchange(ctx context.Context, body []byte) error {
	res, err := s.hs.Handle(ctx, body)
	if err != nil || res == nil {
		return err
	}

	if !res.Temp {
		s.srv.metrics.keys.WithLabelValues("permanent").Inc()
		return s.srv.opt.Keys.Put(ctx, s.srv.opt.DC, res.Key)
	}
	s.srv.metrics.keys.WithLabelValues("temporary").Inc()
	s.unbind()
	s.codec.SetKey(res.Key)
	return nil
}

func (s *session) unbind() {
	s.bound.Store(false)
}

func (s *session) handle(ctx context.Context, m *message.Message) error {
	v, err := tl.Decode(m.Body)
	if err != nil {
		s.log.Warn("Undecodable message", zap.Int64("msg_id", m.ID), zap.Error(err))
		return nil
	}
	if _, ok := v.(*mt.MsgsAck); ok {
		return nil
	}

	res, err := s.call(ctx, m.ID, v)
	if err != nil {
		s.log.Error("Call failed", zap.String("method", method(v)), zap.Error(err))
		res = rpcError(500, "INTERNAL")
	}
	body, err := tl.Encode(&proto.Result{RequestMessageID: m.ID, Result: mustEncode(res)})
	if err != nil {
		return err
	}
	if _, err := s.codec.Send(ctx, message.Outgoing{
		Type:           message.ServerResponse,
		Body:           body,
		ContentRelated: true,
	}); err != nil {
		return err
	}

	if s.flush {
		s.flush = false
		return s.forwardUnsent(ctx)
	}
	return nil
}

func (s *session) call(ctx context.Context, msgID int64, v tl.Object) (tl.Object, error) {
	s.srv.metrics.calls.WithLabelValues(method(v)).Inc()

	if req, ok := v.(*tg.AuthBindTempAuthKeyRequest); ok {
		return s.bind(ctx, msgID, req)
	}
	if !s.bound.Load() {
		return rpcError(401, "AUTH_KEY_UNREGISTERED"), nil
	}

	switch req := v.(type) {
	case *tg.InvokeWithLayerRequest:
		s.log.Debug("Client layer", zap.Int("layer", req.Layer))
		return s.wrapped(ctx, msgID, req.Query)
	case *tg.InitConnectionRequest:
		s.log.Info("Client connected",
			zap.Int("api_id", req.APIID),
			zap.String("device", req.DeviceModel),
			zap.String("app_version", req.AppVersion),
		)
		return s.wrapped(ctx, msgID, req.Query)
	case *tg.HelpGetNearestDCRequest:
		return &tg.NearestDC{Country: "XX", ThisDC: s.srv.opt.DC, NearestDC: s.srv.opt.DC}, nil
	default:
		return s.srv.relay.call(ctx, s.srv, s.user, v)
	}
}

func (s *session) wrapped(ctx context.Context, msgID int64, query bin.Object) (tl.Object, error) {
	q, err := tl.Query(query)
	if err != nil {
		s.log.Warn("Undecodable wrapped query", zap.Error(err))
		return rpcError(400, "INPUT_METHOD_INVALID"), nil
	}
	return s.call(ctx, msgID, q)
}

// bind checks auth.bindTempAuthKey against the current temporary key and
// the session.
func (s *session) bind(ctx context.Context, msgID int64, req *tg.AuthBindTempAuthKeyRequest) (tl.Object, error) {
	perm, err := s.srv.opt.Keys.LoadByID(ctx, req.PermAuthKeyID)
	if errors.Is(err, authkey.ErrNotFound) {
		return rpcError(400, "PERM_AUTH_KEY_EMPTY"), nil
	}
	if err != nil {
		return nil, err
	}

	innerID, data, err := message.DecryptBinding(perm, req.EncryptedMessage)
	if err != nil {
		s.log.Warn("Binding rejected", zap.Error(err))
		return rpcError(400, "ENCRYPTED_MESSAGE_INVALID"), nil
	}
	v, err := tl.Decode(data)
	if err != nil {
		return rpcError(400, "ENCRYPTED_MESSAGE_INVALID"), nil
	}
	inner, ok := v.(*tl.BindAuthKeyInner)
	if !ok {
		return rpcError(400, "ENCRYPTED_MESSAGE_INVALID"), nil
	}

	temp := s.codec.Key()
	switch {
	case innerID != msgID,
		inner.Nonce != req.Nonce,
		inner.PermAuthKeyID != perm.IntID(),
		inner.TempAuthKeyID != temp.IntID(),
		inner.TempSessionID != s.codec.SessionID(),
		req.ExpiresAt != inner.ExpiresAt,
		int64(inner.ExpiresAt) <= s.srv.opt.Now().Unix():
		s.log.Warn("Binding does not match the session", zap.Int64("perm_key_id", perm.IntID()))
		return rpcError(400, "ENCRYPTED_MESSAGE_INVALID"), nil
	}

	s.bound.Store(true)
	s.flush = true
	s.log.Info("Temporary key bound",
		zap.Int64("perm_key_id", perm.IntID()),
		zap.Int64("temp_key_id", temp.IntID()),
	)
	return tl.Bool(true), nil
}

// push sends an update to the client.
func (s *session) push(ctx context.Context, body []byte) error {
	_, err := s.codec.Send(ctx, message.Outgoing{
		Type:           message.ServerUpdate,
		Body:           body,
		ContentRelated: true,
	})
	return err
}

// forwardUnsent delivers the updates queued while the user was offline.
func (s *session) forwardUnsent(ctx context.Context) error {
	updates, err := s.srv.opt.Queue.GetUpdatesFromCache(ctx, s.user.UserID)
	if err != nil {
		s.log.Error("Get queued updates failed", zap.Error(err))
		return nil
	}
	for _, u := range updates {
		if err := s.push(ctx, u); err != nil {
			return err
		}
		s.srv.metrics.relayed.Inc()
	}
	if len(updates) > 0 {
		s.log.Info("Forwarded queued updates", zap.Int("count", len(updates)))
	}
	return nil
}

func rpcError(code int, msg string) *mt.RPCError {
	return &mt.RPCError{ErrorCode: code, ErrorMessage: msg}
}

func mustEncode(v tl.Object) []byte {
	b, err := tl.Encode(v)
	if err != nil {
		b, _ = tl.Encode(rpcError(500, "INTERNAL"))
	}
	return b
}

// method names v by its Go type without the package qualifier.
func method(v tl.Object) string {
	name := fmt.Sprintf("%T", v)
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	return name
}
