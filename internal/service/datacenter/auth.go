package datacenter

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mtproto_core/internal/model"
	"mtproto_core/internal/mterr"
	"mtproto_core/internal/protocol/handshake"
	"mtproto_core/internal/protocol/message"
	"mtproto_core/internal/tl"
)

// ErrSessionReset completes calls that were pending when the session was
// reset.
var ErrSessionReset = errors.New("session reset")

// plainConn carries handshake messages: plaintext frames are sent through
// the codec and answers are taken from the read loop.
type plainConn struct {
	d *DC
}

func (c plainConn) Send(ctx context.Context, body []byte) error {
	_, err := c.d.codec.Send(ctx, message.Outgoing{Body: body, Plain: true})
	return err
}

func (c plainConn) Recv(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.d.plain:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// drainPlain drops plaintext answers left over from a failed attempt.
func (d *DC) drainPlain() {
	for {
		select {
		case <-d.plain:
		default:
			return
		}
	}
}

func (d *DC) exchange() *handshake.Client {
	return handshake.NewClient(plainConn{d: d}, d.opt.PublicKeys, handshake.Options{
		Rand:     d.opt.Rand,
		Logger:   d.log.Named("handshake"),
		Now:      d.opt.Now,
		MaxTries: d.opt.AuthMaxTries,
		Timeout:  d.opt.Timeout,
		Cleanup:  d.drainPlain,
	})
}

// InitAuthorization creates the session id, loads or creates the permanent
// key, then creates, binds and announces a temporary key. It is a no-op
// while a temporary key is in use.
func (d *DC) InitAuthorization(ctx context.Context) error {
	return d.ensureAuthorized(ctx)
}

func (d *DC) ensureAuthorized(ctx context.Context) error {
	d.exchangeMu.Lock()
	defer d.exchangeMu.Unlock()
	if !d.codec.Key().Zero() {
		return nil
	}
	return d.authorize(ctx)
}

func (d *DC) authorize(ctx context.Context) error {
	if d.codec.SessionID() == 0 {
		if err := d.codec.ResetSession(); err != nil {
			return err
		}
	}
	perm, err := d.permanentKey(ctx)
	if err != nil {
		return errors.Wrap(err, "permanent key")
	}

	d.log.Info("Creating temporary auth key", zap.Int("expires_in", d.opt.TempKeyTTL))
	res, err := d.exchange().CreateAuthKey(ctx, d.opt.TempKeyTTL)
	if err != nil {
		return errors.Wrap(err, "temporary key")
	}
	d.codec.IDs().SetTimeDelta(res.TimeDelta)
	d.codec.SetKey(res.Key)

	if err := d.bindTempAuthKey(ctx, perm, res.Key); err != nil {
		d.codec.ResetKey()
		return errors.Wrap(err, "bind")
	}
	if err := d.writeClientInfo(ctx); err != nil {
		return errors.Wrap(err, "client info")
	}
	d.log.Info("Authorized",
		zap.Int64("perm_key_id", perm.IntID()),
		zap.Int64("temp_key_id", res.Key.IntID()),
	)
	return nil
}

func (d *DC) permanentKey(ctx context.Context) (model.AuthKey, error) {
	d.permMu.Lock()
	defer d.permMu.Unlock()
	if !d.perm.Zero() {
		return d.perm, nil
	}

	key, err := d.opt.Keys.Load(ctx, d.opt.DC)
	switch {
	case err == nil:
		d.perm = key
		return key, nil
	case !errors.Is(err, ErrNoKey):
		return model.AuthKey{}, err
	}

	d.log.Info("Creating permanent auth key")
	res, err := d.exchange().CreateAuthKey(ctx, handshake.Permanent)
	if err != nil {
		return model.AuthKey{}, err
	}
	if err := d.opt.Keys.Save(ctx, d.opt.DC, res.Key); err != nil {
		return model.AuthKey{}, errors.Wrap(err, "save")
	}
	d.perm = res.Key
	return res.Key, nil
}

// bindTempAuthKey binds temp to perm with auth.bindTempAuthKey.
func (d *DC) bindTempAuthKey(ctx context.Context, perm, temp model.AuthKey) error {
	var errs error
	for try := 1; try <= d.opt.AuthMaxTries; try++ {
		err := d.bindOnce(ctx, perm, temp)
		d.drainPlain()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return multierr.Append(err, ctx.Err())
		}
		d.log.Warn("Binding failed, retrying", zap.Int("try", try), zap.Error(err))
		errs = err
	}
	return multierr.Append(mterr.ErrAuthFailed, errs)
}

func (d *DC) bindOnce(ctx context.Context, perm, temp model.AuthKey) error {
	var b [8]byte
	if _, err := io.ReadFull(d.opt.Rand, b[:]); err != nil {
		return errors.Wrap(err, "read nonce")
	}
	nonce := int64(binary.LittleEndian.Uint64(b[:]))
	msgID := d.codec.IDs().New(message.Client)

	inner, err := tl.Encode(&tl.BindAuthKeyInner{
		Nonce:         nonce,
		TempAuthKeyID: temp.IntID(),
		PermAuthKeyID: perm.IntID(),
		TempSessionID: d.codec.SessionID(),
		ExpiresAt:     int(temp.ExpiresAt),
	})
	if err != nil {
		return err
	}
	encrypted, err := message.EncryptBinding(d.opt.Rand, perm, msgID, inner)
	if err != nil {
		return err
	}

	res, err := d.invoke(ctx, &tg.AuthBindTempAuthKeyRequest{
		PermAuthKeyID:    perm.IntID(),
		Nonce:            nonce,
		ExpiresAt:        int(temp.ExpiresAt),
		EncryptedMessage: encrypted,
	}, msgID)
	if err != nil {
		return err
	}
	if _, ok := res.(*tg.BoolTrue); !ok {
		return mterr.Security("auth.bindTempAuthKey was not accepted")
	}
	return nil
}

// writeClientInfo announces the client with initConnection.
func (d *DC) writeClientInfo(ctx context.Context) error {
	info := d.opt.ClientInfo
	res, err := d.invoke(ctx, &tg.InvokeWithLayerRequest{
		Layer: tg.Layer,
		Query: &tg.InitConnectionRequest{
			APIID:          info.APIID,
			DeviceModel:    info.DeviceModel,
			SystemVersion:  info.SystemVersion,
			AppVersion:     info.AppVersion,
			SystemLangCode: info.LangCode,
			LangCode:       info.LangCode,
			Query:          &tg.HelpGetNearestDCRequest{},
		},
	}, 0)
	if err != nil {
		return err
	}
	if nearest, ok := res.(*tg.NearestDC); ok {
		d.log.Info("Connected",
			zap.String("country", nearest.Country),
			zap.Int("this_dc", nearest.ThisDC),
			zap.Int("nearest_dc", nearest.NearestDC),
		)
	}
	return nil
}

// ResetSession starts a new session and fails all pending calls.
func (d *DC) ResetSession() error {
	d.failPending(ErrSessionReset)
	return d.codec.ResetSession()
}

// Close closes the connection.
func (d *DC) Close() error {
	return d.conn.Close()
}
