package handshake

import (
	"context"
	"io"
	"math/big"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/mt"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"mtproto_core/internal/cryptographic/dh"
	"mtproto_core/internal/cryptographic/ige"
	"mtproto_core/internal/cryptographic/kdf"
	"mtproto_core/internal/cryptographic/pq"
	"mtproto_core/internal/cryptographic/rsakey"
	"mtproto_core/internal/model"
	"mtproto_core/internal/mterr"
	"mtproto_core/internal/tl"
)

// Permanent is the expires_in value requesting a permanent key.
const Permanent = -1

// Result of a completed exchange.
type Result struct {
	Key model.AuthKey
	// TimeDelta is server_time - local time at the moment the server
	// answered req_DH_params.
	TimeDelta time.Duration
}

// Client is the client side of the key exchange.
type Client struct {
	conn Conn
	keys []rsakey.PublicKey
	opt  Options
	log  *zap.Logger
}

func NewClient(conn Conn, keys []rsakey.PublicKey, opt Options) *Client {
	opt.setDefaults()
	return &Client{
		conn: conn,
		keys: keys,
		opt:  opt,
		log:  opt.Logger,
	}
}

// CreateAuthKey runs the exchange until it succeeds or MaxTries attempts
// failed. expiresIn is Permanent or the lifetime of a temporary key in
// seconds.
func (c *Client) CreateAuthKey(ctx context.Context, expiresIn int) (Result, error) {
	if len(c.keys) == 0 {
		return Result{}, mterr.Configuration("no server public keys")
	}

	var errs error
	for try := 1; try <= c.opt.MaxTries; try++ {
		res, err := c.attempt(ctx, expiresIn)
		c.opt.Cleanup()
		if err == nil {
			c.log.Info("Auth key created",
				zap.Int64("key_id", res.Key.IntID()),
				zap.Bool("temp", expiresIn >= 0),
				zap.Int("try", try),
			)
			return res, nil
		}
		if mterr.IsConfiguration(err) {
			return Result{}, err
		}
		if ctx.Err() != nil {
			return Result{}, multierr.Append(err, ctx.Err())
		}

		c.log.Warn("Key exchange failed, retrying", zap.Int("try", try), zap.Error(err))
		errs = err
	}
	return Result{}, multierr.Append(mterr.ErrAuthFailed, errs)
}

func (c *Client) roundTrip(ctx context.Context, req bin.Encoder) (tl.Object, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opt.Timeout)
	defer cancel()

	if err := send(ctx, c.conn, req); err != nil {
		return nil, errors.Wrapf(err, "send %T", req)
	}
	res, err := recv(ctx, c.conn)
	if err != nil {
		return nil, errors.Wrapf(err, "answer to %T", req)
	}
	return res, nil
}

func (c *Client) attempt(ctx context.Context, expiresIn int) (Result, error) {
	var nonce bin.Int128
	if _, err := io.ReadFull(c.opt.Rand, nonce[:]); err != nil {
		return Result{}, errors.Wrap(err, "read nonce")
	}

	c.log.Debug("Requesting pq")
	v, err := c.roundTrip(ctx, &mt.ReqPqMultiRequest{Nonce: nonce})
	if err != nil {
		return Result{}, err
	}
	resPQ, ok := v.(*mt.ResPQ)
	if !ok {
		return Result{}, mterr.Securityf("unexpected %T, want resPQ", v)
	}
	if resPQ.Nonce != nonce {
		return Result{}, mterr.Security("nonce mismatch in resPQ")
	}
	serverNonce := resPQ.ServerNonce

	key, ok := c.selectKey(resPQ.ServerPublicKeyFingerprints)
	if !ok {
		return Result{}, mterr.Security("no server key matches the configured public keys")
	}

	pqCtx, cancel := context.WithTimeout(ctx, c.opt.Timeout)
	p, q, err := pq.DecomposeBytes(pqCtx, resPQ.Pq)
	cancel()
	if err != nil {
		return Result{}, err
	}

	var newNonce bin.Int256
	if _, err := io.ReadFull(c.opt.Rand, newNonce[:]); err != nil {
		return Result{}, errors.Wrap(err, "read new_nonce")
	}

	inner := &tl.PQInnerData{
		PQ:          resPQ.Pq,
		P:           p,
		Q:           q,
		Nonce:       nonce,
		ServerNonce: serverNonce,
		NewNonce:    newNonce,
		Temp:        expiresIn >= 0,
		ExpiresIn:   expiresIn,
	}
	innerData, err := tl.Encode(inner)
	if err != nil {
		return Result{}, err
	}
	encrypted, err := key.Encrypt(c.opt.Rand, innerData)
	if err != nil {
		return Result{}, err
	}

	c.log.Debug("Requesting DH params")
	v, err = c.roundTrip(ctx, &mt.ReqDHParamsRequest{
		Nonce:                nonce,
		ServerNonce:          serverNonce,
		P:                    p,
		Q:                    q,
		PublicKeyFingerprint: key.Fingerprint(),
		EncryptedData:        encrypted,
	})
	if err != nil {
		return Result{}, err
	}

	var answer []byte
	switch params := v.(type) {
	case *mt.ServerDHParamsOk:
		if params.Nonce != nonce || params.ServerNonce != serverNonce {
			return Result{}, mterr.Security("nonce mismatch in server_DH_params")
		}
		answer = params.EncryptedAnswer
	case *mt.ServerDHParamsFail:
		if params.Nonce != nonce || params.ServerNonce != serverNonce {
			return Result{}, mterr.Security("nonce mismatch in server_DH_params_fail")
		}
		if params.NewNonceHash != bin.Int128(kdf.NewNonceHash(newNonce)) {
			return Result{}, mterr.Security("wrong new_nonce_hash in server_DH_params_fail")
		}
		return Result{}, mterr.Security("server_DH_params_fail")
	default:
		return Result{}, mterr.Securityf("unexpected %T, want server_DH_params", v)
	}

	tmpKey, tmpIV := tempKeys(newNonce, serverNonce)
	decrypted, err := ige.Decrypt(tmpKey, tmpIV, answer)
	if err != nil {
		return Result{}, mterr.Security(err.Error())
	}
	var innerDH mt.ServerDHInnerData
	if err := checkHash(decrypted, &innerDH); err != nil {
		return Result{}, err
	}
	if innerDH.Nonce != nonce || innerDH.ServerNonce != serverNonce {
		return Result{}, mterr.Security("nonce mismatch in server_DH_inner_data")
	}
	timeDelta := time.Unix(int64(innerDH.ServerTime), 0).Sub(c.opt.Now())
	c.log.Debug("Server time", zap.Duration("delta", timeDelta))

	dhPrime := new(big.Int).SetBytes(innerDH.DhPrime)
	g := big.NewInt(int64(innerDH.G))
	if err := dh.CheckPG(dhPrime, g); err != nil {
		return Result{}, err
	}
	ga := new(big.Int).SetBytes(innerDH.GA)
	if err := dh.CheckGA(ga, dhPrime); err != nil {
		return Result{}, err
	}

	var retryID int64
	for retry := 0; retry <= c.opt.MaxTries; retry++ {
		b, err := dh.NewSecret(c.opt.Rand)
		if err != nil {
			return Result{}, err
		}
		gb, err := dh.Public(g, b, dhPrime)
		if err != nil {
			return Result{}, err
		}

		clientData, err := tl.Encode(&mt.ClientDHInnerData{
			Nonce:       nonce,
			ServerNonce: serverNonce,
			RetryID:     retryID,
			GB:          gb.Bytes(),
		})
		if err != nil {
			return Result{}, err
		}
		clientBlock, err := withHash(c.opt.Rand, clientData)
		if err != nil {
			return Result{}, err
		}
		clientEncrypted, err := ige.Encrypt(tmpKey, tmpIV, clientBlock)
		if err != nil {
			return Result{}, err
		}

		authKeyValue, err := dh.SharedKey(ga, b, dhPrime)
		if err != nil {
			return Result{}, err
		}
		authKey := model.NewAuthKey(authKeyValue, 0, 0)
		aux := authKey.AuxHash()

		c.log.Debug("Setting client DH params", zap.Int64("retry_id", retryID))
		v, err := c.roundTrip(ctx, &mt.SetClientDHParamsRequest{
			Nonce:         nonce,
			ServerNonce:   serverNonce,
			EncryptedData: clientEncrypted,
		})
		if err != nil {
			return Result{}, err
		}
		gen, ok := v.(mt.SetClientDHParamsAnswerClass)
		if !ok {
			return Result{}, mterr.Securityf("unexpected %T, want dh_gen", v)
		}
		if gen.GetNonce() != nonce || gen.GetServerNonce() != serverNonce {
			return Result{}, mterr.Security("nonce mismatch in dh_gen")
		}

		switch gen := gen.(type) {
		case *mt.DhGenOk:
			if gen.NewNonceHash1 != bin.Int128(kdf.NonceHash(newNonce, 1, aux)) {
				return Result{}, mterr.Security("wrong new_nonce_hash1")
			}
			authKey.ServerSalt = ServerSalt(newNonce, serverNonce)
			if expiresIn >= 0 {
				authKey.ExpiresAt = c.opt.Now().Add(timeDelta).Unix() + int64(expiresIn)
			}
			return Result{Key: authKey, TimeDelta: timeDelta}, nil
		case *mt.DhGenRetry:
			if gen.NewNonceHash2 != bin.Int128(kdf.NonceHash(newNonce, 2, aux)) {
				return Result{}, mterr.Security("wrong new_nonce_hash2")
			}
			c.log.Debug("Server asked to retry DH params")
			retryID++
		case *mt.DhGenFail:
			if gen.NewNonceHash3 != bin.Int128(kdf.NonceHash(newNonce, 3, aux)) {
				return Result{}, mterr.Security("wrong new_nonce_hash3")
			}
			return Result{}, mterr.Security("dh_gen_fail")
		default:
			return Result{}, mterr.Security("unknown dh_gen answer")
		}
	}
	return Result{}, mterr.Security("too many dh_gen_retry answers")
}

func (c *Client) selectKey(fingerprints []int64) (rsakey.PublicKey, bool) {
	for _, k := range c.keys {
		fp := k.Fingerprint()
		for _, f := range fingerprints {
			if f == fp {
				return k, true
			}
		}
	}
	return rsakey.PublicKey{}, false
}
