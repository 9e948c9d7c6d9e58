package handshake

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"math/big"

	"github.com/go-faster/errors"
	"github.com/gotd/td/bin"
	"github.com/gotd/td/mt"
	"go.uber.org/zap"

	"mtproto_core/internal/cryptographic/dh"
	"mtproto_core/internal/cryptographic/ige"
	"mtproto_core/internal/cryptographic/kdf"
	"mtproto_core/internal/cryptographic/rsakey"
	"mtproto_core/internal/model"
	"mtproto_core/internal/mterr"
	"mtproto_core/internal/tl"
)

// ServerResult is the datacenter view of a completed exchange.
type ServerResult struct {
	Key         model.AuthKey
	Temp        bool
	ExpiresIn   int
	NewNonce    bin.Int256
	ServerNonce bin.Int128
}

type serverState struct {
	nonce       bin.Int128
	serverNonce bin.Int128
	p, q        []byte
	pq          []byte

	inner   tl.PQInnerData
	a       *big.Int
	tmpKey  [32]byte
	tmpIV   [32]byte
	retries int
}

// Server answers key exchanges on behalf of a datacenter.
type Server struct {
	conn  Conn
	key   rsakey.PrivateKey
	opt   ServerOptions
	log   *zap.Logger
	state *serverState
}

func NewServer(conn Conn, key rsakey.PrivateKey, opt ServerOptions) *Server {
	opt.setDefaults()
	return &Server{
		conn: conn,
		key:  key,
		opt:  opt,
		log:  opt.Logger,
	}
}

// Run answers messages until one exchange completes. Invalid requests are
// logged and reset the exchange.
func (s *Server) Run(ctx context.Context) (ServerResult, error) {
	for {
		data, err := s.conn.Recv(ctx)
		if err != nil {
			return ServerResult{}, err
		}
		res, err := s.Handle(ctx, data)
		if err != nil {
			return ServerResult{}, err
		}
		if res != nil {
			return *res, nil
		}
	}
}

// Handle processes one plaintext message. It returns a result once the
// client's DH params were accepted. Only transport failures are returned
// as errors.
func (s *Server) Handle(ctx context.Context, data []byte) (*ServerResult, error) {
	if s.opt.Prime == nil {
		return nil, mterr.Configuration("no DH prime")
	}
	v, err := tl.Decode(data)
	if err != nil {
		s.log.Warn("Undecodable key exchange message", zap.Error(err))
		return nil, nil
	}

	var res *ServerResult
	switch req := v.(type) {
	case *mt.ReqPqMultiRequest:
		err = s.handleReqPQ(ctx, req)
	case *mt.ReqDHParamsRequest:
		err = s.handleReqDH(ctx, req)
	case *mt.SetClientDHParamsRequest:
		res, err = s.handleSetClientDH(ctx, req)
	default:
		err = mterr.Securityf("unexpected %T during key exchange", v)
	}
	if mterr.IsSecurity(err) {
		s.log.Warn("Key exchange step rejected", zap.Error(err))
		s.state = nil
		return nil, nil
	}
	return res, err
}

func (s *Server) send(ctx context.Context, v tl.Object) error {
	s.opt.Mangle(v)
	return send(ctx, s.conn, v)
}

func (s *Server) handleReqPQ(ctx context.Context, req *mt.ReqPqMultiRequest) error {
	st := &serverState{nonce: req.Nonce}
	if _, err := io.ReadFull(s.opt.Rand, st.serverNonce[:]); err != nil {
		return errors.Wrap(err, "read server_nonce")
	}
	p, q, err := primePair()
	if err != nil {
		return err
	}
	st.p = big.NewInt(int64(p)).Bytes()
	st.q = big.NewInt(int64(q)).Bytes()
	st.pq = new(big.Int).SetUint64(p * q).Bytes()
	s.state = st

	return s.send(ctx, &mt.ResPQ{
		Nonce:                       st.nonce,
		ServerNonce:                 st.serverNonce,
		Pq:                          st.pq,
		ServerPublicKeyFingerprints: []int64{s.key.Public().Fingerprint()},
	})
}

func (s *Server) handleReqDH(ctx context.Context, req *mt.ReqDHParamsRequest) error {
	st := s.state
	switch {
	case st == nil:
		return mterr.Security("req_DH_params before req_pq")
	case req.Nonce != st.nonce || req.ServerNonce != st.serverNonce:
		return mterr.Security("nonce mismatch in req_DH_params")
	case req.PublicKeyFingerprint != s.key.Public().Fingerprint():
		return mterr.Security("unknown public key fingerprint")
	case !bytes.Equal(req.P, st.p) || !bytes.Equal(req.Q, st.q):
		return mterr.Security("wrong p or q")
	}

	data, err := s.key.Decrypt(req.EncryptedData)
	if err != nil {
		return mterr.Security(err.Error())
	}
	id, err := tl.Peek(data)
	if err != nil {
		return mterr.Security(err.Error())
	}
	st.inner = tl.PQInnerData{Temp: id == tl.PQInnerDataTempTypeID}
	if err := st.inner.Decode(&bin.Buffer{Buf: data}); err != nil {
		return mterr.Securityf("decode p_q_inner_data: %v", err)
	}
	in := st.inner
	switch {
	case in.Nonce != st.nonce || in.ServerNonce != st.serverNonce:
		return mterr.Security("nonce mismatch in p_q_inner_data")
	case !bytes.Equal(in.PQ, st.pq) || !bytes.Equal(in.P, st.p) || !bytes.Equal(in.Q, st.q):
		return mterr.Security("wrong pq in p_q_inner_data")
	}

	if s.opt.ParamsFail {
		s.state = nil
		return s.send(ctx, &mt.ServerDHParamsFail{
			Nonce:        st.nonce,
			ServerNonce:  st.serverNonce,
			NewNonceHash: kdf.NewNonceHash(in.NewNonce),
		})
	}

	g := big.NewInt(int64(s.opt.G))
	var ga *big.Int
	for ga == nil {
		a, err := dh.NewSecret(s.opt.Rand)
		if err != nil {
			return err
		}
		v := dh.Exp(g, a, s.opt.Prime)
		if dh.CheckGA(v, s.opt.Prime) == nil {
			st.a, ga = a, v
		}
	}

	innerDH := &mt.ServerDHInnerData{
		Nonce:       st.nonce,
		ServerNonce: st.serverNonce,
		G:           s.opt.G,
		DhPrime:     s.opt.Prime.Bytes(),
		GA:          ga.Bytes(),
		ServerTime:  int(s.opt.Now().Unix()),
	}
	s.opt.Mangle(innerDH)
	data, err = tl.Encode(innerDH)
	if err != nil {
		return err
	}
	block, err := withHash(s.opt.Rand, data)
	if err != nil {
		return err
	}
	st.tmpKey, st.tmpIV = tempKeys(in.NewNonce, st.serverNonce)
	answer, err := ige.Encrypt(st.tmpKey, st.tmpIV, block)
	if err != nil {
		return err
	}

	return s.send(ctx, &mt.ServerDHParamsOk{
		Nonce:           st.nonce,
		ServerNonce:     st.serverNonce,
		EncryptedAnswer: answer,
	})
}

func (s *Server) handleSetClientDH(ctx context.Context, req *mt.SetClientDHParamsRequest) (*ServerResult, error) {
	st := s.state
	switch {
	case st == nil || st.a == nil:
		return nil, mterr.Security("set_client_DH_params before req_DH_params")
	case req.Nonce != st.nonce || req.ServerNonce != st.serverNonce:
		return nil, mterr.Security("nonce mismatch in set_client_DH_params")
	}

	block, err := ige.Decrypt(st.tmpKey, st.tmpIV, req.EncryptedData)
	if err != nil {
		return nil, mterr.Security(err.Error())
	}
	var cd mt.ClientDHInnerData
	if err := checkHash(block, &cd); err != nil {
		return nil, err
	}
	if cd.Nonce != st.nonce || cd.ServerNonce != st.serverNonce {
		return nil, mterr.Security("nonce mismatch in client_DH_inner_data")
	}

	value, err := dh.SharedKey(new(big.Int).SetBytes(cd.GB), st.a, s.opt.Prime)
	if err != nil {
		return nil, err
	}
	key := model.NewAuthKey(value, 0, 0)
	aux := key.AuxHash()
	newNonce := st.inner.NewNonce

	switch {
	case st.retries < s.opt.GenRetries:
		st.retries++
		return nil, s.send(ctx, &mt.DhGenRetry{
			Nonce:         st.nonce,
			ServerNonce:   st.serverNonce,
			NewNonceHash2: kdf.NonceHash(newNonce, 2, aux),
		})
	case s.opt.GenFail:
		s.state = nil
		return nil, s.send(ctx, &mt.DhGenFail{
			Nonce:         st.nonce,
			ServerNonce:   st.serverNonce,
			NewNonceHash3: kdf.NonceHash(newNonce, 3, aux),
		})
	}

	if err := s.send(ctx, &mt.DhGenOk{
		Nonce:         st.nonce,
		ServerNonce:   st.serverNonce,
		NewNonceHash1: kdf.NonceHash(newNonce, 1, aux),
	}); err != nil {
		return nil, err
	}
	s.state = nil

	key.ServerSalt = ServerSalt(newNonce, st.serverNonce)
	res := &ServerResult{
		Key:         key,
		Temp:        st.inner.Temp,
		ExpiresIn:   st.inner.ExpiresIn,
		NewNonce:    newNonce,
		ServerNonce: st.serverNonce,
	}
	if res.Temp {
		res.Key.ExpiresAt = s.opt.Now().Unix() + int64(res.ExpiresIn)
	}
	s.log.Info("Auth key created",
		zap.Int64("key_id", key.IntID()),
		zap.Bool("temp", res.Temp),
	)
	return res, nil
}

// primePair returns two distinct random 31-bit primes, smaller first. They
// never depend on ServerOptions.Rand since they take no part in the key.
func primePair() (p, q uint64, err error) {
	next := func() (uint64, error) {
		v, err := rand.Prime(rand.Reader, 31)
		if err != nil {
			return 0, errors.Wrap(err, "generate prime")
		}
		return v.Uint64(), nil
	}
	if p, err = next(); err != nil {
		return 0, 0, err
	}
	for q == 0 || q == p {
		if q, err = next(); err != nil {
			return 0, 0, err
		}
	}
	if p > q {
		p, q = q, p
	}
	return p, q, nil
}
