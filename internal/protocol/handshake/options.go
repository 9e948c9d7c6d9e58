package handshake

import (
	"crypto/rand"
	"io"
	"math/big"
	"time"

	"go.uber.org/zap"

	"mtproto_core/internal/tl"
)

const (
	defaultMaxTries = 5
	defaultTimeout  = 15 * time.Second
)

// Options of the client side of the exchange.
type Options struct {
	Rand   io.Reader
	Logger *zap.Logger
	Now    func() time.Time
	// MaxTries bounds both the whole exchange and the retry_id loop.
	MaxTries int
	// Timeout bounds each round trip. A timeout fails the attempt.
	Timeout time.Duration
	// Cleanup runs after every attempt to drop in-flight messages.
	Cleanup func()
}

func (o *Options) setDefaults() {
	if o.Rand == nil {
		o.Rand = rand.Reader
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.MaxTries == 0 {
		o.MaxTries = defaultMaxTries
	}
	if o.Timeout == 0 {
		o.Timeout = defaultTimeout
	}
	if o.Cleanup == nil {
		o.Cleanup = func() {}
	}
}

// ServerOptions of the datacenter side of the exchange.
type ServerOptions struct {
	Rand   io.Reader
	Logger *zap.Logger
	Now    func() time.Time
	Prime  *big.Int
	G      int

	// GenRetries answers that many dh_gen_retry before dh_gen_ok.
	GenRetries int
	// GenFail answers dh_gen_fail instead of dh_gen_ok.
	GenFail bool
	// ParamsFail answers req_DH_params with server_DH_params_fail.
	ParamsFail bool
	// Mangle may alter every object before it is sent. Used by tests to
	// play a misbehaving server.
	Mangle func(v tl.Object)
}

func (o *ServerOptions) setDefaults() {
	if o.Rand == nil {
		o.Rand = rand.Reader
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Mangle == nil {
		o.Mangle = func(tl.Object) {}
	}
}
