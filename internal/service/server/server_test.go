package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gotd/td/mt"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tg/e2e"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"mtproto_core/internal/cryptographic/dh"
	"mtproto_core/internal/cryptographic/rsakey"
	"mtproto_core/internal/model"
	"mtproto_core/internal/protocol/handshake"
	"mtproto_core/internal/protocol/message"
	"mtproto_core/internal/protocol/secretchat"
	"mtproto_core/internal/service/datacenter"
	"mtproto_core/internal/tl"
	"mtproto_core/internal/transport"
)

var (
	fixtureOnce sync.Once
	serverKey   *rsa.PrivateKey
	dhPrime     *big.Int
)

func fixtures(t *testing.T) (rsakey.PrivateKey, *big.Int) {
	t.Helper()
	fixtureOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		serverKey, dhPrime = k, dh.DefaultPrime()
	})
	return rsakey.PrivateKey{RSA: serverKey}, dhPrime
}

type env struct {
	t     *testing.T
	ctx   context.Context
	g     *errgroup.Group
	srv   *HttpServer
	users *MemoryUsers
	queue *MemoryQueue
}

func newEnv(t *testing.T) *env {
	key, p := fixtures(t)
	e := &env{t: t, users: NewMemoryUsers(), queue: NewMemoryQueue()}
	srv, err := NewHttpServer(Options{
		DC:         2,
		PrivateKey: key,
		Prime:      p,
		Users:      e.users,
		Queue:      e.queue,
		Logger:     zaptest.NewLogger(t).Named("dc"),
	})
	require.NoError(t, err)
	e.srv = srv

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	e.g, e.ctx = errgroup.WithContext(ctx)
	t.Cleanup(func() {
		cancel()
		_ = e.g.Wait()
	})
	return e
}

func (e *env) register(name string) model.User {
	e.t.Helper()
	u, err := e.srv.user(e.ctx, name)
	require.NoError(e.t, err)
	return *u
}

// conn serves a session for name and returns the client end.
func (e *env) conn(name string) transport.Conn {
	u := e.register(name)
	a, b := transport.Pipe()
	e.g.Go(func() error {
		_ = e.srv.HandleConn(e.ctx, u, b)
		return nil
	})
	return a
}

func (e *env) dc(name string, conn transport.Conn, onUpdate func(context.Context, tl.Object)) *datacenter.DC {
	key, _ := fixtures(e.t)
	d := datacenter.New(conn, datacenter.Options{
		DC:         2,
		PublicKeys: []rsakey.PublicKey{key.Public()},
		Logger:     zaptest.NewLogger(e.t).Named(name),
		OnUpdate:   onUpdate,
	})
	e.g.Go(func() error {
		_ = d.Run(e.ctx)
		return nil
	})
	return d
}

type account struct {
	name  string
	dc    *datacenter.DC
	m     *secretchat.Manager
	texts chan string
}

func (e *env) account(name string) *account {
	u := &account{name: name, texts: make(chan string, 8)}
	u.dc = e.dc(name, e.conn(name), func(ctx context.Context, upd tl.Object) {
		if err := u.m.HandleUpdate(ctx, upd); err != nil {
			e.t.Logf("%s: update: %v", name, err)
		}
	})
	u.m = secretchat.NewManager(u.dc, secretchat.NewMemoryStore(), secretchat.Options{
		Logger: zaptest.NewLogger(e.t).Named(name + ".secret"),
		Accept: true,
		OnMessage: func(_ int, msg *e2e.DecryptedMessage) {
			u.texts <- msg.Message
		},
	})
	require.NoError(e.t, u.dc.InitAuthorization(e.ctx))
	return u
}

func (e *env) receive(u *account) string {
	e.t.Helper()
	select {
	case s := <-u.texts:
		return s
	case <-e.ctx.Done():
		e.t.Fatalf("%s received nothing", u.name)
		return ""
	}
}

func (e *env) waitActive(u *account, id int) {
	e.t.Helper()
	require.Eventually(e.t, func() bool {
		s, err := u.m.Status(e.ctx, id)
		return err == nil && s == model.ChatActive
	}, time.Minute, 10*time.Millisecond)
}

func TestSecretChat(t *testing.T) {
	a := require.New(t)
	e := newEnv(t)
	alice := e.account("alice")
	bob := e.account("bob")

	id, err := alice.m.Request(e.ctx, tg.InputUser{UserID: UserID("bob")})
	a.NoError(err)
	e.waitActive(bob, id)
	e.waitActive(alice, id)

	ac, err := alice.m.Get(e.ctx, id)
	a.NoError(err)
	bc, err := bob.m.Get(e.ctx, id)
	a.NoError(err)
	a.Equal(ac.Key.Fingerprint, bc.Key.Fingerprint)
	a.Equal(ac.Key.VisualizationOrig, bc.Key.VisualizationOrig)
	a.True(ac.Admin)
	a.False(bc.Admin)

	a.NoError(alice.m.Send(e.ctx, id, "hello"))
	a.Equal("hello", e.receive(bob))
	a.NoError(bob.m.Send(e.ctx, id, "hi"))
	a.Equal("hi", e.receive(alice))

	_, err = alice.m.Rekey(e.ctx, id)
	a.NoError(err)
	require.Eventually(t, func() bool {
		c, err := bob.m.Get(e.ctx, id)
		return err == nil && c.Key.Fingerprint != bc.Key.Fingerprint && c.Rekey.Phase == model.RekeyIdle
	}, time.Minute, 10*time.Millisecond)
	a.NoError(alice.m.Send(e.ctx, id, "after rekey"))
	a.Equal("after rekey", e.receive(bob))

	a.NoError(alice.m.Discard(e.ctx, id))
	require.Eventually(t, func() bool {
		s, err := bob.m.Status(e.ctx, id)
		return err == nil && s == model.ChatNone
	}, time.Minute, 10*time.Millisecond)
}

func TestOfflineQueue(t *testing.T) {
	a := require.New(t)
	e := newEnv(t)
	alice := e.account("alice")
	carol := e.register("carol")

	res, err := alice.dc.Call(e.ctx, &tg.MessagesRequestEncryptionRequest{
		UserID: &tg.InputUser{UserID: carol.UserID},
		GA:     []byte{1},
	})
	a.NoError(err)
	a.IsType(&tg.EncryptedChatWaiting{}, res)

	queued, err := e.queue.GetUpdatesFromCache(e.ctx, carol.UserID)
	a.NoError(err)
	a.Len(queued, 1)
	a.NoError(e.queue.PutUpdatesToCache(e.ctx, carol.UserID, queued))

	updates := make(chan tl.Object, 1)
	d := e.dc("carol", e.conn("carol"), func(_ context.Context, upd tl.Object) {
		updates <- upd
	})
	a.NoError(d.InitAuthorization(e.ctx))

	select {
	case upd := <-updates:
		short, ok := upd.(*tg.UpdateShort)
		a.True(ok, "%T", upd)
		a.IsType(&tg.UpdateEncryption{}, short.Update)
	case <-e.ctx.Done():
		t.Fatal("queued update not delivered")
	}
}

func TestRelayRejects(t *testing.T) {
	a := require.New(t)
	e := newEnv(t)
	alice := e.account("alice")
	e.register("bob")

	for name, req := range map[string]tl.Object{
		"UnknownUser": &tg.MessagesRequestEncryptionRequest{UserID: &tg.InputUser{UserID: 42}},
		"Self":        &tg.MessagesRequestEncryptionRequest{UserID: &tg.InputUser{UserID: UserID("alice")}},
		"InputSelf":   &tg.MessagesRequestEncryptionRequest{UserID: &tg.InputUserSelf{}},
		"UnknownChat": &tg.MessagesSendEncryptedRequest{Peer: tg.InputEncryptedChat{ChatID: 7}},
		"Accept":      &tg.MessagesAcceptEncryptionRequest{Peer: tg.InputEncryptedChat{ChatID: 7}},
		"Discard":     &tg.MessagesDiscardEncryptionRequest{ChatID: 7},
	} {
		_, err := alice.dc.Call(e.ctx, req)
		a.Error(err, name)
	}
}

func TestUnboundCall(t *testing.T) {
	a := require.New(t)
	e := newEnv(t)
	key, _ := fixtures(t)
	conn := e.conn("alice")

	codec := message.New(conn, message.Options{Role: message.RoleClient, Logger: zaptest.NewLogger(t)})
	res, err := handshake.NewClient(handshake.CodecConn(codec, false), []rsakey.PublicKey{key.Public()}, handshake.Options{}).
		CreateAuthKey(e.ctx, 3600)
	a.NoError(err)
	codec.SetKey(res.Key)
	a.NoError(codec.ResetSession())

	body, err := tl.Encode(&tg.MessagesGetDhConfigRequest{})
	a.NoError(err)
	id, err := codec.Send(e.ctx, message.Outgoing{Body: body, ContentRelated: true})
	a.NoError(err)

	m, err := codec.Recv(e.ctx)
	a.NoError(err)
	result, err := tl.Result(m.Body)
	a.NoError(err)
	a.Equal(id, result.RequestMessageID)

	v, err := tl.Decode(result.Result)
	a.NoError(err)
	rpcErr, ok := v.(*mt.RPCError)
	a.True(ok, "%T", v)
	a.Equal(401, rpcErr.ErrorCode)
}

func TestNoPrime(t *testing.T) {
	_, err := NewHttpServer(Options{})
	require.Error(t, err)
}

func TestHTTP(t *testing.T) {
	a := require.New(t)
	e := newEnv(t)
	e.register("alice")

	ts := httptest.NewServer(e.srv.Handler())
	t.Cleanup(ts.Close)

	get := func(path string) (int, string) {
		resp, err := http.Get(ts.URL + path)
		a.NoError(err)
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		a.NoError(err)
		return resp.StatusCode, string(b)
	}

	code, body := get("/users/alice")
	a.Equal(http.StatusOK, code)
	a.JSONEq(`{"name":"alice","user_id":`+strconv.FormatInt(UserID("alice"), 10)+`}`, body)

	code, _ = get("/users/nobody")
	a.Equal(http.StatusNotFound, code)

	ws, err := transport.Dial(e.ctx, "ws"+strings.TrimPrefix(ts.URL, "http"), "dave")
	a.NoError(err)
	t.Cleanup(func() { _ = ws.Close() })
	d := e.dc("dave", ws, nil)
	a.NoError(d.InitAuthorization(e.ctx))

	code, body = get("/metrics")
	a.Equal(http.StatusOK, code)
	a.Contains(body, "mtproto_sessions 1")
	a.Contains(body, `mtproto_auth_keys_created_total{kind="temporary"} 1`)

	code, _ = get("/init")
	a.Equal(http.StatusBadRequest, code)
}

func TestUserID(t *testing.T) {
	a := require.New(t)
	a.Equal(UserID("alice"), UserID("alice"))
	a.NotEqual(UserID("alice"), UserID("bob"))
	a.Positive(UserID("alice"))
}

func TestMethodName(t *testing.T) {
	require.Equal(t, "MessagesGetDhConfigRequest", method(&tg.MessagesGetDhConfigRequest{}))
	require.Equal(t, "BindAuthKeyInner", method(&tl.BindAuthKeyInner{}))
}
