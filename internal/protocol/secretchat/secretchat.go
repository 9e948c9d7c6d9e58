// Package secretchat negotiates, rekeys and encrypts end-to-end secret
// chats on top of an authorized datacenter connection.
package secretchat

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tg/e2e"
	"go.uber.org/zap"

	"mtproto_core/internal/cryptographic/dh"
	"mtproto_core/internal/model"
	"mtproto_core/internal/mterr"
	"mtproto_core/internal/tl"
)

const (
	// DefaultTTR is the number of messages a key may protect before rekeying.
	DefaultTTR = 100
	// MaxKeyAge is the age after which a key is rekeyed.
	MaxKeyAge = 7 * 24 * time.Hour
	// initialLayer is assumed until the peer announces its layer.
	initialLayer = 8
)

// ErrInvalidState is returned when an operation does not apply to the
// current state of a chat.
var ErrInvalidState = errors.New("secret chat is not in the expected state")

// Caller performs RPC calls against the datacenter.
type Caller interface {
	Call(ctx context.Context, req tl.Object) (tl.Object, error)
}

type Options struct {
	Rand   io.Reader
	Logger *zap.Logger
	Now    func() time.Time
	// Accept enables accepting incoming chat requests automatically.
	Accept bool
	// OnMessage receives decrypted text messages.
	OnMessage func(chatID int, msg *e2e.DecryptedMessage)
	// OnChat is notified whenever a chat becomes active or is removed.
	OnChat func(chatID int, status model.ChatStatus)
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
	if o.OnMessage == nil {
		o.OnMessage = func(int, *e2e.DecryptedMessage) {}
	}
	if o.OnChat == nil {
		o.OnChat = func(int, model.ChatStatus) {}
	}
}

type dhParams struct {
	g       *big.Int
	p       *big.Int
	version int
}

// Manager owns the secret chats of one account.
type Manager struct {
	caller Caller
	store  Store
	opt    Options
	log    *zap.Logger

	dhMu sync.Mutex
	dh   *dhParams

	locksMu sync.Mutex
	locks   map[int]*sync.Mutex
}

func NewManager(caller Caller, store Store, opt Options) *Manager {
	opt.setDefaults()
	return &Manager{
		caller: caller,
		store:  store,
		opt:    opt,
		log:    opt.Logger,
		locks:  make(map[int]*sync.Mutex),
	}
}

// lock serializes all changes to one chat.
func (m *Manager) lock(id int) func() {
	m.locksMu.Lock()
	l, ok := m.locks[id]
	if !ok {
		l = new(sync.Mutex)
		m.locks[id] = l
	}
	m.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

// withChat runs fn on the stored chat and saves it afterwards, also when fn
// fails after changing it.
func (m *Manager) withChat(ctx context.Context, id int, fn func(chat *model.SecretChat) error) error {
	unlock := m.lock(id)
	defer unlock()

	chat, err := m.store.Get(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "get chat %d", id)
	}
	fnErr := fn(chat)
	if err := m.store.Save(ctx, chat); err != nil {
		return errors.Wrapf(err, "save chat %d", id)
	}
	return fnErr
}

// DHConfig returns the Diffie-Hellman parameters for secret chats. The
// cached parameters are reused while the server reports them unchanged.
func (m *Manager) DHConfig(ctx context.Context) (model.DHConfig, error) {
	p, err := m.dhConfig(ctx)
	if err != nil {
		return model.DHConfig{}, err
	}
	return model.DHConfig{G: int(p.g.Int64()), P: p.p.Bytes(), Version: p.version}, nil
}

func (m *Manager) dhConfig(ctx context.Context) (*dhParams, error) {
	m.dhMu.Lock()
	defer m.dhMu.Unlock()

	var version int
	if m.dh != nil {
		version = m.dh.version
	}
	res, err := m.caller.Call(ctx, &tg.MessagesGetDhConfigRequest{Version: version})
	if err != nil {
		return nil, errors.Wrap(err, "get dh config")
	}

	switch cfg := res.(type) {
	case *tg.MessagesDhConfigNotModified:
		if m.dh == nil {
			return nil, mterr.Security("dh config not modified, but none is cached")
		}
		m.log.Debug("DH configuration not modified")
		return m.dh, nil
	case *tg.MessagesDhConfig:
		p := &dhParams{
			g:       big.NewInt(int64(cfg.G)),
			p:       new(big.Int).SetBytes(cfg.P),
			version: cfg.Version,
		}
		if err := dh.CheckPG(p.p, p.g); err != nil {
			return nil, err
		}
		m.dh = p
		return p, nil
	default:
		return nil, mterr.Securityf("unexpected %T, want messages.DhConfig", res)
	}
}

// Status reports whether the chat is unknown, requested by us or active.
func (m *Manager) Status(ctx context.Context, id int) (model.ChatStatus, error) {
	if _, err := m.store.Get(ctx, id); err == nil {
		return model.ChatActive, nil
	} else if !errors.Is(err, ErrNotFound) {
		return model.ChatNone, err
	}
	if _, err := m.store.GetRequested(ctx, id); err == nil {
		return model.ChatRequested, nil
	} else if !errors.Is(err, ErrNotFound) {
		return model.ChatNone, err
	}
	return model.ChatNone, nil
}

// Get returns an active chat.
func (m *Manager) Get(ctx context.Context, id int) (*model.SecretChat, error) {
	return m.store.Get(ctx, id)
}

// Request asks peer for a new secret chat and returns its id. The chat
// becomes active once the peer accepts and Complete runs.
func (m *Manager) Request(ctx context.Context, peer tg.InputUser) (int, error) {
	params, err := m.dhConfig(ctx)
	if err != nil {
		return 0, err
	}
	a, err := dh.NewSecret(m.opt.Rand)
	if err != nil {
		return 0, err
	}
	ga, err := dh.Public(params.g, a, params.p)
	if err != nil {
		return 0, err
	}
	randomID, err := m.randomInt64()
	if err != nil {
		return 0, err
	}

	m.log.Info("Requesting secret chat", zap.Int64("user_id", peer.UserID))
	res, err := m.caller.Call(ctx, &tg.MessagesRequestEncryptionRequest{
		UserID:   &peer,
		RandomID: int(int32(randomID)),
		GA:       ga.Bytes(),
	})
	if err != nil {
		return 0, errors.Wrap(err, "request encryption")
	}
	chat, ok := res.(tg.EncryptedChatClass)
	if !ok {
		return 0, mterr.Securityf("unexpected %T, want EncryptedChat", res)
	}

	requested := &model.RequestedChat{
		ID:         chat.GetID(),
		AccessHash: accessHash(chat),
		PeerID:     peer.UserID,
		Secret:     a.Bytes(),
	}
	if err := m.store.SaveRequested(ctx, requested); err != nil {
		return 0, errors.Wrap(err, "save requested chat")
	}
	m.opt.OnChat(requested.ID, model.ChatRequested)
	return requested.ID, nil
}

// Accept accepts a chat requested by the peer.
func (m *Manager) Accept(ctx context.Context, req *tg.EncryptedChatRequested) error {
	unlock := m.lock(req.ID)
	defer unlock()

	status, err := m.Status(ctx, req.ID)
	if err != nil {
		return err
	}
	if status == model.ChatActive {
		m.log.Debug("Secret chat already accepted", zap.Int("chat_id", req.ID))
		return nil
	}

	params, err := m.dhConfig(ctx)
	if err != nil {
		return err
	}
	b, err := dh.NewSecret(m.opt.Rand)
	if err != nil {
		return err
	}
	value, err := dh.SharedKey(new(big.Int).SetBytes(req.GA), b, params.p)
	if err != nil {
		return err
	}
	gb, err := dh.Public(params.g, b, params.p)
	if err != nil {
		return err
	}
	key := NewKey(value)

	m.log.Info("Accepting secret chat", zap.Int("chat_id", req.ID), zap.Int64("admin_id", req.AdminID))
	if _, err := m.caller.Call(ctx, &tg.MessagesAcceptEncryptionRequest{
		Peer:           tg.InputEncryptedChat{ChatID: req.ID, AccessHash: req.AccessHash},
		GB:             gb.Bytes(),
		KeyFingerprint: key.Fingerprint,
	}); err != nil {
		return errors.Wrap(err, "accept encryption")
	}

	chat := m.newChat(req.ID, req.AccessHash, req.AdminID, false, key)
	if err := m.notifyLayer(ctx, chat); err != nil {
		return err
	}
	if err := m.store.Save(ctx, chat); err != nil {
		return errors.Wrap(err, "save chat")
	}
	m.opt.OnChat(chat.ID, model.ChatActive)
	return nil
}

// Complete finishes a chat we requested once the peer accepted it.
func (m *Manager) Complete(ctx context.Context, accepted *tg.EncryptedChat) error {
	unlock := m.lock(accepted.ID)
	defer unlock()

	status, err := m.Status(ctx, accepted.ID)
	if err != nil {
		return err
	}
	if status != model.ChatRequested {
		m.log.Warn("Could not find and complete secret chat", zap.Int("chat_id", accepted.ID))
		return ErrInvalidState
	}
	requested, err := m.store.GetRequested(ctx, accepted.ID)
	if err != nil {
		return err
	}

	params, err := m.dhConfig(ctx)
	if err != nil {
		return err
	}
	a := new(big.Int).SetBytes(requested.Secret)
	value, err := dh.SharedKey(new(big.Int).SetBytes(accepted.GAOrB), a, params.p)
	if err != nil {
		return err
	}
	if err := m.store.DeleteRequested(ctx, accepted.ID); err != nil {
		return errors.Wrap(err, "delete requested chat")
	}

	key := NewKey(value)
	if key.Fingerprint != accepted.KeyFingerprint {
		if _, err := m.caller.Call(ctx, &tg.MessagesDiscardEncryptionRequest{ChatID: accepted.ID}); err != nil {
			m.log.Warn("Discard failed", zap.Int("chat_id", accepted.ID), zap.Error(err))
		}
		m.opt.OnChat(accepted.ID, model.ChatNone)
		return mterr.Security("Invalid key fingerprint!")
	}

	chat := m.newChat(accepted.ID, accepted.AccessHash, accepted.ParticipantID, true, key)
	if err := m.notifyLayer(ctx, chat); err != nil {
		return err
	}
	if err := m.store.Save(ctx, chat); err != nil {
		return errors.Wrap(err, "save chat")
	}
	m.log.Info("Secret chat completed", zap.Int("chat_id", chat.ID))
	m.opt.OnChat(chat.ID, model.ChatActive)
	return nil
}

// Discard closes a chat on the server and forgets it locally.
func (m *Manager) Discard(ctx context.Context, id int) error {
	unlock := m.lock(id)
	defer unlock()

	if _, err := m.caller.Call(ctx, &tg.MessagesDiscardEncryptionRequest{ChatID: id}); err != nil {
		return errors.Wrap(err, "discard encryption")
	}
	return m.forget(ctx, id)
}

func (m *Manager) forget(ctx context.Context, id int) error {
	if err := m.store.Delete(ctx, id); err != nil {
		return errors.Wrap(err, "delete chat")
	}
	if err := m.store.DeleteRequested(ctx, id); err != nil {
		return errors.Wrap(err, "delete requested chat")
	}
	m.opt.OnChat(id, model.ChatNone)
	return nil
}

func (m *Manager) newChat(id int, accessHash, peerID int64, admin bool, key model.SecretKey) *model.SecretChat {
	now := m.opt.Now()
	chat := &model.SecretChat{
		ID:         id,
		AccessHash: accessHash,
		PeerID:     peerID,
		Admin:      admin,
		Key:        key,
		Layer:      initialLayer,
		TTL:        math.MaxInt32,
		TTR:        DefaultTTR,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if admin {
		chat.OutSeqNoX = 1
	} else {
		chat.InSeqNoX = 1
	}
	return chat
}

func (m *Manager) notifyLayer(ctx context.Context, chat *model.SecretChat) error {
	return m.sendService(ctx, chat, &e2e.DecryptedMessageActionNotifyLayer{Layer: tl.SecretLayer})
}

func (m *Manager) randomInt64() (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(m.opt.Rand, b[:]); err != nil {
		return 0, errors.Wrap(err, "read random")
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func accessHash(chat tg.EncryptedChatClass) int64 {
	switch c := chat.(type) {
	case *tg.EncryptedChatWaiting:
		return c.AccessHash
	case *tg.EncryptedChatRequested:
		return c.AccessHash
	case *tg.EncryptedChat:
		return c.AccessHash
	default:
		return 0
	}
}
