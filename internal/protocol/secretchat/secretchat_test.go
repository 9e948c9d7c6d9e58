package secretchat

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tg/e2e"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mtproto_core/internal/cryptographic/dh"
	"mtproto_core/internal/cryptographic/ige"
	"mtproto_core/internal/cryptographic/kdf"
	"mtproto_core/internal/model"
	"mtproto_core/internal/mterr"
	"mtproto_core/internal/tl"
)


// relay plays the server between two accounts. Updates are queued and
// delivered by flush.
type relay struct {
	p      *big.Int
	mangle func(tl.Object)
	// fail, when set, is returned for every sent message.
	fail error

	mu       sync.Mutex
	nextID   int
	chats    map[int][2]int64
	inbox    map[int64][]tl.Object
	dhCalls  int
	accepts  int
	services int
}

func newRelay() *relay {
	return &relay{
		p:     dh.DefaultPrime(),
		chats: make(map[int][2]int64),
		inbox: make(map[int64][]tl.Object),
	}
}

func (r *relay) push(user int64, upd tl.Object) {
	r.inbox[user] = append(r.inbox[user], upd)
}

func (r *relay) other(chatID int, user int64) int64 {
	ids := r.chats[chatID]
	if ids[0] == user {
		return ids[1]
	}
	return ids[0]
}

func (r *relay) pending(user int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inbox[user])
}

type relayCaller struct {
	r    *relay
	user int64
}

func (c relayCaller) Call(_ context.Context, req tl.Object) (tl.Object, error) {
	r := c.r
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mangle != nil {
		r.mangle(req)
	}

	switch q := req.(type) {
	case *tg.MessagesGetDhConfigRequest:
		r.dhCalls++
		if q.Version == 1 {
			return &tg.MessagesDhConfigNotModified{}, nil
		}
		return &tg.MessagesDhConfig{G: dh.DefaultG, P: r.p.Bytes(), Version: 1}, nil
	case *tg.MessagesRequestEncryptionRequest:
		input, ok := q.UserID.(*tg.InputUser)
		if !ok {
			return nil, errors.Errorf("unexpected %T", q.UserID)
		}
		r.nextID++
		id := r.nextID
		peer := input.UserID
		r.chats[id] = [2]int64{c.user, peer}
		r.push(peer, &tg.UpdateEncryption{Chat: &tg.EncryptedChatRequested{
			ID:            id,
			AccessHash:    77,
			AdminID:       c.user,
			ParticipantID: peer,
			GA:            q.GA,
		}})
		return &tg.EncryptedChatWaiting{ID: id, AccessHash: 77, AdminID: c.user, ParticipantID: peer}, nil
	case *tg.MessagesAcceptEncryptionRequest:
		r.accepts++
		ids := r.chats[q.Peer.ChatID]
		chat := &tg.EncryptedChat{
			ID:             q.Peer.ChatID,
			AccessHash:     q.Peer.AccessHash,
			AdminID:        ids[0],
			ParticipantID:  ids[1],
			GAOrB:          q.GB,
			KeyFingerprint: q.KeyFingerprint,
		}
		r.push(ids[0], &tg.UpdateEncryption{Chat: chat})
		return chat, nil
	case *tg.MessagesDiscardEncryptionRequest:
		r.push(r.other(q.ChatID, c.user), &tg.UpdateEncryption{Chat: &tg.EncryptedChatDiscarded{ID: q.ChatID}})
		return tl.Bool(true), nil
	case *tg.MessagesSendEncryptedRequest:
		if r.fail != nil {
			return nil, r.fail
		}
		r.push(r.other(q.Peer.ChatID, c.user), &tg.UpdateNewEncryptedMessage{
			Message: &tg.EncryptedMessage{RandomID: q.RandomID, ChatID: q.Peer.ChatID, Bytes: q.Data, File: &tg.EncryptedFileEmpty{}},
		})
		return &tg.MessagesSentEncryptedMessage{}, nil
	case *tg.MessagesSendEncryptedServiceRequest:
		if r.fail != nil {
			return nil, r.fail
		}
		r.services++
		r.push(r.other(q.Peer.ChatID, c.user), &tg.UpdateNewEncryptedMessage{
			Message: &tg.EncryptedMessageService{RandomID: q.RandomID, ChatID: q.Peer.ChatID, Bytes: q.Data},
		})
		return &tg.MessagesSentEncryptedMessage{}, nil
	default:
		return nil, errors.Errorf("unexpected %T", req)
	}
}

type party struct {
	id    int64
	m     *Manager
	store *MemoryStore

	mu    sync.Mutex
	texts []string
}

func newParty(t *testing.T, r *relay, id int64, opt Options) *party {
	p := &party{id: id, store: NewMemoryStore()}
	opt.Logger = zaptest.NewLogger(t).Named("user")
	opt.Accept = true
	opt.OnMessage = func(_ int, msg *e2e.DecryptedMessage) {
		p.mu.Lock()
		p.texts = append(p.texts, msg.Message)
		p.mu.Unlock()
	}
	p.m = NewManager(relayCaller{r: r, user: id}, p.store, opt)
	return p
}

// flush delivers queued updates until no party has any left.
func (r *relay) flush(ctx context.Context, parties ...*party) []error {
	var errs []error
	for {
		delivered := false
		for _, p := range parties {
			for {
				r.mu.Lock()
				q := r.inbox[p.id]
				if len(q) == 0 {
					r.mu.Unlock()
					break
				}
				upd := q[0]
				r.inbox[p.id] = q[1:]
				r.mu.Unlock()

				delivered = true
				if err := p.m.HandleUpdate(ctx, upd); err != nil {
					errs = append(errs, err)
				}
			}
		}
		if !delivered {
			return errs
		}
	}
}

func establish(t *testing.T) (*relay, *party, *party, int) {
	t.Helper()
	a := require.New(t)
	ctx := context.Background()
	r := newRelay()
	alice := newParty(t, r, 1, Options{})
	bob := newParty(t, r, 2, Options{})

	id, err := alice.m.Request(ctx, tg.InputUser{UserID: bob.id})
	a.NoError(err)
	status, err := alice.m.Status(ctx, id)
	a.NoError(err)
	a.Equal(model.ChatRequested, status)

	a.Empty(r.flush(ctx, alice, bob))
	return r, alice, bob, id
}

func chatOf(t *testing.T, p *party, id int) *model.SecretChat {
	t.Helper()
	chat, err := p.store.Get(context.Background(), id)
	require.NoError(t, err)
	return chat
}

func TestLifecycle(t *testing.T) {
	a := require.New(t)
	ctx := context.Background()
	r, alice, bob, id := establish(t)

	for _, p := range []*party{alice, bob} {
		status, err := p.m.Status(ctx, id)
		a.NoError(err)
		a.Equal(model.ChatActive, status)
	}

	ac, bc := chatOf(t, alice, id), chatOf(t, bob, id)
	a.Equal(ac.Key, bc.Key)
	a.Equal(Fingerprint(ac.Key.AuthKey), ac.Key.Fingerprint)
	a.Len(ac.Key.VisualizationOrig, 4)
	a.Len(ac.Key.Visualization46, 12)

	a.True(ac.Admin)
	a.Equal(1, ac.OutSeqNoX)
	a.Equal(0, ac.InSeqNoX)
	a.Equal(bob.id, ac.PeerID)
	a.False(bc.Admin)
	a.Equal(1, bc.InSeqNoX)
	a.Equal(0, bc.OutSeqNoX)
	a.Equal(alice.id, bc.PeerID)
	a.Equal(tl.SecretLayer, ac.Layer)
	a.Equal(tl.SecretLayer, bc.Layer)

	a.NoError(alice.m.Send(ctx, id, "hello"))
	a.NoError(bob.m.Send(ctx, id, "hi"))
	a.Empty(r.flush(ctx, alice, bob))
	a.Equal([]string{"hello"}, bob.texts)
	a.Equal([]string{"hi"}, alice.texts)

	// notifyLayer and one text each way.
	ac, bc = chatOf(t, alice, id), chatOf(t, bob, id)
	a.Equal(2, ac.OutCount)
	a.Equal(2, ac.InCount)
	a.Equal(DefaultTTR-4, ac.TTR)
	a.Equal(DefaultTTR-4, bc.TTR)

	a.NoError(alice.m.Discard(ctx, id))
	a.Empty(r.flush(ctx, alice, bob))
	for _, p := range []*party{alice, bob} {
		status, err := p.m.Status(ctx, id)
		a.NoError(err)
		a.Equal(model.ChatNone, status)
	}
}

func TestCompleteFingerprintMismatch(t *testing.T) {
	a := require.New(t)
	ctx := context.Background()
	r := newRelay()
	r.mangle = func(v tl.Object) {
		if acc, ok := v.(*tg.MessagesAcceptEncryptionRequest); ok {
			acc.KeyFingerprint ^= 1
		}
	}
	alice := newParty(t, r, 1, Options{})
	bob := newParty(t, r, 2, Options{})

	id, err := alice.m.Request(ctx, tg.InputUser{UserID: bob.id})
	a.NoError(err)
	errs := r.flush(ctx, alice, bob)
	a.NotEmpty(errs)
	a.True(mterr.IsSecurity(errs[0]))

	for _, p := range []*party{alice, bob} {
		status, err := p.m.Status(ctx, id)
		a.NoError(err)
		a.Equal(model.ChatNone, status)
	}
}

func TestCompleteInvalidState(t *testing.T) {
	r := newRelay()
	alice := newParty(t, r, 1, Options{})
	err := alice.m.Complete(context.Background(), &tg.EncryptedChat{ID: 42})
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestDHConfigCache(t *testing.T) {
	a := require.New(t)
	ctx := context.Background()
	r := newRelay()
	alice := newParty(t, r, 1, Options{})

	first, err := alice.m.DHConfig(ctx)
	a.NoError(err)
	second, err := alice.m.DHConfig(ctx)
	a.NoError(err)
	a.Equal(first, second)
	a.Equal(3, first.G)
	a.Equal(1, first.Version)
	a.Equal(2, r.dhCalls)

	composite := newRelay()
	composite.p = new(big.Int).Add(dh.DefaultPrime(), big.NewInt(1))
	bob := newParty(t, composite, 2, Options{})
	_, err = bob.m.Request(ctx, tg.InputUser{UserID: 1})
	a.True(mterr.IsSecurity(err))
}

func TestRekey(t *testing.T) {
	a := require.New(t)
	ctx := context.Background()
	r, alice, bob, id := establish(t)
	old := chatOf(t, alice, id).Key

	exchangeID, err := alice.m.Rekey(ctx, id)
	a.NoError(err)
	ac := chatOf(t, alice, id)
	a.Equal(model.RekeyRequested, ac.Rekey.Phase)
	a.Equal(exchangeID, ac.Rekey.ExchangeID)

	// A second call while in flight sends nothing.
	again, err := alice.m.Rekey(ctx, id)
	a.NoError(err)
	a.Equal(exchangeID, again)
	a.Equal(1, r.pending(bob.id))

	a.Empty(r.flush(ctx, alice, bob))
	ac, bc := chatOf(t, alice, id), chatOf(t, bob, id)
	a.Equal(model.RekeyIdle, ac.Rekey.Phase)
	a.Equal(model.RekeyIdle, bc.Rekey.Phase)
	a.Equal(ac.Key, bc.Key)
	a.NotEqual(old.AuthKey, ac.Key.AuthKey)
	a.Equal(old.VisualizationOrig, ac.Key.VisualizationOrig)
	a.NotEqual(old.Visualization46, ac.Key.Visualization46)

	a.NoError(bob.m.Send(ctx, id, "after rekey"))
	a.Empty(r.flush(ctx, alice, bob))
	a.Equal([]string{"after rekey"}, alice.texts)
}

func TestSimultaneousRekey(t *testing.T) {
	a := require.New(t)
	ctx := context.Background()
	r, alice, bob, id := establish(t)

	_, err := alice.m.Rekey(ctx, id)
	a.NoError(err)
	_, err = bob.m.Rekey(ctx, id)
	a.NoError(err)
	a.Empty(r.flush(ctx, alice, bob))

	ac, bc := chatOf(t, alice, id), chatOf(t, bob, id)
	a.Equal(model.RekeyIdle, ac.Rekey.Phase)
	a.Equal(model.RekeyIdle, bc.Rekey.Phase)
	a.Equal(ac.Key, bc.Key)
}

func TestAcceptRekeyTieBreak(t *testing.T) {
	ctx := context.Background()
	for _, tt := range []struct {
		Name     string
		Remote   int64
		Accepted bool
	}{
		{Name: "SmallerRemote", Remote: 3},
		{Name: "Equal", Remote: 5},
		{Name: "LargerRemote", Remote: 9, Accepted: true},
	} {
		t.Run(tt.Name, func(t *testing.T) {
			a := require.New(t)
			r, alice, bob, id := establish(t)

			chat := chatOf(t, alice, id)
			chat.Rekey = model.RekeyState{Phase: model.RekeyRequested, ExchangeID: 5, Secret: []byte{1, 2, 3}}
			a.NoError(alice.store.Save(ctx, chat))

			secret, err := dh.NewSecret(rand.Reader)
			a.NoError(err)
			ga, err := dh.Public(big.NewInt(dh.DefaultG), secret, r.p)
			a.NoError(err)

			a.NoError(alice.m.AcceptRekey(ctx, id, &e2e.DecryptedMessageActionRequestKey{ExchangeID: tt.Remote, GA: ga.Bytes()}))
			chat = chatOf(t, alice, id)
			if !tt.Accepted {
				a.Equal(model.RekeyRequested, chat.Rekey.Phase)
				a.Equal(int64(5), chat.Rekey.ExchangeID)
				a.Zero(r.pending(bob.id))
				return
			}
			a.Equal(model.RekeyAccepted, chat.Rekey.Phase)
			a.Equal(tt.Remote, chat.Rekey.ExchangeID)
			a.NotNil(chat.Rekey.Pending)
			a.Equal(1, r.pending(bob.id))
		})
	}
}

func TestRekeyInvalidState(t *testing.T) {
	a := require.New(t)
	ctx := context.Background()
	_, alice, _, id := establish(t)

	err := alice.m.CommitRekey(ctx, id, &e2e.DecryptedMessageActionAcceptKey{ExchangeID: 1})
	a.ErrorIs(err, ErrInvalidState)
	err = alice.m.CompleteRekey(ctx, id, &e2e.DecryptedMessageActionCommitKey{ExchangeID: 1})
	a.ErrorIs(err, ErrInvalidState)
}

func TestCompleteRekeyFingerprintMismatch(t *testing.T) {
	a := require.New(t)
	ctx := context.Background()
	r, alice, bob, id := establish(t)

	chat := chatOf(t, alice, id)
	pending := NewKey([256]byte{1})
	chat.Rekey = model.RekeyState{Phase: model.RekeyAccepted, ExchangeID: 9, Pending: &pending}
	a.NoError(alice.store.Save(ctx, chat))

	err := alice.m.CompleteRekey(ctx, id, &e2e.DecryptedMessageActionCommitKey{ExchangeID: 9, KeyFingerprint: pending.Fingerprint + 1})
	a.True(mterr.IsSecurity(err))
	chat = chatOf(t, alice, id)
	a.Equal(model.RekeyIdle, chat.Rekey.Phase)
	a.NotEqual(pending.AuthKey, chat.Key.AuthKey)

	// The abort notification reaches bob, who has nothing in flight.
	a.Equal(1, r.pending(bob.id))
	a.Empty(r.flush(ctx, alice, bob))
}

func TestCommitRekeyFingerprintMismatch(t *testing.T) {
	a := require.New(t)
	ctx := context.Background()
	r, alice, bob, id := establish(t)

	_, err := alice.m.Rekey(ctx, id)
	a.NoError(err)
	chat := chatOf(t, alice, id)
	secret, err := dh.NewSecret(rand.Reader)
	a.NoError(err)
	gb, err := dh.Public(big.NewInt(dh.DefaultG), secret, r.p)
	a.NoError(err)

	err = alice.m.CommitRekey(ctx, id, &e2e.DecryptedMessageActionAcceptKey{
		ExchangeID:     chat.Rekey.ExchangeID,
		GB:             gb.Bytes(),
		KeyFingerprint: 42,
	})
	a.True(mterr.IsSecurity(err))
	a.Equal(model.RekeyIdle, chatOf(t, alice, id).Rekey.Phase)
	// requestKey and abortKey.
	a.Equal(2, r.pending(bob.id))
}

func TestAutomaticRekey(t *testing.T) {
	for _, tt := range []struct {
		Name  string
		Setup func(chat *model.SecretChat)
	}{
		{Name: "TTR", Setup: func(chat *model.SecretChat) { chat.TTR = 1 }},
		{Name: "Age", Setup: func(chat *model.SecretChat) { chat.UpdatedAt = time.Now().Add(-MaxKeyAge - time.Hour) }},
	} {
		t.Run(tt.Name, func(t *testing.T) {
			a := require.New(t)
			ctx := context.Background()
			r, alice, bob, id := establish(t)
			old := chatOf(t, alice, id).Key

			chat := chatOf(t, alice, id)
			tt.Setup(chat)
			a.NoError(alice.store.Save(ctx, chat))

			a.NoError(alice.m.Send(ctx, id, "rotate"))
			a.Equal(model.RekeyRequested, chatOf(t, alice, id).Rekey.Phase)

			a.Empty(r.flush(ctx, alice, bob))
			ac, bc := chatOf(t, alice, id), chatOf(t, bob, id)
			a.Equal(ac.Key, bc.Key)
			a.NotEqual(old.AuthKey, ac.Key.AuthKey)
			a.Equal(model.RekeyIdle, ac.Rekey.Phase)
			a.Greater(ac.TTR, DefaultTTR-5)
			a.Equal([]string{"rotate"}, bob.texts)
		})
	}
}

func TestEncryptDecrypt(t *testing.T) {
	a := require.New(t)
	var value [256]byte
	_, err := rand.Read(value[:])
	a.NoError(err)
	key := NewKey(value)

	for n := 0; n <= 256; n += 4 {
		data := make([]byte, n)
		_, err := rand.Read(data)
		a.NoError(err)

		frame, err := Encrypt(rand.Reader, key, data)
		a.NoError(err)
		a.Zero((len(frame) - prefixSize) % 16)
		a.Equal(uint64(key.Fingerprint), binary.LittleEndian.Uint64(frame))

		got, err := Decrypt(key, frame)
		a.NoError(err)
		a.Equal(data, got)
	}

	frame, err := Encrypt(rand.Reader, key, make([]byte, 8))
	a.NoError(err)
	other := NewKey([256]byte{1})
	_, err = Decrypt(other, frame)
	a.True(mterr.IsSecurity(err))

	frame[10] ^= 1
	_, err = Decrypt(key, frame)
	a.True(mterr.IsSecurity(err))
}

// craft encrypts an arbitrary plaintext with a msg_key over its first
// keyed bytes.
func craft(t *testing.T, key model.SecretKey, plain []byte, keyed int) []byte {
	t.Helper()
	msgKey := kdf.MessageKey(plain[:keyed])
	aesKey, aesIV := kdf.Keys(key.AuthKey, msgKey, kdf.ToServer)
	encrypted, err := ige.Encrypt(aesKey, aesIV, plain)
	require.NoError(t, err)

	out := make([]byte, prefixSize)
	binary.LittleEndian.PutUint64(out, uint64(key.Fingerprint))
	copy(out[8:], msgKey[:])
	return append(out, encrypted...)
}

func TestDecryptMalformed(t *testing.T) {
	key := NewKey([256]byte{7, 7, 7})
	plain := func(size, length int) []byte {
		b := make([]byte, size)
		binary.LittleEndian.PutUint32(b, uint32(length))
		return b
	}
	for _, tt := range []struct {
		Name  string
		Frame []byte
	}{
		{Name: "TooBig", Frame: craft(t, key, plain(16, 16), 16)},
		{Name: "TooMuchSlack", Frame: craft(t, key, plain(48, 4), 8)},
		{Name: "NotDivisibleBy4", Frame: craft(t, key, plain(16, 6), 10)},
		{Name: "MessageKey", Frame: craft(t, key, plain(16, 8), 16)},
		{Name: "Short", Frame: make([]byte, prefixSize)},
	} {
		t.Run(tt.Name, func(t *testing.T) {
			_, err := Decrypt(key, tt.Frame)
			require.Error(t, err)
			require.True(t, mterr.IsSecurity(err))
		})
	}
	t.Run("Valid", func(t *testing.T) {
		got, err := Decrypt(key, craft(t, key, plain(16, 8), 12))
		require.NoError(t, err)
		require.Len(t, got, 8)
	})
}

func TestShortRandomBytes(t *testing.T) {
	a := require.New(t)
	ctx := context.Background()
	_, alice, bob, id := establish(t)

	data, err := tl.Encode(&e2e.DecryptedMessageLayer{
		RandomBytes: make([]byte, 8),
		Layer:       tl.SecretLayer,
		Message:     &e2e.DecryptedMessage{RandomID: 1, Message: "x"},
	})
	a.NoError(err)
	frame, err := Encrypt(rand.Reader, chatOf(t, alice, id).Key, data)
	a.NoError(err)

	_, err = bob.m.HandleEncryptedUpdate(ctx, &tg.EncryptedMessage{ChatID: id, Bytes: frame})
	a.True(mterr.IsSecurity(err))
	a.Empty(bob.texts)
}

func TestUnknownChat(t *testing.T) {
	r := newRelay()
	alice := newParty(t, r, 1, Options{})
	_, err := alice.m.HandleEncryptedUpdate(context.Background(), &tg.EncryptedMessage{ChatID: 5, Bytes: make([]byte, 40)})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNotAccepting(t *testing.T) {
	a := require.New(t)
	ctx := context.Background()
	r := newRelay()
	alice := newParty(t, r, 1, Options{})
	bob := NewManager(relayCaller{r: r, user: 2}, NewMemoryStore(), Options{Logger: zaptest.NewLogger(t)})

	id, err := alice.m.Request(ctx, tg.InputUser{UserID: 2})
	a.NoError(err)
	r.mu.Lock()
	upd := r.inbox[2][0]
	r.mu.Unlock()
	a.NoError(bob.HandleUpdate(ctx, upd))

	status, err := bob.Status(ctx, id)
	a.NoError(err)
	a.Equal(model.ChatNone, status)
}

func TestSendFailureKeepsCounters(t *testing.T) {
	a := require.New(t)
	ctx := context.Background()
	r, alice, bob, id := establish(t)
	before := chatOf(t, alice, id)

	r.fail = errors.New("connection lost")
	a.Error(alice.m.Send(ctx, id, "lost"))
	after := chatOf(t, alice, id)
	a.Equal(before.OutCount, after.OutCount)
	a.Equal(before.TTR, after.TTR)

	r.fail = nil
	a.NoError(alice.m.Send(ctx, id, "delivered"))
	a.Empty(r.flush(ctx, alice, bob))
	a.Equal([]string{"delivered"}, bob.texts)
	a.Equal(before.OutCount+1, chatOf(t, alice, id).OutCount)
	a.Equal(before.OutCount+1, chatOf(t, bob, id).InCount)
}

func TestAcceptTwice(t *testing.T) {
	a := require.New(t)
	ctx := context.Background()
	r, alice, bob, id := establish(t)
	before := chatOf(t, bob, id)
	accepts, pending := r.accepts, r.pending(alice.id)

	secret, err := dh.NewSecret(rand.Reader)
	a.NoError(err)
	ga, err := dh.Public(big.NewInt(dh.DefaultG), secret, r.p)
	a.NoError(err)
	a.NoError(bob.m.Accept(ctx, &tg.EncryptedChatRequested{
		ID:            id,
		AccessHash:    77,
		AdminID:       alice.id,
		ParticipantID: bob.id,
		GA:            ga.Bytes(),
	}))

	a.Equal(accepts, r.accepts)
	a.Equal(pending, r.pending(alice.id))
	a.Equal(before.Key, chatOf(t, bob, id).Key)
}
