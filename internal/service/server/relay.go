package server

import (
	"context"
	"encoding/binary"
	"io"
	"sync"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"mtproto_core/internal/model"
	"mtproto_core/internal/tl"
)

const maxRandomLength = 1024

type relayChat struct {
	id          int
	accessHash  int64
	admin       int64
	participant int64
	ga          []byte
	accepted    bool
}

func (c *relayChat) member(user int64) bool {
	return user == c.admin || user == c.participant
}

func (c *relayChat) other(user int64) int64 {
	if user == c.admin {
		return c.participant
	}
	return c.admin
}

// relay forwards secret chat requests and encrypted messages between users.
// It never sees the end-to-end keys.
type relay struct {
	mu    sync.Mutex
	chats map[int]*relayChat
	// qts counts encrypted messages per recipient.
	qts map[int64]int
}

func newRelay() *relay {
	return &relay{
		chats: make(map[int]*relayChat),
		qts:   make(map[int64]int),
	}
}

func (r *relay) nextQts(user int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.qts[user]++
	return r.qts[user]
}

type delivery struct {
	to  int64
	upd tg.UpdateClass
}

func (r *relay) call(ctx context.Context, srv *HttpServer, u model.User, v tl.Object) (tl.Object, error) {
	date := int(srv.opt.Now().Unix())
	var out []delivery

	res, err := func() (tl.Object, error) {
		switch req := v.(type) {
		case *tg.MessagesGetDhConfigRequest:
			return srv.dhConfig(req)
		case *tg.MessagesRequestEncryptionRequest:
			input, ok := req.UserID.(*tg.InputUser)
			if !ok {
				return rpcError(400, "USER_ID_INVALID"), nil
			}
			peer, err := srv.opt.Users.GetByUserID(ctx, input.UserID)
			if err != nil {
				return nil, err
			}
			if peer == nil || peer.UserID == u.UserID {
				return rpcError(400, "USER_ID_INVALID"), nil
			}
			chat, err := r.create(srv.opt.Rand, u.UserID, peer.UserID, req.GA)
			if err != nil {
				return nil, err
			}
			out = append(out, delivery{to: peer.UserID, upd: &tg.UpdateEncryption{
				Chat: &tg.EncryptedChatRequested{
					ID:            chat.id,
					AccessHash:    chat.accessHash,
					Date:          date,
					AdminID:       chat.admin,
					ParticipantID: chat.participant,
					GA:            chat.ga,
				},
				Date: date,
			}})
			return &tg.EncryptedChatWaiting{
				ID:            chat.id,
				AccessHash:    chat.accessHash,
				Date:          date,
				AdminID:       chat.admin,
				ParticipantID: chat.participant,
			}, nil
		case *tg.MessagesAcceptEncryptionRequest:
			chat, ok := r.accept(req.Peer, u.UserID)
			if !ok {
				return rpcError(400, "CHAT_ID_INVALID"), nil
			}
			out = append(out, delivery{to: chat.admin, upd: &tg.UpdateEncryption{
				Chat: &tg.EncryptedChat{
					ID:             chat.id,
					AccessHash:     chat.accessHash,
					Date:           date,
					AdminID:        chat.admin,
					ParticipantID:  chat.participant,
					GAOrB:          req.GB,
					KeyFingerprint: req.KeyFingerprint,
				},
				Date: date,
			}})
			return &tg.EncryptedChat{
				ID:             chat.id,
				AccessHash:     chat.accessHash,
				Date:           date,
				AdminID:        chat.admin,
				ParticipantID:  chat.participant,
				GAOrB:          chat.ga,
				KeyFingerprint: req.KeyFingerprint,
			}, nil
		case *tg.MessagesDiscardEncryptionRequest:
			chat, ok := r.discard(req.ChatID, u.UserID)
			if !ok {
				return rpcError(400, "CHAT_ID_INVALID"), nil
			}
			out = append(out, delivery{to: chat.other(u.UserID), upd: &tg.UpdateEncryption{
				Chat: &tg.EncryptedChatDiscarded{HistoryDeleted: req.DeleteHistory, ID: chat.id},
				Date: date,
			}})
			return tl.Bool(true), nil
		case *tg.MessagesSendEncryptedRequest:
			chat, ok := r.active(req.Peer, u.UserID)
			if !ok {
				return rpcError(400, "CHAT_ID_INVALID"), nil
			}
			to := chat.other(u.UserID)
			out = append(out, delivery{to: to, upd: &tg.UpdateNewEncryptedMessage{
				Message: &tg.EncryptedMessage{
					RandomID: req.RandomID,
					ChatID:   chat.id,
					Date:     date,
					Bytes:    req.Data,
					File:     &tg.EncryptedFileEmpty{},
				},
				Qts: r.nextQts(to),
			}})
			return &tg.MessagesSentEncryptedMessage{Date: date}, nil
		case *tg.MessagesSendEncryptedServiceRequest:
			chat, ok := r.active(req.Peer, u.UserID)
			if !ok {
				return rpcError(400, "CHAT_ID_INVALID"), nil
			}
			to := chat.other(u.UserID)
			out = append(out, delivery{to: to, upd: &tg.UpdateNewEncryptedMessage{
				Message: &tg.EncryptedMessageService{RandomID: req.RandomID, ChatID: chat.id, Date: date, Bytes: req.Data},
				Qts:     r.nextQts(to),
			}})
			return &tg.MessagesSentEncryptedMessage{Date: date}, nil
		default:
			return rpcError(400, "METHOD_INVALID"), nil
		}
	}()
	if err != nil {
		return nil, err
	}

	for _, d := range out {
		if err := srv.push(ctx, d.to, d.upd, date); err != nil {
			srv.log.Error("Deliver update failed", zap.Int64("to", d.to), zap.Error(err))
		}
	}
	return res, nil
}

func (r *relay) create(rand io.Reader, admin, participant int64, ga []byte) (*relayChat, error) {
	var b [12]byte
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		if _, err := io.ReadFull(rand, b[:]); err != nil {
			return nil, errors.Wrap(err, "read chat id")
		}
		id := int(binary.LittleEndian.Uint32(b[:4]) & 0x7fffffff)
		if _, ok := r.chats[id]; ok || id == 0 {
			continue
		}
		chat := &relayChat{
			id:          id,
			accessHash:  int64(binary.LittleEndian.Uint64(b[4:])),
			admin:       admin,
			participant: participant,
			ga:          ga,
		}
		r.chats[id] = chat
		return chat, nil
	}
}

func (r *relay) accept(peer tg.InputEncryptedChat, user int64) (relayChat, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chat, ok := r.chats[peer.ChatID]
	if !ok || chat.accepted || chat.participant != user || chat.accessHash != peer.AccessHash {
		return relayChat{}, false
	}
	chat.accepted = true
	return *chat, true
}

func (r *relay) active(peer tg.InputEncryptedChat, user int64) (relayChat, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chat, ok := r.chats[peer.ChatID]
	if !ok || !chat.accepted || !chat.member(user) || chat.accessHash != peer.AccessHash {
		return relayChat{}, false
	}
	return *chat, true
}

func (r *relay) discard(id int, user int64) (relayChat, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chat, ok := r.chats[id]
	if !ok || !chat.member(user) {
		return relayChat{}, false
	}
	delete(r.chats, id)
	return *chat, true
}

func (s *HttpServer) dhConfig(req *tg.MessagesGetDhConfigRequest) (tl.Object, error) {
	if req.RandomLength < 0 || req.RandomLength > maxRandomLength {
		return rpcError(400, "RANDOM_LENGTH_INVALID"), nil
	}
	random := make([]byte, req.RandomLength)
	if _, err := io.ReadFull(s.opt.Rand, random); err != nil {
		return nil, errors.Wrap(err, "read random")
	}
	if req.Version == s.opt.DHVersion {
		return &tg.MessagesDhConfigNotModified{Random: random}, nil
	}
	return &tg.MessagesDhConfig{
		G:       s.opt.G,
		P:       s.opt.Prime.Bytes(),
		Version: s.opt.DHVersion,
		Random:  random,
	}, nil
}

// push delivers upd to a connected and bound session, or queues it.
func (s *HttpServer) push(ctx context.Context, to int64, upd tg.UpdateClass, date int) error {
	body, err := tl.Encode(&tg.UpdateShort{Update: upd, Date: date})
	if err != nil {
		return err
	}
	if sess := s.session(to); sess != nil && sess.bound.Load() {
		err := sess.push(ctx, body)
		if err == nil {
			s.metrics.relayed.Inc()
			return nil
		}
		s.log.Warn("Push failed, queueing", zap.Int64("to", to), zap.Error(err))
	}
	s.metrics.queued.Inc()
	return s.opt.Queue.PutUpdatesToCache(ctx, to, [][]byte{body})
}
