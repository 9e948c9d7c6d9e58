package secretchat

import (
	"context"
	"fmt"
	"io"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tg/e2e"
	"go.uber.org/zap"

	"mtproto_core/internal/model"
	"mtproto_core/internal/mterr"
	"mtproto_core/internal/tl"
)

func inputChat(chat *model.SecretChat) tg.InputEncryptedChat {
	return tg.InputEncryptedChat{ChatID: chat.ID, AccessHash: chat.AccessHash}
}

// Send encrypts a text message and sends it to the peer.
func (m *Manager) Send(ctx context.Context, id int, text string) error {
	return m.withChat(ctx, id, func(chat *model.SecretChat) error {
		randomID, err := m.randomInt64()
		if err != nil {
			return err
		}
		return m.send(ctx, chat, &e2e.DecryptedMessage{RandomID: randomID, Message: text}, false)
	})
}

// EncryptMessage wraps msg into a decryptedMessageLayer and encrypts it
// with the chat key without sending it.
func (m *Manager) EncryptMessage(ctx context.Context, id int, msg e2e.DecryptedMessageClass) ([]byte, error) {
	var data []byte
	err := m.withChat(ctx, id, func(chat *model.SecretChat) (err error) {
		if data, err = m.encrypt(chat, msg); err != nil {
			return err
		}
		chat.OutCount++
		return m.tick(ctx, chat)
	})
	return data, err
}

func (m *Manager) sendService(ctx context.Context, chat *model.SecretChat, action e2e.DecryptedMessageActionClass) error {
	randomID, err := m.randomInt64()
	if err != nil {
		return err
	}
	return m.send(ctx, chat, &e2e.DecryptedMessageService{RandomID: randomID, Action: action}, true)
}

func (m *Manager) send(ctx context.Context, chat *model.SecretChat, msg e2e.DecryptedMessageClass, service bool) error {
	data, err := m.encrypt(chat, msg)
	if err != nil {
		return err
	}
	randomID, err := m.randomInt64()
	if err != nil {
		return err
	}

	var req tl.Object = &tg.MessagesSendEncryptedRequest{Peer: inputChat(chat), RandomID: randomID, Data: data}
	if service {
		req = &tg.MessagesSendEncryptedServiceRequest{Peer: inputChat(chat), RandomID: randomID, Data: data}
	}
	if _, err := m.caller.Call(ctx, req); err != nil {
		return errors.Wrapf(err, "send to chat %d", chat.ID)
	}
	chat.OutCount++
	return m.tick(ctx, chat)
}

// encrypt seals msg under the current counters. The caller advances
// OutCount once the message is actually out.
func (m *Manager) encrypt(chat *model.SecretChat, msg e2e.DecryptedMessageClass) ([]byte, error) {
	randomBytes := make([]byte, minRandomBytes)
	if _, err := io.ReadFull(m.opt.Rand, randomBytes); err != nil {
		return nil, errors.Wrap(err, "read random_bytes")
	}
	data, err := tl.Encode(&e2e.DecryptedMessageLayer{
		RandomBytes: randomBytes,
		Layer:       tl.SecretLayer,
		InSeqNo:     2*chat.InCount + chat.InSeqNoX,
		OutSeqNo:    2*chat.OutCount + chat.OutSeqNoX,
		Message:     msg,
	})
	if err != nil {
		return nil, err
	}
	return Encrypt(m.opt.Rand, chat.Key, data)
}

// tick counts one message against the key and starts a rekey when the key
// is used up or too old.
func (m *Manager) tick(ctx context.Context, chat *model.SecretChat) error {
	chat.TTR--
	if chat.Rekey.Phase != model.RekeyIdle {
		return nil
	}
	if chat.TTR > 0 && m.opt.Now().Sub(chat.UpdatedAt) <= MaxKeyAge {
		return nil
	}
	m.log.Info("Secret chat key is due for rotation",
		zap.Int("chat_id", chat.ID),
		zap.Int("ttr", chat.TTR),
	)
	_, err := m.rekey(ctx, chat)
	return err
}

// HandleEncryptedUpdate decrypts a message from the peer and applies the
// service actions it carries. Text messages are passed to OnMessage.
func (m *Manager) HandleEncryptedUpdate(ctx context.Context, msg tg.EncryptedMessageClass) (*e2e.DecryptedMessageLayer, error) {
	var layer *e2e.DecryptedMessageLayer
	err := m.withChat(ctx, msg.GetChatID(), func(chat *model.SecretChat) error {
		data, err := Decrypt(chat.Key, msg.GetBytes())
		if err != nil {
			return err
		}
		v, err := tl.Decode(data)
		if err != nil {
			return mterr.Securityf("decode decrypted message: %v", err)
		}
		var ok bool
		if layer, ok = v.(*e2e.DecryptedMessageLayer); !ok {
			return mterr.Securityf("unexpected %T, want decryptedMessageLayer", v)
		}
		if len(layer.RandomBytes) < minRandomBytes {
			return mterr.Security("random_bytes is too short")
		}

		if want := 2*chat.InCount + chat.InSeqNoX; layer.OutSeqNo != want {
			m.log.Warn("Unexpected out_seq_no",
				zap.Int("chat_id", chat.ID),
				zap.Int("got", layer.OutSeqNo),
				zap.Int("want", want),
			)
		}
		chat.InCount++
		if err := m.tick(ctx, chat); err != nil {
			return err
		}

		if service, ok := layer.Message.(*e2e.DecryptedMessageService); ok {
			return m.handleAction(ctx, chat, service.Action)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if text, ok := layer.Message.(*e2e.DecryptedMessage); ok {
		m.opt.OnMessage(msg.GetChatID(), text)
	}
	return layer, nil
}

func (m *Manager) handleAction(ctx context.Context, chat *model.SecretChat, action e2e.DecryptedMessageActionClass) error {
	switch a := action.(type) {
	case *e2e.DecryptedMessageActionNotifyLayer:
		chat.Layer = min(a.Layer, tl.SecretLayer)
		m.log.Debug("Peer layer", zap.Int("chat_id", chat.ID), zap.Int("layer", a.Layer))
		return nil
	case *e2e.DecryptedMessageActionRequestKey:
		return m.acceptRekey(ctx, chat, a)
	case *e2e.DecryptedMessageActionAcceptKey:
		return m.commitRekey(ctx, chat, a)
	case *e2e.DecryptedMessageActionCommitKey:
		return m.completeRekey(ctx, chat, a)
	case *e2e.DecryptedMessageActionAbortKey:
		if chat.Rekey.Phase != model.RekeyIdle && chat.Rekey.ExchangeID == a.ExchangeID {
			m.log.Info("Peer aborted rekey", zap.Int("chat_id", chat.ID), zap.Int64("exchange_id", a.ExchangeID))
			chat.Rekey = model.RekeyState{}
		}
		return nil
	case *e2e.DecryptedMessageActionNoop:
		return nil
	default:
		m.log.Debug("Ignoring service action", zap.String("type", typeName(action)))
		return nil
	}
}

// HandleUpdate applies one update pushed by the server.
func (m *Manager) HandleUpdate(ctx context.Context, upd tl.Object) error {
	switch u := upd.(type) {
	case *tg.UpdateShort:
		return m.HandleUpdate(ctx, u.Update)
	case *tg.UpdateNewEncryptedMessage:
		_, err := m.HandleEncryptedUpdate(ctx, u.Message)
		return err
	case *tg.UpdateEncryption:
		return m.handleChat(ctx, u.Chat)
	default:
		m.log.Debug("Ignoring update", zap.String("type", typeName(upd)))
		return nil
	}
}

func (m *Manager) handleChat(ctx context.Context, chat tg.EncryptedChatClass) error {
	switch c := chat.(type) {
	case *tg.EncryptedChatRequested:
		if !m.opt.Accept {
			m.log.Info("Secret chat requested, not accepting", zap.Int("chat_id", c.ID), zap.Int64("admin_id", c.AdminID))
			return nil
		}
		return m.Accept(ctx, c)
	case *tg.EncryptedChat:
		status, err := m.Status(ctx, c.ID)
		if err != nil {
			return err
		}
		if status != model.ChatRequested {
			return nil
		}
		return m.Complete(ctx, c)
	case *tg.EncryptedChatDiscarded:
		unlock := m.lock(c.ID)
		defer unlock()
		m.log.Info("Secret chat discarded", zap.Int("chat_id", c.ID))
		return m.forget(ctx, c.ID)
	case *tg.EncryptedChatWaiting:
		m.log.Debug("Waiting for peer", zap.Int("chat_id", c.ID))
		return nil
	default:
		return nil
	}
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", v)
}
