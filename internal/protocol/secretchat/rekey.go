package secretchat

import (
	"context"
	"math/big"

	"github.com/gotd/td/tg/e2e"
	"go.uber.org/zap"

	"mtproto_core/internal/cryptographic/dh"
	"mtproto_core/internal/model"
	"mtproto_core/internal/mterr"
)

// Rekey starts a key exchange for an active chat and returns its exchange
// id. Nothing is sent while another exchange is in flight.
func (m *Manager) Rekey(ctx context.Context, id int) (int64, error) {
	var exchangeID int64
	err := m.withChat(ctx, id, func(chat *model.SecretChat) (err error) {
		exchangeID, err = m.rekey(ctx, chat)
		return err
	})
	return exchangeID, err
}

// AcceptRekey answers a key exchange requested by the peer.
func (m *Manager) AcceptRekey(ctx context.Context, id int, req *e2e.DecryptedMessageActionRequestKey) error {
	return m.withChat(ctx, id, func(chat *model.SecretChat) error {
		return m.acceptRekey(ctx, chat, req)
	})
}

// CommitRekey finishes an exchange we started once the peer accepted it.
func (m *Manager) CommitRekey(ctx context.Context, id int, acc *e2e.DecryptedMessageActionAcceptKey) error {
	return m.withChat(ctx, id, func(chat *model.SecretChat) error {
		return m.commitRekey(ctx, chat, acc)
	})
}

// CompleteRekey switches to the key we accepted once the peer committed it.
func (m *Manager) CompleteRekey(ctx context.Context, id int, commit *e2e.DecryptedMessageActionCommitKey) error {
	return m.withChat(ctx, id, func(chat *model.SecretChat) error {
		return m.completeRekey(ctx, chat, commit)
	})
}

func (m *Manager) rekey(ctx context.Context, chat *model.SecretChat) (int64, error) {
	if chat.Rekey.Phase != model.RekeyIdle {
		return chat.Rekey.ExchangeID, nil
	}
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
	exchangeID, err := m.randomInt64()
	if err != nil {
		return 0, err
	}

	m.log.Info("Rekeying secret chat", zap.Int("chat_id", chat.ID), zap.Int64("exchange_id", exchangeID))
	chat.Rekey = model.RekeyState{
		Phase:      model.RekeyRequested,
		ExchangeID: exchangeID,
		Secret:     a.Bytes(),
	}
	if err := m.sendService(ctx, chat, &e2e.DecryptedMessageActionRequestKey{ExchangeID: exchangeID, GA: ga.Bytes()}); err != nil {
		chat.Rekey = model.RekeyState{}
		return 0, err
	}
	return exchangeID, nil
}

// acceptRekey resolves simultaneous exchanges by keeping the one with the
// larger exchange id on both sides.
func (m *Manager) acceptRekey(ctx context.Context, chat *model.SecretChat, req *e2e.DecryptedMessageActionRequestKey) error {
	if chat.Rekey.Phase != model.RekeyIdle {
		local := chat.Rekey.ExchangeID
		switch {
		case local > req.ExchangeID:
			m.log.Info("Ignoring rekey request with a smaller exchange id",
				zap.Int("chat_id", chat.ID),
				zap.Int64("local", local),
				zap.Int64("remote", req.ExchangeID),
			)
			return nil
		case local == req.ExchangeID:
			return nil
		}
		m.log.Info("Dropping local rekey in favor of the peer",
			zap.Int("chat_id", chat.ID),
			zap.Int64("local", local),
			zap.Int64("remote", req.ExchangeID),
		)
		chat.Rekey = model.RekeyState{}
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
	key := rekeyed(chat.Key, value)

	m.log.Info("Accepting rekey", zap.Int("chat_id", chat.ID), zap.Int64("exchange_id", req.ExchangeID))
	chat.Rekey = model.RekeyState{
		Phase:      model.RekeyAccepted,
		ExchangeID: req.ExchangeID,
		Pending:    &key,
	}
	return m.sendService(ctx, chat, &e2e.DecryptedMessageActionAcceptKey{
		ExchangeID:     req.ExchangeID,
		GB:             gb.Bytes(),
		KeyFingerprint: key.Fingerprint,
	})
}

func (m *Manager) commitRekey(ctx context.Context, chat *model.SecretChat, acc *e2e.DecryptedMessageActionAcceptKey) error {
	if chat.Rekey.Phase != model.RekeyRequested || chat.Rekey.ExchangeID != acc.ExchangeID {
		return ErrInvalidState
	}
	params, err := m.dhConfig(ctx)
	if err != nil {
		return err
	}
	a := new(big.Int).SetBytes(chat.Rekey.Secret)
	value, err := dh.SharedKey(new(big.Int).SetBytes(acc.GB), a, params.p)
	if err != nil {
		m.abortRekey(ctx, chat, acc.ExchangeID)
		return err
	}
	key := rekeyed(chat.Key, value)
	if key.Fingerprint != acc.KeyFingerprint {
		m.abortRekey(ctx, chat, acc.ExchangeID)
		return mterr.Security("Invalid key fingerprint!")
	}

	m.log.Info("Committing rekey", zap.Int("chat_id", chat.ID), zap.Int64("exchange_id", acc.ExchangeID))
	if err := m.sendService(ctx, chat, &e2e.DecryptedMessageActionCommitKey{
		ExchangeID:     acc.ExchangeID,
		KeyFingerprint: key.Fingerprint,
	}); err != nil {
		return err
	}
	m.replaceKey(chat, key)
	return nil
}

func (m *Manager) completeRekey(ctx context.Context, chat *model.SecretChat, commit *e2e.DecryptedMessageActionCommitKey) error {
	if chat.Rekey.Phase != model.RekeyAccepted || chat.Rekey.ExchangeID != commit.ExchangeID {
		return ErrInvalidState
	}
	pending := chat.Rekey.Pending
	if pending == nil || pending.Fingerprint != commit.KeyFingerprint {
		m.abortRekey(ctx, chat, commit.ExchangeID)
		return mterr.Security("Invalid key fingerprint!")
	}

	m.log.Info("Completing rekey", zap.Int("chat_id", chat.ID), zap.Int64("exchange_id", commit.ExchangeID))
	m.replaceKey(chat, *pending)
	return m.sendService(ctx, chat, &e2e.DecryptedMessageActionNoop{})
}

func (m *Manager) replaceKey(chat *model.SecretChat, key model.SecretKey) {
	chat.Key = key
	chat.TTR = DefaultTTR
	chat.UpdatedAt = m.opt.Now()
	chat.Rekey = model.RekeyState{}
}

// abortRekey tells the peer to drop the exchange. The local state is reset
// even when the notification fails.
func (m *Manager) abortRekey(ctx context.Context, chat *model.SecretChat, exchangeID int64) {
	chat.Rekey = model.RekeyState{}
	if err := m.sendService(ctx, chat, &e2e.DecryptedMessageActionAbortKey{ExchangeID: exchangeID}); err != nil {
		m.log.Warn("Abort key failed", zap.Int("chat_id", chat.ID), zap.Error(err))
	}
}
