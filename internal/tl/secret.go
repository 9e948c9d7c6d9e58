package tl

import (
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tg/e2e"
)

// SecretLayer is the end-to-end layer announced to peers: the first layer
// with decryptedMessage#91cc4674.
const SecretLayer = 73

func init() {
	register(
		func() Object { return &tg.MessagesGetDhConfigRequest{} },
		func() Object { return &tg.MessagesDhConfig{} },
		func() Object { return &tg.MessagesDhConfigNotModified{} },
		func() Object { return &tg.MessagesRequestEncryptionRequest{} },
		func() Object { return &tg.MessagesAcceptEncryptionRequest{} },
		func() Object { return &tg.MessagesDiscardEncryptionRequest{} },
		func() Object { return &tg.MessagesSendEncryptedRequest{} },
		func() Object { return &tg.MessagesSendEncryptedServiceRequest{} },
		func() Object { return &tg.MessagesSentEncryptedMessage{} },
		func() Object { return &tg.EncryptedChatEmpty{} },
		func() Object { return &tg.EncryptedChatWaiting{} },
		func() Object { return &tg.EncryptedChatRequested{} },
		func() Object { return &tg.EncryptedChat{} },
		func() Object { return &tg.EncryptedChatDiscarded{} },
		func() Object { return &tg.UpdateShort{} },
		func() Object { return &tg.UpdateEncryption{} },
		func() Object { return &tg.UpdateNewEncryptedMessage{} },

		func() Object { return &e2e.DecryptedMessageLayer{} },
		func() Object { return &e2e.DecryptedMessage{} },
		func() Object { return &e2e.DecryptedMessageService{} },
		func() Object { return &e2e.DecryptedMessageActionNotifyLayer{} },
		func() Object { return &e2e.DecryptedMessageActionRequestKey{} },
		func() Object { return &e2e.DecryptedMessageActionAcceptKey{} },
		func() Object { return &e2e.DecryptedMessageActionCommitKey{} },
		func() Object { return &e2e.DecryptedMessageActionAbortKey{} },
		func() Object { return &e2e.DecryptedMessageActionNoop{} },
	)
}
