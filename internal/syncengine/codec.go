package syncengine

import (
	"github.com/evolu-sh/evolu-core/internal/changes"
	"github.com/evolu-sh/evolu-core/internal/crypto"
	"github.com/evolu-sh/evolu-core/internal/evoluerr"
	"github.com/evolu-sh/evolu-core/internal/protocol"
)

// encodeItem seals a Message into a wire Item: the (table, row_id,
// column, value) tuple is PADMÉ-padded then AEAD-sealed under the
// owner's EncryptionKey. Timestamp travels unencrypted in the item so
// a relay can index by minute without decrypting.
func encodeItem(msg changes.Message, encryptionKey [crypto.KeySize]byte) (protocol.Item, error) {
	plaintext := msg.Encode()
	padded := crypto.PadmePayload(plaintext)
	nonce, ciphertext, err := crypto.AEADEncrypt(encryptionKey[:], padded)
	if err != nil {
		return protocol.Item{}, err
	}
	return protocol.Item{Timestamp: msg.Timestamp, Nonce: nonce, Ciphertext: ciphertext}, nil
}

// decodeItem reverses encodeItem. A decrypt or decode failure is
// KindDecrypt/KindProtocolFrame, both in evoluerr.Recoverable's set,
// so the caller drops the single message instead of tearing down the
// connection.
func decodeItem(item protocol.Item, encryptionKey [crypto.KeySize]byte) (changes.Message, error) {
	padded, err := crypto.AEADDecrypt(encryptionKey[:], item.Nonce, item.Ciphertext)
	if err != nil {
		return changes.Message{}, err
	}
	plaintext, ok := crypto.UnpadPayload(padded)
	if !ok {
		return changes.Message{}, evoluerr.New(evoluerr.KindProtocolFrame, "malformed padme payload")
	}
	msg, err := changes.DecodePayload(plaintext)
	if err != nil {
		return changes.Message{}, evoluerr.Wrap(evoluerr.KindProtocolFrame, "decode message payload", err)
	}
	msg.Timestamp = item.Timestamp
	return msg, nil
}

func encodeItems(messages []changes.Message, encryptionKey [crypto.KeySize]byte) ([]protocol.Item, error) {
	items := make([]protocol.Item, 0, len(messages))
	for _, msg := range messages {
		item, err := encodeItem(msg, encryptionKey)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// decodeItemsLenient decodes every item it can and logs-and-drops the
// rest: a protocol or decrypt error on a single message is logged and
// dropped, it does not drop the connection.
func decodeItemsLenient(items []protocol.Item, encryptionKey [crypto.KeySize]byte, logger Logger) []changes.Message {
	messages := make([]changes.Message, 0, len(items))
	for _, item := range items {
		msg, err := decodeItem(item, encryptionKey)
		if err != nil {
			logger.Printf("syncengine: dropping undecodable message at %s: %v", item.Timestamp, err)
			continue
		}
		messages = append(messages, msg)
	}
	return messages
}
