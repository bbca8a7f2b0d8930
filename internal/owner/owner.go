// Package owner implements Evolu's identity model: the AppOwner
// derived deterministically from a device's BIP-39 mnemonic, and
// SharedOwner identities created from fresh random key material for
// sharing a set of tables with peers.
package owner

import (
	"github.com/evolu-sh/evolu-core/internal/crypto"
)

// IDSize matches the row-id size: a 21-char URL-safe id.
const IDSize = 21

// WriteKeySize is the length of the relay write-authorization token.
const WriteKeySize = 16

// Type distinguishes how an Owner's keys were produced.
type Type string

const (
	TypeApp    Type = "app"
	TypeShared Type = "shared"
)

// Owner is a writer identity: an id the relay partitions storage by,
// an EncryptionKey for AEAD of message payloads, and a WriteKey that
// proves authorization to append to the relay's log for this id.
//
// Invariant: the triple (EncryptionKey, WriteKey, ID) is never
// transmitted together. Only ID and WriteKey ever leave the device on
// the wire; EncryptionKey is used locally to decrypt/encrypt and,
// for SharedOwner, is handed to peers out of band (e.g. a QR code or
// manual paste), never over the sync connection.
type Owner struct {
	Type          Type
	ID            string
	EncryptionKey [crypto.KeySize]byte
	WriteKey      [WriteKeySize]byte
	// Mnemonic is populated only for an AppOwner and never leaves the
	// device; it is the sole piece of state restore needs.
	Mnemonic string
}

func randomID() (string, error) {
	alphabet := "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"
	raw, err := crypto.Random(IDSize)
	if err != nil {
		return "", err
	}
	out := make([]byte, IDSize)
	for i, b := range raw {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}

// FromMnemonic deterministically derives an AppOwner from a BIP-39
// mnemonic: ID and EncryptionKey come from fixed SLIP-21 paths so the
// same mnemonic always reproduces the same identity;
// WriteKey is random and rotatable, since it authorizes writes rather
// than identifying the owner.
func FromMnemonic(mnemonic string) (Owner, error) {
	seed, err := crypto.MnemonicToSeed(mnemonic)
	if err != nil {
		return Owner{}, err
	}

	idKey := crypto.Slip21Derive(seed, crypto.PathOwnerID)
	id := deriveID(idKey)

	var encKey [crypto.KeySize]byte
	copy(encKey[:], crypto.Slip21Derive(seed, crypto.PathEncryptionKey))

	writeKeyBytes, err := crypto.Random(WriteKeySize)
	if err != nil {
		return Owner{}, err
	}
	var writeKey [WriteKeySize]byte
	copy(writeKey[:], writeKeyBytes)

	return Owner{
		Type:          TypeApp,
		ID:            id,
		EncryptionKey: encKey,
		WriteKey:      writeKey,
		Mnemonic:      mnemonic,
	}, nil
}

// CreateAppOwner generates a fresh mnemonic and derives the AppOwner
// from it - the first-launch path.
func CreateAppOwner() (Owner, error) {
	mnemonic, err := crypto.GenerateMnemonic()
	if err != nil {
		return Owner{}, err
	}
	return FromMnemonic(mnemonic)
}

// CreateSharedOwner builds a SharedOwner from entirely fresh random
// key material, with no mnemonic: ID, EncryptionKey and WriteKey are
// all independently random, so a shared owner can
// be handed to a peer without exposing the device's own mnemonic.
func CreateSharedOwner() (Owner, error) {
	id, err := randomID()
	if err != nil {
		return Owner{}, err
	}
	var encKey [crypto.KeySize]byte
	encKeyBytes, err := crypto.Random(crypto.KeySize)
	if err != nil {
		return Owner{}, err
	}
	copy(encKey[:], encKeyBytes)

	var writeKey [WriteKeySize]byte
	writeKeyBytes, err := crypto.Random(WriteKeySize)
	if err != nil {
		return Owner{}, err
	}
	copy(writeKey[:], writeKeyBytes)

	return Owner{
		Type:          TypeShared,
		ID:            id,
		EncryptionKey: encKey,
		WriteKey:      writeKey,
	}, nil
}

// deriveID maps the 32-byte SLIP-21 output for the Owner-Id path to
// the same 21-char URL-safe alphabet used elsewhere for ids, so an
// AppOwner's id has the same shape as a SharedOwner's or a row's.
func deriveID(key []byte) string {
	alphabet := "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"
	out := make([]byte, IDSize)
	for i := 0; i < IDSize; i++ {
		out[i] = alphabet[int(key[i%len(key)])%len(alphabet)]
	}
	return string(out)
}

// RotateWriteKey produces a fresh random WriteKey for o, to be sent
// to the relay alongside the current WriteKey in the same frame (see
// internal/relay) so the rotation is atomic from the relay's point of
// view.
func RotateWriteKey(o Owner) (newKey [WriteKeySize]byte, err error) {
	b, err := crypto.Random(WriteKeySize)
	if err != nil {
		return newKey, err
	}
	copy(newKey[:], b)
	return newKey, nil
}
