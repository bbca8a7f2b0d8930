package crypto

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/evolu-sh/evolu-core/internal/evoluerr"
)

const (
	// KeySize is the XChaCha20-Poly1305 key size in bytes.
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the XChaCha20 extended-nonce size in bytes.
	NonceSize = chacha20poly1305.NonceSizeX
)

// AEADEncrypt seals plaintext under key with a fresh random 24-byte
// nonce, returning the nonce and ciphertext separately so callers can
// place each in its own protocol frame field.
func AEADEncrypt(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, evoluerr.Wrap(evoluerr.KindStorage, "init aead", err)
	}
	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, evoluerr.Wrap(evoluerr.KindStorage, "generate nonce", err)
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// AEADDecrypt opens ciphertext with key and nonce. Any failure -
// wrong key, tampered ciphertext, truncated input - is reported as
// KindDecrypt so callers can drop a single bad message without
// tearing down the sync session.
func AEADDecrypt(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, evoluerr.Wrap(evoluerr.KindDecrypt, "init aead", err)
	}
	if len(nonce) != NonceSize {
		return nil, evoluerr.New(evoluerr.KindDecrypt, "bad nonce size")
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, evoluerr.Wrap(evoluerr.KindDecrypt, "open ciphertext", err)
	}
	return plaintext, nil
}
