// Package crypto provides the cryptographic primitives the sync
// engine is built on: CSPRNG, BIP-39 mnemonics, SLIP-21 key
// derivation, XChaCha20-Poly1305 AEAD, constant-time comparison and
// PADMÉ length padding. Every function returns a typed error instead
// of panicking.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"io"

	"github.com/evolu-sh/evolu-core/internal/evoluerr"
)

// Random returns n cryptographically random bytes.
func Random(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, evoluerr.Wrap(evoluerr.KindStorage, "read random bytes", err)
	}
	return buf, nil
}

// CtEq compares two byte slices in constant time.
func CtEq(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
