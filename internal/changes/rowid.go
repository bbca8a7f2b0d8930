// Package changes defines ChangeMessage, the atomic unit of
// replication, and its value type.
package changes

import (
	"github.com/evolu-sh/evolu-core/internal/crypto"
	"github.com/evolu-sh/evolu-core/internal/evoluerr"
)

// rowIDAlphabet is the URL-safe alphabet used for generated row ids,
// matching the nanoid default alphabet.
const rowIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"

// RowIDSize is the fixed length of a generated row id.
const RowIDSize = 21

// NewRowID generates a 21-character URL-safe random row id: crypto/rand
// bytes mapped into a printable alphabet, sized and alphabeted to
// match nanoid's default so ids stay visually familiar to anyone who
// has used Evolu before.
func NewRowID() (string, error) {
	raw, err := crypto.Random(RowIDSize)
	if err != nil {
		return "", evoluerr.Wrap(evoluerr.KindStorage, "generate row id", err)
	}
	out := make([]byte, RowIDSize)
	for i, b := range raw {
		out[i] = rowIDAlphabet[int(b)%len(rowIDAlphabet)]
	}
	return string(out), nil
}
