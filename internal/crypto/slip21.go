package crypto

import (
	"crypto/hmac"
	"crypto/sha512"
)

// slip21MasterLabel is the fixed label SLIP-0021 mixes into the root
// node derivation.
const slip21MasterLabel = "Symmetric key seed"

// Slip21Derive derives a 32-byte symmetric key from seed by walking
// path per SLIP-0021: the master node is
// hmac_sha512("Symmetric key seed", seed), and each child node is
// hmac_sha512(parent[0:32], 0x00 || label). The derived key is the
// second half (bytes 32:64) of the final node.
func Slip21Derive(seed []byte, path []string) []byte {
	node := hmacSHA512([]byte(slip21MasterLabel), seed)
	for _, label := range path {
		msg := make([]byte, 0, 1+len(label))
		msg = append(msg, 0x00)
		msg = append(msg, []byte(label)...)
		node = hmacSHA512(node[:32], msg)
	}
	key := make([]byte, 32)
	copy(key, node[32:64])
	return key
}

func hmacSHA512(key, msg []byte) []byte {
	mac := hmac.New(sha512.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// Evolu's fixed derivation paths, shared by every client so that the
// same mnemonic always reproduces the same owner identity.
var (
	PathOwnerID       = []string{"Evolu", "Owner Id"}
	PathEncryptionKey = []string{"Evolu", "Encryption Key"}
)
