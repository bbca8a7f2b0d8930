package crypto

import (
	"github.com/tyler-smith/go-bip39"

	"github.com/evolu-sh/evolu-core/internal/evoluerr"
)

// MnemonicEntropyBits is the entropy used for generated mnemonics: 128
// bits yields the 12-word mnemonics Evolu exposes to users.
const MnemonicEntropyBits = 128

// GenerateMnemonic produces a fresh BIP-39 mnemonic with
// MnemonicEntropyBits of entropy.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(MnemonicEntropyBits)
	if err != nil {
		return "", evoluerr.Wrap(evoluerr.KindStorage, "generate mnemonic entropy", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", evoluerr.Wrap(evoluerr.KindStorage, "encode mnemonic", err)
	}
	return mnemonic, nil
}

// ValidateMnemonic checks that mnemonic is a well-formed BIP-39
// phrase (correct word list membership and checksum).
func ValidateMnemonic(mnemonic string) error {
	if !bip39.IsMnemonicValid(mnemonic) {
		return evoluerr.New(evoluerr.KindInvalidMnemonic, "mnemonic failed BIP-39 checksum")
	}
	return nil
}

// MnemonicToSeed derives the 64-byte BIP-39 seed from a mnemonic.
// Evolu uses no BIP-39 passphrase ("25th word"); the seed is the
// deterministic root for SLIP-21 key derivation.
func MnemonicToSeed(mnemonic string) ([]byte, error) {
	if err := ValidateMnemonic(mnemonic); err != nil {
		return nil, err
	}
	return bip39.NewSeed(mnemonic, ""), nil
}
