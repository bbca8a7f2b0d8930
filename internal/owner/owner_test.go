package owner

import (
	"bytes"
	"os"
	"testing"
)

func TestFromMnemonicDeterministic(t *testing.T) {
	mnemonic, err := randomMnemonic(t)
	if err != nil {
		t.Fatal(err)
	}

	a, err := FromMnemonic(mnemonic)
	if err != nil {
		t.Fatalf("derive a: %v", err)
	}
	b, err := FromMnemonic(mnemonic)
	if err != nil {
		t.Fatalf("derive b: %v", err)
	}

	if a.ID != b.ID {
		t.Errorf("expected same mnemonic to derive same owner id, got %q and %q", a.ID, b.ID)
	}
	if a.EncryptionKey != b.EncryptionKey {
		t.Error("expected same mnemonic to derive same encryption key")
	}
	// WriteKey is random per derivation, not part of the determinism
	// contract, so it should differ.
	if a.WriteKey == b.WriteKey {
		t.Error("expected independently-derived write keys to differ")
	}
}

func TestCreateSharedOwnerIsRandomEachTime(t *testing.T) {
	a, err := CreateSharedOwner()
	if err != nil {
		t.Fatal(err)
	}
	b, err := CreateSharedOwner()
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Error("expected distinct random shared owners to have different ids")
	}
	if a.Mnemonic != "" || b.Mnemonic != "" {
		t.Error("expected shared owner to have no mnemonic")
	}
}

func TestMnemonicStoreRoundTrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "evolu-owner-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	store := NewFileMnemonicStore(dir)
	if store.IsInitialized() {
		t.Fatal("expected fresh store to be uninitialized")
	}

	mnemonic, err := randomMnemonic(t)
	if err != nil {
		t.Fatal(err)
	}
	password := []byte("correct horse battery staple")

	if err := store.Initialize(password, mnemonic); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if !store.IsInitialized() {
		t.Fatal("expected store to report initialized after Initialize")
	}

	got, err := store.Unlock(password)
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if got != mnemonic {
		t.Errorf("unlock mismatch: got %q want %q", got, mnemonic)
	}

	if _, err := store.Unlock([]byte("wrong password")); err == nil {
		t.Error("expected wrong password to fail unlock")
	}
}

func randomMnemonic(t *testing.T) (string, error) {
	t.Helper()
	o, err := CreateAppOwner()
	if err != nil {
		return "", err
	}
	if o.Mnemonic == "" {
		t.Fatal("expected CreateAppOwner to populate a mnemonic")
	}
	return o.Mnemonic, nil
}

func TestOwnerKeysNeverTransmittedTogetherShape(t *testing.T) {
	o, err := CreateAppOwner()
	if err != nil {
		t.Fatal(err)
	}
	// Sanity check the three secrets are independent byte sequences,
	// i.e. nothing derives one from a slice of another.
	if bytes.Equal(o.EncryptionKey[:], o.WriteKey[:]) {
		t.Error("encryption key and write key must not coincide")
	}
}
