package crypto

import (
	"bytes"
	"testing"
)

func TestAEADRoundTrip(t *testing.T) {
	key, err := Random(KeySize)
	if err != nil {
		t.Fatalf("random key: %v", err)
	}
	plaintext := []byte("hello evolu")

	nonce, ciphertext, err := AEADEncrypt(key, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	got, err := AEADDecrypt(key, nonce, ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestAEADTamperDetected(t *testing.T) {
	key, _ := Random(KeySize)
	nonce, ciphertext, err := AEADEncrypt(key, []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ciphertext[0] ^= 0x01

	if _, err := AEADDecrypt(key, nonce, ciphertext); err == nil {
		t.Fatal("expected decrypt error after tampering, got nil")
	}
}

func TestCtEq(t *testing.T) {
	a := []byte("same")
	b := []byte("same")
	c := []byte("diff")

	if !CtEq(a, b) {
		t.Error("expected equal slices to compare equal")
	}
	if CtEq(a, c) {
		t.Error("expected different slices to compare unequal")
	}
	if CtEq(a, []byte("longer-slice")) {
		t.Error("expected different-length slices to compare unequal")
	}
}

func TestSlip21DeriveDeterministic(t *testing.T) {
	seed := []byte("test seed material, not a real bip39 seed......")

	a := Slip21Derive(seed, PathOwnerID)
	b := Slip21Derive(seed, PathOwnerID)
	if !bytes.Equal(a, b) {
		t.Error("expected deterministic derivation for the same path")
	}

	c := Slip21Derive(seed, PathEncryptionKey)
	if bytes.Equal(a, c) {
		t.Error("expected different paths to derive different keys")
	}
	if len(a) != 32 {
		t.Errorf("expected 32-byte key, got %d", len(a))
	}
}

func TestMnemonicRoundTrip(t *testing.T) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		t.Fatalf("generate mnemonic: %v", err)
	}
	if err := ValidateMnemonic(mnemonic); err != nil {
		t.Errorf("expected generated mnemonic to validate, got %v", err)
	}
	if _, err := MnemonicToSeed(mnemonic); err != nil {
		t.Errorf("expected seed derivation to succeed, got %v", err)
	}

	if err := ValidateMnemonic("not a real mnemonic at all"); err == nil {
		t.Error("expected invalid mnemonic to fail validation")
	}
}

func TestPadmePad(t *testing.T) {
	cases := []struct {
		in   int
		want int
	}{
		{0, 0},
		{1, 1},
		{2, 2},
		{3, 3},
		{4, 4},
		{10, 10},
		{100, 104},
		{1000, 1024},
	}
	for _, c := range cases {
		got := PadmePad(c.in)
		if got < c.in {
			t.Errorf("PadmePad(%d) = %d, smaller than input", c.in, got)
		}
		if got != c.want {
			t.Errorf("PadmePad(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestPadmePayloadRoundTrip(t *testing.T) {
	data := []byte("a change message payload of arbitrary length")
	padded := PadmePayload(data)
	if len(padded) < len(data) {
		t.Fatal("padded payload shorter than input")
	}
	got, ok := UnpadPayload(padded)
	if !ok {
		t.Fatal("unpad failed")
	}
	if !bytes.Equal(got, data) {
		t.Errorf("unpad mismatch: got %q want %q", got, data)
	}
}
