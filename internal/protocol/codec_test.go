package protocol

import (
	"bytes"
	"testing"

	"github.com/evolu-sh/evolu-core/internal/evoluerr"
	"github.com/evolu-sh/evolu-core/internal/hlc"
)

func testOwnerID() string {
	return "ABCDEFGHIJKLMNOPQRSTU" // 21 chars
}

func testNode(b byte) hlc.NodeID {
	var n hlc.NodeID
	for i := range n {
		n[i] = b
	}
	return n
}

func TestEncodeDecodeInitiatorRequestRoundTrip(t *testing.T) {
	f := Frame{
		Version:  CurrentVersion,
		Kind:     KindInitiatorRequest,
		OwnerID:  testOwnerID(),
		WriteKey: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		Items: []Item{
			{
				Timestamp:  hlc.Timestamp{Millis: 1700000000000, Counter: 7, Node: testNode(0xAB)},
				Nonce:      []byte{1, 2, 3},
				Ciphertext: []byte{4, 5, 6, 7, 8},
			},
		},
		MerkleRoot: 0xDEADBEEF,
		Ranges:     []Range{{FromMinute: 10, ToMinute: 20}, {FromMinute: 100, ToMinute: 105}},
	}

	encoded, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.Version != f.Version || decoded.Kind != f.Kind || decoded.OwnerID != f.OwnerID {
		t.Fatalf("header mismatch: got %+v", decoded)
	}
	if decoded.WriteKey != f.WriteKey {
		t.Errorf("write key mismatch")
	}
	if decoded.MerkleRoot != f.MerkleRoot {
		t.Errorf("merkle root mismatch: got %x want %x", decoded.MerkleRoot, f.MerkleRoot)
	}
	if len(decoded.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(decoded.Items))
	}
	got := decoded.Items[0]
	want := f.Items[0]
	if got.Timestamp != want.Timestamp {
		t.Errorf("timestamp mismatch: got %+v want %+v", got.Timestamp, want.Timestamp)
	}
	if !bytes.Equal(got.Nonce, want.Nonce) || !bytes.Equal(got.Ciphertext, want.Ciphertext) {
		t.Errorf("item payload mismatch")
	}
	if len(decoded.Ranges) != 2 || decoded.Ranges[1].FromMinute != 100 {
		t.Fatalf("ranges mismatch: got %+v", decoded.Ranges)
	}
}

func TestEncodeDecodeInitiatorRequestWithoutRotationHasNilNewWriteKey(t *testing.T) {
	f := Frame{
		Version:  CurrentVersion,
		Kind:     KindInitiatorRequest,
		OwnerID:  testOwnerID(),
		WriteKey: [16]byte{1},
	}
	encoded, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.NewWriteKey != nil {
		t.Fatalf("expected nil NewWriteKey when no rotation was requested, got %+v", decoded.NewWriteKey)
	}
}

func TestEncodeDecodeInitiatorRequestCarriesWriteKeyRotation(t *testing.T) {
	newKey := [16]byte{9, 8, 7, 6, 5, 4, 3, 2, 1, 0, 1, 2, 3, 4, 5, 6}
	f := Frame{
		Version:     CurrentVersion,
		Kind:        KindInitiatorRequest,
		OwnerID:     testOwnerID(),
		WriteKey:    [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		NewWriteKey: &newKey,
	}
	encoded, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.NewWriteKey == nil {
		t.Fatal("expected NewWriteKey to round-trip as non-nil")
	}
	if *decoded.NewWriteKey != newKey {
		t.Errorf("new write key mismatch: got %+v want %+v", *decoded.NewWriteKey, newKey)
	}
	if decoded.WriteKey != f.WriteKey {
		t.Errorf("old write key mismatch")
	}
}

func TestEncodeDecodeBroadcastOmitsInitiatorOnlyFields(t *testing.T) {
	f := Frame{
		Version: CurrentVersion,
		Kind:    KindBroadcast,
		OwnerID: testOwnerID(),
		Items: []Item{{
			Timestamp:  hlc.Timestamp{Millis: 5, Counter: 0, Node: testNode(0x01)},
			Nonce:      []byte{9},
			Ciphertext: []byte{9, 9},
		}},
	}
	encoded, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// version(1) + kind(1) + owner(21) + count-varint(1) + item + range-count-varint(1)
	// no write key, no merkle root: confirm the encoding is visibly shorter
	// than an equivalent initiator frame would be.
	initiator := f
	initiator.Kind = KindInitiatorRequest
	withInitiatorFields, err := Encode(initiator)
	if err != nil {
		t.Fatalf("encode initiator: %v", err)
	}
	if len(encoded) >= len(withInitiatorFields) {
		t.Fatalf("expected broadcast frame to be shorter than initiator frame: %d vs %d", len(encoded), len(withInitiatorFields))
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.WriteKey != ([16]byte{}) || decoded.MerkleRoot != 0 || len(decoded.Ranges) != 0 {
		t.Errorf("expected zero-value initiator-only fields on a broadcast frame, got %+v", decoded)
	}
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	f := Frame{Version: CurrentVersion, Kind: KindBroadcast, OwnerID: testOwnerID()}
	encoded, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	encoded[0] = 99

	_, err = Decode(encoded)
	if err == nil {
		t.Fatal("expected error decoding frame with unknown version")
	}
	if kind, ok := evoluerr.KindOf(err); !ok || kind != evoluerr.KindProtocolVersion {
		t.Errorf("expected KindProtocolVersion, got %v", err)
	}
}

func TestDecodeMalformedNeverPanics(t *testing.T) {
	cases := [][]byte{
		nil,
		{1},
		{1, 2},
		{1, 1, 'a', 'b', 'c'}, // owner id too short
		append([]byte{1, 9}, []byte(testOwnerID())...), // unknown message kind
	}
	for i, c := range cases {
		if _, err := Decode(c); err == nil {
			t.Errorf("case %d: expected error decoding malformed frame %v", i, c)
		}
	}
}

func TestEncodeRejectsWrongOwnerIDLength(t *testing.T) {
	_, err := Encode(Frame{Version: CurrentVersion, Kind: KindBroadcast, OwnerID: "too-short"})
	if err == nil {
		t.Fatal("expected error encoding frame with malformed owner id")
	}
}
