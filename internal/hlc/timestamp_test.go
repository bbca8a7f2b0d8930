package hlc

import "testing"

func TestTimestampStringParseRoundTrip(t *testing.T) {
	var node NodeID
	copy(node[:], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	ts := Timestamp{Millis: 1_700_000_000_123, Counter: 42, Node: node}

	s := ts.String()
	got, err := Parse(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Compare(ts) != 0 {
		t.Errorf("round trip mismatch: got %+v want %+v", got, ts)
	}
}

func TestTimestampBinaryRoundTrip(t *testing.T) {
	var node NodeID
	copy(node[:], []byte{0xAA, 0xBB, 0xCC, 0xDD, 1, 2, 3, 4})
	ts := Timestamp{Millis: 1_700_000_000_123, Counter: 0xBEEF, Node: node}

	buf := ts.MarshalBinary()
	got, err := UnmarshalBinaryTimestamp(buf)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Compare(ts) != 0 {
		t.Errorf("binary round trip mismatch: got %+v want %+v", got, ts)
	}
}

func TestTimestampCompareTotalOrder(t *testing.T) {
	var n1, n2 NodeID
	n1[0] = 0x01
	n2[0] = 0x02

	lower := Timestamp{Millis: 100, Counter: 0, Node: n1}
	higher := Timestamp{Millis: 100, Counter: 1, Node: n1}
	if !lower.Less(higher) {
		t.Error("expected lower counter to sort first at equal millis")
	}

	tieA := Timestamp{Millis: 100, Counter: 0, Node: n1}
	tieB := Timestamp{Millis: 100, Counter: 0, Node: n2}
	if !tieA.Less(tieB) {
		t.Error("expected node id to tie-break equal millis/counter")
	}

	if lower.Compare(lower) != 0 {
		t.Error("expected timestamp to compare equal to itself")
	}
}
