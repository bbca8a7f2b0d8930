package hlc

import "testing"

func mkTimestamp(minute uint64, counter uint16, node byte) Timestamp {
	var n NodeID
	n[0] = node
	return Timestamp{Millis: minute * 60_000, Counter: counter, Node: n}
}

func TestMerkleEqualEmptyTrees(t *testing.T) {
	a := NewMerkleTree()
	b := NewMerkleTree()
	if !Equal(a, b) {
		t.Error("expected two empty trees to be equal")
	}
	if _, diverged := Diff(a, b); diverged {
		t.Error("expected Diff on empty trees to report no divergence")
	}
}

func TestMerkleInsertSameTimestampsConverge(t *testing.T) {
	timestamps := []Timestamp{
		mkTimestamp(10, 0, 1),
		mkTimestamp(20, 3, 2),
		mkTimestamp(20, 4, 3),
		mkTimestamp(99999, 0, 4),
	}

	a := NewMerkleTree()
	for _, ts := range timestamps {
		a.Insert(ts)
	}

	b := NewMerkleTree()
	// Insert in reverse order: Merkle equality must not depend on
	// insertion order, only on the multiset of timestamps.
	for i := len(timestamps) - 1; i >= 0; i-- {
		b.Insert(timestamps[i])
	}

	if !Equal(a, b) {
		t.Error("expected trees built from the same timestamp set to be equal regardless of insertion order")
	}
}

func TestMerkleDiffFindsDivergence(t *testing.T) {
	shared := []Timestamp{
		mkTimestamp(10, 0, 1),
		mkTimestamp(20, 0, 2),
	}

	a := NewMerkleTree()
	b := NewMerkleTree()
	for _, ts := range shared {
		a.Insert(ts)
		b.Insert(ts)
	}

	if !Equal(a, b) {
		t.Fatal("expected trees to be equal before divergent insert")
	}

	divergent := mkTimestamp(500, 0, 3)
	a.Insert(divergent)

	if Equal(a, b) {
		t.Fatal("expected trees to differ after divergent insert")
	}
	minute, diverged := Diff(a, b)
	if !diverged {
		t.Fatal("expected Diff to report divergence")
	}
	if minute != divergent.MinuteIndex() {
		t.Errorf("expected divergence at minute %d, got %d", divergent.MinuteIndex(), minute)
	}
}

func TestMerkleCloneIndependent(t *testing.T) {
	a := NewMerkleTree()
	a.Insert(mkTimestamp(1, 0, 1))

	clone := a.Clone()
	a.Insert(mkTimestamp(2, 0, 2))

	if Equal(a, clone) {
		t.Error("expected clone to be independent of later inserts into the original")
	}
}
