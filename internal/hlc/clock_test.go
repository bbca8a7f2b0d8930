package hlc

import (
	"testing"
	"time"

	"github.com/evolu-sh/evolu-core/internal/evoluerr"
)

func testNode(b byte) NodeID {
	var n NodeID
	n[0] = b
	n[NodeIDSize-1] = b
	return n
}

func TestClockSendMonotonic(t *testing.T) {
	c := NewClock(testNode(1))

	var prev Timestamp
	for i := 0; i < 50; i++ {
		ts, err := c.Send()
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		if i > 0 && !prev.Less(ts) {
			t.Fatalf("expected strictly increasing timestamps, got %v then %v", prev, ts)
		}
		prev = ts
	}
}

func TestClockSendSameTickIncrementsCounter(t *testing.T) {
	fixed := uint64(10_000_000)
	orig := PhysicalNow
	PhysicalNow = func() uint64 { return fixed }
	defer func() { PhysicalNow = orig }()

	c := NewClock(testNode(2))
	a, err := c.Send()
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Send()
	if err != nil {
		t.Fatal(err)
	}
	if a.Millis != b.Millis {
		t.Fatalf("expected same millis under fixed clock, got %d and %d", a.Millis, b.Millis)
	}
	if b.Counter != a.Counter+1 {
		t.Fatalf("expected counter to increment, got %d then %d", a.Counter, b.Counter)
	}
}

func TestClockDriftGuard(t *testing.T) {
	orig := PhysicalNow
	defer func() { PhysicalNow = orig }()

	c := NewClock(testNode(3))
	c.SetMaxDrift(5 * time.Minute)

	// Force the clock far into the future, then pin physical time
	// behind it beyond the drift budget.
	c.last.Millis = 100_000_000
	PhysicalNow = func() uint64 { return c.last.Millis - uint64((6 * time.Minute).Milliseconds()) }

	_, err := c.Send()
	if err == nil {
		t.Fatal("expected drift error, got nil")
	}
	if k, _ := evoluerr.KindOf(err); k != evoluerr.KindClockDrift {
		t.Fatalf("expected KindClockDrift, got %v", k)
	}
}

func TestClockReceiveAdvancesLocal(t *testing.T) {
	orig := PhysicalNow
	PhysicalNow = func() uint64 { return 1_000 }
	defer func() { PhysicalNow = orig }()

	c := NewClock(testNode(4))
	remote := Timestamp{Millis: 5_000, Counter: 3, Node: testNode(9)}

	if err := c.Receive(remote); err != nil {
		t.Fatalf("receive: %v", err)
	}
	now := c.Now()
	if now.Millis != remote.Millis {
		t.Fatalf("expected local millis to adopt remote millis, got %d want %d", now.Millis, remote.Millis)
	}
}

func TestClockReceiveDuplicateNode(t *testing.T) {
	orig := PhysicalNow
	PhysicalNow = func() uint64 { return 1_000 }
	defer func() { PhysicalNow = orig }()

	node := testNode(7)
	c := NewClock(node)
	c.last = Timestamp{Millis: 1_000, Counter: 0, Node: node}

	remote := Timestamp{Millis: 1_000, Counter: 0, Node: node}
	err := c.Receive(remote)
	if err == nil {
		t.Fatal("expected duplicate node error")
	}
	if k, _ := evoluerr.KindOf(err); k != evoluerr.KindClockDuplicateNode {
		t.Fatalf("expected KindClockDuplicateNode, got %v", k)
	}
}

func TestClockReceiveBatchUsesMaxTimestamp(t *testing.T) {
	orig := PhysicalNow
	PhysicalNow = func() uint64 { return 1_000 }
	defer func() { PhysicalNow = orig }()

	c := NewClock(testNode(5))
	batch := []Timestamp{
		{Millis: 2_000, Counter: 1, Node: testNode(8)},
		{Millis: 9_000, Counter: 4, Node: testNode(8)},
		{Millis: 3_000, Counter: 9, Node: testNode(8)},
	}
	if err := c.ReceiveBatch(batch); err != nil {
		t.Fatalf("receive batch: %v", err)
	}
	if c.Now().Millis != 9_000 {
		t.Fatalf("expected clock to adopt the max millis in the batch, got %d", c.Now().Millis)
	}
}
