package hlc

import (
	"sync"
	"time"

	"github.com/evolu-sh/evolu-core/internal/evoluerr"
)

// PhysicalNow returns the current wall-clock time in Evolu's
// millisecond epoch. It is a var so tests can substitute a fake clock.
var PhysicalNow = func() uint64 { return uint64(time.Now().UnixMilli()) }

// Clock holds one device's mutable (Timestamp, MerkleTree) pair. All
// methods are safe for concurrent use; the mutex matches the single
// logical-task-per-owner scheduling model of the sync engine, where
// one goroutine drives mutate/apply_remote at a time but readers (the
// status endpoint, tests) may observe state concurrently.
type Clock struct {
	mu       sync.Mutex
	last     Timestamp
	tree     *MerkleTree
	maxDrift time.Duration
	node     NodeID
}

// NewClock creates a Clock for node, seeded at the minimum valid
// timestamp with an empty Merkle tree - the state of a freshly
// bootstrapped owner.
func NewClock(node NodeID) *Clock {
	return &Clock{
		last:     Timestamp{Millis: MinValidMillis, Counter: 0, Node: node},
		tree:     NewMerkleTree(),
		maxDrift: DefaultMaxDrift,
		node:     node,
	}
}

// Restore rebuilds a Clock from a persisted (timestamp, tree) pair,
// e.g. on process restart.
func Restore(node NodeID, last Timestamp, tree *MerkleTree) *Clock {
	if tree == nil {
		tree = NewMerkleTree()
	}
	return &Clock{last: last, tree: tree, maxDrift: DefaultMaxDrift, node: node}
}

// SetMaxDrift overrides the default drift guard (used by tests and by
// pkg/evolu for Config.MaxDriftMs).
func (c *Clock) SetMaxDrift(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxDrift = d
}

// Send generates a new local timestamp for a just-created message,
// inserts it into the Merkle tree and returns it. It enforces the
// physical-drift guard: if the candidate millis would run more than
// maxDrift ahead of the physical clock, it returns KindClockDrift and
// does not advance state.
func (c *Clock) Send() (Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	physNow := PhysicalNow()
	millis := physNow
	if c.last.Millis > millis {
		millis = c.last.Millis
	}

	counter := uint16(0)
	if millis == c.last.Millis {
		if c.last.Counter == 0xFFFF {
			return Timestamp{}, evoluerr.New(evoluerr.KindCounterOverflow, "hlc counter overflow")
		}
		counter = c.last.Counter + 1
	}

	if millis > physNow && millis-physNow > uint64(c.maxDrift.Milliseconds()) {
		return Timestamp{}, evoluerr.New(evoluerr.KindClockDrift, "local clock ahead of physical time beyond max drift")
	}

	next := Timestamp{Millis: millis, Counter: counter, Node: c.node}
	c.last = next
	c.tree.Insert(next)
	return next, nil
}

// Receive merges a remote timestamp r into the clock's local state
// and inserts r into the Merkle tree. It does
// NOT enforce the drift guard - receiving is always accepted so sync
// keeps making progress even while local mutation is paused for
// drift.
func (c *Clock) Receive(r Timestamp) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receiveLocked(r)
}

func (c *Clock) receiveLocked(r Timestamp) error {
	physNow := PhysicalNow()

	millis := physNow
	if c.last.Millis > millis {
		millis = c.last.Millis
	}
	if r.Millis > millis {
		millis = r.Millis
	}

	var counter uint16
	switch {
	case millis == c.last.Millis && millis == r.Millis:
		if r.Node == c.node {
			return evoluerr.New(evoluerr.KindClockDuplicateNode, "received timestamp claims this device's own node id")
		}
		if c.last.Counter > r.Counter {
			counter = c.last.Counter
		} else {
			counter = r.Counter
		}
		if counter == 0xFFFF {
			return evoluerr.New(evoluerr.KindCounterOverflow, "hlc counter overflow on receive")
		}
		counter++
	case millis == c.last.Millis:
		counter = c.last.Counter
	case millis == r.Millis:
		counter = r.Counter
	default:
		counter = 0
	}

	c.last = Timestamp{Millis: millis, Counter: counter, Node: c.node}
	c.tree.Insert(r)
	return nil
}

// ReceiveBatch applies Receive for the maximum timestamp in a batch of
// incoming messages - the receive-timestamp update uses only the
// batch maximum - while inserting every timestamp in the batch into
// the Merkle tree.
func (c *Clock) ReceiveBatch(timestamps []Timestamp) error {
	if len(timestamps) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	max := timestamps[0]
	for _, ts := range timestamps[1:] {
		if ts.Compare(max) > 0 {
			max = ts
		}
	}
	for _, ts := range timestamps {
		c.tree.Insert(ts)
	}
	// Re-run the merge logic against the max, but skip the duplicate
	// insert it would otherwise do (already inserted above).
	return c.receiveMetaOnly(max)
}

func (c *Clock) receiveMetaOnly(r Timestamp) error {
	physNow := PhysicalNow()
	millis := physNow
	if c.last.Millis > millis {
		millis = c.last.Millis
	}
	if r.Millis > millis {
		millis = r.Millis
	}

	var counter uint16
	switch {
	case millis == c.last.Millis && millis == r.Millis:
		if r.Node == c.node {
			return evoluerr.New(evoluerr.KindClockDuplicateNode, "received timestamp claims this device's own node id")
		}
		if c.last.Counter > r.Counter {
			counter = c.last.Counter
		} else {
			counter = r.Counter
		}
		if counter == 0xFFFF {
			return evoluerr.New(evoluerr.KindCounterOverflow, "hlc counter overflow on receive")
		}
		counter++
	case millis == c.last.Millis:
		counter = c.last.Counter
	case millis == r.Millis:
		counter = r.Counter
	default:
		counter = 0
	}
	c.last = Timestamp{Millis: millis, Counter: counter, Node: c.node}
	return nil
}

// Now returns the clock's current timestamp without advancing it.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Tree returns the clock's Merkle tree. Callers must not mutate it
// directly; use Send/Receive/ReceiveBatch.
func (c *Clock) Tree() *MerkleTree {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree
}

// Snapshot returns a (Timestamp, Merkle tree) pair suitable for
// persisting transactionally alongside a batch of history inserts.
func (c *Clock) Snapshot() (Timestamp, *MerkleTree) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.tree
}
