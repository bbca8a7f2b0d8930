// Package hlc implements the Hybrid Logical Clock and the
// minute-indexed Merkle tree used to detect divergence between two
// devices' change logs.
package hlc

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/evolu-sh/evolu-core/internal/crypto"
)

// NodeIDSize is the length, in bytes, of a NodeID (16 hex chars).
const NodeIDSize = 8

// NodeID identifies the device that minted a timestamp. It is random
// and persists for the database's lifetime.
type NodeID [NodeIDSize]byte

// NewNodeID generates a fresh random NodeID.
func NewNodeID() (NodeID, error) {
	var id NodeID
	b, err := crypto.Random(NodeIDSize)
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}

func (n NodeID) String() string { return hex.EncodeToString(n[:]) }

// ParseNodeID parses the 16-hex-character wire form of a NodeID.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	if len(s) != NodeIDSize*2 {
		return id, fmt.Errorf("hlc: node id must be %d hex chars, got %d", NodeIDSize*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("hlc: invalid node id hex: %w", err)
	}
	copy(id[:], b)
	return id, nil
}

// MinValidMillis and MaxValidMillis bound the millisecond field so
// that minutes-since-epoch fits in 16 base-3 digits (3^16 minutes),
// the Merkle tree's address space: from the Unix epoch (0) up to
// 2051-11-05. Neither bound is checked when a Timestamp is built,
// parsed or decoded.
const (
	MinValidMillis uint64 = 0 // the Unix epoch; NewClock starts a fresh clock here
	maxTrits              = 16
)

// MaxValidMillis is 3^16 minutes, in milliseconds, minus one.
var MaxValidMillis = func() uint64 {
	minutes := uint64(1)
	for i := 0; i < maxTrits; i++ {
		minutes *= 3
	}
	return minutes*60_000 - 1
}()

// DefaultMaxDrift bounds how far a freshly-generated local timestamp
// may sit ahead of the physical clock before it is rejected.
const DefaultMaxDrift = 5 * time.Minute

// Timestamp is the HLC value attached to every ChangeMessage: wall
// clock milliseconds, a disambiguating counter, and the originating
// NodeID. Comparison is lexicographic on (Millis, Counter, Node),
// which gives a total order even across concurrent writers.
type Timestamp struct {
	Millis  uint64 // unsigned 48-bit milliseconds since epoch
	Counter uint16
	Node    NodeID
}

// Zero is the smallest possible timestamp, used as "no prior
// timestamp" sentinel.
var Zero = Timestamp{}

// Compare returns -1, 0, or 1 if t is less than, equal to, or greater
// than other, in the total (Millis, Counter, Node) order.
func (t Timestamp) Compare(other Timestamp) int {
	if t.Millis != other.Millis {
		if t.Millis < other.Millis {
			return -1
		}
		return 1
	}
	if t.Counter != other.Counter {
		if t.Counter < other.Counter {
			return -1
		}
		return 1
	}
	return strings.Compare(t.Node.String(), other.Node.String())
}

// Less reports whether t sorts before other.
func (t Timestamp) Less(other Timestamp) bool { return t.Compare(other) < 0 }

// String encodes t as the fixed ASCII wire form ISO8601-HHHH-NODE16,
// e.g. "2024-01-15T10:30:00.000Z-0001-0123456789abcdef".
func (t Timestamp) String() string {
	millis := int64(t.Millis)
	sec := millis / 1000
	ms := millis % 1000
	ts := time.Unix(sec, ms*int64(time.Millisecond)).UTC()
	return fmt.Sprintf("%s-%04X-%s", ts.Format("2006-01-02T15:04:05.000Z"), t.Counter, t.Node.String())
}

// Parse decodes the wire form produced by String.
func Parse(s string) (Timestamp, error) {
	parts := strings.Split(s, "-")
	if len(parts) < 3 {
		return Timestamp{}, fmt.Errorf("hlc: malformed timestamp %q", s)
	}
	node, err := ParseNodeID(parts[len(parts)-1])
	if err != nil {
		return Timestamp{}, err
	}
	counter64, err := strconv.ParseUint(parts[len(parts)-2], 16, 16)
	if err != nil {
		return Timestamp{}, fmt.Errorf("hlc: malformed counter in %q: %w", s, err)
	}
	isoPart := strings.Join(parts[:len(parts)-2], "-")
	ts, err := time.Parse("2006-01-02T15:04:05.000Z", isoPart)
	if err != nil {
		return Timestamp{}, fmt.Errorf("hlc: malformed time in %q: %w", s, err)
	}
	return Timestamp{
		Millis:  uint64(ts.UnixMilli()),
		Counter: uint16(counter64),
		Node:    node,
	}, nil
}

// MarshalBinary writes the compact 16-byte on-disk form: 6 bytes of
// millis (big-endian, 48-bit), 2 bytes counter, 8 bytes node.
func (t Timestamp) MarshalBinary() []byte {
	buf := make([]byte, 16)
	var millisBuf [8]byte
	binary.BigEndian.PutUint64(millisBuf[:], t.Millis)
	copy(buf[0:6], millisBuf[2:8])
	binary.BigEndian.PutUint16(buf[6:8], t.Counter)
	copy(buf[8:16], t.Node[:])
	return buf
}

// UnmarshalBinaryTimestamp reverses MarshalBinary.
func UnmarshalBinaryTimestamp(buf []byte) (Timestamp, error) {
	if len(buf) != 16 {
		return Timestamp{}, fmt.Errorf("hlc: binary timestamp must be 16 bytes, got %d", len(buf))
	}
	var millisBuf [8]byte
	copy(millisBuf[2:8], buf[0:6])
	var t Timestamp
	t.Millis = binary.BigEndian.Uint64(millisBuf[:])
	t.Counter = binary.BigEndian.Uint16(buf[6:8])
	copy(t.Node[:], buf[8:16])
	return t, nil
}

// MinuteIndex returns the minutes-since-epoch bucket this timestamp
// falls in, the unit the Merkle tree is indexed by.
func (t Timestamp) MinuteIndex() uint64 { return t.Millis / 60_000 }
