// Package protocol implements the length-delimited binary sync frame
// codec: the wire format exchanged between a client and a relay (or
// between two peers), independent of transport.
package protocol

import (
	"github.com/evolu-sh/evolu-core/internal/hlc"
	"github.com/evolu-sh/evolu-core/internal/owner"
)

// CurrentVersion is the only version this codec emits or accepts.
const CurrentVersion uint8 = 1

// DefaultMaxFrameSize bounds a single encoded frame; callers reading
// from a transport should refuse to buffer past this many bytes.
const DefaultMaxFrameSize = 4 * 1024 * 1024

// Kind tags which of the three frame shapes a Frame is.
type Kind uint8

const (
	KindInitiatorRequest Kind = 1
	KindRelayResponse    Kind = 2
	KindBroadcast        Kind = 3
)

// Item is one encrypted message slot: everything a frame carries about
// a single ChangeMessage except owner_id (carried once per frame).
type Item struct {
	Timestamp  hlc.Timestamp
	Nonce      []byte
	Ciphertext []byte
}

// Range is a span of Merkle-tree minute indices an initiator is asking
// the relay to fill in.
type Range struct {
	FromMinute uint64
	ToMinute   uint64
}

// Frame is a decoded sync protocol message. WriteKey, NewWriteKey,
// MerkleRoot and Ranges are only meaningful (and only present on the
// wire) when Kind == KindInitiatorRequest.
type Frame struct {
	Version  uint8
	Kind     Kind
	OwnerID  string
	WriteKey [owner.WriteKeySize]byte
	Items    []Item
	// MerkleRoot holds this implementation's 32-bit murmur3 tree root.
	// The wire field reserves 32 bytes for a future wider hash; this
	// codec writes the root into the low 4 bytes, little-endian, and
	// zero-pads the rest, reading back only those 4 bytes on decode.
	MerkleRoot uint32
	Ranges     []Range
	// NewWriteKey, when non-nil, asks the relay to atomically replace
	// WriteKey with this value: WriteKey authorizes the rotation, it is
	// not used to authorize Items in the same frame. nil means this
	// request is not a rotation.
	NewWriteKey *[owner.WriteKeySize]byte
}

func (k Kind) String() string {
	switch k {
	case KindInitiatorRequest:
		return "InitiatorRequest"
	case KindRelayResponse:
		return "RelayResponse"
	case KindBroadcast:
		return "Broadcast"
	default:
		return "Unknown"
	}
}

func (f Frame) isInitiator() bool { return f.Kind == KindInitiatorRequest }
