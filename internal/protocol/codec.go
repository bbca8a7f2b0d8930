package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/evolu-sh/evolu-core/internal/evoluerr"
	"github.com/evolu-sh/evolu-core/internal/hlc"
	"github.com/evolu-sh/evolu-core/internal/owner"
)

const ownerIDSize = owner.IDSize
const merkleRootWireSize = 32

// Encode serializes f into the wire form described by the codec. It
// never fails on a well-formed Frame; the only error path is an
// OwnerID of the wrong length, which indicates caller error rather
// than something a remote peer could trigger.
func Encode(f Frame) ([]byte, error) {
	if len(f.OwnerID) != ownerIDSize {
		return nil, evoluerr.New(evoluerr.KindProtocolFrame, fmt.Sprintf("owner id must be %d bytes, got %d", ownerIDSize, len(f.OwnerID)))
	}

	buf := make([]byte, 0, 256)
	buf = append(buf, f.Version, byte(f.Kind))
	buf = append(buf, []byte(f.OwnerID)...)

	if f.isInitiator() {
		buf = append(buf, f.WriteKey[:]...)
		if f.NewWriteKey != nil {
			buf = append(buf, 1)
			buf = append(buf, f.NewWriteKey[:]...)
		} else {
			buf = append(buf, 0)
		}
	}

	buf = appendUvarint(buf, uint64(len(f.Items)))
	for _, item := range f.Items {
		buf = appendItem(buf, item)
	}

	if f.isInitiator() {
		var rootBuf [merkleRootWireSize]byte
		binary.LittleEndian.PutUint32(rootBuf[:4], f.MerkleRoot)
		buf = append(buf, rootBuf[:]...)
	}

	buf = appendUvarint(buf, uint64(len(f.Ranges)))
	if f.isInitiator() {
		for _, r := range f.Ranges {
			buf = appendUint64(buf, r.FromMinute)
			buf = appendUint64(buf, r.ToMinute)
		}
	}

	return buf, nil
}

// Decode parses the wire form produced by Encode. It never panics on
// malformed input; every failure path returns a *evoluerr.Error with
// KindProtocolFrame (or KindProtocolVersion for a version mismatch).
func Decode(data []byte) (Frame, error) {
	var f Frame
	if len(data) > DefaultMaxFrameSize {
		return f, evoluerr.New(evoluerr.KindProtocolFrame, "frame exceeds maximum size")
	}

	rest := data
	version, rest, err := readByte(rest)
	if err != nil {
		return f, evoluerr.Wrap(evoluerr.KindProtocolFrame, "read version", err)
	}
	if version != CurrentVersion {
		return f, evoluerr.New(evoluerr.KindProtocolVersion, fmt.Sprintf("unsupported protocol version %d", version))
	}
	f.Version = version

	kindByte, rest, err := readByte(rest)
	if err != nil {
		return f, evoluerr.Wrap(evoluerr.KindProtocolFrame, "read message kind", err)
	}
	f.Kind = Kind(kindByte)
	if f.Kind != KindInitiatorRequest && f.Kind != KindRelayResponse && f.Kind != KindBroadcast {
		return f, evoluerr.New(evoluerr.KindProtocolFrame, fmt.Sprintf("unknown message kind %d", kindByte))
	}

	ownerIDBytes, rest, err := readFixed(rest, ownerIDSize)
	if err != nil {
		return f, evoluerr.Wrap(evoluerr.KindProtocolFrame, "read owner id", err)
	}
	f.OwnerID = string(ownerIDBytes)

	if f.isInitiator() {
		wk, r2, err := readFixed(rest, owner.WriteKeySize)
		if err != nil {
			return f, evoluerr.Wrap(evoluerr.KindProtocolFrame, "read write key", err)
		}
		copy(f.WriteKey[:], wk)
		rest = r2

		hasNewKey, r3, err := readByte(rest)
		if err != nil {
			return f, evoluerr.Wrap(evoluerr.KindProtocolFrame, "read write key rotation flag", err)
		}
		rest = r3
		if hasNewKey != 0 {
			nk, r4, err := readFixed(rest, owner.WriteKeySize)
			if err != nil {
				return f, evoluerr.Wrap(evoluerr.KindProtocolFrame, "read new write key", err)
			}
			var newKey [owner.WriteKeySize]byte
			copy(newKey[:], nk)
			f.NewWriteKey = &newKey
			rest = r4
		}
	}

	count, rest, err := readUvarint(rest)
	if err != nil {
		return f, evoluerr.Wrap(evoluerr.KindProtocolFrame, "read item count", err)
	}
	f.Items = make([]Item, 0, count)
	for i := uint64(0); i < count; i++ {
		var item Item
		item, rest, err = readItem(rest)
		if err != nil {
			return f, evoluerr.Wrap(evoluerr.KindProtocolFrame, "read item", err)
		}
		f.Items = append(f.Items, item)
	}

	if f.isInitiator() {
		rootBytes, r2, err := readFixed(rest, merkleRootWireSize)
		if err != nil {
			return f, evoluerr.Wrap(evoluerr.KindProtocolFrame, "read merkle root", err)
		}
		f.MerkleRoot = binary.LittleEndian.Uint32(rootBytes[:4])
		rest = r2
	}

	rangeCount, rest, err := readUvarint(rest)
	if err != nil {
		return f, evoluerr.Wrap(evoluerr.KindProtocolFrame, "read range count", err)
	}
	if f.isInitiator() {
		f.Ranges = make([]Range, 0, rangeCount)
		for i := uint64(0); i < rangeCount; i++ {
			var from, to uint64
			from, rest, err = readUint64(rest)
			if err != nil {
				return f, evoluerr.Wrap(evoluerr.KindProtocolFrame, "read range start", err)
			}
			to, rest, err = readUint64(rest)
			if err != nil {
				return f, evoluerr.Wrap(evoluerr.KindProtocolFrame, "read range end", err)
			}
			f.Ranges = append(f.Ranges, Range{FromMinute: from, ToMinute: to})
		}
	} else if rangeCount != 0 {
		return f, evoluerr.New(evoluerr.KindProtocolFrame, "non-initiator frame must not carry ranges")
	}

	if len(rest) != 0 {
		return f, evoluerr.New(evoluerr.KindProtocolFrame, "trailing bytes after frame")
	}
	return f, nil
}

func appendItem(buf []byte, item Item) []byte {
	buf = appendUint64(buf, item.Timestamp.Millis)
	buf = appendUint16(buf, item.Timestamp.Counter)
	buf = append(buf, item.Timestamp.Node[:]...)
	buf = appendUvarint(buf, uint64(len(item.Nonce)))
	buf = append(buf, item.Nonce...)
	buf = appendUvarint(buf, uint64(len(item.Ciphertext)))
	buf = append(buf, item.Ciphertext...)
	return buf
}

func readItem(buf []byte) (Item, []byte, error) {
	var item Item

	millis, rest, err := readUint64(buf)
	if err != nil {
		return item, nil, err
	}
	counter, rest, err := readUint16(rest)
	if err != nil {
		return item, nil, err
	}
	nodeBytes, rest, err := readFixed(rest, hlc.NodeIDSize)
	if err != nil {
		return item, nil, err
	}
	var node hlc.NodeID
	copy(node[:], nodeBytes)
	item.Timestamp = hlc.Timestamp{Millis: millis, Counter: counter, Node: node}

	nonceLen, rest, err := readUvarint(rest)
	if err != nil {
		return item, nil, err
	}
	nonce, rest, err := readFixed(rest, int(nonceLen))
	if err != nil {
		return item, nil, err
	}
	item.Nonce = append([]byte(nil), nonce...)

	cipherLen, rest, err := readUvarint(rest)
	if err != nil {
		return item, nil, err
	}
	cipher, rest, err := readFixed(rest, int(cipherLen))
	if err != nil {
		return item, nil, err
	}
	item.Ciphertext = append([]byte(nil), cipher...)

	return item, rest, nil
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func readByte(buf []byte) (byte, []byte, error) {
	if len(buf) < 1 {
		return 0, nil, fmt.Errorf("protocol: unexpected end of frame")
	}
	return buf[0], buf[1:], nil
}

func readFixed(buf []byte, n int) ([]byte, []byte, error) {
	if n < 0 || len(buf) < n {
		return nil, nil, fmt.Errorf("protocol: unexpected end of frame, want %d bytes", n)
	}
	return buf[:n], buf[n:], nil
}

func readUvarint(buf []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, nil, fmt.Errorf("protocol: malformed varint")
	}
	return v, buf[n:], nil
}

func readUint64(buf []byte) (uint64, []byte, error) {
	b, rest, err := readFixed(buf, 8)
	if err != nil {
		return 0, nil, err
	}
	return binary.LittleEndian.Uint64(b), rest, nil
}

func readUint16(buf []byte) (uint16, []byte, error) {
	b, rest, err := readFixed(buf, 2)
	if err != nil {
		return 0, nil, err
	}
	return binary.LittleEndian.Uint16(b), rest, nil
}
