package changes

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/evolu-sh/evolu-core/internal/hlc"
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	ValueNull ValueKind = iota
	ValueInt64
	ValueFloat64
	ValueText
	ValueBlob
)

// Value is the sum type carried by every column edit. JSON payloads
// are carried as Text (the application serializes/deserializes them;
// the core never interprets the bytes).
type Value struct {
	Kind  ValueKind
	Int   int64
	Float float64
	Text  string
	Blob  []byte
}

func NullValue() Value           { return Value{Kind: ValueNull} }
func IntValue(v int64) Value     { return Value{Kind: ValueInt64, Int: v} }
func FloatValue(v float64) Value { return Value{Kind: ValueFloat64, Float: v} }
func TextValue(v string) Value   { return Value{Kind: ValueText, Text: v} }
func BlobValue(v []byte) Value   { return Value{Kind: ValueBlob, Blob: v} }

// Message is the tuple (timestamp, table, row_id, column, value): the
// atomic, immutable unit of replication. Two messages are the "same
// edit" iff every field but Value is equal - the wire codec omits
// Timestamp and owner (already present in the enclosing frame) but
// Message always carries Timestamp once decoded back into a
// self-contained value for the mutation log.
type Message struct {
	Timestamp hlc.Timestamp
	Table     string
	RowID     string
	Column    string
	Value     Value
}

// Encode serializes a Message's (Table, RowID, Column, Value) into a
// compact, self-describing binary form - deliberately NOT including
// Timestamp, since the wire frame (internal/protocol) carries that
// separately. The format is length-prefixed fields so it tolerates
// trailing zero padding from PADMÉ without needing a full CBOR
// implementation.
func (m Message) Encode() []byte {
	var buf []byte
	buf = appendString(buf, m.Table)
	buf = appendString(buf, m.RowID)
	buf = appendString(buf, m.Column)
	buf = appendValue(buf, m.Value)
	return buf
}

// DecodePayload decodes the bytes produced by Encode into a Message
// missing only its Timestamp (the caller fills that in from the
// frame). It never panics on malformed input; it returns an error.
func DecodePayload(data []byte) (Message, error) {
	var m Message
	rest := data

	table, rest, err := readString(rest)
	if err != nil {
		return m, fmt.Errorf("changes: decode table: %w", err)
	}
	rowID, rest, err := readString(rest)
	if err != nil {
		return m, fmt.Errorf("changes: decode row id: %w", err)
	}
	column, rest, err := readString(rest)
	if err != nil {
		return m, fmt.Errorf("changes: decode column: %w", err)
	}
	value, _, err := readValue(rest)
	if err != nil {
		return m, fmt.Errorf("changes: decode value: %w", err)
	}

	m.Table = table
	m.RowID = rowID
	m.Column = column
	m.Value = value
	return m, nil
}

func appendUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendValue(buf []byte, v Value) []byte {
	buf = append(buf, byte(v.Kind))
	switch v.Kind {
	case ValueNull:
	case ValueInt64:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], uint64(v.Int))
		buf = append(buf, tmp[:]...)
	case ValueFloat64:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v.Float))
		buf = append(buf, tmp[:]...)
	case ValueText:
		buf = appendString(buf, v.Text)
	case ValueBlob:
		buf = appendUvarint(buf, uint64(len(v.Blob)))
		buf = append(buf, v.Blob...)
	}
	return buf
}

func readString(buf []byte) (string, []byte, error) {
	n, rest, err := readUvarint(buf)
	if err != nil {
		return "", nil, err
	}
	if uint64(len(rest)) < n {
		return "", nil, fmt.Errorf("changes: truncated string field")
	}
	return string(rest[:n]), rest[n:], nil
}

func readUvarint(buf []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, nil, fmt.Errorf("changes: malformed varint")
	}
	return v, buf[n:], nil
}

func readValue(buf []byte) (Value, []byte, error) {
	if len(buf) < 1 {
		return Value{}, nil, fmt.Errorf("changes: truncated value tag")
	}
	kind := ValueKind(buf[0])
	rest := buf[1:]
	switch kind {
	case ValueNull:
		return NullValue(), rest, nil
	case ValueInt64:
		if len(rest) < 8 {
			return Value{}, nil, fmt.Errorf("changes: truncated int64 value")
		}
		v := int64(binary.LittleEndian.Uint64(rest[:8]))
		return IntValue(v), rest[8:], nil
	case ValueFloat64:
		if len(rest) < 8 {
			return Value{}, nil, fmt.Errorf("changes: truncated float64 value")
		}
		v := math.Float64frombits(binary.LittleEndian.Uint64(rest[:8]))
		return FloatValue(v), rest[8:], nil
	case ValueText:
		s, rest2, err := readString(rest)
		if err != nil {
			return Value{}, nil, err
		}
		return TextValue(s), rest2, nil
	case ValueBlob:
		n, rest2, err := readUvarint(rest)
		if err != nil {
			return Value{}, nil, err
		}
		if uint64(len(rest2)) < n {
			return Value{}, nil, fmt.Errorf("changes: truncated blob value")
		}
		return BlobValue(append([]byte(nil), rest2[:n]...)), rest2[n:], nil
	default:
		return Value{}, nil, fmt.Errorf("changes: unknown value kind %d", kind)
	}
}
