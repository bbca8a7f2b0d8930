package crypto

import "math/bits"

// PadmePad returns the PADMÉ-padded length for a plaintext of length
// l, per https://lbarman.ch/blog/padme/: it rounds l up so that only
// the top few bits of the length are distinguishable, bounding the
// information an observer of ciphertext length learns to O(log log l)
// bits instead of the exact byte count.
func PadmePad(l int) int {
	if l <= 1 {
		return l
	}
	e := bits.Len(uint(l)) - 1 // floor(log2(l))
	s := bits.Len(uint(e))     // floor(log2(e)) + 1, since bits.Len already adds 1
	z := e - s
	if z < 0 {
		z = 0
	}
	mask := (1 << uint(z)) - 1
	return (l + mask) &^ mask
}

// PadmePayload prepends a 4-byte big-endian length prefix to data and
// zero-pads the result to PadmePad(len(data)+4) bytes, so the original
// length can be recovered on decode. The caller encrypts the result; the relay observes only the
// padded ciphertext length.
func PadmePayload(data []byte) []byte {
	padded := PadmePad(len(data) + 4)
	out := make([]byte, padded)
	out[0] = byte(len(data) >> 24)
	out[1] = byte(len(data) >> 16)
	out[2] = byte(len(data) >> 8)
	out[3] = byte(len(data))
	copy(out[4:], data)
	return out
}

// UnpadPayload reverses PadmePayload, returning the original
// unpadded data.
func UnpadPayload(padded []byte) ([]byte, bool) {
	if len(padded) < 4 {
		return nil, false
	}
	n := int(padded[0])<<24 | int(padded[1])<<16 | int(padded[2])<<8 | int(padded[3])
	if n < 0 || n > len(padded)-4 {
		return nil, false
	}
	return padded[4 : 4+n], true
}
