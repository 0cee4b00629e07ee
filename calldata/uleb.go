package calldata

import (
	"errors"
	"math/big"
)

// ErrOverflow is returned when a ULEB128 group run grows far beyond what any
// legitimate GenVM value needs to represent a length or a small tag, which
// signals either a corrupt stream or an adversarial one.
var ErrOverflow = errors.New("calldata: uleb128 overflow")

// ErrNonCanonical is returned when a ULEB128 value could have been encoded in
// fewer groups (a non-minimal, "leading-zero continuation" encoding).
var ErrNonCanonical = errors.New("calldata: non-canonical uleb128")

// maxULEBGroups bounds how many 7-bit groups a single ULEB128 run may occupy
// before decoding gives up. 10 groups carries 70 bits of payload, comfortably
// more than the 35 bits a (length<<3)|tag header ever needs, while still
// rejecting a clearly-adversarial run of a dozen continuation bytes.
const maxULEBGroups = 10

var big128 = big.NewInt(128)

// putUvarint appends the canonical ULEB128 encoding of n (n >= 0) to dst.
func putUvarint(dst []byte, n *big.Int) []byte {
	if n.Sign() == 0 {
		return append(dst, 0)
	}
	v := new(big.Int).Set(n)
	var groups []byte
	for v.Sign() > 0 {
		rem := new(big.Int)
		v.DivMod(v, big128, rem)
		groups = append(groups, byte(rem.Int64()))
	}
	for i, g := range groups {
		if i != len(groups)-1 {
			g |= 0x80
		}
		dst = append(dst, g)
	}
	return dst
}

// byteReader is the minimal cursor Decode needs over an input buffer.
type byteReader struct {
	buf []byte
	pos int
}

func (r *byteReader) readByte() (byte, bool) {
	if r.pos >= len(r.buf) {
		return 0, false
	}
	b := r.buf[r.pos]
	r.pos++
	return b, true
}

// getUvarint reads a canonical ULEB128 unsigned integer from r, capped at
// maxULEBGroups groups. This is for length-bearing fields read on their own
// (a map entry's key length) where a run of a dozen continuation bytes can
// only be an adversarial or corrupt stream.
func getUvarint(r *byteReader) (*big.Int, error) {
	return getUvarintGroups(r, maxULEBGroups)
}

// getUvarintUnbounded reads a canonical ULEB128 unsigned integer from r with
// no group cap. It backs the root per-value header, whose magnitude doubles
// as a TagPosInt/TagNegInt integer value — spec §3 requires integers to be
// unbounded, so this read may not reject a legitimately large one. Tags whose
// magnitude is instead a length (bytes/string/array/map) still have that
// magnitude checked against a 32-bit ceiling by asLength once decoded, so
// leaving the read itself uncapped does not relax the length limit; a
// corrupt or truncated stream is still caught because readByte runs out of
// input rather than looping forever.
func getUvarintUnbounded(r *byteReader) (*big.Int, error) {
	return getUvarintGroups(r, 0)
}

// getUvarintGroups implements the shared ULEB128 reader. maxGroups of 0 means
// unbounded; any positive value rejects a run longer than that with
// ErrOverflow.
func getUvarintGroups(r *byteReader, maxGroups int) (*big.Int, error) {
	result := new(big.Int)
	shift := uint(0)
	groups := 0
	lastGroup := byte(0)
	for {
		b, ok := r.readByte()
		if !ok {
			return nil, errors.New("calldata: truncated uleb128")
		}
		groups++
		if maxGroups > 0 && groups > maxGroups {
			return nil, ErrOverflow
		}
		payload := big.NewInt(int64(b & 0x7f))
		payload.Lsh(payload, shift)
		result.Or(result, payload)
		lastGroup = b & 0x7f
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	if groups > 1 && lastGroup == 0 {
		// The most significant group is zero: the value fit in fewer groups.
		return nil, ErrNonCanonical
	}
	return result, nil
}
