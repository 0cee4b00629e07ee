package calldata

import (
	"bytes"
	"math/big"
	"testing"
)

func roundTrip(t *testing.T, v Value) Value {
	t.Helper()
	enc := Encode(v)
	dec, err := Decode(enc)
	if err != nil {
		t.Fatalf("decode(encode(v)) failed: %v", err)
	}
	if !Equal(v, dec) {
		t.Fatalf("round trip mismatch: %v != %v", Encode(v), Encode(dec))
	}
	return dec
}

func TestRoundTripScalars(t *testing.T) {
	roundTrip(t, Null{})
	roundTrip(t, Bool(true))
	roundTrip(t, Bool(false))
	roundTrip(t, Addr{1, 2, 3})
	roundTrip(t, Bytes{0xde, 0xad, 0xbe, 0xef})
	roundTrip(t, Str("hello genvm"))
	roundTrip(t, NewInt(0))
	roundTrip(t, NewInt(1))
	roundTrip(t, NewInt(-1))
	roundTrip(t, Int{big.NewInt(-12345)})
	huge := new(big.Int).Lsh(big.NewInt(1), 512)
	roundTrip(t, Int{huge})
}

func TestNegativeOneEncodesToZeroMagnitude(t *testing.T) {
	enc := Encode(NewInt(-1))
	if len(enc) != 1 {
		t.Fatalf("expected a single byte encoding, got %x", enc)
	}
	// tag = TagNegInt (2), magnitude = 0 => combined = 0<<3|2 = 2
	if enc[0] != 2 {
		t.Fatalf("expected header byte 0x02, got 0x%02x", enc[0])
	}
}

func TestRoundTripNestedStructure(t *testing.T) {
	deep := NewArray(
		NewMap(
			MapEntry{"a", NewArray(NewMap(MapEntry{"b", NewArray(NewMap(MapEntry{"c", NewArray(NewMap(MapEntry{"d", NewArray(NewInt(1), NewInt(2))}))}))}))},
		),
	)
	roundTrip(t, deep)
}

func TestMapRoundTripSizes(t *testing.T) {
	roundTrip(t, NewMap())
	roundTrip(t, NewMap(MapEntry{"only", Bool(true)}))

	entries := make([]MapEntry, 0, 1024)
	for i := 0; i < 1024; i++ {
		entries = append(entries, MapEntry{Key: indexKey(i), Value: NewInt(int64(i))})
	}
	roundTrip(t, NewMap(entries...))
}

// indexKey produces 1024 lexicographically distinct fixed-width keys.
func indexKey(i int) string {
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	return string([]byte{digits[i/len(digits)], digits[i%len(digits)]})
}

func TestDecodeRejectsNonAscendingMapKeys(t *testing.T) {
	// Hand-encode a map with keys "b" then "a" (descending).
	var buf []byte
	buf = append(buf, headerLen(TagMap, 2)...)
	buf = append(buf, encodeMapEntryRaw("b", Bool(true))...)
	buf = append(buf, encodeMapEntryRaw("a", Bool(false))...)
	if _, err := Decode(buf); err != ErrMapKeyOrder {
		t.Fatalf("expected ErrMapKeyOrder, got %v", err)
	}
}

func TestDecodeRejectsDuplicateMapKeys(t *testing.T) {
	var buf []byte
	buf = append(buf, headerLen(TagMap, 2)...)
	buf = append(buf, encodeMapEntryRaw("a", Bool(true))...)
	buf = append(buf, encodeMapEntryRaw("a", Bool(false))...)
	if _, err := Decode(buf); err != ErrMapKeyOrder {
		t.Fatalf("expected ErrMapKeyOrder for duplicate key, got %v", err)
	}
}

func encodeMapEntryRaw(key string, v Value) []byte {
	var buf []byte
	buf = putUvarint(buf, big.NewInt(int64(len(key))))
	buf = append(buf, key...)
	buf = appendValue(buf, v)
	return buf
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	enc := Encode(NewInt(5))
	enc = append(enc, 0xff)
	if _, err := Decode(enc); err != ErrTrailingBytes {
		t.Fatalf("expected ErrTrailingBytes, got %v", err)
	}
}

func TestDecodeRejectsInvalidUTF8(t *testing.T) {
	var buf []byte
	buf = append(buf, headerLen(TagString, 1)...)
	buf = append(buf, 0xff)
	if _, err := Decode(buf); err != ErrInvalidUTF8 {
		t.Fatalf("expected ErrInvalidUTF8, got %v", err)
	}
}

func TestULEBOverflowBoundary(t *testing.T) {
	// 6 continuation bytes followed by a terminator decodes successfully.
	ok := append(continuationBytes(6), 0x01)
	if _, err := getUvarint(&byteReader{buf: ok}); err != nil {
		t.Fatalf("expected success for 6 continuation bytes, got %v", err)
	}

	// 12 continuation bytes is rejected as overflow.
	overflow := append(continuationBytes(12), 0x01)
	if _, err := getUvarint(&byteReader{buf: overflow}); err != ErrOverflow {
		t.Fatalf("expected ErrOverflow for 12 continuation bytes, got %v", err)
	}
}

func continuationBytes(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = 0x80 // zero payload, continuation bit set
	}
	return out
}

func TestArrayConcatenationMatchesArrayEncoding(t *testing.T) {
	vs := []Value{NewInt(1), Str("two"), Bytes{3}}
	var concat []byte
	for _, v := range vs {
		concat = append(concat, Encode(v)...)
	}
	arrEnc := Encode(NewArray(vs...))
	arrHeader := headerLen(TagArray, len(vs))
	if !bytes.HasPrefix(arrEnc, arrHeader) {
		t.Fatalf("array encoding missing expected header")
	}
	if !bytes.Equal(arrEnc[len(arrHeader):], concat) {
		t.Fatalf("array payload does not equal concatenation of element encodings")
	}
}
