package calldata

import "math/big"

// Encode emits the canonical byte representation of v.
func Encode(v Value) []byte {
	return appendValue(nil, v)
}

func header(tag Tag, magnitude *big.Int) []byte {
	combined := new(big.Int).Lsh(magnitude, 3)
	combined.Or(combined, big.NewInt(int64(tag)))
	return putUvarint(nil, combined)
}

func headerLen(tag Tag, n int) []byte {
	return header(tag, big.NewInt(int64(n)))
}

func appendValue(dst []byte, v Value) []byte {
	switch val := v.(type) {
	case nil, Null:
		return append(dst, headerLen(TagSpecial, specialNull)...)
	case Bool:
		if val {
			return append(dst, headerLen(TagSpecial, specialTrue)...)
		}
		return append(dst, headerLen(TagSpecial, specialFalse)...)
	case Addr:
		dst = append(dst, headerLen(TagSpecial, specialAddress)...)
		return append(dst, val[:]...)
	case Bytes:
		dst = append(dst, headerLen(TagBytes, len(val))...)
		return append(dst, val...)
	case Str:
		b := []byte(val)
		dst = append(dst, headerLen(TagString, len(b))...)
		return append(dst, b...)
	case Int:
		return appendInt(dst, val.Int)
	case *Array:
		dst = append(dst, headerLen(TagArray, len(val.Items))...)
		for _, item := range val.Items {
			dst = appendValue(dst, item)
		}
		return dst
	case *Map:
		dst = append(dst, headerLen(TagMap, len(val.Entries))...)
		for _, e := range val.Entries {
			keyBytes := []byte(e.Key)
			dst = putUvarint(dst, big.NewInt(int64(len(keyBytes))))
			dst = append(dst, keyBytes...)
			dst = appendValue(dst, e.Value)
		}
		return dst
	default:
		panic("calldata: unknown Value implementation")
	}
}

// appendInt encodes an arbitrary-precision integer using the negative-as-
// (magnitude-1) trick described in spec §4.A / §9: -1 encodes to magnitude 0.
func appendInt(dst []byte, n *big.Int) []byte {
	if n.Sign() >= 0 {
		return append(dst, header(TagPosInt, n)...)
	}
	magnitude := new(big.Int).Neg(n)
	magnitude.Sub(magnitude, big.NewInt(1))
	return append(dst, header(TagNegInt, magnitude)...)
}
