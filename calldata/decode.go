package calldata

import (
	"errors"
	"fmt"
	"math/big"
	"unicode/utf8"
)

var (
	// ErrTrailingBytes is returned when Decode leaves unconsumed input after
	// the root value.
	ErrTrailingBytes = errors.New("calldata: trailing bytes after root value")
	// ErrOversizedLength is returned when a length-bearing tag (bytes,
	// string, array, map) carries a length that does not fit in 32 bits.
	ErrOversizedLength = errors.New("calldata: length field exceeds 32 bits")
	// ErrInvalidUTF8 is returned when a string value is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("calldata: invalid utf-8 string")
	// ErrUnknownSpecial is returned for a special sub-value outside {null,
	// false, true, address}.
	ErrUnknownSpecial = errors.New("calldata: unknown special value")
	// ErrMapKeyOrder is returned when a decoded map's keys are not strictly
	// ascending.
	ErrMapKeyOrder = errors.New("calldata: map keys not strictly ascending")
)

var maxLen = big.NewInt(1<<32 - 1)

// Decode parses the canonical byte representation of a single root value,
// rejecting any trailing bytes.
func Decode(data []byte) (Value, error) {
	r := &byteReader{buf: data}
	v, err := decodeValue(r)
	if err != nil {
		return nil, err
	}
	if r.pos != len(r.buf) {
		return nil, ErrTrailingBytes
	}
	return v, nil
}

func decodeValue(r *byteReader) (Value, error) {
	combined, err := getUvarintUnbounded(r)
	if err != nil {
		return nil, err
	}
	tagVal := new(big.Int).And(combined, big.NewInt(7))
	tag := Tag(tagVal.Int64())
	magnitude := new(big.Int).Rsh(combined, 3)

	switch tag {
	case TagSpecial:
		if !magnitude.IsUint64() {
			return nil, ErrUnknownSpecial
		}
		switch magnitude.Uint64() {
		case specialNull:
			return Null{}, nil
		case specialFalse:
			return Bool(false), nil
		case specialTrue:
			return Bool(true), nil
		case specialAddress:
			var a Addr
			for i := range a {
				b, ok := r.readByte()
				if !ok {
					return nil, errors.New("calldata: truncated address")
				}
				a[i] = b
			}
			return a, nil
		default:
			return nil, ErrUnknownSpecial
		}
	case TagPosInt:
		return Int{magnitude}, nil
	case TagNegInt:
		v := new(big.Int).Add(magnitude, big.NewInt(1))
		v.Neg(v)
		return Int{v}, nil
	case TagBytes:
		n, err := asLength(magnitude)
		if err != nil {
			return nil, err
		}
		b, err := readN(r, n)
		if err != nil {
			return nil, err
		}
		return Bytes(b), nil
	case TagString:
		n, err := asLength(magnitude)
		if err != nil {
			return nil, err
		}
		b, err := readN(r, n)
		if err != nil {
			return nil, err
		}
		if !utf8.Valid(b) {
			return nil, ErrInvalidUTF8
		}
		return Str(b), nil
	case TagArray:
		n, err := asLength(magnitude)
		if err != nil {
			return nil, err
		}
		items := make([]Value, 0, n)
		for i := 0; i < n; i++ {
			item, err := decodeValue(r)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return &Array{Items: items}, nil
	case TagMap:
		n, err := asLength(magnitude)
		if err != nil {
			return nil, err
		}
		entries := make([]MapEntry, 0, n)
		prevKey := ""
		for i := 0; i < n; i++ {
			keyLen, err := getUvarint(r)
			if err != nil {
				return nil, err
			}
			kn, err := asLength(keyLen)
			if err != nil {
				return nil, err
			}
			kb, err := readN(r, kn)
			if err != nil {
				return nil, err
			}
			if !utf8.Valid(kb) {
				return nil, ErrInvalidUTF8
			}
			key := string(kb)
			if i > 0 && key <= prevKey {
				return nil, ErrMapKeyOrder
			}
			prevKey = key
			val, err := decodeValue(r)
			if err != nil {
				return nil, err
			}
			entries = append(entries, MapEntry{Key: key, Value: val})
		}
		return &Map{Entries: entries}, nil
	default:
		return nil, fmt.Errorf("calldata: impossible tag %d", tag)
	}
}

func asLength(magnitude *big.Int) (int, error) {
	if magnitude.Sign() < 0 || magnitude.Cmp(maxLen) > 0 {
		return 0, ErrOversizedLength
	}
	return int(magnitude.Uint64()), nil
}

func readN(r *byteReader, n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, errors.New("calldata: truncated payload")
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}
