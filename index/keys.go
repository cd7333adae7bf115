package index

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hupe1980/recordpack/record"
	"github.com/hupe1980/recordpack/schema"
)

// valueKey encodes a field value as a byte string whose lexicographic order
// matches the value's natural order. Integers get the sign bit flipped so
// negatives sort first; floats use the usual IEEE trick of flipping the sign
// bit for positives and all bits for negatives.
func valueKey(t schema.FieldType, v record.Value) (string, error) {
	switch t {
	case schema.TypeInt32:
		n, ok := v.AsInt32()
		if !ok {
			return "", fmt.Errorf("%w: value is not int32", ErrNotIndexed)
		}
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(n)^(1<<31))
		return string(b[:]), nil
	case schema.TypeInt64:
		n, ok := v.AsInt64()
		if !ok {
			return "", fmt.Errorf("%w: value is not int64", ErrNotIndexed)
		}
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(n)^(1<<63))
		return string(b[:]), nil
	case schema.TypeFloat32:
		f, ok := v.AsFloat32()
		if !ok {
			return "", fmt.Errorf("%w: value is not float32", ErrNotIndexed)
		}
		bits := math.Float32bits(f)
		if bits&(1<<31) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 31
		}
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], bits)
		return string(b[:]), nil
	case schema.TypeFloat64:
		f, ok := v.AsFloat64()
		if !ok {
			return "", fmt.Errorf("%w: value is not float64", ErrNotIndexed)
		}
		bits := math.Float64bits(f)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], bits)
		return string(b[:]), nil
	case schema.TypeString:
		s, ok := v.AsString()
		if !ok {
			return "", fmt.Errorf("%w: value is not string", ErrNotIndexed)
		}
		return s, nil
	default:
		return "", fmt.Errorf("%w: type %s", ErrNotIndexed, t)
	}
}
