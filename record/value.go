package record

import (
	"bytes"
	"math"
	"slices"

	"github.com/hupe1980/recordpack/schema"
)

// Value is a closed tagged union holding one field value. The zero Value is
// null. Constructors pair with the schema's type tags; there is no reflection
// based dispatch anywhere in the codec.
type Value struct {
	typ   schema.FieldType
	bits  uint64 // scalar payload (raw bits for floats)
	str   string
	raw   []byte
	shape []int64
	data  []float32
}

// Int32 returns an Int32 value.
func Int32(v int32) Value {
	return Value{typ: schema.TypeInt32, bits: uint64(uint32(v))}
}

// Int64 returns an Int64 value.
func Int64(v int64) Value {
	return Value{typ: schema.TypeInt64, bits: uint64(v)}
}

// Float32 returns a Float32 value.
func Float32(v float32) Value {
	return Value{typ: schema.TypeFloat32, bits: uint64(math.Float32bits(v))}
}

// Float64 returns a Float64 value.
func Float64(v float64) Value {
	return Value{typ: schema.TypeFloat64, bits: math.Float64bits(v)}
}

// String returns a String value.
func String(s string) Value {
	return Value{typ: schema.TypeString, str: s}
}

// Bytes returns a Bytes value. The slice is not copied; the caller must not
// mutate it while the value is in use.
func Bytes(b []byte) Value {
	return Value{typ: schema.TypeBytes, raw: b}
}

// NDArray returns an n-dimensional float32 array value with the given shape.
// The product of the shape dimensions must equal len(data); this is checked
// at encode time rather than here so construction stays infallible.
func NDArray(shape []int64, data []float32) Value {
	return Value{typ: schema.TypeNDArray, shape: shape, data: data}
}

// Type returns the value's type tag. The zero Value reports TypeInvalid.
func (v Value) Type() schema.FieldType { return v.typ }

// IsNull reports whether this is the zero (null) value.
func (v Value) IsNull() bool { return v.typ == schema.TypeInvalid }

// AsInt32 returns the int32 payload.
func (v Value) AsInt32() (int32, bool) {
	if v.typ != schema.TypeInt32 {
		return 0, false
	}
	return int32(uint32(v.bits)), true
}

// AsInt64 returns the int64 payload.
func (v Value) AsInt64() (int64, bool) {
	if v.typ != schema.TypeInt64 {
		return 0, false
	}
	return int64(v.bits), true
}

// AsFloat32 returns the float32 payload.
func (v Value) AsFloat32() (float32, bool) {
	if v.typ != schema.TypeFloat32 {
		return 0, false
	}
	return math.Float32frombits(uint32(v.bits)), true
}

// AsFloat64 returns the float64 payload.
func (v Value) AsFloat64() (float64, bool) {
	if v.typ != schema.TypeFloat64 {
		return 0, false
	}
	return math.Float64frombits(v.bits), true
}

// AsString returns the string payload.
func (v Value) AsString() (string, bool) {
	if v.typ != schema.TypeString {
		return "", false
	}
	return v.str, true
}

// AsBytes returns the bytes payload.
func (v Value) AsBytes() ([]byte, bool) {
	if v.typ != schema.TypeBytes {
		return nil, false
	}
	return v.raw, true
}

// AsNDArray returns the shape and flat float32 data.
func (v Value) AsNDArray() ([]int64, []float32, bool) {
	if v.typ != schema.TypeNDArray {
		return nil, nil, false
	}
	return v.shape, v.data, true
}

// Equal reports whether two values have the same type and payload.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case schema.TypeString:
		return v.str == o.str
	case schema.TypeBytes:
		return bytes.Equal(v.raw, o.raw)
	case schema.TypeNDArray:
		return slices.Equal(v.shape, o.shape) && slices.Equal(v.data, o.data)
	default:
		return v.bits == o.bits
	}
}

// Record maps field names to values. A nullable field may be absent (null);
// every other field must be present for the record to encode.
type Record map[string]Value

// Equal reports whether two records hold the same fields and values.
func (r Record) Equal(o Record) bool {
	if len(r) != len(o) {
		return false
	}
	for k, v := range r {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}
