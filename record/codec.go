package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/hupe1980/recordpack/schema"
)

var (
	ErrEncoding      = errors.New("record encoding failed")
	ErrMissingField  = errors.New("missing required field")
	ErrUnknownField  = errors.New("field not in schema")
	ErrTypeMismatch  = errors.New("value type does not match schema")
	ErrValueTooLarge = errors.New("value exceeds maximum length")
	ErrShapeMismatch = errors.New("ndarray shape does not match data length")
	ErrMalformed     = errors.New("malformed record bytes")
)

// Options configures a Codec.
type Options struct {
	// MaxValueBytes caps the encoded length of a single variable-length
	// value. Defaults to 2^31-1.
	MaxValueBytes uint32
}

// DefaultOptions returns the default codec options.
func DefaultOptions() Options {
	return Options{MaxValueBytes: math.MaxInt32}
}

// Codec serializes records against one schema. It splits every record into a
// fixed-width row (null bitmap plus packed scalars) and a variable-length
// blob buffer, so fixed-row scans never touch blob bytes.
//
// The codec is stateless after construction and safe for concurrent use.
type Codec struct {
	schema *schema.Schema
	opts   Options

	// Precomputed per-field fixed offsets, built once at schema definition
	// time so encode/decode run a straight loop with no type switch on the
	// hot path beyond the closed tag dispatch.
	offsets []int
}

// NewCodec builds a codec for the given schema.
func NewCodec(s *schema.Schema, opts Options) *Codec {
	if opts.MaxValueBytes == 0 {
		opts.MaxValueBytes = math.MaxInt32
	}

	offsets := make([]int, s.NumFields())
	off := s.BitmapLen()
	for i := range offsets {
		offsets[i] = off
		off += s.FieldAt(i).Type.FixedWidth()
	}

	return &Codec{schema: s, opts: opts, offsets: offsets}
}

// Schema returns the codec's schema.
func (c *Codec) Schema() *schema.Schema { return c.schema }

// FixedWidth returns the width of the fixed row payload in bytes.
func (c *Codec) FixedWidth() int { return c.schema.RowWidth() }

// Encode serializes rec into a fixed row and a blob buffer.
//
// Fixed layout: null bitmap (bit i set means field i is null), then every
// fixed-width field in schema order, little-endian. Null slots are zero
// filled. Blob layout: for each non-null variable-length field in schema
// order, a u32 length prefix followed by the payload.
func (c *Codec) Encode(rec Record) (fixed []byte, blob []byte, err error) {
	for name := range rec {
		if _, ok := c.schema.FieldIndex(name); !ok {
			return nil, nil, fmt.Errorf("%w: %w: %q", ErrEncoding, ErrUnknownField, name)
		}
	}

	fixed = make([]byte, c.schema.RowWidth())

	for i := 0; i < c.schema.NumFields(); i++ {
		f := c.schema.FieldAt(i)
		v, present := rec[f.Name]
		if !present || v.IsNull() {
			if !f.Nullable {
				return nil, nil, fmt.Errorf("%w: %w: %q", ErrEncoding, ErrMissingField, f.Name)
			}
			fixed[i/8] |= 1 << (i % 8)
			continue
		}
		if v.Type() != f.Type {
			return nil, nil, fmt.Errorf("%w: %w: field %q wants %s, got %s", ErrEncoding, ErrTypeMismatch, f.Name, f.Type, v.Type())
		}

		switch f.Type {
		case schema.TypeInt32, schema.TypeFloat32:
			binary.LittleEndian.PutUint32(fixed[c.offsets[i]:], uint32(v.bits))
		case schema.TypeInt64, schema.TypeFloat64:
			binary.LittleEndian.PutUint64(fixed[c.offsets[i]:], v.bits)
		default:
			payload, err := c.encodeVariable(f, v)
			if err != nil {
				return nil, nil, err
			}
			blob = binary.LittleEndian.AppendUint32(blob, uint32(len(payload)))
			blob = append(blob, payload...)
		}
	}

	return fixed, blob, nil
}

func (c *Codec) encodeVariable(f schema.Field, v Value) ([]byte, error) {
	switch f.Type {
	case schema.TypeString:
		s, _ := v.AsString()
		if uint64(len(s)) > uint64(c.opts.MaxValueBytes) {
			return nil, fmt.Errorf("%w: %w: field %q is %d bytes", ErrEncoding, ErrValueTooLarge, f.Name, len(s))
		}
		return []byte(s), nil

	case schema.TypeBytes:
		b, _ := v.AsBytes()
		if uint64(len(b)) > uint64(c.opts.MaxValueBytes) {
			return nil, fmt.Errorf("%w: %w: field %q is %d bytes", ErrEncoding, ErrValueTooLarge, f.Name, len(b))
		}
		return b, nil

	case schema.TypeNDArray:
		shape, data, _ := v.AsNDArray()
		elems := int64(1)
		for _, d := range shape {
			if d < 0 {
				return nil, fmt.Errorf("%w: %w: field %q has negative dimension", ErrEncoding, ErrShapeMismatch, f.Name)
			}
			elems *= d
		}
		if elems != int64(len(data)) {
			return nil, fmt.Errorf("%w: %w: field %q shape wants %d elements, data has %d", ErrEncoding, ErrShapeMismatch, f.Name, elems, len(data))
		}
		size := 4 + 8*len(shape) + 4*len(data)
		if uint64(size) > uint64(c.opts.MaxValueBytes) {
			return nil, fmt.Errorf("%w: %w: field %q is %d bytes", ErrEncoding, ErrValueTooLarge, f.Name, size)
		}
		payload := make([]byte, 0, size)
		payload = binary.LittleEndian.AppendUint32(payload, uint32(len(shape)))
		for _, d := range shape {
			payload = binary.LittleEndian.AppendUint64(payload, uint64(d))
		}
		for _, e := range data {
			payload = binary.LittleEndian.AppendUint32(payload, math.Float32bits(e))
		}
		return payload, nil
	}

	return nil, fmt.Errorf("%w: %w: field %q has type %s", ErrEncoding, ErrTypeMismatch, f.Name, f.Type)
}

// Decode is the exact inverse of Encode: it rebuilds the typed record from a
// fixed row and its blob bytes. Null fields are omitted from the result.
func (c *Codec) Decode(fixed []byte, blob []byte) (Record, error) {
	if len(fixed) != c.schema.RowWidth() {
		return nil, fmt.Errorf("%w: fixed row is %d bytes, schema wants %d", ErrMalformed, len(fixed), c.schema.RowWidth())
	}

	rec := make(Record, c.schema.NumFields())
	blobOff := 0

	for i := 0; i < c.schema.NumFields(); i++ {
		f := c.schema.FieldAt(i)
		if fixed[i/8]&(1<<(i%8)) != 0 {
			continue // null
		}

		switch f.Type {
		case schema.TypeInt32:
			rec[f.Name] = Int32(int32(binary.LittleEndian.Uint32(fixed[c.offsets[i]:])))
		case schema.TypeInt64:
			rec[f.Name] = Int64(int64(binary.LittleEndian.Uint64(fixed[c.offsets[i]:])))
		case schema.TypeFloat32:
			rec[f.Name] = Float32(math.Float32frombits(binary.LittleEndian.Uint32(fixed[c.offsets[i]:])))
		case schema.TypeFloat64:
			rec[f.Name] = Float64(math.Float64frombits(binary.LittleEndian.Uint64(fixed[c.offsets[i]:])))
		default:
			if len(blob) < blobOff+4 {
				return nil, fmt.Errorf("%w: blob truncated at field %q", ErrMalformed, f.Name)
			}
			n := int(binary.LittleEndian.Uint32(blob[blobOff:]))
			blobOff += 4
			if len(blob) < blobOff+n {
				return nil, fmt.Errorf("%w: blob truncated at field %q", ErrMalformed, f.Name)
			}
			payload := blob[blobOff : blobOff+n]
			blobOff += n

			v, err := decodeVariable(f, payload)
			if err != nil {
				return nil, err
			}
			rec[f.Name] = v
		}
	}

	if blobOff != len(blob) {
		return nil, fmt.Errorf("%w: %d trailing blob bytes", ErrMalformed, len(blob)-blobOff)
	}

	return rec, nil
}

func decodeVariable(f schema.Field, payload []byte) (Value, error) {
	switch f.Type {
	case schema.TypeString:
		return String(string(payload)), nil

	case schema.TypeBytes:
		cp := make([]byte, len(payload))
		copy(cp, payload)
		return Bytes(cp), nil

	case schema.TypeNDArray:
		if len(payload) < 4 {
			return Value{}, fmt.Errorf("%w: ndarray field %q too short", ErrMalformed, f.Name)
		}
		ndim := int(binary.LittleEndian.Uint32(payload))
		off := 4
		if len(payload) < off+8*ndim {
			return Value{}, fmt.Errorf("%w: ndarray field %q shape truncated", ErrMalformed, f.Name)
		}
		shape := make([]int64, ndim)
		elems := int64(1)
		for i := range shape {
			shape[i] = int64(binary.LittleEndian.Uint64(payload[off:]))
			elems *= shape[i]
			off += 8
		}
		if int64(len(payload)-off) != elems*4 {
			return Value{}, fmt.Errorf("%w: ndarray field %q data truncated", ErrMalformed, f.Name)
		}
		data := make([]float32, elems)
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[off:]))
			off += 4
		}
		return NDArray(shape, data), nil
	}

	return Value{}, fmt.Errorf("%w: field %q has unexpected type %s", ErrMalformed, f.Name, f.Type)
}
