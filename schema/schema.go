package schema

import (
	"encoding/json"
	"errors"
	"fmt"
)

// FieldType defines the data type of a record field.
type FieldType uint8

const (
	TypeInvalid FieldType = iota
	TypeInt32
	TypeInt64
	TypeFloat32
	TypeFloat64
	TypeString
	TypeBytes
	TypeNDArray
)

// String returns the string representation of the FieldType.
func (t FieldType) String() string {
	switch t {
	case TypeInt32:
		return "Int32"
	case TypeInt64:
		return "Int64"
	case TypeFloat32:
		return "Float32"
	case TypeFloat64:
		return "Float64"
	case TypeString:
		return "String"
	case TypeBytes:
		return "Bytes"
	case TypeNDArray:
		return "NDArray"
	default:
		return "Invalid"
	}
}

// FixedWidth returns the number of bytes the type occupies in the fixed row
// region, or 0 for variable-length types stored in the blob region.
func (t FieldType) FixedWidth() int {
	switch t {
	case TypeInt32, TypeFloat32:
		return 4
	case TypeInt64, TypeFloat64:
		return 8
	default:
		return 0
	}
}

// Variable reports whether values of this type live in the blob region.
func (t FieldType) Variable() bool {
	switch t {
	case TypeString, TypeBytes, TypeNDArray:
		return true
	}
	return false
}

func (t FieldType) valid() bool {
	return t >= TypeInt32 && t <= TypeNDArray
}

var (
	ErrInvalidSchema   = errors.New("invalid schema")
	ErrNoFields        = errors.New("schema has no fields")
	ErrDuplicateField  = errors.New("duplicate field name")
	ErrUnsupportedType = errors.New("unsupported field type")
	ErrNotIndexable    = errors.New("field type is not indexable")
)

// Field describes one typed column shared by all records in a dataset.
type Field struct {
	Name      string    `json:"name"`
	Type      FieldType `json:"type"`
	Nullable  bool      `json:"nullable,omitempty"`
	Indexable bool      `json:"indexable,omitempty"`
}

// Schema is an immutable, ordered field layout. Construct with New; there is
// no mutation API, a dataset's schema is fixed for its whole lifetime.
type Schema struct {
	fields   []Field
	byName   map[string]int
	rowWidth int
}

// New validates the field list and builds a Schema.
//
// Validation rules: at least one field, unique names, known type tags, and
// Indexable only on fixed-width or string fields (bytes and ndarrays carry
// payloads too large to key a secondary index).
func New(fields ...Field) (*Schema, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchema, ErrNoFields)
	}

	byName := make(map[string]int, len(fields))
	width := bitmapLen(len(fields))

	for i, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("%w: field %d has empty name", ErrInvalidSchema, i)
		}
		if _, ok := byName[f.Name]; ok {
			return nil, fmt.Errorf("%w: %w: %q", ErrInvalidSchema, ErrDuplicateField, f.Name)
		}
		if !f.Type.valid() {
			return nil, fmt.Errorf("%w: %w: field %q has type tag %d", ErrInvalidSchema, ErrUnsupportedType, f.Name, f.Type)
		}
		if f.Indexable && f.Type != TypeString && f.Type.FixedWidth() == 0 {
			return nil, fmt.Errorf("%w: %w: field %q (%s)", ErrInvalidSchema, ErrNotIndexable, f.Name, f.Type)
		}
		byName[f.Name] = i
		width += f.Type.FixedWidth()
	}

	cp := make([]Field, len(fields))
	copy(cp, fields)

	return &Schema{fields: cp, byName: byName, rowWidth: width}, nil
}

func bitmapLen(numFields int) int {
	return (numFields + 7) / 8
}

// NumFields returns the number of fields.
func (s *Schema) NumFields() int { return len(s.fields) }

// Fields returns a copy of the ordered field list.
func (s *Schema) Fields() []Field {
	cp := make([]Field, len(s.fields))
	copy(cp, s.fields)
	return cp
}

// FieldAt returns the field at position i in schema order.
func (s *Schema) FieldAt(i int) Field { return s.fields[i] }

// Field returns the named field and whether it exists.
func (s *Schema) Field(name string) (Field, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// FieldIndex returns the schema position of the named field.
func (s *Schema) FieldIndex(name string) (int, bool) {
	i, ok := s.byName[name]
	return i, ok
}

// BitmapLen returns the size in bytes of the per-row null bitmap.
func (s *Schema) BitmapLen() int { return bitmapLen(len(s.fields)) }

// RowWidth returns the width in bytes of the fixed row payload: the null
// bitmap followed by all fixed-width fields in schema order. Variable-length
// fields contribute nothing here.
func (s *Schema) RowWidth() int { return s.rowWidth }

// Indexable returns the fields marked Indexable, in schema order.
func (s *Schema) Indexable() []Field {
	var out []Field
	for _, f := range s.fields {
		if f.Indexable {
			out = append(out, f)
		}
	}
	return out
}

// MarshalJSON encodes the ordered field list.
func (s *Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.fields)
}

// FromJSON rebuilds a Schema from its MarshalJSON form, re-running all
// validation.
func FromJSON(data []byte) (*Schema, error) {
	var fields []Field
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchema, err)
	}
	return New(fields...)
}
