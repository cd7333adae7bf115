package index

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/recordpack/record"
	"github.com/hupe1980/recordpack/schema"
)

// Op selects how a Filter matches against an indexed field.
type Op int

const (
	// OpEqual matches records whose field equals Value.
	OpEqual Op = iota
	// OpIn matches records whose field equals any element of Values.
	OpIn
	// OpRange matches records whose field lies in [Low, High].
	OpRange
)

// Filter is one predicate of a secondary-index query.
type Filter struct {
	Field  string
	Op     Op
	Value  record.Value
	Values []record.Value
	Low    record.Value
	High   record.Value
}

const postingsMagic = "RPAKPST0"

// postings maintains one sorted key -> bitmap-of-ids map per indexable field.
type postings struct {
	fields map[string]*fieldPostings
}

type fieldPostings struct {
	typ   schema.FieldType
	byKey map[string]*roaring64.Bitmap
}

func newPostings(s *schema.Schema) *postings {
	p := &postings{fields: make(map[string]*fieldPostings)}
	for _, f := range s.Indexable() {
		p.fields[f.Name] = &fieldPostings{
			typ:   f.Type,
			byKey: make(map[string]*roaring64.Bitmap),
		}
	}
	return p
}

// add indexes all indexable, non-null fields of rec under id and returns the
// keys it touched so an overwrite can undo them later.
func (p *postings) add(id uint64, rec record.Record) ([]fieldKey, error) {
	var keys []fieldKey
	for name, fp := range p.fields {
		v, ok := rec[name]
		if !ok || v.IsNull() {
			continue
		}
		key, err := valueKey(fp.typ, v)
		if err != nil {
			return nil, err
		}
		bm := fp.byKey[key]
		if bm == nil {
			bm = roaring64.New()
			fp.byKey[key] = bm
		}
		bm.Add(id)
		keys = append(keys, fieldKey{field: name, key: key})
	}
	return keys, nil
}

func (p *postings) remove(id uint64, fk fieldKey) {
	fp := p.fields[fk.field]
	if fp == nil {
		return
	}
	if bm := fp.byKey[fk.key]; bm != nil {
		bm.Remove(id)
		if bm.IsEmpty() {
			delete(fp.byKey, fk.key)
		}
	}
}

func (p *postings) eval(s *schema.Schema, f Filter) (*roaring64.Bitmap, error) {
	fld, ok := s.Field(f.Field)
	if !ok {
		return nil, fmt.Errorf("%w: unknown field %q", ErrNotIndexed, f.Field)
	}
	if !fld.Indexable {
		return nil, fmt.Errorf("%w: %q", ErrNotIndexed, f.Field)
	}
	fp := p.fields[f.Field]
	if fp == nil {
		return nil, fmt.Errorf("%w: %q", ErrNoPostings, f.Field)
	}

	out := roaring64.New()

	switch f.Op {
	case OpEqual:
		key, err := valueKey(fp.typ, f.Value)
		if err != nil {
			return nil, err
		}
		if bm := fp.byKey[key]; bm != nil {
			out.Or(bm)
		}
	case OpIn:
		for _, v := range f.Values {
			key, err := valueKey(fp.typ, v)
			if err != nil {
				return nil, err
			}
			if bm := fp.byKey[key]; bm != nil {
				out.Or(bm)
			}
		}
	case OpRange:
		lo, err := valueKey(fp.typ, f.Low)
		if err != nil {
			return nil, err
		}
		hi, err := valueKey(fp.typ, f.High)
		if err != nil {
			return nil, err
		}
		for key, bm := range fp.byKey {
			if key >= lo && key <= hi {
				out.Or(bm)
			}
		}
	default:
		return nil, fmt.Errorf("%w: unknown op %d", ErrNotIndexed, f.Op)
	}

	return out, nil
}

// Query intersects the postings of all filters and returns matching record
// ids in ascending order. No filters means no constraint, so all live ids
// are returned.
func (ix *Index) Query(filters ...Filter) ([]uint64, error) {
	if len(filters) == 0 {
		return ix.IDs(), nil
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.postings == nil {
		return nil, ErrNoPostings
	}

	var acc *roaring64.Bitmap
	for _, f := range filters {
		bm, err := ix.postings.eval(ix.schema, f)
		if err != nil {
			return nil, err
		}
		if acc == nil {
			acc = bm
		} else {
			acc.And(bm)
		}
		if acc.IsEmpty() {
			return nil, nil
		}
	}
	return acc.ToArray(), nil
}

// Postings file layout, little endian:
//
//	magic "RPAKPST0" | u32 field count
//	per field: u16 name len | name | u8 type | u32 key count
//	per key:   u32 key len | key | u32 bitmap len | roaring64 bytes
//	trailer:   u32 crc over everything after the magic
func (p *postings) save(fsys fsys, path string) error {
	tmp := path + ".tmp"
	f, err := fsys.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create postings: %w", err)
	}
	defer f.Close()

	crc := crc32.NewIEEE()
	w := io.MultiWriter(f, crc)

	if _, err := f.Write([]byte(postingsMagic)); err != nil {
		return err
	}

	names := make([]string, 0, len(p.fields))
	for name := range p.fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(names)))
	if _, err := w.Write(u32[:]); err != nil {
		return err
	}

	for _, name := range names {
		fp := p.fields[name]

		var u16 [2]byte
		binary.LittleEndian.PutUint16(u16[:], uint16(len(name)))
		if _, err := w.Write(u16[:]); err != nil {
			return err
		}
		if _, err := w.Write([]byte(name)); err != nil {
			return err
		}
		if _, err := w.Write([]byte{byte(fp.typ)}); err != nil {
			return err
		}

		keys := make([]string, 0, len(fp.byKey))
		for k := range fp.byKey {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		binary.LittleEndian.PutUint32(u32[:], uint32(len(keys)))
		if _, err := w.Write(u32[:]); err != nil {
			return err
		}
		for _, k := range keys {
			binary.LittleEndian.PutUint32(u32[:], uint32(len(k)))
			if _, err := w.Write(u32[:]); err != nil {
				return err
			}
			if _, err := w.Write([]byte(k)); err != nil {
				return err
			}
			bm, err := fp.byKey[k].ToBytes()
			if err != nil {
				return fmt.Errorf("serialize postings bitmap: %w", err)
			}
			binary.LittleEndian.PutUint32(u32[:], uint32(len(bm)))
			if _, err := w.Write(u32[:]); err != nil {
				return err
			}
			if _, err := w.Write(bm); err != nil {
				return err
			}
		}
	}

	binary.LittleEndian.PutUint32(u32[:], crc.Sum32())
	if _, err := f.Write(u32[:]); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync postings: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return fsys.Rename(tmp, path)
}

func loadPostings(fsys fsys, path string, s *schema.Schema) (*postings, error) {
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open postings: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read postings: %w", err)
	}
	if len(data) < len(postingsMagic)+8 {
		return nil, fmt.Errorf("%w: postings file too small", ErrCorrupted)
	}
	if string(data[:8]) != postingsMagic {
		return nil, fmt.Errorf("%w: bad postings magic", ErrCorrupted)
	}

	body := data[8 : len(data)-4]
	wantCRC := binary.LittleEndian.Uint32(data[len(data)-4:])
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, fmt.Errorf("%w: postings checksum mismatch", ErrCorrupted)
	}

	p := newPostings(s)
	pos := 0

	need := func(n int) error {
		if len(body)-pos < n {
			return fmt.Errorf("%w: truncated postings", ErrCorrupted)
		}
		return nil
	}

	if err := need(4); err != nil {
		return nil, err
	}
	nFields := int(binary.LittleEndian.Uint32(body[pos:]))
	pos += 4

	for i := 0; i < nFields; i++ {
		if err := need(2); err != nil {
			return nil, err
		}
		nameLen := int(binary.LittleEndian.Uint16(body[pos:]))
		pos += 2
		if err := need(nameLen + 1 + 4); err != nil {
			return nil, err
		}
		name := string(body[pos : pos+nameLen])
		pos += nameLen
		typ := schema.FieldType(body[pos])
		pos++
		nKeys := int(binary.LittleEndian.Uint32(body[pos:]))
		pos += 4

		fp := p.fields[name]
		if fp == nil || fp.typ != typ {
			return nil, fmt.Errorf("%w: postings field %q does not match schema", ErrCorrupted, name)
		}

		for j := 0; j < nKeys; j++ {
			if err := need(4); err != nil {
				return nil, err
			}
			keyLen := int(binary.LittleEndian.Uint32(body[pos:]))
			pos += 4
			if err := need(keyLen + 4); err != nil {
				return nil, err
			}
			key := string(body[pos : pos+keyLen])
			pos += keyLen
			bmLen := int(binary.LittleEndian.Uint32(body[pos:]))
			pos += 4
			if err := need(bmLen); err != nil {
				return nil, err
			}
			bm := roaring64.New()
			if err := bm.UnmarshalBinary(body[pos : pos+bmLen]); err != nil {
				return nil, fmt.Errorf("%w: postings bitmap: %v", ErrCorrupted, err)
			}
			pos += bmLen
			fp.byKey[key] = bm
		}
	}

	return p, nil
}
