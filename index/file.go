package index

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/hupe1980/recordpack/internal/fs"
	"github.com/hupe1980/recordpack/schema"
	"github.com/hupe1980/recordpack/shard"
)

type fsys = fs.FileSystem

const (
	indexMagic  = "RPAKIDX0"
	footerMagic = "RPAKFTR0"

	// Version identifies the index file layout.
	Version = 1

	// headerSize covers the magic, version and schema digest.
	headerSize = 8 + 4 + schema.DigestSize

	// entrySize covers flags, id, shard, row offset, blob offset and blob length.
	entrySize = 1 + 8 + 4 + 8 + 8 + 8

	// footerSize covers the magic, entry count and checksum over the entries.
	footerSize = 8 + 8 + 4
)

const tombstoneFlag = 1

func encodeEntry(buf []byte, e Entry) {
	var flags byte
	if e.Tombstone {
		flags |= tombstoneFlag
	}
	buf[0] = flags
	binary.LittleEndian.PutUint64(buf[1:], e.ID)
	binary.LittleEndian.PutUint32(buf[9:], e.Placement.ShardID)
	binary.LittleEndian.PutUint64(buf[13:], e.Placement.RowOffset)
	binary.LittleEndian.PutUint64(buf[21:], e.Placement.BlobOffset)
	binary.LittleEndian.PutUint64(buf[29:], e.Placement.BlobLength)
}

func decodeEntry(buf []byte) Entry {
	return Entry{
		ID:        binary.LittleEndian.Uint64(buf[1:]),
		Tombstone: buf[0]&tombstoneFlag != 0,
		Placement: shard.Placement{
			ShardID:    binary.LittleEndian.Uint32(buf[9:]),
			RowOffset:  binary.LittleEndian.Uint64(buf[13:]),
			BlobOffset: binary.LittleEndian.Uint64(buf[21:]),
			BlobLength: binary.LittleEndian.Uint64(buf[29:]),
		},
	}
}

type fileWriter struct {
	f     fs.File
	off   int64 // durable end of the entry region
	crc   uint32
	count uint64
	dirty bool // a failed write may have left bytes past off
}

func createFile(fsys fsys, path string, digest schema.Digest) (*fileWriter, error) {
	f, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}

	hdr := make([]byte, headerSize)
	copy(hdr, indexMagic)
	binary.LittleEndian.PutUint32(hdr[8:], Version)
	copy(hdr[12:], digest[:])

	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return nil, fmt.Errorf("write index header: %w", err)
	}
	return &fileWriter{f: f, off: headerSize}, nil
}

// discardTail drops any bytes a failed write left past the durable end, so
// a retry does not append its entries after the orphaned copy.
func (w *fileWriter) discardTail() error {
	if !w.dirty {
		return nil
	}
	if err := w.f.Truncate(w.off); err != nil {
		return fmt.Errorf("truncate index tail: %w", err)
	}
	w.dirty = false
	return nil
}

// append writes entries at the durable end of the entry region and syncs
// them. On failure off, crc and count are left untouched, so the caller can
// retry with the same entries.
func (w *fileWriter) append(entries []Entry) error {
	if err := w.discardTail(); err != nil {
		return err
	}
	buf := make([]byte, len(entries)*entrySize)
	for i, e := range entries {
		encodeEntry(buf[i*entrySize:], e)
	}
	if _, err := w.f.WriteAt(buf, w.off); err != nil {
		w.dirty = true
		return fmt.Errorf("append index entries: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		w.dirty = true
		return fmt.Errorf("sync index: %w", err)
	}
	w.off += int64(len(buf))
	w.crc = crc32.Update(w.crc, crc32.IEEETable, buf)
	w.count += uint64(len(entries))
	return nil
}

func (w *fileWriter) seal() error {
	if err := w.discardTail(); err != nil {
		return err
	}
	ftr := make([]byte, footerSize)
	copy(ftr, footerMagic)
	binary.LittleEndian.PutUint64(ftr[8:], w.count)
	binary.LittleEndian.PutUint32(ftr[16:], w.crc)

	if _, err := w.f.WriteAt(ftr, w.off); err != nil {
		w.dirty = true
		return fmt.Errorf("write index footer: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		w.dirty = true
		return fmt.Errorf("sync index: %w", err)
	}
	return w.f.Close()
}

func (w *fileWriter) close() error {
	return w.f.Close()
}

// LoadResult describes how an index file was read back.
type LoadResult struct {
	// Sealed reports whether a valid footer was present.
	Sealed bool
	// Entries is the number of entries applied, tombstones included.
	Entries uint64
}

// Load reads an index file into an immutable in-memory snapshot. In strict
// mode a missing or mismatching footer fails with ErrCorrupted. With
// recoverMode the entry region is scanned as a prefix: any trailing partial
// entry is ignored and the footer is not required.
func Load(fsys fsys, path string, s *schema.Schema, recoverMode bool) (*Index, LoadResult, error) {
	var res LoadResult

	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, res, fmt.Errorf("open index: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, res, err
	}
	size := info.Size()
	if size < headerSize {
		return nil, res, fmt.Errorf("%w: file too small", ErrInvalidIndex)
	}

	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, headerSize), hdr); err != nil {
		return nil, res, fmt.Errorf("read index header: %w", err)
	}
	if string(hdr[:8]) != indexMagic {
		return nil, res, fmt.Errorf("%w: bad magic", ErrInvalidIndex)
	}
	if v := binary.LittleEndian.Uint32(hdr[8:]); v != Version {
		return nil, res, fmt.Errorf("%w: unsupported version %d", ErrInvalidIndex, v)
	}
	var digest schema.Digest
	copy(digest[:], hdr[12:])
	if digest != s.Digest() {
		return nil, res, fmt.Errorf("%w: schema digest mismatch", ErrInvalidIndex)
	}

	entryEnd := size
	var wantCount uint64
	var wantCRC uint32
	hasFooter := false

	if size >= headerSize+footerSize {
		ftr := make([]byte, footerSize)
		if _, err := f.ReadAt(ftr, size-footerSize); err == nil && string(ftr[:8]) == footerMagic {
			hasFooter = true
			wantCount = binary.LittleEndian.Uint64(ftr[8:])
			wantCRC = binary.LittleEndian.Uint32(ftr[16:])
			entryEnd = size - footerSize
		}
	}

	if !hasFooter && !recoverMode {
		return nil, res, fmt.Errorf("%w: missing footer", ErrCorrupted)
	}

	entryBytes := entryEnd - headerSize
	if entryBytes < 0 {
		return nil, res, fmt.Errorf("%w: truncated entry region", ErrCorrupted)
	}
	n := entryBytes / entrySize
	if hasFooter {
		if entryBytes%entrySize != 0 {
			return nil, res, fmt.Errorf("%w: ragged entry region", ErrCorrupted)
		}
		if uint64(n) != wantCount {
			return nil, res, fmt.Errorf("%w: footer count %d, have %d entries", ErrCorrupted, wantCount, n)
		}
	}

	buf := make([]byte, n*entrySize)
	if _, err := io.ReadFull(io.NewSectionReader(f, headerSize, n*entrySize), buf); err != nil {
		return nil, res, fmt.Errorf("read index entries: %w", err)
	}
	if hasFooter {
		if crc := crc32.ChecksumIEEE(buf); crc != wantCRC {
			return nil, res, fmt.Errorf("%w: entry checksum mismatch", ErrCorrupted)
		}
	}

	ix := newMem(s)
	for i := int64(0); i < n; i++ {
		e := decodeEntry(buf[i*entrySize:])
		if e.Tombstone {
			delete(ix.byID, e.ID)
		} else {
			ix.byID[e.ID] = e.Placement
		}
	}
	ix.dirty = true

	res.Sealed = hasFooter
	res.Entries = uint64(n)
	return ix, res, nil
}

// LoadPostings attaches a sealed postings file to a loaded index. Without it
// Query fails with ErrNoPostings.
func (ix *Index) LoadPostings(fsys fsys, path string) error {
	p, err := loadPostings(fsys, path, ix.schema)
	if err != nil {
		return err
	}
	ix.mu.Lock()
	ix.postings = p
	ix.mu.Unlock()
	return nil
}

// SavePostings writes the secondary index to its durable file. Called by the
// writer at seal time; a schema without indexable fields writes nothing.
func (ix *Index) SavePostings(fsys fsys, path string) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.postings == nil {
		return nil
	}
	return ix.postings.save(fsys, path)
}
