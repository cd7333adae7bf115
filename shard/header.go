package shard

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/hupe1980/recordpack/schema"
)

const (
	shardMagic = "RPAKSHRD"
	// Version is the shard file format version.
	Version = 1
	// HeaderSize is the fixed size of the shard header at offset 0.
	HeaderSize = 80
)

// Header is the fixed-size descriptor at the start of every shard file.
//
// Layout (little-endian):
//
//	0:8   magic "RPAKSHRD"
//	8:12  format version u32
//	12:16 flags u32 (low byte: compression codec, bit 8: sealed)
//	16:32 schema digest
//	32:36 field count u32
//	36:40 row width u32 (payload + row trailer)
//	40:48 record count u64 (written at seal, 0 while open)
//	48:56 row-region capacity in bytes u64
//	56:64 blob-region bytes u64 (written at seal)
//	64:68 CRC32 over bytes 0:64
//	68:80 reserved
type Header struct {
	Version     uint32
	Compression Compression
	Sealed      bool
	Digest      schema.Digest
	FieldCount  uint32
	RowWidth    uint32
	RecordCount uint64
	RowRegion   uint64
	BlobBytes   uint64
}

const sealedFlag = 1 << 8

func (h *Header) encode() [HeaderSize]byte {
	var buf [HeaderSize]byte
	copy(buf[0:8], shardMagic)
	binary.LittleEndian.PutUint32(buf[8:], h.Version)
	flags := uint32(h.Compression)
	if h.Sealed {
		flags |= sealedFlag
	}
	binary.LittleEndian.PutUint32(buf[12:], flags)
	copy(buf[16:32], h.Digest[:])
	binary.LittleEndian.PutUint32(buf[32:], h.FieldCount)
	binary.LittleEndian.PutUint32(buf[36:], h.RowWidth)
	binary.LittleEndian.PutUint64(buf[40:], h.RecordCount)
	binary.LittleEndian.PutUint64(buf[48:], h.RowRegion)
	binary.LittleEndian.PutUint64(buf[56:], h.BlobBytes)
	binary.LittleEndian.PutUint32(buf[64:], crc32.ChecksumIEEE(buf[:64]))
	return buf
}

func decodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSize {
		return h, fmt.Errorf("%w: shard header truncated (%d bytes)", ErrInvalidHeader, len(buf))
	}
	if string(buf[0:8]) != shardMagic {
		return h, fmt.Errorf("%w: bad magic %q", ErrInvalidHeader, buf[0:8])
	}
	if got, want := binary.LittleEndian.Uint32(buf[64:]), crc32.ChecksumIEEE(buf[:64]); got != want {
		return h, fmt.Errorf("%w: header checksum mismatch", ErrCorrupted)
	}

	h.Version = binary.LittleEndian.Uint32(buf[8:])
	if h.Version != Version {
		return h, fmt.Errorf("%w: version %d (expected %d)", ErrIncompatibleVersion, h.Version, Version)
	}
	flags := binary.LittleEndian.Uint32(buf[12:])
	h.Compression = Compression(flags & 0xff)
	h.Sealed = flags&sealedFlag != 0
	copy(h.Digest[:], buf[16:32])
	h.FieldCount = binary.LittleEndian.Uint32(buf[32:])
	h.RowWidth = binary.LittleEndian.Uint32(buf[36:])
	h.RecordCount = binary.LittleEndian.Uint64(buf[40:])
	h.RowRegion = binary.LittleEndian.Uint64(buf[48:])
	h.BlobBytes = binary.LittleEndian.Uint64(buf[56:])
	return h, nil
}
