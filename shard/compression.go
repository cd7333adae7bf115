package shard

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the algorithm applied to each record's blob span.
type Compression uint8

const (
	// CompressionNone stores blob bytes as written.
	CompressionNone Compression = 0
	// CompressionLZ4 uses LZ4 block compression (fast, modest ratio).
	CompressionLZ4 Compression = 1
	// CompressionZSTD uses ZSTD block compression (better ratio).
	CompressionZSTD Compression = 2
)

// String returns the string representation of the Compression codec.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompression parses the String form.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	}
	return 0, fmt.Errorf("unknown compression codec %q", s)
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// Block format: [rawLen u32][compLen u32][data]. compLen 0 means the data is
// stored uncompressed; incompressible blocks fall back to stored form so a
// block is never larger than rawLen+8.
const blockHeaderSize = 8

func encodeBlock(data []byte, codec Compression) ([]byte, error) {
	var compressed []byte

	switch codec {
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, err
		}
		compressed = buf[:n] // n == 0 means incompressible

	case CompressionZSTD:
		enc := getZstdEncoder()
		compressed = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	}

	if len(compressed) == 0 || len(compressed) >= len(data) {
		block := make([]byte, blockHeaderSize+len(data))
		binary.LittleEndian.PutUint32(block[0:], uint32(len(data)))
		binary.LittleEndian.PutUint32(block[4:], 0)
		copy(block[blockHeaderSize:], data)
		return block, nil
	}

	block := make([]byte, blockHeaderSize+len(compressed))
	binary.LittleEndian.PutUint32(block[0:], uint32(len(data)))
	binary.LittleEndian.PutUint32(block[4:], uint32(len(compressed)))
	copy(block[blockHeaderSize:], compressed)
	return block, nil
}

func decodeBlock(block []byte, codec Compression) ([]byte, error) {
	if len(block) < blockHeaderSize {
		return nil, fmt.Errorf("%w: blob block too small", ErrCorrupted)
	}

	rawLen := binary.LittleEndian.Uint32(block[0:])
	compLen := binary.LittleEndian.Uint32(block[4:])

	if compLen == 0 {
		if uint32(len(block)-blockHeaderSize) != rawLen {
			return nil, fmt.Errorf("%w: stored blob block length mismatch", ErrCorrupted)
		}
		out := make([]byte, rawLen)
		copy(out, block[blockHeaderSize:])
		return out, nil
	}

	if uint32(len(block)-blockHeaderSize) != compLen {
		return nil, fmt.Errorf("%w: compressed blob block length mismatch", ErrCorrupted)
	}
	data := block[blockHeaderSize:]

	switch codec {
	case CompressionLZ4:
		out := make([]byte, rawLen)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
		}
		if uint32(n) != rawLen {
			return nil, fmt.Errorf("%w: blob decompressed to %d bytes, want %d", ErrCorrupted, n, rawLen)
		}
		return out, nil

	case CompressionZSTD:
		dec := getZstdDecoder()
		out, err := dec.DecodeAll(data, make([]byte, 0, rawLen))
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
		}
		if uint32(len(out)) != rawLen {
			return nil, fmt.Errorf("%w: blob decompressed to %d bytes, want %d", ErrCorrupted, len(out), rawLen)
		}
		return out, nil
	}

	return nil, fmt.Errorf("%w: compressed blob but codec is %s", ErrCorrupted, codec)
}
