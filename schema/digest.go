package schema

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// DigestSize is the size of a schema digest in bytes.
const DigestSize = 16

// Digest is a stable fingerprint of a schema's field layout. It is stamped
// into shard and index headers so a reader can detect schema mismatch before
// decoding a single row.
type Digest [DigestSize]byte

// Digest computes the fingerprint over a canonical encoding of the field
// list: for each field in order, the name (length-prefixed), the type tag and
// the nullable/indexable flags. Two schemas with the same fields in the same
// order always produce the same digest.
func (s *Schema) Digest() Digest {
	h := sha256.New()
	var buf [4]byte
	for _, f := range s.fields {
		binary.LittleEndian.PutUint32(buf[:], uint32(len(f.Name)))
		h.Write(buf[:])
		h.Write([]byte(f.Name))
		flags := byte(0)
		if f.Nullable {
			flags |= 1
		}
		if f.Indexable {
			flags |= 2
		}
		h.Write([]byte{byte(f.Type), flags})
	}
	var d Digest
	copy(d[:], h.Sum(nil))
	return d
}

// Hex returns the digest as a lowercase hex string.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// ParseDigest decodes a hex string produced by Hex.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("invalid schema digest: %w", err)
	}
	if len(b) != DigestSize {
		return d, fmt.Errorf("invalid schema digest length: %d", len(b))
	}
	copy(d[:], b)
	return d, nil
}
