package shard

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/recordpack/record"
	"github.com/hupe1980/recordpack/schema"
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.New(
		schema.Field{Name: "id", Type: schema.TypeInt64},
		schema.Field{Name: "payload", Type: schema.TypeBytes, Nullable: true},
	)
	require.NoError(t, err)
	return s
}

func encodeTestRecord(t *testing.T, s *schema.Schema, id int64, payload []byte) (fixed, blob []byte) {
	t.Helper()
	c := record.NewCodec(s, record.DefaultOptions())
	rec := record.Record{"id": record.Int64(id)}
	if payload != nil {
		rec["payload"] = record.Bytes(payload)
	}
	fixed, blob, err := c.Encode(rec)
	require.NoError(t, err)
	return fixed, blob
}

func TestCreateAppendSealRead(t *testing.T) {
	s := testSchema(t)
	path := filepath.Join(t.TempDir(), FileName(0))

	sh, err := Create(nil, path, 0, s, DefaultOptions())
	require.NoError(t, err)

	var placements []Placement
	for i := int64(0); i < 10; i++ {
		fixed, blob := encodeTestRecord(t, s, i, []byte{byte(i), 0xff})
		p, err := sh.Append(uint64(i), fixed, blob)
		require.NoError(t, err)
		placements = append(placements, p)
	}

	require.NoError(t, sh.Seal())
	assert.True(t, sh.Sealed())

	// Append after seal fails.
	fixed, blob := encodeTestRecord(t, s, 99, nil)
	_, err = sh.Append(99, fixed, blob)
	assert.ErrorIs(t, err, ErrSealed)

	require.NoError(t, sh.Close())

	rd, err := OpenRead(nil, path, 0, s, false)
	require.NoError(t, err)
	defer rd.Close()

	assert.Equal(t, uint32(10), rd.Rows())

	c := record.NewCodec(s, record.DefaultOptions())
	for i, p := range placements {
		fixed, blob, err := rd.Read(p)
		require.NoError(t, err)
		rec, err := c.Decode(fixed, blob)
		require.NoError(t, err)

		id, ok := rec["id"].AsInt64()
		require.True(t, ok)
		assert.Equal(t, int64(i), id)
		payload, ok := rec["payload"].AsBytes()
		require.True(t, ok)
		assert.Equal(t, []byte{byte(i), 0xff}, payload)
	}

	// Row-level access reports the trailer id.
	_, id, err := rd.ReadRow(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), id)
}

func TestOpenReadMmap(t *testing.T) {
	s := testSchema(t)
	path := filepath.Join(t.TempDir(), FileName(0))

	sh, err := Create(nil, path, 0, s, DefaultOptions())
	require.NoError(t, err)
	fixed, blob := encodeTestRecord(t, s, 7, []byte("via mmap"))
	p, err := sh.Append(7, fixed, blob)
	require.NoError(t, err)
	require.NoError(t, sh.Seal())
	require.NoError(t, sh.Close())

	rd, err := OpenRead(nil, path, 0, s, true)
	require.NoError(t, err)
	defer rd.Close()

	gotFixed, gotBlob, err := rd.Read(p)
	require.NoError(t, err)
	assert.Equal(t, fixed, gotFixed)
	assert.Equal(t, blob, gotBlob)
}

func TestOpenReadUnsealed(t *testing.T) {
	s := testSchema(t)
	path := filepath.Join(t.TempDir(), FileName(0))

	sh, err := Create(nil, path, 0, s, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, sh.Close())

	_, err = OpenRead(nil, path, 0, s, false)
	assert.ErrorIs(t, err, ErrNotSealed)
}

func TestOpenReadDigestMismatch(t *testing.T) {
	s := testSchema(t)
	path := filepath.Join(t.TempDir(), FileName(0))

	sh, err := Create(nil, path, 0, s, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, sh.Seal())
	require.NoError(t, sh.Close())

	other, err := schema.New(schema.Field{Name: "other", Type: schema.TypeInt32})
	require.NoError(t, err)

	_, err = OpenRead(nil, path, 0, other, false)
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestCompressionRoundTrip(t *testing.T) {
	for _, codec := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		t.Run(codec.String(), func(t *testing.T) {
			s := testSchema(t)
			path := filepath.Join(t.TempDir(), FileName(0))

			opts := DefaultOptions()
			opts.Compression = codec
			sh, err := Create(nil, path, 0, s, opts)
			require.NoError(t, err)

			// Compressible payload.
			payload := make([]byte, 4096)
			for i := range payload {
				payload[i] = byte(i % 7)
			}
			fixed, blob := encodeTestRecord(t, s, 1, payload)
			p, err := sh.Append(1, fixed, blob)
			require.NoError(t, err)
			require.NoError(t, sh.Seal())
			require.NoError(t, sh.Close())

			rd, err := OpenRead(nil, path, 0, s, false)
			require.NoError(t, err)
			defer rd.Close()

			gotFixed, gotBlob, err := rd.Read(p)
			require.NoError(t, err)
			assert.Equal(t, fixed, gotFixed)
			assert.Equal(t, blob, gotBlob)
		})
	}
}

func TestRecoverTruncatedTail(t *testing.T) {
	s := testSchema(t)
	dir := t.TempDir()
	path := filepath.Join(dir, FileName(0))

	sh, err := Create(nil, path, 0, s, DefaultOptions())
	require.NoError(t, err)
	for i := int64(0); i < 8; i++ {
		fixed, blob := encodeTestRecord(t, s, i, []byte{byte(i), byte(i), byte(i)})
		_, err := sh.Append(uint64(i), fixed, blob)
		require.NoError(t, err)
	}
	require.NoError(t, sh.Sync())
	blobEnd := sh.Mark().BlobEnd
	// Simulated crash: no Seal.
	require.NoError(t, sh.Close())

	// Cut the last record's blob span in half.
	require.NoError(t, os.Truncate(path, int64(blobEnd)-2))

	rec, stats, err := Recover(nil, path, 0, s, false)
	require.NoError(t, err)
	defer rec.Close()

	assert.Equal(t, uint64(7), stats.Recovered)
	assert.Equal(t, uint64(0), stats.Expected)
	assert.True(t, stats.Truncated)
	assert.Equal(t, uint32(7), rec.Rows())

	// Every surviving row reads back cleanly.
	for i := uint32(0); i < rec.Rows(); i++ {
		_, id, err := rec.ReadRow(i)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), id)
	}
}

func TestRecoverZeroedRow(t *testing.T) {
	s := testSchema(t)
	path := filepath.Join(t.TempDir(), FileName(0))

	sh, err := Create(nil, path, 0, s, DefaultOptions())
	require.NoError(t, err)
	for i := int64(0); i < 4; i++ {
		fixed, blob := encodeTestRecord(t, s, i, nil)
		_, err := sh.Append(uint64(i), fixed, blob)
		require.NoError(t, err)
	}
	rowWidth := sh.rowWidth
	require.NoError(t, sh.Close())

	// Zero the third row slot, as an aborted positioned write would.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt(make([]byte, rowWidth), int64(HeaderSize)+2*int64(rowWidth))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rec, stats, err := Recover(nil, path, 0, s, false)
	require.NoError(t, err)
	defer rec.Close()

	// The scan stops at the zeroed slot; only the prefix survives.
	assert.Equal(t, uint64(2), stats.Recovered)
}

func TestTruncateTo(t *testing.T) {
	s := testSchema(t)
	path := filepath.Join(t.TempDir(), FileName(0))

	sh, err := Create(nil, path, 0, s, DefaultOptions())
	require.NoError(t, err)

	for i := int64(0); i < 3; i++ {
		fixed, blob := encodeTestRecord(t, s, i, []byte("committed"))
		_, err := sh.Append(uint64(i), fixed, blob)
		require.NoError(t, err)
	}
	mark := sh.Mark()

	for i := int64(3); i < 6; i++ {
		fixed, blob := encodeTestRecord(t, s, i, []byte("uncommitted"))
		_, err := sh.Append(uint64(i), fixed, blob)
		require.NoError(t, err)
	}
	require.Equal(t, uint32(6), sh.Rows())

	require.NoError(t, sh.TruncateTo(mark))
	assert.Equal(t, uint32(3), sh.Rows())
	require.NoError(t, sh.Close())

	rec, stats, err := Recover(nil, path, 0, s, false)
	require.NoError(t, err)
	defer rec.Close()
	assert.Equal(t, uint64(3), stats.Recovered)
}

func TestManagerRollover(t *testing.T) {
	s := testSchema(t)
	dir := t.TempDir()

	// Room for two rows per shard.
	_, rowWidth := shardGeometry(s)
	opts := Options{RowRegionBytes: int64(rowWidth) * 2}

	m, err := NewManager(nil, dir, s, 0, opts, nil)
	require.NoError(t, err)

	var rolls int
	shardIDs := make(map[uint32]bool)
	for i := int64(0); i < 5; i++ {
		fixed, blob := encodeTestRecord(t, s, i, nil)
		p, rolled, err := m.Append(uint64(i), fixed, blob)
		require.NoError(t, err)
		if rolled {
			rolls++
		}
		shardIDs[p.ShardID] = true
	}

	assert.Equal(t, 2, rolls)
	assert.Len(t, shardIDs, 3)

	require.NoError(t, m.SealAll())
	infos := m.Infos()
	require.Len(t, infos, 3)
	assert.Equal(t, uint32(2), infos[0].Rows)
	assert.Equal(t, uint32(2), infos[1].Rows)
	assert.Equal(t, uint32(1), infos[2].Rows)

	require.NoError(t, m.Close())
}

func TestManagerAbortRemovesUncommittedShards(t *testing.T) {
	s := testSchema(t)
	dir := t.TempDir()

	_, rowWidth := shardGeometry(s)
	opts := Options{RowRegionBytes: int64(rowWidth) * 2}

	m, err := NewManager(nil, dir, s, 0, opts, nil)
	require.NoError(t, err)

	// Nothing committed: no marks at all.
	fixed, blob := encodeTestRecord(t, s, 0, nil)
	_, _, err = m.Append(0, fixed, blob)
	require.NoError(t, err)

	require.NoError(t, m.AbortTo(nil))

	_, err = os.Stat(filepath.Join(dir, FileName(0)))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestHeaderRoundTrip(t *testing.T) {
	s := testSchema(t)
	h := Header{
		Version:     Version,
		Compression: CompressionZSTD,
		Sealed:      true,
		Digest:      s.Digest(),
		FieldCount:  2,
		RowWidth:    41,
		RecordCount: 123,
		RowRegion:   4096,
		BlobBytes:   999,
	}
	buf := h.encode()
	got, err := decodeHeader(buf[:])
	require.NoError(t, err)
	assert.Equal(t, h, got)

	// Flipped byte breaks the header checksum.
	buf[20] ^= 0xff
	_, err = decodeHeader(buf[:])
	assert.ErrorIs(t, err, ErrCorrupted)
}
