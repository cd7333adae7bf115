package index

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/recordpack/internal/fs"
	"github.com/hupe1980/recordpack/record"
	"github.com/hupe1980/recordpack/schema"
	"github.com/hupe1980/recordpack/shard"
)

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()

	s, err := schema.New(
		schema.Field{Name: "id", Type: schema.TypeInt64},
		schema.Field{Name: "label", Type: schema.TypeInt32, Indexable: true},
		schema.Field{Name: "score", Type: schema.TypeFloat32, Indexable: true},
		schema.Field{Name: "name", Type: schema.TypeString, Indexable: true, Nullable: true},
	)
	require.NoError(t, err)

	return s
}

func TestIndexAddLookup(t *testing.T) {
	s := testSchema(t)
	path := filepath.Join(t.TempDir(), "index.rpi")

	ix, err := Create(fs.Default, path, s)
	require.NoError(t, err)
	defer ix.Close()

	p := shard.Placement{ShardID: 1, RowOffset: 80, BlobOffset: 1024, BlobLength: 32}
	require.NoError(t, ix.Add(42, p, nil, false))

	got, ok := ix.Lookup(42)
	require.True(t, ok)
	assert.Equal(t, p, got)

	_, ok = ix.Lookup(43)
	assert.False(t, ok)

	assert.Equal(t, 1, ix.Len())
	assert.Equal(t, 1, ix.Staged())
}

func TestIndexDuplicateID(t *testing.T) {
	s := testSchema(t)
	path := filepath.Join(t.TempDir(), "index.rpi")

	ix, err := Create(fs.Default, path, s)
	require.NoError(t, err)
	defer ix.Close()

	p1 := shard.Placement{ShardID: 0, RowOffset: 80}
	p2 := shard.Placement{ShardID: 0, RowOffset: 160}

	require.NoError(t, ix.Add(7, p1, nil, false))

	err = ix.Add(7, p2, nil, false)
	require.ErrorIs(t, err, ErrDuplicateID)

	require.NoError(t, ix.Add(7, p2, nil, true))

	got, ok := ix.Lookup(7)
	require.True(t, ok)
	assert.Equal(t, p2, got)
	assert.Equal(t, 1, ix.Len())
}

func TestIndexSealAndLoad(t *testing.T) {
	s := testSchema(t)
	path := filepath.Join(t.TempDir(), "index.rpi")

	ix, err := Create(fs.Default, path, s)
	require.NoError(t, err)

	want := map[uint64]shard.Placement{}
	for i := uint64(0); i < 100; i++ {
		p := shard.Placement{ShardID: uint32(i / 10), RowOffset: 80 + i*112, BlobOffset: i * 256, BlobLength: 16}
		require.NoError(t, ix.Add(i, p, nil, false))
		want[i] = p
	}
	require.NoError(t, ix.Flush())
	require.NoError(t, ix.Seal())

	loaded, res, err := Load(fs.Default, path, s, false)
	require.NoError(t, err)
	assert.True(t, res.Sealed)
	assert.Equal(t, uint64(100), res.Entries)
	assert.Equal(t, 100, loaded.Len())

	for id, p := range want {
		got, ok := loaded.Lookup(id)
		require.True(t, ok)
		assert.Equal(t, p, got)
	}
}

func TestIndexLoadOverwriteTombstone(t *testing.T) {
	s := testSchema(t)
	path := filepath.Join(t.TempDir(), "index.rpi")

	ix, err := Create(fs.Default, path, s)
	require.NoError(t, err)

	p1 := shard.Placement{ShardID: 0, RowOffset: 80}
	p2 := shard.Placement{ShardID: 1, RowOffset: 80}

	require.NoError(t, ix.Add(1, p1, nil, false))
	require.NoError(t, ix.Add(1, p2, nil, true))
	require.NoError(t, ix.Seal())

	loaded, res, err := Load(fs.Default, path, s, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Entries)
	assert.Equal(t, 1, loaded.Len())

	got, ok := loaded.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, p2, got)
}

func TestIndexLoadStrictRequiresFooter(t *testing.T) {
	s := testSchema(t)
	path := filepath.Join(t.TempDir(), "index.rpi")

	ix, err := Create(fs.Default, path, s)
	require.NoError(t, err)
	require.NoError(t, ix.Add(1, shard.Placement{RowOffset: 80}, nil, false))
	require.NoError(t, ix.Flush())
	require.NoError(t, ix.Close())

	_, _, err = Load(fs.Default, path, s, false)
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestIndexLoadRecoverTruncatedTail(t *testing.T) {
	s := testSchema(t)
	path := filepath.Join(t.TempDir(), "index.rpi")

	ix, err := Create(fs.Default, path, s)
	require.NoError(t, err)
	for i := uint64(0); i < 10; i++ {
		require.NoError(t, ix.Add(i, shard.Placement{RowOffset: 80 + i*112}, nil, false))
	}
	require.NoError(t, ix.Flush())
	require.NoError(t, ix.Close())

	// Tear the last entry in half, as a crash mid-append would.
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-entrySize/2))

	loaded, res, err := Load(fs.Default, path, s, true)
	require.NoError(t, err)
	assert.False(t, res.Sealed)
	assert.Equal(t, uint64(9), res.Entries)
	assert.Equal(t, 9, loaded.Len())

	_, ok := loaded.Lookup(9)
	assert.False(t, ok)
}

func TestIndexLoadSchemaMismatch(t *testing.T) {
	s := testSchema(t)
	path := filepath.Join(t.TempDir(), "index.rpi")

	ix, err := Create(fs.Default, path, s)
	require.NoError(t, err)
	require.NoError(t, ix.Seal())

	other, err := schema.New(schema.Field{Name: "x", Type: schema.TypeInt64})
	require.NoError(t, err)

	_, _, err = Load(fs.Default, path, other, false)
	require.ErrorIs(t, err, ErrInvalidIndex)
}

func TestIndexDiscardStaged(t *testing.T) {
	s := testSchema(t)
	path := filepath.Join(t.TempDir(), "index.rpi")

	ix, err := Create(fs.Default, path, s)
	require.NoError(t, err)
	defer ix.Close()

	require.NoError(t, ix.Add(1, shard.Placement{RowOffset: 80}, nil, false))
	require.NoError(t, ix.Flush())

	require.NoError(t, ix.Add(2, shard.Placement{RowOffset: 192}, nil, false))
	require.NoError(t, ix.Add(3, shard.Placement{RowOffset: 304}, nil, false))
	ix.DiscardStaged()

	assert.Equal(t, 1, ix.Len())
	assert.Equal(t, 0, ix.Staged())

	_, ok := ix.Lookup(2)
	assert.False(t, ok)
}

func TestIndexFlushRetryAfterSyncFailure(t *testing.T) {
	s := testSchema(t)
	path := filepath.Join(t.TempDir(), "index.rpi")

	faulty := fs.NewFaultyFS(nil)
	ix, err := Create(faulty, path, s)
	require.NoError(t, err)

	require.NoError(t, ix.Add(1, shard.Placement{ShardID: 0, RowOffset: 80}, nil, false))

	// The write lands on disk but the sync fails, leaving an orphaned copy
	// of the entry past the durable end of the file.
	faulty.FailOn("index.rpi", fs.Fault{FailOnSync: true})
	require.ErrorIs(t, ix.Flush(), fs.ErrInjected)
	assert.Equal(t, 1, ix.Staged())

	faulty.Clear()
	require.NoError(t, ix.Flush())
	assert.Equal(t, 0, ix.Staged())

	require.NoError(t, ix.Add(2, shard.Placement{ShardID: 0, RowOffset: 192}, nil, false))
	require.NoError(t, ix.Seal())

	// A sealed file whose footer disagrees with the entry region would fail
	// the strict load, so the retried flush must not have doubled the entry.
	loaded, res, err := Load(fs.Default, path, s, false)
	require.NoError(t, err)
	assert.True(t, res.Sealed)
	assert.Equal(t, uint64(2), res.Entries)
	assert.Equal(t, 2, loaded.Len())
}

func TestIndexRange(t *testing.T) {
	s := testSchema(t)
	path := filepath.Join(t.TempDir(), "index.rpi")

	ix, err := Create(fs.Default, path, s)
	require.NoError(t, err)
	defer ix.Close()

	// Insert out of order to check the range is sorted by id.
	for _, id := range []uint64{50, 10, 30, 20, 40} {
		require.NoError(t, ix.Add(id, shard.Placement{RowOffset: 80 + id}, nil, false))
	}

	var ids []uint64
	for id, p := range ix.Range(15, 45) {
		ids = append(ids, id)
		assert.Equal(t, 80+id, p.RowOffset)
	}
	assert.Equal(t, []uint64{20, 30, 40}, ids)

	ids = nil
	for id := range ix.Range(0, 9) {
		ids = append(ids, id)
	}
	assert.Empty(t, ids)

	// Early break must not deadlock or leak.
	count := 0
	for range ix.Range(0, 100) {
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)
}

func TestIndexQuery(t *testing.T) {
	s := testSchema(t)
	path := filepath.Join(t.TempDir(), "index.rpi")

	ix, err := Create(fs.Default, path, s)
	require.NoError(t, err)
	defer ix.Close()

	recs := []struct {
		id    uint64
		label int32
		score float32
		name  string
	}{
		{1, 7, 0.1, "cat"},
		{2, 7, 0.9, "dog"},
		{3, 5, 0.5, "cat"},
		{4, -3, 0.7, "bird"},
	}
	for _, r := range recs {
		rec := record.Record{
			"id":    record.Int64(int64(r.id)),
			"label": record.Int32(r.label),
			"score": record.Float32(r.score),
			"name":  record.String(r.name),
		}
		require.NoError(t, ix.Add(r.id, shard.Placement{RowOffset: 80 + r.id}, rec, false))
	}

	t.Run("equal", func(t *testing.T) {
		ids, err := ix.Query(Filter{Field: "label", Op: OpEqual, Value: record.Int32(7)})
		require.NoError(t, err)
		assert.Equal(t, []uint64{1, 2}, ids)
	})

	t.Run("equal negative", func(t *testing.T) {
		ids, err := ix.Query(Filter{Field: "label", Op: OpEqual, Value: record.Int32(-3)})
		require.NoError(t, err)
		assert.Equal(t, []uint64{4}, ids)
	})

	t.Run("in", func(t *testing.T) {
		ids, err := ix.Query(Filter{Field: "name", Op: OpIn, Values: []record.Value{record.String("cat"), record.String("bird")}})
		require.NoError(t, err)
		assert.Equal(t, []uint64{1, 3, 4}, ids)
	})

	t.Run("range", func(t *testing.T) {
		ids, err := ix.Query(Filter{Field: "score", Op: OpRange, Low: record.Float32(0.4), High: record.Float32(0.8)})
		require.NoError(t, err)
		assert.Equal(t, []uint64{3, 4}, ids)
	})

	t.Run("range across sign", func(t *testing.T) {
		ids, err := ix.Query(Filter{Field: "label", Op: OpRange, Low: record.Int32(-10), High: record.Int32(6)})
		require.NoError(t, err)
		assert.Equal(t, []uint64{3, 4}, ids)
	})

	t.Run("intersection", func(t *testing.T) {
		ids, err := ix.Query(
			Filter{Field: "label", Op: OpEqual, Value: record.Int32(7)},
			Filter{Field: "name", Op: OpEqual, Value: record.String("cat")},
		)
		require.NoError(t, err)
		assert.Equal(t, []uint64{1}, ids)
	})

	t.Run("no filters returns all", func(t *testing.T) {
		ids, err := ix.Query()
		require.NoError(t, err)
		assert.Equal(t, []uint64{1, 2, 3, 4}, ids)
	})

	t.Run("not indexable", func(t *testing.T) {
		_, err := ix.Query(Filter{Field: "id", Op: OpEqual, Value: record.Int64(1)})
		require.ErrorIs(t, err, ErrNotIndexed)
	})

	t.Run("unknown field", func(t *testing.T) {
		_, err := ix.Query(Filter{Field: "nope", Op: OpEqual, Value: record.Int64(1)})
		require.ErrorIs(t, err, ErrNotIndexed)
	})
}

func TestIndexQueryAfterOverwrite(t *testing.T) {
	s := testSchema(t)
	path := filepath.Join(t.TempDir(), "index.rpi")

	ix, err := Create(fs.Default, path, s)
	require.NoError(t, err)
	defer ix.Close()

	rec1 := record.Record{"id": record.Int64(1), "label": record.Int32(7), "score": record.Float32(0.5)}
	rec2 := record.Record{"id": record.Int64(1), "label": record.Int32(9), "score": record.Float32(0.5)}

	require.NoError(t, ix.Add(1, shard.Placement{RowOffset: 80}, rec1, false))
	require.NoError(t, ix.Add(1, shard.Placement{RowOffset: 192}, rec2, true))

	ids, err := ix.Query(Filter{Field: "label", Op: OpEqual, Value: record.Int32(7)})
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = ix.Query(Filter{Field: "label", Op: OpEqual, Value: record.Int32(9)})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, ids)
}

func TestPostingsSaveLoad(t *testing.T) {
	s := testSchema(t)
	dir := t.TempDir()
	idxPath := filepath.Join(dir, "index.rpi")
	pstPath := filepath.Join(dir, "index.rpp")

	ix, err := Create(fs.Default, idxPath, s)
	require.NoError(t, err)

	for i := uint64(1); i <= 20; i++ {
		rec := record.Record{
			"id":    record.Int64(int64(i)),
			"label": record.Int32(int32(i % 3)),
			"score": record.Float32(float32(i) / 20),
		}
		require.NoError(t, ix.Add(i, shard.Placement{RowOffset: 80 + i}, rec, false))
	}
	require.NoError(t, ix.SavePostings(fs.Default, pstPath))
	require.NoError(t, ix.Seal())

	loaded, _, err := Load(fs.Default, idxPath, s, false)
	require.NoError(t, err)

	_, err = loaded.Query(Filter{Field: "label", Op: OpEqual, Value: record.Int32(1)})
	require.ErrorIs(t, err, ErrNoPostings)

	require.NoError(t, loaded.LoadPostings(fs.Default, pstPath))

	ids, err := loaded.Query(Filter{Field: "label", Op: OpEqual, Value: record.Int32(1)})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 4, 7, 10, 13, 16, 19}, ids)

	ids, err = loaded.Query(Filter{Field: "score", Op: OpRange, Low: record.Float32(0.0), High: record.Float32(0.25)})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, ids)
}

func TestPostingsCorruption(t *testing.T) {
	s := testSchema(t)
	dir := t.TempDir()
	idxPath := filepath.Join(dir, "index.rpi")
	pstPath := filepath.Join(dir, "index.rpp")

	ix, err := Create(fs.Default, idxPath, s)
	require.NoError(t, err)

	rec := record.Record{"id": record.Int64(1), "label": record.Int32(1), "score": record.Float32(0.5)}
	require.NoError(t, ix.Add(1, shard.Placement{RowOffset: 80}, rec, false))
	require.NoError(t, ix.SavePostings(fs.Default, pstPath))
	require.NoError(t, ix.Seal())

	data, err := os.ReadFile(pstPath)
	require.NoError(t, err)
	data[len(data)/2] ^= 0xff
	require.NoError(t, os.WriteFile(pstPath, data, 0o644))

	loaded, _, err := Load(fs.Default, idxPath, s, false)
	require.NoError(t, err)
	require.ErrorIs(t, loaded.LoadPostings(fs.Default, pstPath), ErrCorrupted)
}

func TestValueKeyOrdering(t *testing.T) {
	int32Key := func(n int32) string {
		k, err := valueKey(schema.TypeInt32, record.Int32(n))
		require.NoError(t, err)
		return k
	}
	float64Key := func(f float64) string {
		k, err := valueKey(schema.TypeFloat64, record.Float64(f))
		require.NoError(t, err)
		return k
	}

	ints := []int32{-2147483648, -100, -1, 0, 1, 100, 2147483647}
	keys := make([]string, len(ints))
	for i, n := range ints {
		keys[i] = int32Key(n)
	}
	assert.True(t, sort.StringsAreSorted(keys))

	floats := []float64{-1e300, -1.5, -0.0, 0.0, 1e-10, 1.5, 1e300}
	keys = keys[:0]
	for _, f := range floats {
		keys = append(keys, float64Key(f))
	}
	assert.True(t, sort.StringsAreSorted(keys))
}
