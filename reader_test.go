package recordpack

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/recordpack/index"
	"github.com/hupe1980/recordpack/record"
)

func buildDataset(t *testing.T, n int64, optFns ...Option) string {
	t.Helper()

	dir := t.TempDir()
	w, err := CreateDataset(dir, testSchema(t), optFns...)
	require.NoError(t, err)
	for i := int64(0); i < n; i++ {
		_, err := w.Write(testRecord(i))
		require.NoError(t, err)
	}
	require.NoError(t, w.Seal())

	return dir
}

func TestReaderGet(t *testing.T) {
	r, err := OpenDataset(buildDataset(t, 20))
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Get(13)
	require.NoError(t, err)
	assert.True(t, testRecord(13).Equal(got))

	_, err = r.Get(99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReaderGetBatch(t *testing.T) {
	r, err := OpenDataset(buildDataset(t, 20))
	require.NoError(t, err)
	defer r.Close()

	recs, err := r.GetBatch([]uint64{3, 17, 5})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.True(t, testRecord(3).Equal(recs[0]))
	assert.True(t, testRecord(17).Equal(recs[1]))
	assert.True(t, testRecord(5).Equal(recs[2]))

	_, err = r.GetBatch([]uint64{3, 99})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReaderGetRange(t *testing.T) {
	r, err := OpenDataset(buildDataset(t, 20))
	require.NoError(t, err)
	defer r.Close()

	var ids []uint64
	for row, err := range r.GetRange(5, 9) {
		require.NoError(t, err)
		ids = append(ids, row.ID)
	}
	assert.Equal(t, []uint64{5, 6, 7, 8, 9}, ids)

	// Inclusive bounds, empty window, invalid window.
	ids = nil
	for row, err := range r.GetRange(19, 19) {
		require.NoError(t, err)
		ids = append(ids, row.ID)
	}
	assert.Equal(t, []uint64{19}, ids)

	for _, err := range r.GetRange(100, 200) {
		require.NoError(t, err)
		t.Fatal("empty range yielded a row")
	}

	for _, err := range r.GetRange(9, 5) {
		require.ErrorIs(t, err, ErrInvalidRange)
	}
}

func TestReaderGetPage(t *testing.T) {
	r, err := OpenDataset(buildDataset(t, 10))
	require.NoError(t, err)
	defer r.Close()

	page, err := r.GetPage(0, 4)
	require.NoError(t, err)
	require.Len(t, page, 4)
	assert.Equal(t, uint64(0), page[0].ID)
	assert.Equal(t, uint64(3), page[3].ID)

	// Short last page.
	page, err = r.GetPage(2, 4)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(9), page[1].ID)

	// Past the end.
	page, err = r.GetPage(5, 4)
	require.NoError(t, err)
	assert.Empty(t, page)

	// So far past the end that pageIndex*pageSize overflows an int.
	page, err = r.GetPage(math.MaxInt, 2)
	require.NoError(t, err)
	assert.Empty(t, page)

	// A huge page covers the whole dataset.
	page, err = r.GetPage(0, math.MaxInt)
	require.NoError(t, err)
	assert.Len(t, page, 10)

	_, err = r.GetPage(-1, 4)
	require.ErrorIs(t, err, ErrInvalidRange)
	_, err = r.GetPage(0, 0)
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestReaderShardRange(t *testing.T) {
	dir := buildDataset(t, 6, WithShardRecordLimit(4))

	r, err := OpenDataset(dir)
	require.NoError(t, err)
	defer r.Close()

	rows, err := r.ReadShardRange(0, 1, 3)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, uint64(1), rows[0].ID)
	assert.True(t, testRecord(3).Equal(rows[2].Record))

	rows, err = r.ReadShardRange(1, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), rows[0].ID)

	_, err = r.ReadShardRange(0, 2, 10)
	require.ErrorIs(t, err, ErrInvalidRange)
	_, err = r.ReadShardRange(9, 0, 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReaderQuery(t *testing.T) {
	r, err := OpenDataset(buildDataset(t, 30))
	require.NoError(t, err)
	defer r.Close()

	rows, err := r.Query(index.Filter{Field: "label", Op: index.OpEqual, Value: record.Int32(3)})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		label, ok := row.Record["label"].AsInt32()
		require.True(t, ok)
		assert.Equal(t, int32(3), label)
	}

	rows, err = r.Query(index.Filter{Field: "label", Op: index.OpRange, Low: record.Int32(8), High: record.Int32(9)})
	require.NoError(t, err)
	assert.Len(t, rows, 6)

	_, err = r.Query(index.Filter{Field: "image", Op: index.OpEqual, Value: record.Bytes([]byte("x"))})
	require.ErrorIs(t, err, index.ErrNotIndexed)
}

func TestReaderWithoutMmap(t *testing.T) {
	r, err := OpenDataset(buildDataset(t, 10), WithoutMmap())
	require.NoError(t, err)
	defer r.Close()

	for i := int64(0); i < 10; i++ {
		got, err := r.Get(uint64(i))
		require.NoError(t, err)
		assert.True(t, testRecord(i).Equal(got))
	}
}

func TestReaderConcurrent(t *testing.T) {
	dir := buildDataset(t, 100, WithShardRecordLimit(16))

	r, err := OpenDataset(dir)
	require.NoError(t, err)
	defer r.Close()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := int64(0); i < 100; i++ {
				got, err := r.Get(uint64(i))
				assert.NoError(t, err)
				assert.True(t, testRecord(i).Equal(got))
			}
		}()
	}
	wg.Wait()
}

func TestReaderMultipleOpen(t *testing.T) {
	dir := buildDataset(t, 10)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := OpenDataset(dir)
			if !assert.NoError(t, err) {
				return
			}
			defer r.Close()
			got, err := r.Get(7)
			assert.NoError(t, err)
			assert.True(t, testRecord(7).Equal(got))
		}()
	}
	wg.Wait()
}

func TestConcurrentDisjointWriters(t *testing.T) {
	dirs := []string{t.TempDir(), t.TempDir()}

	var wg sync.WaitGroup
	for part, dir := range dirs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w, err := CreateDataset(dir, testSchema(t), WithFirstShardID(uint32(part*100)))
			if !assert.NoError(t, err) {
				return
			}
			for i := int64(0); i < 50; i++ {
				_, err := w.Write(testRecord(int64(part)*1000 + i))
				assert.NoError(t, err)
			}
			assert.NoError(t, w.Seal())
		}()
	}
	wg.Wait()

	for part, dir := range dirs {
		r, err := OpenDataset(dir)
		require.NoError(t, err)
		got, err := r.Get(0)
		require.NoError(t, err)
		assert.True(t, testRecord(int64(part)*1000).Equal(got))
		require.NoError(t, r.Close())
	}
}
