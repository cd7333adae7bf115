package recordpack

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/recordpack/index"
	"github.com/hupe1980/recordpack/manifest"
	"github.com/hupe1980/recordpack/record"
	"github.com/hupe1980/recordpack/schema"
	"github.com/hupe1980/recordpack/shard"
)

// Row pairs a record with its id for iteration results.
type Row struct {
	ID     uint64
	Record record.Record
}

// Stats describes what a Reader found when it opened the dataset.
type Stats struct {
	// Records is the number of live, readable records.
	Records uint64
	// Shards is the number of shard files.
	Shards int
	// Expected is the record count the manifest promised. Equal to Records
	// on a clean sealed dataset.
	Expected uint64
	// Recovered is the number of records that survived a recovered open.
	// Equal to Records; kept separate so callers can log it against
	// Expected.
	Recovered uint64
	// Truncated reports that recovery discarded torn tail data somewhere.
	Truncated bool
}

// Reader provides random and sequential access to a dataset. A Reader is
// immutable after open and safe for concurrent use by any number of
// goroutines; open as many Readers as needed.
type Reader struct {
	dir    string
	opts   readerOptions
	schema *schema.Schema
	codec  *record.Codec

	index  *index.Index
	shards map[uint32]*shard.Shard
	stats  Stats

	mu             sync.Mutex
	postingsLoaded bool
	closed         bool
}

// OpenDataset opens a dataset for reading. Sealed datasets open as-is; a
// dataset in the writing or aborted state needs WithRecovery, which scans
// each shard for its valid committed prefix.
func OpenDataset(dir string, optFns ...ReaderOption) (*Reader, error) {
	o := defaultReaderOptions()
	for _, fn := range optFns {
		fn(&o)
	}

	store := manifest.NewStore(o.fsys, dir)
	m, err := store.Load()
	if errors.Is(err, manifest.ErrNoManifest) {
		return nil, fmt.Errorf("%w: no dataset at %s", ErrNotFound, dir)
	}
	if err != nil {
		return nil, translateError(err)
	}

	if m.State != manifest.StateSealed && !o.recovery {
		return nil, fmt.Errorf("%w: dataset is %s, open with recovery", ErrInvalidState, m.State)
	}

	s, err := m.DecodeSchema()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
	}

	ix, loadRes, err := index.Load(o.fsys, filepath.Join(dir, m.IndexPath), s, o.recovery)
	if err != nil {
		return nil, translateError(err)
	}

	r := &Reader{
		dir:    dir,
		opts:   o,
		schema: s,
		codec:  record.NewCodec(s, record.Options{}),
		index:  ix,
		shards: make(map[uint32]*shard.Shard, len(m.Shards)),
	}

	var (
		mu        sync.Mutex
		truncated = !loadRes.Sealed
	)

	var g errgroup.Group
	for _, info := range m.Shards {
		g.Go(func() error {
			path := filepath.Join(dir, info.Path)

			var (
				sh  *shard.Shard
				err error
			)
			if o.recovery {
				var rs shard.RecoverStats
				sh, rs, err = shard.Recover(o.fsys, path, info.ID, s, o.mmap)
				if err == nil && rs.Truncated {
					mu.Lock()
					truncated = true
					mu.Unlock()
				}
			} else {
				sh, err = shard.OpenRead(o.fsys, path, info.ID, s, o.mmap)
				if err == nil && uint64(sh.Rows()) != info.Rows {
					sh.Close()
					return fmt.Errorf("%w: shard %d holds %d rows, manifest says %d",
						ErrCorrupted, info.ID, sh.Rows(), info.Rows)
				}
			}
			if err != nil {
				if o.recovery && errors.Is(err, os.ErrNotExist) {
					// Shard never made it to disk; its records are gone.
					mu.Lock()
					truncated = true
					mu.Unlock()
					return nil
				}
				return translateError(err)
			}

			mu.Lock()
			r.shards[info.ID] = sh
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.closeShards()
		return nil, err
	}

	if o.recovery {
		dropped := r.index.Prune(func(_ uint64, p shard.Placement) bool {
			sh, ok := r.shards[p.ShardID]
			return ok && sh.Contains(p)
		})
		if dropped > 0 {
			truncated = true
		}
	}

	r.stats = Stats{
		Records:   uint64(r.index.Len()),
		Shards:    len(r.shards),
		Expected:  m.RecordCount,
		Recovered: uint64(r.index.Len()),
		Truncated: truncated,
	}

	if o.recovery {
		o.logger.LogRecovery(r.stats.Recovered, r.stats.Expected, nil)
	}
	o.logger.Debug("dataset opened",
		"dir", dir,
		"records", r.stats.Records,
		"shards", r.stats.Shards,
		"mmap", o.mmap,
	)

	return r, nil
}

// Schema returns the dataset schema.
func (r *Reader) Schema() *schema.Schema { return r.schema }

// Stats returns what the Reader found at open time.
func (r *Reader) Stats() Stats { return r.stats }

// Count returns the number of readable records.
func (r *Reader) Count() uint64 { return r.stats.Records }

func (r *Reader) read(id uint64, p shard.Placement) (record.Record, error) {
	sh, ok := r.shards[p.ShardID]
	if !ok {
		return nil, fmt.Errorf("%w: record %d points at missing shard %d", ErrCorrupted, id, p.ShardID)
	}
	fixed, blob, err := sh.Read(p)
	if err != nil {
		return nil, translateError(err)
	}
	rec, err := r.codec.Decode(fixed, blob)
	if err != nil {
		return nil, translateError(err)
	}
	return rec, nil
}

// Get returns the record with the given id, or ErrNotFound.
func (r *Reader) Get(id uint64) (record.Record, error) {
	p, ok := r.index.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return r.read(id, p)
}

// GetBatch returns the records for the given ids, in order. A single missing
// id fails the whole batch with ErrNotFound.
func (r *Reader) GetBatch(ids []uint64) ([]record.Record, error) {
	recs := make([]record.Record, len(ids))
	for i, id := range ids {
		rec, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		recs[i] = rec
	}
	return recs, nil
}

// GetRange streams records with start <= id <= end in ascending id order.
// Iteration stops at the first error:
//
//	for row, err := range r.GetRange(0, 999) {
//	    if err != nil {
//	        return err
//	    }
//	    use(row.ID, row.Record)
//	}
func (r *Reader) GetRange(start, end uint64) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		if start > end {
			yield(Row{}, fmt.Errorf("%w: start %d > end %d", ErrInvalidRange, start, end))
			return
		}
		for id, p := range r.index.Range(start, end) {
			rec, err := r.read(id, p)
			if err != nil {
				yield(Row{ID: id}, err)
				return
			}
			if !yield(Row{ID: id, Record: rec}, nil) {
				return
			}
		}
	}
}

// GetPage returns page pageIndex of the dataset in ascending id order, with
// pageSize records per page. The last page may be short; a page past the end
// is empty. Page indexes below zero and sizes below one fail with
// ErrInvalidRange.
func (r *Reader) GetPage(pageIndex, pageSize int) ([]Row, error) {
	if pageIndex < 0 || pageSize <= 0 {
		return nil, fmt.Errorf("%w: page %d size %d", ErrInvalidRange, pageIndex, pageSize)
	}

	ids := r.index.IDs()
	if pageIndex > math.MaxInt/pageSize {
		// The first record of such a page would sit past any possible
		// dataset, so the page is empty. Multiplying first would overflow.
		return nil, nil
	}
	lo := pageIndex * pageSize
	if lo >= len(ids) {
		return nil, nil
	}
	hi := lo + pageSize
	if hi < lo || hi > len(ids) {
		hi = len(ids)
	}

	rows := make([]Row, 0, hi-lo)
	for _, id := range ids[lo:hi] {
		rec, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		rows = append(rows, Row{ID: id, Record: rec})
	}
	return rows, nil
}

// ReadShardRange reads count physical rows of one shard starting at row
// start, in storage order. This bypasses the index and therefore also
// returns rows whose ids were later overwritten.
func (r *Reader) ReadShardRange(shardID uint32, start, count uint32) ([]Row, error) {
	sh, ok := r.shards[shardID]
	if !ok {
		return nil, fmt.Errorf("%w: shard %d", ErrNotFound, shardID)
	}
	if start+count > sh.Rows() {
		return nil, fmt.Errorf("%w: rows [%d, %d) of %d", ErrInvalidRange, start, start+count, sh.Rows())
	}

	rows := make([]Row, 0, count)
	for row := start; row < start+count; row++ {
		fixed, blob, id, err := sh.ReadFull(row)
		if err != nil {
			return nil, translateError(err)
		}
		rec, err := r.codec.Decode(fixed, blob)
		if err != nil {
			return nil, translateError(err)
		}
		rows = append(rows, Row{ID: id, Record: rec})
	}
	return rows, nil
}

// Query evaluates secondary-index filters and returns the matching records
// in ascending id order. Requires the dataset's postings file, which sealed
// writers produce for schemas with indexable fields.
func (r *Reader) Query(filters ...index.Filter) ([]Row, error) {
	if len(filters) > 0 {
		if err := r.ensurePostings(); err != nil {
			return nil, err
		}
	}

	ids, err := r.index.Query(filters...)
	if err != nil {
		return nil, translateError(err)
	}

	rows := make([]Row, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		rows = append(rows, Row{ID: id, Record: rec})
	}
	return rows, nil
}

var errNoPostingsFile = fmt.Errorf("%w: dataset has no secondary index", ErrInvalidState)

func (r *Reader) ensurePostings() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.postingsLoaded {
		return nil
	}
	path := filepath.Join(r.dir, PostingsFileName)
	if _, err := r.opts.fsys.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errNoPostingsFile
		}
		return err
	}
	if err := r.index.LoadPostings(r.opts.fsys, path); err != nil {
		return translateError(err)
	}
	r.postingsLoaded = true
	return nil
}

func (r *Reader) closeShards() error {
	var firstErr error
	for _, sh := range r.shards {
		if err := sh.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close releases all shard handles and mappings. In-flight reads must finish
// first; Close is not synchronized against them.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	return r.closeShards()
}
