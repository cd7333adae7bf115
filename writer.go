package recordpack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/hupe1980/recordpack/index"
	"github.com/hupe1980/recordpack/manifest"
	"github.com/hupe1980/recordpack/record"
	"github.com/hupe1980/recordpack/schema"
	"github.com/hupe1980/recordpack/shard"
)

type writerState int

const (
	writerOpen writerState = iota
	writerSealed
	writerAborted
	writerClosed
)

// Writer appends records to a dataset. All methods are safe for concurrent
// use, but a dataset has exactly one Writer at a time, enforced by an
// exclusive lock on its LOCK file.
//
// Records become durable at Commit boundaries. Seal finishes the dataset and
// makes it immutable; Abort rolls back to the last commit and marks the
// dataset aborted. Both are terminal.
type Writer struct {
	mu sync.Mutex

	dir    string
	opts   options
	schema *schema.Schema
	codec  *record.Codec

	shards *shard.Manager
	index  *index.Index
	store  *manifest.Store
	lock   *fileLock

	state       writerState
	nextID      uint64
	sinceCommit int
	marks       []shard.Mark
	manifestID  uint64
}

// CreateDataset creates a new dataset directory and returns its Writer. The
// directory is created if needed; a directory that already holds a dataset
// fails with ErrDatasetExists.
func CreateDataset(dir string, s *schema.Schema, optFns ...Option) (*Writer, error) {
	o := defaultOptions()
	for _, fn := range optFns {
		fn(&o)
	}
	if s == nil {
		return nil, fmt.Errorf("%w: schema is nil", schema.ErrInvalidSchema)
	}

	if err := o.fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dataset dir: %w", err)
	}

	store := manifest.NewStore(o.fsys, dir)
	if _, err := store.Load(); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDatasetExists, dir)
	} else if !errors.Is(err, manifest.ErrNoManifest) {
		return nil, err
	}

	lock, err := acquireLock(filepath.Join(dir, LockFileName))
	if err != nil {
		return nil, err
	}

	rowRegion := int64(o.rowRegionBytes)
	if o.recordLimit > 0 {
		rowRegion = shard.RowRegionForRecords(s, o.recordLimit)
	}

	mgr, err := shard.NewManager(o.fsys, dir, s, o.firstShardID, shard.Options{
		RowRegionBytes: rowRegion,
		Compression:    o.compression,
	}, o.logger.Logger)
	if err != nil {
		lock.release()
		return nil, translateError(err)
	}

	ix, err := index.Create(o.fsys, filepath.Join(dir, IndexFileName), s)
	if err != nil {
		mgr.Close()
		lock.release()
		return nil, translateError(err)
	}

	w := &Writer{
		dir:    dir,
		opts:   o,
		schema: s,
		codec:  record.NewCodec(s, record.Options{MaxValueBytes: o.maxValueBytes}),
		shards: mgr,
		index:  ix,
		store:  store,
		lock:   lock,
	}

	if err := w.saveManifest(manifest.StateWriting); err != nil {
		ix.Close()
		mgr.Close()
		lock.release()
		return nil, err
	}

	o.logger.Info("dataset created",
		"dir", dir,
		"fields", s.NumFields(),
		"compression", o.compression.String(),
	)

	return w, nil
}

// Schema returns the dataset schema.
func (w *Writer) Schema() *schema.Schema { return w.schema }

// Count returns the number of live records written so far, committed or not.
func (w *Writer) Count() uint64 {
	return uint64(w.index.Len())
}

// Write appends one record under an auto-assigned sequential id and returns
// it. The record must match the schema exactly.
func (w *Writer) Write(rec record.Record) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkOpen(); err != nil {
		return 0, err
	}

	id := w.nextID
	if err := w.writeLocked(id, rec); err != nil {
		return 0, translateError(err)
	}
	w.nextID++
	return id, nil
}

// WriteWithID appends one record under an explicit id. Duplicate ids fail
// with ErrDuplicateID unless the Writer was created WithOverwrite, in which
// case the previous record is replaced.
func (w *Writer) WriteWithID(id uint64, rec record.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkOpen(); err != nil {
		return err
	}

	if err := w.writeLocked(id, rec); err != nil {
		return translateError(err)
	}
	if id >= w.nextID {
		w.nextID = id + 1
	}
	return nil
}

// WriteBatch appends a batch under auto-assigned ids, returned in batch
// order. A record that fails to encode gets id 0 and the failures are
// collected into a *BatchError while the rest of the batch is still written.
// WithStrictBatch instead fails the batch on the first bad record; records
// already written stay written and are rolled back by Abort, not by the
// error.
func (w *Writer) WriteBatch(recs []record.Record) ([]uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkOpen(); err != nil {
		return nil, err
	}

	ids := make([]uint64, len(recs))
	failed := make(map[int]error)

	for i, rec := range recs {
		id := w.nextID
		if err := w.writeLocked(id, rec); err != nil {
			if w.opts.strictBatch {
				return ids[:i], translateError(err)
			}
			failed[i] = translateError(err)
			continue
		}
		w.nextID++
		ids[i] = id
	}

	if len(failed) > 0 {
		return ids, &BatchError{Failed: failed}
	}
	return ids, nil
}

func (w *Writer) checkOpen() error {
	switch w.state {
	case writerOpen:
		return nil
	case writerClosed:
		return ErrClosed
	default:
		return fmt.Errorf("%w: writer is %s", ErrInvalidState, w.stateString())
	}
}

func (w *Writer) stateString() string {
	switch w.state {
	case writerOpen:
		return "open"
	case writerSealed:
		return "sealed"
	case writerAborted:
		return "aborted"
	default:
		return "closed"
	}
}

func (w *Writer) writeLocked(id uint64, rec record.Record) error {
	if !w.opts.overwrite {
		if _, exists := w.index.Lookup(id); exists {
			return fmt.Errorf("%w: %d", index.ErrDuplicateID, id)
		}
	}

	fixed, blob, err := w.codec.Encode(rec)
	if err != nil {
		return err
	}

	if lim := w.opts.ioLimit; lim != nil {
		n := len(fixed) + len(blob)
		if n > lim.Burst() {
			n = lim.Burst()
		}
		if err := lim.WaitN(context.Background(), n); err != nil {
			return err
		}
	}

	p, rolled, err := w.shards.Append(id, fixed, blob)
	if err != nil {
		return err
	}
	if err := w.index.Add(id, p, rec, w.opts.overwrite); err != nil {
		return err
	}

	w.sinceCommit++
	if rolled || (w.opts.commitEvery > 0 && w.sinceCommit >= w.opts.commitEvery) {
		return w.commitLocked()
	}
	return nil
}

// Commit forces all records written so far to stable storage. After Commit
// returns, a fresh Reader opened with WithRecovery sees every one of them
// even if the process dies immediately after.
func (w *Writer) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkOpen(); err != nil {
		return err
	}
	return translateError(w.commitLocked())
}

func (w *Writer) commitLocked() error {
	if err := w.shards.Sync(); err != nil {
		w.opts.logger.LogCommit(uint64(w.index.Len()), err)
		return err
	}
	if err := w.index.Flush(); err != nil {
		w.opts.logger.LogCommit(uint64(w.index.Len()), err)
		return err
	}
	if err := w.saveManifest(manifest.StateWriting); err != nil {
		w.opts.logger.LogCommit(uint64(w.index.Len()), err)
		return err
	}
	w.marks = w.shards.Marks()
	w.sinceCommit = 0
	w.opts.logger.LogCommit(uint64(w.index.Len()), nil)
	return nil
}

// Seal commits, seals every shard, finalizes the index and marks the dataset
// sealed. The Writer is unusable afterwards; the dataset is immutable and
// opens without recovery.
func (w *Writer) Seal() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkOpen(); err != nil {
		return err
	}

	records := uint64(w.index.Len())
	shards := len(w.shards.Infos())

	err := w.sealLocked()
	w.opts.logger.LogSeal(records, shards, err)
	return translateError(err)
}

func (w *Writer) sealLocked() error {
	if err := w.commitLocked(); err != nil {
		return err
	}
	if err := w.shards.SealAll(); err != nil {
		return err
	}
	if err := w.index.SavePostings(w.opts.fsys, filepath.Join(w.dir, PostingsFileName)); err != nil {
		return err
	}
	if err := w.index.Seal(); err != nil {
		return err
	}
	if err := w.saveManifest(manifest.StateSealed); err != nil {
		return err
	}
	if err := w.shards.Close(); err != nil {
		return err
	}

	w.state = writerSealed
	return w.lock.release()
}

// Abort rolls the dataset back to its last commit, drops staged index
// entries and marks the dataset aborted. Records written after the last
// Commit are gone; committed ones remain on disk for inspection but the
// dataset will not open without recovery.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkOpen(); err != nil {
		return err
	}

	w.index.DiscardStaged()

	var firstErr error
	if err := w.shards.AbortTo(w.marks); err != nil {
		firstErr = err
	}
	if err := w.index.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.saveManifest(manifest.StateAborted); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.shards.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	w.state = writerAborted
	if err := w.lock.release(); err != nil && firstErr == nil {
		firstErr = err
	}

	w.opts.logger.Info("dataset aborted", "dir", w.dir)

	return translateError(firstErr)
}

// Close commits and releases the Writer without sealing. The dataset stays
// in the writing state: it opens with WithRecovery and a new Writer cannot
// be attached, but no data is lost. Closing a sealed or aborted Writer is a
// no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case writerSealed, writerAborted, writerClosed:
		return nil
	}

	var firstErr error
	if err := w.commitLocked(); err != nil {
		firstErr = err
	}
	if err := w.index.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.shards.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	w.state = writerClosed
	if err := w.lock.release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return translateError(firstErr)
}

func (w *Writer) saveManifest(state manifest.State) error {
	schemaJSON, err := json.Marshal(w.schema)
	if err != nil {
		return err
	}

	var shards []manifest.ShardInfo
	if state == manifest.StateAborted {
		// Uncommitted shards were deleted; list only the survivors.
		for _, mk := range w.marks {
			shards = append(shards, manifest.ShardInfo{
				ID:   mk.ShardID,
				Path: shard.FileName(mk.ShardID),
				Rows: uint64(mk.Rows),
			})
		}
	} else {
		infos := w.shards.Infos()
		for i, info := range infos {
			shards = append(shards, manifest.ShardInfo{
				ID:        info.ID,
				Path:      info.Path,
				Rows:      uint64(info.Rows),
				BlobBytes: info.BlobBytes,
				Sealed:    state == manifest.StateSealed || i < len(infos)-1,
			})
		}
	}

	m := &manifest.Manifest{
		ID:           w.manifestID,
		State:        state,
		Schema:       schemaJSON,
		SchemaDigest: w.schema.Digest().Hex(),
		Compression:  w.opts.compression.String(),
		RecordCount:  uint64(w.index.Len()),
		NextRecordID: w.nextID,
		IndexPath:    IndexFileName,
		Shards:       shards,
	}
	if len(w.schema.Indexable()) > 0 {
		m.PostingsPath = PostingsFileName
	}

	if err := w.store.Save(m); err != nil {
		return err
	}
	w.manifestID = m.ID
	return nil
}
