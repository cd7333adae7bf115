package index

import (
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"

	"github.com/hupe1980/recordpack/record"
	"github.com/hupe1980/recordpack/schema"
	"github.com/hupe1980/recordpack/shard"
)

var (
	ErrDuplicateID  = errors.New("record id already exists")
	ErrNotIndexed   = errors.New("field is not marked indexable")
	ErrNoPostings   = errors.New("secondary index not available")
	ErrReadOnly     = errors.New("index is read-only")
	ErrCorrupted    = errors.New("index corrupted")
	ErrInvalidIndex = errors.New("invalid index file")
)

// Entry is one append-only index record. Entries are never mutated in place;
// an overwrite is modeled as a tombstone followed by a fresh entry.
type Entry struct {
	ID        uint64
	Placement shard.Placement
	Tombstone bool
}

// Index maps record ids to placements. The write side stages entries in
// memory and appends them to the durable index file on Flush; the read side
// is an immutable snapshot loaded from that file.
type Index struct {
	mu sync.RWMutex

	schema *schema.Schema
	byID   map[uint64]shard.Placement
	staged []Entry

	sorted []uint64
	dirty  bool

	file     *fileWriter // nil when loaded read-only
	postings *postings   // nil until built (write) or loaded (read)

	// indexedKeys remembers each live record's posting keys so an overwrite
	// can remove the stale ones without re-reading the record.
	indexedKeys map[uint64][]fieldKey
}

type fieldKey struct {
	field string
	key   string
}

// Create opens a new durable index for writing.
func Create(fsys fsys, path string, s *schema.Schema) (*Index, error) {
	fw, err := createFile(fsys, path, s.Digest())
	if err != nil {
		return nil, err
	}

	ix := newMem(s)
	ix.file = fw
	if len(s.Indexable()) > 0 {
		ix.postings = newPostings(s)
	}
	return ix, nil
}

func newMem(s *schema.Schema) *Index {
	return &Index{
		schema:      s,
		byID:        make(map[uint64]shard.Placement),
		indexedKeys: make(map[uint64][]fieldKey),
	}
}

// Len returns the number of live records.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byID)
}

// Add stages one index entry. A duplicate id fails with ErrDuplicateID unless
// overwrite is set, in which case a tombstone for the old placement is staged
// first. rec supplies the values of indexable fields for the secondary index;
// it may be nil when the schema declares none.
func (ix *Index) Add(id uint64, p shard.Placement, rec record.Record, overwrite bool) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.file == nil {
		return ErrReadOnly
	}

	if old, ok := ix.byID[id]; ok {
		if !overwrite {
			return fmt.Errorf("%w: %d", ErrDuplicateID, id)
		}
		ix.staged = append(ix.staged, Entry{ID: id, Placement: old, Tombstone: true})
		ix.removePostingsLocked(id)
	} else {
		ix.dirty = true
	}

	ix.staged = append(ix.staged, Entry{ID: id, Placement: p})
	ix.byID[id] = p

	if ix.postings != nil && rec != nil {
		keys, err := ix.postings.add(id, rec)
		if err != nil {
			return err
		}
		ix.indexedKeys[id] = keys
	}
	return nil
}

func (ix *Index) removePostingsLocked(id uint64) {
	if ix.postings == nil {
		return
	}
	for _, fk := range ix.indexedKeys[id] {
		ix.postings.remove(id, fk)
	}
	delete(ix.indexedKeys, id)
}

// Staged returns the number of entries not yet flushed.
func (ix *Index) Staged() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.staged)
}

// Flush appends all staged entries to the index file and syncs it. This is
// the engine's durability barrier; callers batch it rather than flushing per
// record.
func (ix *Index) Flush() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.file == nil {
		return ErrReadOnly
	}
	if len(ix.staged) == 0 {
		return nil
	}
	if err := ix.file.append(ix.staged); err != nil {
		return err
	}
	ix.staged = ix.staged[:0]
	return nil
}

// DiscardStaged drops all staged, unflushed entries and their in-memory
// effects. Used by Abort.
func (ix *Index) DiscardStaged() {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, e := range ix.staged {
		if e.Tombstone {
			continue
		}
		delete(ix.byID, e.ID)
		ix.removePostingsLocked(e.ID)
	}
	ix.staged = ix.staged[:0]
	ix.dirty = true
}

// Seal flushes, writes the entry-count/checksum footer and closes the file.
// The index is read-only afterwards.
func (ix *Index) Seal() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.file == nil {
		return ErrReadOnly
	}
	if len(ix.staged) > 0 {
		if err := ix.file.append(ix.staged); err != nil {
			return err
		}
		ix.staged = ix.staged[:0]
	}
	if err := ix.file.seal(); err != nil {
		return err
	}
	ix.file = nil
	return nil
}

// Close releases the index file without writing a footer (aborted writers).
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.file == nil {
		return nil
	}
	err := ix.file.close()
	ix.file = nil
	return err
}

// Prune removes every entry the keep predicate rejects and returns how many
// were dropped. Used after a recovered open to discard entries pointing past
// a shard's surviving extent.
func (ix *Index) Prune(keep func(id uint64, p shard.Placement) bool) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	dropped := 0
	for id, p := range ix.byID {
		if !keep(id, p) {
			delete(ix.byID, id)
			ix.removePostingsLocked(id)
			dropped++
		}
	}
	if dropped > 0 {
		ix.dirty = true
	}
	return dropped
}

// Lookup returns the placement for a record id.
func (ix *Index) Lookup(id uint64) (shard.Placement, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	p, ok := ix.byID[id]
	return p, ok
}

func (ix *Index) sortedLocked() []uint64 {
	if ix.dirty || ix.sorted == nil {
		ix.sorted = make([]uint64, 0, len(ix.byID))
		for id := range ix.byID {
			ix.sorted = append(ix.sorted, id)
		}
		sort.Slice(ix.sorted, func(i, j int) bool { return ix.sorted[i] < ix.sorted[j] })
		ix.dirty = false
	}
	return ix.sorted
}

// IDs returns all live record ids in ascending order.
func (ix *Index) IDs() []uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make([]uint64, len(ix.sortedLocked()))
	copy(out, ix.sorted)
	return out
}

// Range yields (id, placement) pairs for start <= id <= end in ascending id
// order. The sequence is finite and restartable: every call re-scans from
// start.
func (ix *Index) Range(start, end uint64) iter.Seq2[uint64, shard.Placement] {
	return func(yield func(uint64, shard.Placement) bool) {
		ix.mu.Lock()
		ids := ix.sortedLocked()
		from := sort.Search(len(ids), func(i int) bool { return ids[i] >= start })
		// Snapshot the window so yields run without the lock held.
		window := make([]uint64, 0)
		for _, id := range ids[from:] {
			if id > end {
				break
			}
			window = append(window, id)
		}
		placements := make([]shard.Placement, len(window))
		for i, id := range window {
			placements[i] = ix.byID[id]
		}
		ix.mu.Unlock()

		for i, id := range window {
			if !yield(id, placements[i]) {
				return
			}
		}
	}
}
