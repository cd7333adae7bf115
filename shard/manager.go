package shard

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/hupe1980/recordpack/internal/fs"
	"github.com/hupe1980/recordpack/schema"
)

// FileName returns the canonical shard file name for an id.
func FileName(id uint32) string {
	return fmt.Sprintf("shard-%05d.rpk", id)
}

// Manager owns the write-side shard set of a dataset. It appends to one
// active shard and rolls over to the next id when the row region fills,
// sealing the finished shard on the way.
type Manager struct {
	mu sync.Mutex

	fsys   fs.FileSystem
	dir    string
	schema *schema.Schema
	opts   Options
	logger *slog.Logger

	active *Shard
	sealed []*Shard
	nextID uint32
}

// NewManager creates a manager rooted at dir and opens the first shard.
// firstID supports disjoint-shard parallel writers: each writer owns its own
// id range and never touches another writer's files.
func NewManager(fsys fs.FileSystem, dir string, s *schema.Schema, firstID uint32, opts Options, logger *slog.Logger) (*Manager, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	m := &Manager{
		fsys:   fsys,
		dir:    dir,
		schema: s,
		opts:   opts,
		logger: logger,
		nextID: firstID,
	}
	if err := m.roll(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) roll() error {
	sh, err := Create(m.fsys, filepath.Join(m.dir, FileName(m.nextID)), m.nextID, m.schema, m.opts)
	if err != nil {
		return err
	}
	m.active = sh
	m.nextID++
	return nil
}

// Append writes one encoded record to the active shard, rolling over to a
// fresh shard when the row region is full. rolled is true when a shard was
// sealed on the way; the caller must then flush its index staging so that the
// sealed shard's contents sit behind a commit boundary.
func (m *Manager) Append(id uint64, fixed, blob []byte) (p Placement, rolled bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err = m.active.Append(id, fixed, blob)
	if err == ErrShardFull {
		if err := m.active.Seal(); err != nil {
			return Placement{}, false, err
		}
		m.logger.Debug("shard rollover",
			"sealed_shard", m.active.ID(),
			"rows", m.active.Rows(),
			"next_shard", m.nextID,
		)
		m.sealed = append(m.sealed, m.active)
		if err := m.roll(); err != nil {
			return Placement{}, false, err
		}
		rolled = true
		p, err = m.active.Append(id, fixed, blob)
	}
	return p, rolled, err
}

// Sync forces the active shard to stable storage. Rolled-over shards were
// synced when they were sealed.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active.Sync()
}

// Marks returns the current consistency point of every open shard.
func (m *Manager) Marks() []Mark {
	m.mu.Lock()
	defer m.mu.Unlock()

	marks := make([]Mark, 0, len(m.sealed)+1)
	for _, sh := range m.sealed {
		marks = append(marks, Mark{ShardID: sh.ID(), Rows: sh.Rows(), BlobEnd: sh.blobEnd})
	}
	marks = append(marks, m.active.Mark())
	return marks
}

// SealAll seals the active shard, finishing the write side.
func (m *Manager) SealAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active.Seal()
}

// Info describes one shard for the manifest.
type Info struct {
	ID        uint32 `json:"id"`
	Path      string `json:"path"`
	Rows      uint32 `json:"rows"`
	BlobBytes uint64 `json:"blob_bytes"`
}

// Infos returns manifest descriptors for all shards, in id order.
func (m *Manager) Infos() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]Info, 0, len(m.sealed)+1)
	for _, sh := range m.sealed {
		infos = append(infos, Info{ID: sh.ID(), Path: filepath.Base(sh.Path()), Rows: sh.Rows(), BlobBytes: sh.BlobBytes()})
	}
	infos = append(infos, Info{
		ID:        m.active.ID(),
		Path:      filepath.Base(m.active.Path()),
		Rows:      m.active.Rows(),
		BlobBytes: m.active.BlobBytes(),
	})
	return infos
}

// AbortTo rolls every shard back to the given consistency points. Shards
// without a mark hold no committed rows and are deleted outright.
func (m *Manager) AbortTo(marks []Mark) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID := make(map[uint32]Mark, len(marks))
	for _, mk := range marks {
		byID[mk.ShardID] = mk
	}

	shards := append(append([]*Shard{}, m.sealed...), m.active)
	var firstErr error
	for _, sh := range shards {
		mk, ok := byID[sh.ID()]
		switch {
		case !ok:
			if err := sh.Remove(); err != nil && firstErr == nil {
				firstErr = err
			}
		case sh.Sealed():
			// Rolled over after the mark was fully committed; nothing to undo.
		default:
			if err := sh.TruncateTo(mk); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close closes all shard files without sealing.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, sh := range append(append([]*Shard{}, m.sealed...), m.active) {
		if err := sh.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
