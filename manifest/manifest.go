package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/hupe1980/recordpack/internal/fs"
	"github.com/hupe1980/recordpack/schema"
)

const (
	ManifestFileName = "MANIFEST"
	CurrentFileName  = "CURRENT"
	CurrentVersion   = 1
)

// ErrNoManifest is returned by Load when the directory has no CURRENT
// pointer, which means no dataset lives there.
var ErrNoManifest = errors.New("no manifest found")

// State is the lifecycle state of a dataset recorded in its manifest.
type State string

const (
	// StateWriting marks a dataset with an open writer. Readers need
	// recovery mode to open it.
	StateWriting State = "writing"
	// StateSealed marks a finished, immutable dataset.
	StateSealed State = "sealed"
	// StateAborted marks a dataset whose writer gave up. Its files are kept
	// only for inspection.
	StateAborted State = "aborted"
)

// Manifest describes a dataset at a specific point in time.
type Manifest struct {
	Version      int             `json:"version"`
	ID           uint64          `json:"id"`
	State        State           `json:"state"`
	Schema       json.RawMessage `json:"schema"`
	SchemaDigest string          `json:"schema_digest"`
	Compression  string          `json:"compression"`
	RecordCount  uint64          `json:"record_count"`
	NextRecordID uint64          `json:"next_record_id"`
	IndexPath    string          `json:"index_path"`
	PostingsPath string          `json:"postings_path,omitempty"`
	Shards       []ShardInfo     `json:"shards"`
}

// ShardInfo describes a single shard file.
type ShardInfo struct {
	ID        uint32 `json:"id"`
	Path      string `json:"path"` // Relative to data dir
	Rows      uint64 `json:"rows"`
	BlobBytes uint64 `json:"blob_bytes"`
	Sealed    bool   `json:"sealed"`
}

// DecodeSchema parses the schema embedded in the manifest.
func (m *Manifest) DecodeSchema() (*schema.Schema, error) {
	s, err := schema.FromJSON(m.Schema)
	if err != nil {
		return nil, fmt.Errorf("manifest schema: %w", err)
	}
	if s.Digest().Hex() != m.SchemaDigest {
		return nil, fmt.Errorf("manifest schema digest mismatch: %s != %s", s.Digest().Hex(), m.SchemaDigest)
	}
	return s, nil
}

// Store manages the manifest file and atomic updates.
type Store struct {
	fs  fs.FileSystem
	dir string
	mu  sync.Mutex
}

// NewStore creates a new manifest store rooted at dir.
func NewStore(fsys fs.FileSystem, dir string) *Store {
	return &Store{
		fs:  fsys,
		dir: dir,
	}
}

// Load loads the manifest the CURRENT pointer names.
func (s *Store) Load() (*Manifest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	readFile := func(path string) ([]byte, error) {
		f, err := s.fs.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}

	content, err := readFile(filepath.Join(s.dir, CurrentFileName))
	if os.IsNotExist(err) {
		return nil, ErrNoManifest
	}
	if err != nil {
		return nil, err
	}

	data, err := readFile(filepath.Join(s.dir, string(content)))
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	if m.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported manifest version: %d (expected %d)", m.Version, CurrentVersion)
	}

	return &m, nil
}

// Save atomically persists a new manifest generation and repoints CURRENT.
func (s *Store) Save(m *Manifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m.Version = CurrentVersion
	m.ID++

	filename := fmt.Sprintf("%s-%06d.json", ManifestFileName, m.ID)
	path := filepath.Join(s.dir, filename)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}

	if err := s.writeAtomic(path, data); err != nil {
		return err
	}
	if err := s.syncDir(s.dir); err != nil {
		return err
	}

	if err := s.writeAtomic(filepath.Join(s.dir, CurrentFileName), []byte(filename)); err != nil {
		return err
	}
	if err := s.syncDir(s.dir); err != nil {
		return err
	}

	// CURRENT no longer references the previous generation, so drop it
	// instead of littering the directory with one file per commit.
	if m.ID > 1 {
		prev := fmt.Sprintf("%s-%06d.json", ManifestFileName, m.ID-1)
		if err := s.fs.Remove(filepath.Join(s.dir, prev)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (s *Store) writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	f, err := s.fs.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		s.fs.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		s.fs.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		s.fs.Remove(tmpPath)
		return err
	}

	if err := s.fs.Rename(tmpPath, path); err != nil {
		s.fs.Remove(tmpPath)
		return err
	}
	return nil
}

func (s *Store) syncDir(dir string) error {
	f, err := s.fs.OpenFile(dir, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
