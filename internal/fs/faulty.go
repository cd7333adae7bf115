package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrInjected is the default error returned by injected faults.
var ErrInjected = errors.New("injected fault")

// Fault describes failure behavior for files whose path contains the rule's
// pattern.
type Fault struct {
	FailAfterBytes int64 // fail writes once this many bytes were written to the file; -1 disables
	FailOnSync     bool
	Err            error
}

// FaultyFS wraps a FileSystem and injects errors according to per-pattern
// rules. Used by durability and abort tests to simulate disk failures.
type FaultyFS struct {
	FS FileSystem

	mu    sync.Mutex
	rules map[string]Fault
}

// NewFaultyFS creates a FaultyFS wrapping fsys (or Default if nil).
func NewFaultyFS(fsys FileSystem) *FaultyFS {
	if fsys == nil {
		fsys = Default
	}
	return &FaultyFS{FS: fsys, rules: make(map[string]Fault)}
}

// FailOn registers a fault for files whose path contains pattern. A zero
// FailAfterBytes disables the byte-based trigger.
func (f *FaultyFS) FailOn(pattern string, fault Fault) {
	if fault.Err == nil {
		fault.Err = ErrInjected
	}
	if fault.FailAfterBytes == 0 {
		fault.FailAfterBytes = -1
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[pattern] = fault
}

// Clear removes all fault rules.
func (f *FaultyFS) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = make(map[string]Fault)
}

func (f *FaultyFS) faultFor(name string) (Fault, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pattern, fault := range f.rules {
		if strings.Contains(name, pattern) {
			return fault, true
		}
	}
	return Fault{}, false
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: file, fs: f, name: name}, nil
}

func (f *FaultyFS) Remove(name string) error             { return f.FS.Remove(name) }
func (f *FaultyFS) Rename(oldpath, newpath string) error { return f.FS.Rename(oldpath, newpath) }
func (f *FaultyFS) Stat(name string) (os.FileInfo, error) {
	return f.FS.Stat(name)
}
func (f *FaultyFS) MkdirAll(path string, perm os.FileMode) error {
	return f.FS.MkdirAll(path, perm)
}
func (f *FaultyFS) ReadDir(name string) ([]os.DirEntry, error) { return f.FS.ReadDir(name) }

// faultyFile looks its fault up per operation, so rules registered or
// cleared after the file was opened take effect immediately.
type faultyFile struct {
	File
	fs   *FaultyFS
	name string

	mu      sync.Mutex
	written int64
}

func (f *faultyFile) allow(n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fault, ok := f.fs.faultFor(f.name)
	if ok && fault.FailAfterBytes >= 0 && f.written+int64(n) > fault.FailAfterBytes {
		return fault.Err
	}
	f.written += int64(n)
	return nil
}

func (f *faultyFile) Write(p []byte) (int, error) {
	if err := f.allow(len(p)); err != nil {
		return 0, err
	}
	return f.File.Write(p)
}

func (f *faultyFile) WriteAt(p []byte, off int64) (int, error) {
	if err := f.allow(len(p)); err != nil {
		return 0, err
	}
	return f.File.WriteAt(p, off)
}

func (f *faultyFile) Sync() error {
	if fault, ok := f.fs.faultFor(f.name); ok && fault.FailOnSync {
		return fault.Err
	}
	return f.File.Sync()
}
