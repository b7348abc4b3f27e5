package vfs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

var ErrInjected = errors.New("injected fault error")

// Fault defines specific failure behavior.
type Fault struct {
	FailAfterBytes int64 // fail writes once this many bytes were written to the file; -1 disables
	FailOnSync     bool
	FailOnRead     bool
	FailOnOpen     bool
	FailOnRename   bool
	Err            error
}

func (f Fault) err() error {
	if f.Err != nil {
		return f.Err
	}
	return ErrInjected
}

// FaultyFS is a FileSystem wrapper that injects errors into files whose name
// contains a registered pattern. Rules are evaluated on every operation, so they
// can be added or cleared while files are open.
type FaultyFS struct {
	FS FileSystem

	mu    sync.Mutex
	rules map[string]Fault
}

// NewFaultyFS wraps fs, or Default when nil.
func NewFaultyFS(fs FileSystem) *FaultyFS {
	if fs == nil {
		fs = Default
	}
	return &FaultyFS{
		FS:    fs,
		rules: make(map[string]Fault),
	}
}

// AddRule registers a fault for files whose name contains pattern.
func (f *FaultyFS) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[pattern] = fault
}

func (f *FaultyFS) ClearRules() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.rules)
}

func (f *FaultyFS) fault(name string) (Fault, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pattern, rule := range f.rules {
		if strings.Contains(name, pattern) {
			return rule, true
		}
	}
	return Fault{FailAfterBytes: -1}, false
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	if fault, ok := f.fault(name); ok && fault.FailOnOpen {
		return nil, fault.err()
	}
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: file, fs: f, name: name}, nil
}

func (f *FaultyFS) Remove(name string) error {
	return f.FS.Remove(name)
}

func (f *FaultyFS) Rename(oldpath, newpath string) error {
	if fault, ok := f.fault(newpath); ok && fault.FailOnRename {
		return fault.err()
	}
	return f.FS.Rename(oldpath, newpath)
}

func (f *FaultyFS) Stat(name string) (os.FileInfo, error) {
	return f.FS.Stat(name)
}

func (f *FaultyFS) MkdirAll(path string, perm os.FileMode) error {
	return f.FS.MkdirAll(path, perm)
}

func (f *FaultyFS) ReadDir(name string) ([]os.DirEntry, error) {
	return f.FS.ReadDir(name)
}

func (f *FaultyFS) SyncDir(dir string) error {
	return f.FS.SyncDir(dir)
}

type faultyFile struct {
	File
	fs      *FaultyFS
	name    string
	written int64
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	fault, ok := ff.fs.fault(ff.name)
	if ok && fault.FailAfterBytes >= 0 && ff.written+int64(len(p)) > fault.FailAfterBytes {
		return 0, fault.err()
	}

	n, err := ff.File.Write(p)
	ff.written += int64(n)
	return n, err
}

func (ff *faultyFile) Read(p []byte) (int, error) {
	if fault, ok := ff.fs.fault(ff.name); ok && fault.FailOnRead {
		return 0, fault.err()
	}
	return ff.File.Read(p)
}

func (ff *faultyFile) ReadAt(p []byte, off int64) (int, error) {
	if fault, ok := ff.fs.fault(ff.name); ok && fault.FailOnRead {
		return 0, fault.err()
	}
	return ff.File.ReadAt(p, off)
}

func (ff *faultyFile) Sync() error {
	if fault, ok := ff.fs.fault(ff.name); ok && fault.FailOnSync {
		return fault.err()
	}
	return ff.File.Sync()
}
