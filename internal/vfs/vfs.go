// Package vfs abstracts the filesystem so storage components can be tested
// against injected I/O failures.
//
// Production code uses vfs.Default. Tests wrap it in a FaultyFS:
//
//	ffs := vfs.NewFaultyFS(nil)
//	ffs.AddRule(".wal", vfs.Fault{FailOnSync: true})
package vfs

import (
	"io"
	"os"
	"path/filepath"
)

// File represents an open file.
type File interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.Seeker
	Sync() error
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
	Name() string
}

// FileSystem abstracts file system operations.
type FileSystem interface {
	OpenFile(name string, flag int, perm os.FileMode) (File, error)
	Remove(name string) error
	Rename(oldpath, newpath string) error
	Stat(name string) (os.FileInfo, error)
	MkdirAll(path string, perm os.FileMode) error
	ReadDir(name string) ([]os.DirEntry, error)
	// SyncDir makes renames and creates inside dir durable.
	SyncDir(dir string) error
}

// LocalFS implements FileSystem on top of the os package.
type LocalFS struct{}

func (LocalFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	f, err := os.OpenFile(filepath.Clean(name), flag, perm)
	if err != nil {
		return nil, err
	}
	return &localFile{File: f}, nil
}

func (LocalFS) Remove(name string) error              { return os.Remove(name) }
func (LocalFS) Rename(oldpath, newpath string) error  { return os.Rename(oldpath, newpath) }
func (LocalFS) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }
func (LocalFS) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}
func (LocalFS) ReadDir(name string) ([]os.DirEntry, error) { return os.ReadDir(name) }

func (LocalFS) SyncDir(dir string) error {
	d, err := os.Open(filepath.Clean(dir))
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return err
	}
	return d.Close()
}

type localFile struct {
	*os.File
}

func (f *localFile) Sync() error {
	return datasync(f.File)
}

// Default is the local file system.
var Default FileSystem = LocalFS{}

// Exists reports whether name exists on fs.
func Exists(fs FileSystem, name string) (bool, error) {
	_, err := fs.Stat(name)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
