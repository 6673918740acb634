package storage

import (
	"io"
	"os"
)

// File is the part of *os.File used by the engine
type File interface {
	io.Writer
	Sync() error
	Close() error
}

// FS is the filesystem seen by the engine. Paths use OS semantics.
type FS interface {
	OpenFile(path string, flag int, perm os.FileMode) (File, error)
	ReadFile(path string) ([]byte, error)
	ReadDir(path string) ([]os.DirEntry, error)
	MkdirAll(path string, perm os.FileMode) error
	Stat(path string) (os.FileInfo, error)
	Remove(path string) error
	RemoveAll(path string) error
	Rename(oldpath, newpath string) error
}

// OSFS implements FS with package os
type OSFS struct{}

var _ FS = OSFS{}

func (OSFS) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (OSFS) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }

func (OSFS) ReadDir(path string) ([]os.DirEntry, error) { return os.ReadDir(path) }

func (OSFS) MkdirAll(path string, perm os.FileMode) error { return os.MkdirAll(path, perm) }

func (OSFS) Stat(path string) (os.FileInfo, error) { return os.Stat(path) }

func (OSFS) Remove(path string) error { return os.Remove(path) }

func (OSFS) RemoveAll(path string) error { return os.RemoveAll(path) }

func (OSFS) Rename(oldpath, newpath string) error { return os.Rename(oldpath, newpath) }
