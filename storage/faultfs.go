package storage

import (
	"os"
	"path/filepath"
	"sync"
)

// Op names a filesystem operation FaultFS can fail
type Op string

const (
	OpOpen    Op = "open"
	OpWrite   Op = "write"
	OpRead    Op = "read"
	OpReadDir Op = "readdir"
	OpStat    Op = "stat"
	OpRemove  Op = "remove"
	OpRename  Op = "rename"
	OpMkdir   Op = "mkdir"
)

type fault struct {
	op   Op
	name string
}

// FaultFS wraps an FS and fails chosen operations. Rules match the base name
// of the (old) path; an empty name matches every path.
type FaultFS struct {
	FS
	mu     sync.Mutex
	faults map[fault]error
	calls  map[Op]int
}

// NewFaultFS wraps fs, OSFS when nil
func NewFaultFS(fs FS) *FaultFS {
	if fs == nil {
		fs = OSFS{}
	}
	return &FaultFS{
		FS:     fs,
		faults: map[fault]error{},
		calls:  map[Op]int{},
	}
}

// Fail makes op on name return err until Clear is called
func (f *FaultFS) Fail(op Op, name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[fault{op, name}] = err
}

// Clear removes rule set by Fail
func (f *FaultFS) Clear(op Op, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.faults, fault{op, name})
}

// Calls returns how many times op was attempted
func (f *FaultFS) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FaultFS) check(op Op, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if err, ok := f.faults[fault{op, filepath.Base(path)}]; ok {
		return &os.PathError{Op: string(op), Path: path, Err: err}
	}
	if err, ok := f.faults[fault{op, ""}]; ok {
		return &os.PathError{Op: string(op), Path: path, Err: err}
	}
	return nil
}

func (f *FaultFS) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if err := f.check(OpOpen, path); err != nil {
		return nil, err
	}
	file, err := f.FS.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultFile{File: file, fs: f, path: path}, nil
}

func (f *FaultFS) ReadFile(path string) ([]byte, error) {
	if err := f.check(OpRead, path); err != nil {
		return nil, err
	}
	return f.FS.ReadFile(path)
}

func (f *FaultFS) ReadDir(path string) ([]os.DirEntry, error) {
	if err := f.check(OpReadDir, path); err != nil {
		return nil, err
	}
	return f.FS.ReadDir(path)
}

func (f *FaultFS) MkdirAll(path string, perm os.FileMode) error {
	if err := f.check(OpMkdir, path); err != nil {
		return err
	}
	return f.FS.MkdirAll(path, perm)
}

func (f *FaultFS) Stat(path string) (os.FileInfo, error) {
	if err := f.check(OpStat, path); err != nil {
		return nil, err
	}
	return f.FS.Stat(path)
}

func (f *FaultFS) Remove(path string) error {
	if err := f.check(OpRemove, path); err != nil {
		return err
	}
	return f.FS.Remove(path)
}

func (f *FaultFS) RemoveAll(path string) error {
	if err := f.check(OpRemove, path); err != nil {
		return err
	}
	return f.FS.RemoveAll(path)
}

func (f *FaultFS) Rename(oldpath, newpath string) error {
	if err := f.check(OpRename, oldpath); err != nil {
		return err
	}
	return f.FS.Rename(oldpath, newpath)
}

type faultFile struct {
	File
	fs   *FaultFS
	path string
}

func (ff *faultFile) Write(p []byte) (int, error) {
	if err := ff.fs.check(OpWrite, ff.path); err != nil {
		return 0, err
	}
	return ff.File.Write(p)
}
