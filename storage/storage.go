// Package storage keeps file content on a local directory and gives writes
// transaction-like semantics: content is buffered per session, staged under a
// reserved prefix and moved to its final name by rename on commit.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rarydzu/monostore/hash"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const DefaultPendingPrefix = "pending_"

type Config struct {
	// Root directory of final and staging artifacts, created when missing
	Root string
	//PendingPrefix marks staging artifacts, DefaultPendingPrefix when empty
	PendingPrefix string
	//FS filesystem implementation, OSFS when nil
	FS FS
	//Locker per-name advisory locks held for stage+delete+rename, nil disables locking
	Locker *hash.Hash
	//SyncWrites fsync staged files and the root after renames
	SyncWrites bool
	//Metrics optional engine metrics
	Metrics *Metrics
}

// Storage is the shared part of the engine. It is safe for concurrent use;
// sessions created from it are not.
type Storage struct {
	root       string
	prefix     string
	fs         FS
	locker     *hash.Hash
	syncWrites bool
	metrics    *Metrics
	ready      atomic.Bool
	log        *zap.SugaredLogger
}

// New creates the storage root if needed. Recover must succeed before sessions can be opened.
func New(cfg Config, log *zap.SugaredLogger) (*Storage, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("storage root is not set")
	}
	prefix := cfg.PendingPrefix
	if prefix == "" {
		prefix = DefaultPendingPrefix
	}
	if strings.ContainsAny(prefix, "/\\\x00") {
		return nil, fmt.Errorf("pending prefix %q contains path separator", prefix)
	}
	fs := cfg.FS
	if fs == nil {
		fs = OSFS{}
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, unavailable("resolve root", err)
	}
	if err := fs.MkdirAll(root, 0o750); err != nil {
		return nil, unavailable("create root", err)
	}
	return &Storage{
		root:       root,
		prefix:     prefix,
		fs:         fs,
		locker:     cfg.Locker,
		syncWrites: cfg.SyncWrites,
		metrics:    cfg.Metrics,
		log:        log,
	}, nil
}

func (st *Storage) Root() string { return st.root }

func (st *Storage) PendingPrefix() string { return st.prefix }

// Ready reports whether Recover has completed
func (st *Storage) Ready() bool { return st.ready.Load() }

// Recover removes staging artifacts left by sessions which never reached commit or rollback.
// Directories carrying the prefix are removed with their content.
// It returns the number of removed artifacts.
func (st *Storage) Recover(ctx context.Context) (int, error) {
	entries, err := st.fs.ReadDir(st.root)
	if err != nil {
		return 0, unavailable("list root", err)
	}
	var errs error
	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !strings.HasPrefix(entry.Name(), st.prefix) {
			continue
		}
		remove := st.fs.Remove
		if entry.IsDir() {
			remove = st.fs.RemoveAll
		}
		if err := remove(filepath.Join(st.root, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = multierr.Append(errs, err)
			continue
		}
		st.log.Debugf("recover: removed orphaned %s", entry.Name())
		removed++
	}
	st.metrics.purged(removed)
	if errs != nil {
		return removed, unavailable("remove orphans", errs)
	}
	if removed > 0 {
		st.log.Infof("recover: removed %d orphaned staging artifacts from %s", removed, st.root)
	}
	st.ready.Store(true)
	return removed, nil
}

// NewSession opens a session for one unit of work
func (st *Storage) NewSession() (*Session, error) {
	if !st.ready.Load() {
		return nil, ErrNotReady
	}
	return &Session{
		st:      st,
		pending: map[string][]byte{},
	}, nil
}

// Get reads the final artifact of name
func (st *Storage) Get(name string) Result {
	if err := st.checkName(name); err != nil {
		return failed(NotFound, fmt.Errorf("%w: %w", ErrNotFound, err))
	}
	if st.locker != nil {
		defer st.locker.RLockName(name)()
	}
	data, err := st.fs.ReadFile(st.finalPath(name))
	if err == nil {
		return found(data)
	}
	if _, serr := st.fs.Stat(st.root); serr != nil {
		return failed(StorageUnavailable, unavailable("stat root", serr))
	}
	if errors.Is(err, os.ErrNotExist) {
		return failed(NotFound, fmt.Errorf("%w: %s", ErrNotFound, name))
	}
	return failed(WriteFailure, &WriteError{Op: "read", Name: name, Err: err})
}

// Delete removes the final artifact of name, false when there was none
func (st *Storage) Delete(name string) (bool, error) {
	if err := st.checkName(name); err != nil {
		return false, err
	}
	if st.locker != nil {
		defer st.locker.LockName(name)()
	}
	if err := st.fs.Remove(st.finalPath(name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		st.metrics.writeFailure("delete")
		return false, &WriteError{Op: "delete", Name: name, Err: err}
	}
	return true, nil
}

// Exists reports whether a final artifact of name exists
func (st *Storage) Exists(name string) (bool, error) {
	if err := st.checkName(name); err != nil {
		return false, err
	}
	if _, err := st.fs.Stat(st.finalPath(name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, unavailable("stat", err)
	}
	return true, nil
}

// ListFiles lists final artifacts
func (st *Storage) ListFiles() ([]string, error) {
	entries, err := st.fs.ReadDir(st.root)
	if err != nil {
		return nil, unavailable("list root", err)
	}
	names := []string{}
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), st.prefix) {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

// ListAllFiles lists every entry of the root, staging artifacts included
func (st *Storage) ListAllFiles() ([]string, error) {
	entries, err := st.fs.ReadDir(st.root)
	if err != nil {
		return nil, unavailable("list root", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}

// DeleteNotIn removes final artifacts whose names are not in keep and which
// are older than minAge. Younger files may belong to a unit of work still in flight.
func (st *Storage) DeleteNotIn(keep map[string]struct{}, minAge time.Duration) ([]string, error) {
	names, err := st.ListFiles()
	if err != nil {
		return nil, err
	}
	var errs error
	removed := []string{}
	now := time.Now()
	for _, name := range names {
		if _, ok := keep[name]; ok {
			continue
		}
		if st.checkName(name) != nil {
			continue
		}
		if minAge > 0 {
			info, err := st.fs.Stat(st.finalPath(name))
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					errs = multierr.Append(errs, err)
				}
				continue
			}
			if now.Sub(info.ModTime()) < minAge {
				continue
			}
		}
		ok, err := st.Delete(name)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if ok {
			removed = append(removed, name)
		}
	}
	return removed, errs
}

func (st *Storage) checkName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q contains path separator", ErrInvalidName, name)
	case strings.HasPrefix(name, st.prefix):
		return fmt.Errorf("%w: %q carries reserved prefix", ErrInvalidName, name)
	}
	if rel, err := filepath.Rel(st.root, st.finalPath(name)); err != nil || rel != name {
		return fmt.Errorf("%w: %q escapes storage root", ErrInvalidName, name)
	}
	return nil
}

func (st *Storage) finalPath(name string) string {
	return filepath.Join(st.root, name)
}

func (st *Storage) stagingPath(name string) string {
	return filepath.Join(st.root, st.prefix+name)
}

// writeStaged writes content to the staging artifact of name
func (st *Storage) writeStaged(name string, content []byte) error {
	f, err := st.fs.OpenFile(st.stagingPath(name), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return err
	}
	if st.syncWrites {
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	st.metrics.staged(len(content))
	return nil
}

// promote moves the staging artifact of name over its final artifact
func (st *Storage) promote(name string) error {
	final := st.finalPath(name)
	if err := st.fs.Remove(final); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return st.fs.Rename(st.stagingPath(name), final)
}

func (st *Storage) syncRoot() error {
	f, err := st.fs.OpenFile(st.root, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
