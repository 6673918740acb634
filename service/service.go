// Package service implements file holder operations: metadata goes to the
// metadata repository, content to the storage engine, both inside one unit of work.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jacobsa/timeutil"
	"github.com/rarydzu/monostore/metadb"
	"github.com/rarydzu/monostore/monocache"
	"github.com/rarydzu/monostore/storage"
	"github.com/rarydzu/monostore/uow"
	"go.uber.org/zap"
)

var (
	ErrFileExists   = errors.New("file with the same path, filename and extension already exists")
	ErrFileNotFound = errors.New("file not found")
)

type CreateRequest struct {
	Filename  string
	Extension string
	Path      string
	Comment   *string
}

// Reader opens read-only metadata transactions
type Reader interface {
	BeginRead(ctx context.Context) (metadb.Tx, error)
}

type Config struct {
	Units *uow.Coordinator[metadb.Tx]
	//Reader serves lookups and listings outside units of work
	Reader  Reader
	Storage *storage.Storage
	//Clock source of created/updated timestamps, real clock when nil
	Clock timeutil.Clock
	//SyncGrace files younger than this survive SyncStorageWithDB
	SyncGrace time.Duration
	//Cache optional cache of metadata records by uuid
	Cache *monocache.CacheTable
}

type FileHolder struct {
	units     *uow.Coordinator[metadb.Tx]
	reader    Reader
	st        *storage.Storage
	clock     timeutil.Clock
	syncGrace time.Duration
	cache     *monocache.CacheTable
	log       *zap.SugaredLogger
}

func New(cfg Config, log *zap.SugaredLogger) (*FileHolder, error) {
	if cfg.Units == nil || cfg.Reader == nil || cfg.Storage == nil {
		return nil, fmt.Errorf("file holder needs units of work, metadata reader and storage")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}
	return &FileHolder{
		units:     cfg.Units,
		reader:    cfg.Reader,
		st:        cfg.Storage,
		clock:     clock,
		syncGrace: cfg.SyncGrace,
		cache:     cfg.Cache,
		log:       log,
	}, nil
}

// CreateFile stores data under a new uuid and saves its metadata
func (h *FileHolder) CreateFile(ctx context.Context, data []byte, req CreateRequest) (*metadb.FileMeta, error) {
	var meta *metadb.FileMeta
	err := h.units.Run(ctx, func(u *uow.Unit[metadb.Tx]) error {
		_, err := u.DB().GetByFullPath(req.Path, req.Filename, req.Extension)
		if err == nil {
			return ErrFileExists
		}
		if !errors.Is(err, metadb.ErrNoSuchFile) {
			return err
		}
		meta = &metadb.FileMeta{
			UUID:      uuid.New().String(),
			Filename:  req.Filename,
			Extension: req.Extension,
			Size:      int64(len(data)),
			Path:      req.Path,
			Comment:   req.Comment,
			CreatedAt: h.clock.Now().UTC(),
		}
		if err := u.DB().Save(meta); err != nil {
			return mapMetaErr(err)
		}
		if err := u.Files().Add(meta.UUID, data); err != nil {
			return err
		}
		return u.Files().Flush(ctx)
	})
	if err != nil {
		return nil, err
	}
	h.cachePut(meta)
	h.log.Debugf("created %s as %s", meta.FullPath(), meta.UUID)
	return meta, nil
}

func (h *FileHolder) GetFileMeta(ctx context.Context, id string) (*metadb.FileMeta, error) {
	if meta := h.cacheGet(id); meta != nil {
		return meta, nil
	}
	var meta *metadb.FileMeta
	err := h.view(ctx, func(tx metadb.Tx) (err error) {
		meta, err = tx.GetByID(id)
		return mapMetaErr(err)
	})
	if err != nil {
		return nil, err
	}
	h.cachePut(meta)
	return meta, nil
}

func (h *FileHolder) GetFileMetaByFullPath(ctx context.Context, path, filename, extension string) (*metadb.FileMeta, error) {
	var meta *metadb.FileMeta
	err := h.view(ctx, func(tx metadb.Tx) (err error) {
		meta, err = tx.GetByFullPath(path, filename, extension)
		return mapMetaErr(err)
	})
	return meta, err
}

// GetFileByID returns content of file id
func (h *FileHolder) GetFileByID(ctx context.Context, id string) ([]byte, error) {
	meta, err := h.GetFileMeta(ctx, id)
	if err != nil {
		return nil, err
	}
	return h.content(meta)
}

func (h *FileHolder) GetFileByFullPath(ctx context.Context, path, filename, extension string) ([]byte, error) {
	meta, err := h.GetFileMetaByFullPath(ctx, path, filename, extension)
	if err != nil {
		return nil, err
	}
	return h.content(meta)
}

func (h *FileHolder) content(meta *metadb.FileMeta) ([]byte, error) {
	res := h.st.Get(meta.UUID)
	switch res.Status {
	case storage.Found:
		return res.Content, nil
	case storage.NotFound:
		h.log.Warnf("metadata %s exists without content", meta.UUID)
		return nil, fmt.Errorf("%w: content of %s", ErrFileNotFound, meta.UUID)
	}
	return nil, res.Err
}

// DeleteFile removes metadata of id and then its content. A failed content
// removal leaves an orphan which SyncStorageWithDB collects later.
func (h *FileHolder) DeleteFile(ctx context.Context, id string) error {
	err := h.units.Run(ctx, func(u *uow.Unit[metadb.Tx]) error {
		return mapMetaErr(u.DB().Delete(id))
	})
	h.cacheDel(id)
	if err != nil {
		return err
	}
	if _, err := h.st.Delete(id); err != nil {
		h.log.Warnf("content of deleted file %s was not removed: %v", id, err)
	}
	return nil
}

func (h *FileHolder) ListFiles(ctx context.Context, page metadb.Page) ([]*metadb.FileMeta, error) {
	var metas []*metadb.FileMeta
	err := h.view(ctx, func(tx metadb.Tx) (err error) {
		metas, err = tx.List(page)
		return err
	})
	return metas, err
}

// SearchFilesByPath lists files whose path starts with prefix. A trailing
// slash is added to prefix so that /a does not match /ab.
func (h *FileHolder) SearchFilesByPath(ctx context.Context, prefix string, page metadb.Page) ([]*metadb.FileMeta, error) {
	if prefix == "" {
		return []*metadb.FileMeta{}, nil
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	var metas []*metadb.FileMeta
	err := h.view(ctx, func(tx metadb.Tx) (err error) {
		metas, err = tx.GetByPathPrefix(prefix, page)
		return err
	})
	return metas, err
}

func (h *FileHolder) UpdateFileMeta(ctx context.Context, id string, upd metadb.Update) (*metadb.FileMeta, error) {
	var meta *metadb.FileMeta
	err := h.units.Run(ctx, func(u *uow.Unit[metadb.Tx]) error {
		current, err := u.DB().GetByID(id)
		if err != nil {
			return mapMetaErr(err)
		}
		if upd.Empty() {
			meta = current
			return nil
		}
		meta, err = u.DB().Update(current, upd, h.clock.Now())
		return mapMetaErr(err)
	})
	h.cacheDel(id)
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// SyncStorageWithDB removes stored content which has no metadata and returns removed names
func (h *FileHolder) SyncStorageWithDB(ctx context.Context) ([]string, error) {
	keep := map[string]struct{}{}
	err := h.view(ctx, func(tx metadb.Tx) error {
		metas, err := tx.List(metadb.Page{})
		if err != nil {
			return err
		}
		for _, m := range metas {
			keep[m.UUID] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	removed, err := h.st.DeleteNotIn(keep, h.syncGrace)
	if len(removed) > 0 {
		h.log.Infof("sync: removed %d files without metadata", len(removed))
	}
	return removed, err
}

// view runs fn in a read-only metadata transaction, no file session is opened
func (h *FileHolder) view(ctx context.Context, fn func(tx metadb.Tx) error) error {
	tx, err := h.reader.BeginRead(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil {
			h.log.Warnf("read transaction rollback: %v", err)
		}
	}()
	return fn(tx)
}

func (h *FileHolder) cacheGet(id string) *metadb.FileMeta {
	if h.cache == nil {
		return nil
	}
	data, err := h.cache.Get(id)
	if err != nil {
		return nil
	}
	meta := &metadb.FileMeta{}
	if err := meta.Unmarshall(data); err != nil {
		h.cache.Del(id)
		return nil
	}
	return meta
}

func (h *FileHolder) cachePut(meta *metadb.FileMeta) {
	if h.cache == nil {
		return
	}
	data, err := meta.Marshall()
	if err != nil {
		return
	}
	h.cache.Add(meta.UUID, data)
}

func (h *FileHolder) cacheDel(id string) {
	if h.cache != nil {
		h.cache.Del(id)
	}
}

func mapMetaErr(err error) error {
	switch {
	case errors.Is(err, metadb.ErrNoSuchFile):
		return fmt.Errorf("%w: %w", ErrFileNotFound, err)
	case errors.Is(err, metadb.ErrFileExists):
		return fmt.Errorf("%w: %w", ErrFileExists, err)
	}
	return err
}
