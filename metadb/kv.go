package metadb

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rarydzu/monostore/kvstore"
	"github.com/ztrue/tracerr"
)

const (
	metaPrefix = "meta/"
	pathPrefix = "path/"
)

func metaKey(id string) []byte {
	return []byte(metaPrefix + id)
}

// pathKey is the unique index entry of path, filename and extension
func pathKey(path, filename, extension string) []byte {
	return []byte(pathPrefix + path + "\x00" + filename + "\x00" + extension)
}

// KV keeps metadata records and the full path index in a kvstore
type KV struct {
	store *kvstore.Store
}

func NewKV(store *kvstore.Store) *KV {
	return &KV{store: store}
}

func (k *KV) Begin(ctx context.Context) (Tx, error) {
	txn, err := k.store.Begin(ctx, true)
	if err != nil {
		return nil, err
	}
	return &kvTx{txn: txn}, nil
}

func (k *KV) BeginRead(ctx context.Context) (Tx, error) {
	txn, err := k.store.Begin(ctx, false)
	if err != nil {
		return nil, err
	}
	return &kvTx{txn: txn, readOnly: true}, nil
}

func (k *KV) Close() error {
	return k.store.Close()
}

type kvTx struct {
	txn      *kvstore.Txn
	readOnly bool
}

func (t *kvTx) Commit() error {
	return t.txn.Commit()
}

func (t *kvTx) Rollback() error {
	return t.txn.Rollback()
}

func (t *kvTx) Save(meta *FileMeta) error {
	if t.readOnly {
		return ErrReadOnly
	}
	if _, err := t.GetByID(meta.UUID); err == nil {
		return ErrFileExists
	} else if !errors.Is(err, ErrNoSuchFile) {
		return err
	}
	if err := t.checkPathFree(meta, ""); err != nil {
		return err
	}
	return t.put(meta)
}

func (t *kvTx) Update(meta *FileMeta, upd Update, now time.Time) (*FileMeta, error) {
	if t.readOnly {
		return nil, ErrReadOnly
	}
	current, err := t.GetByID(meta.UUID)
	if err != nil {
		return nil, err
	}
	next := upd.Apply(current, now)
	if !samePath(current, next) {
		if err := t.checkPathFree(next, current.UUID); err != nil {
			return nil, err
		}
		if err := t.txn.Delete(pathKey(current.Path, current.Filename, current.Extension)); err != nil {
			return nil, err
		}
	}
	if err := t.put(next); err != nil {
		return nil, err
	}
	return next, nil
}

func (t *kvTx) Delete(id string) error {
	if t.readOnly {
		return ErrReadOnly
	}
	meta, err := t.GetByID(id)
	if err != nil {
		return err
	}
	if err := t.txn.Delete(pathKey(meta.Path, meta.Filename, meta.Extension)); err != nil {
		return err
	}
	return t.txn.Delete(metaKey(id))
}

func (t *kvTx) DeleteMany(ids []string) (bool, error) {
	deleted := false
	for _, id := range ids {
		err := t.Delete(id)
		if errors.Is(err, ErrNoSuchFile) {
			continue
		}
		if err != nil {
			return deleted, err
		}
		deleted = true
	}
	return deleted, nil
}

func (t *kvTx) GetByID(id string) (*FileMeta, error) {
	data, err := t.txn.Get(metaKey(id))
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return nil, ErrNoSuchFile
	}
	if err != nil {
		return nil, err
	}
	meta := &FileMeta{}
	if err := meta.Unmarshall(data); err != nil {
		return nil, tracerr.Wrap(err)
	}
	return meta, nil
}

func (t *kvTx) GetByFullPath(path, filename, extension string) (*FileMeta, error) {
	id, err := t.txn.Get(pathKey(path, filename, extension))
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return nil, ErrNoSuchFile
	}
	if err != nil {
		return nil, err
	}
	return t.GetByID(string(id))
}

func (t *kvTx) GetByPath(path string, page Page) ([]*FileMeta, error) {
	return t.filter(page, func(m *FileMeta) bool { return m.Path == path })
}

func (t *kvTx) GetByWordInPath(word string, page Page) ([]*FileMeta, error) {
	return t.filter(page, func(m *FileMeta) bool { return strings.Contains(m.Path, word) })
}

func (t *kvTx) GetByPathPrefix(prefix string, page Page) ([]*FileMeta, error) {
	return t.filter(page, func(m *FileMeta) bool { return strings.HasPrefix(m.Path, prefix) })
}

func (t *kvTx) List(page Page) ([]*FileMeta, error) {
	return t.filter(page, func(*FileMeta) bool { return true })
}

// filter scans every record, the store keys records by uuid so results come sorted
func (t *kvTx) filter(page Page, match func(m *FileMeta) bool) ([]*FileMeta, error) {
	metas := []*FileMeta{}
	err := t.txn.Scan([]byte(metaPrefix), func(_, value []byte) error {
		meta := &FileMeta{}
		if err := meta.Unmarshall(value); err != nil {
			return tracerr.Wrap(err)
		}
		if match(meta) {
			metas = append(metas, meta)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page.apply(metas), nil
}

func (t *kvTx) checkPathFree(meta *FileMeta, owner string) error {
	id, err := t.txn.Get(pathKey(meta.Path, meta.Filename, meta.Extension))
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if string(id) != owner {
		return ErrFileExists
	}
	return nil
}

func (t *kvTx) put(meta *FileMeta) error {
	data, err := meta.Marshall()
	if err != nil {
		return tracerr.Wrap(err)
	}
	if err := t.txn.Set(metaKey(meta.UUID), data); err != nil {
		return err
	}
	return t.txn.Set(pathKey(meta.Path, meta.Filename, meta.Extension), []byte(meta.UUID))
}
