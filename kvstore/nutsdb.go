package kvstore

import (
	"bytes"
	"os"
	"sort"

	"github.com/nutsdb/nutsdb"
	"github.com/ztrue/tracerr"
)

const nutsBucket = "kv"

type NutsDB struct {
	db *nutsdb.DB
}

// OpenNutsDB opens nutsdb database in path
func OpenNutsDB(path string) (*NutsDB, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	opt := nutsdb.DefaultOptions
	opt.Dir = path
	db, err := nutsdb.Open(opt)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return &NutsDB{db: db}, nil
}

func missing(err error) bool {
	return nutsdb.IsKeyNotFound(err) || nutsdb.IsBucketNotFound(err)
}

func (n *NutsDB) Get(key []byte) ([]byte, error) {
	var value []byte
	err := n.db.View(func(tx *nutsdb.Tx) error {
		e, err := tx.Get(nutsBucket, key)
		if err != nil {
			return err
		}
		value = append([]byte{}, e.Value...)
		return nil
	})
	if err != nil {
		if missing(err) {
			return nil, ErrKeyNotFound
		}
		return nil, tracerr.Wrap(err)
	}
	return value, nil
}

func (n *NutsDB) Scan(prefix []byte, fn func(key, value []byte) error) error {
	entries := []kv{}
	err := n.db.View(func(tx *nutsdb.Tx) error {
		iterator := nutsdb.NewIterator(tx, nutsBucket, nutsdb.IteratorOptions{Reverse: false})
		ok, err := iterator.SetNext()
		if err != nil {
			if missing(err) {
				return nil
			}
			return err
		}
		for ok {
			e := iterator.Entry()
			if bytes.HasPrefix(e.Key, prefix) {
				entries = append(entries, kv{
					key:   append([]byte{}, e.Key...),
					value: append([]byte{}, e.Value...),
				})
			}
			ok, err = iterator.SetNext()
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return tracerr.Wrap(err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].key, entries[j].key) < 0
	})
	for _, e := range entries {
		if err := fn(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}

func (n *NutsDB) Apply(ops []Op) error {
	err := n.db.Update(func(tx *nutsdb.Tx) error {
		for _, op := range ops {
			if op.Delete {
				if err := tx.Delete(nutsBucket, op.Key); err != nil && !missing(err) {
					return err
				}
				continue
			}
			if err := tx.Put(nutsBucket, op.Key, op.Value, nutsdb.Persistent); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return tracerr.Wrap(err)
	}
	return nil
}

func (n *NutsDB) Close() error {
	return n.db.Close()
}
