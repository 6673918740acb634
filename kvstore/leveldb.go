package kvstore

import (
	"errors"
	"os"

	"github.com/syndtr/goleveldb/leveldb"
	lfilter "github.com/syndtr/goleveldb/leveldb/filter"
	lopt "github.com/syndtr/goleveldb/leveldb/opt"
	lutil "github.com/syndtr/goleveldb/leveldb/util"
	"github.com/ztrue/tracerr"
)

type LevelDB struct {
	db *leveldb.DB
}

// OpenLevelDB opens leveldb database in path
func OpenLevelDB(path string) (*LevelDB, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	db, err := leveldb.OpenFile(path, &lopt.Options{
		Filter: lfilter.NewBloomFilter(10),
	})
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return NewLevelDB(db), nil
}

func NewLevelDB(db *leveldb.DB) *LevelDB {
	return &LevelDB{db: db}
}

func (l *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := l.db.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, tracerr.Wrap(err)
	}
	return value, nil
}

func (l *LevelDB) Scan(prefix []byte, fn func(key, value []byte) error) error {
	iter := l.db.NewIterator(lutil.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		// iterator buffers are reused
		key := append([]byte{}, iter.Key()...)
		value := append([]byte{}, iter.Value()...)
		if err := fn(key, value); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return tracerr.Wrap(err)
	}
	return nil
}

func (l *LevelDB) Apply(ops []Op) error {
	batch := new(leveldb.Batch)
	for _, op := range ops {
		if op.Delete {
			batch.Delete(op.Key)
			continue
		}
		batch.Put(op.Key, op.Value)
	}
	if err := l.db.Write(batch, &lopt.WriteOptions{Sync: true}); err != nil {
		return tracerr.Wrap(err)
	}
	return nil
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}
