package kvstore

import (
	"errors"

	"github.com/dgraph-io/badger/v3"
	"github.com/ztrue/tracerr"
	"go.uber.org/zap"
)

type Badger struct {
	db *badger.DB
}

// badgerLogger routes badger logs to zap
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}

// OpenBadger opens badger database in path, or in memory when path is empty
func OpenBadger(path string, log *zap.SugaredLogger) (*Badger, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	if log != nil {
		opts = opts.WithLogger(badgerLogger{log})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return NewBadger(db), nil
}

func NewBadger(db *badger.DB) *Badger {
	return &Badger{db: db}
}

func (b *Badger) Get(key []byte) ([]byte, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	return value, nil
}

func (b *Badger) Scan(prefix []byte, fn func(key, value []byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return tracerr.Wrap(err)
			}
			if err := fn(item.KeyCopy(nil), value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *Badger) Apply(ops []Op) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			if op.Delete {
				if err := txn.Delete(op.Key); err != nil {
					return err
				}
				continue
			}
			if err := txn.Set(op.Key, op.Value); err != nil {
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

func (b *Badger) Close() error {
	return b.db.Close()
}
