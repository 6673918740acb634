// Package kvstore gives ordered key/value backends buffered transactions:
// writes stay in memory until Commit applies them as one atomic batch.
package kvstore

import (
	"bytes"
	"context"
	"errors"
	"sort"

	"github.com/rarydzu/monostore/utils"
)

var (
	ErrKeyNotFound = errors.New("key not found")
	ErrTxDone      = errors.New("transaction already committed or rolled back")
	ErrReadOnly    = errors.New("read-only transaction")
	ErrCorrupted   = errors.New("corrupted record")
)

// Op is one write of a batch, Value is ignored for deletes
type Op struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Backend is an ordered key/value store
type Backend interface {
	// Get returns committed value of key or ErrKeyNotFound
	Get(key []byte) ([]byte, error)
	// Scan calls fn for committed keys with prefix in ascending key order
	Scan(prefix []byte, fn func(key, value []byte) error) error
	// Apply writes ops atomically
	Apply(ops []Op) error
	Close() error
}

// Store runs transactions over a Backend. Update transactions are serialized.
type Store struct {
	backend Backend
	writer  chan struct{}
}

func New(backend Backend) *Store {
	return &Store{
		backend: backend,
		writer:  make(chan struct{}, 1),
	}
}

// Begin starts a transaction. An update transaction waits until the previous
// one is committed or rolled back.
func (s *Store) Begin(ctx context.Context, update bool) (*Txn, error) {
	if update {
		select {
		case s.writer <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &Txn{
		store:   s,
		update:  update,
		pending: map[string]*Record{},
	}, nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}

type Txn struct {
	store   *Store
	update  bool
	done    bool
	pending map[string]*Record
}

// Get reads key, seeing writes of this transaction
func (t *Txn) Get(key []byte) ([]byte, error) {
	if t.done {
		return nil, ErrTxDone
	}
	if r, ok := t.pending[string(key)]; ok {
		if r.IsTombstoned() {
			return nil, ErrKeyNotFound
		}
		return utils.CopyBytes(r.Value), nil
	}
	data, err := t.store.backend.Get(key)
	if err != nil {
		return nil, err
	}
	return decodeValue(key, data)
}

func (t *Txn) Set(key, value []byte) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.pending[string(key)] = NewRecord(key, utils.CopyBytes(value))
	return nil
}

func (t *Txn) Delete(key []byte) error {
	if err := t.writable(); err != nil {
		return err
	}
	r := NewRecord(key, nil)
	r.Tombstone()
	t.pending[string(key)] = r
	return nil
}

type kv struct {
	key   []byte
	value []byte
}

// Scan calls fn for keys with prefix in ascending key order, seeing writes of this transaction.
// fn must not keep key or value.
func (t *Txn) Scan(prefix []byte, fn func(key, value []byte) error) error {
	if t.done {
		return ErrTxDone
	}
	entries := []kv{}
	err := t.store.backend.Scan(prefix, func(key, data []byte) error {
		if _, ok := t.pending[string(key)]; ok {
			return nil
		}
		value, err := decodeValue(key, data)
		if err != nil {
			return err
		}
		entries = append(entries, kv{key: utils.CopyBytes(key), value: utils.CopyBytes(value)})
		return nil
	})
	if err != nil {
		return err
	}
	for key, r := range t.pending {
		if r.IsTombstoned() || !bytes.HasPrefix([]byte(key), prefix) {
			continue
		}
		entries = append(entries, kv{key: []byte(key), value: r.Value})
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

// Commit applies buffered writes atomically
func (t *Txn) Commit() error {
	if t.done {
		return ErrTxDone
	}
	defer t.finish()
	if !t.update || len(t.pending) == 0 {
		return nil
	}
	ops := make([]Op, 0, len(t.pending))
	for key, r := range t.pending {
		if r.IsTombstoned() {
			ops = append(ops, Op{Key: []byte(key), Delete: true})
			continue
		}
		ops = append(ops, Op{Key: []byte(key), Value: r.Encode()})
	}
	sort.Slice(ops, func(i, j int) bool {
		return bytes.Compare(ops[i].Key, ops[j].Key) < 0
	})
	return t.store.backend.Apply(ops)
}

// Rollback drops buffered writes. It is a no-op after Commit or Rollback.
func (t *Txn) Rollback() error {
	if t.done {
		return nil
	}
	t.finish()
	return nil
}

func (t *Txn) writable() error {
	if t.done {
		return ErrTxDone
	}
	if !t.update {
		return ErrReadOnly
	}
	return nil
}

func (t *Txn) finish() {
	t.done = true
	t.pending = nil
	if t.update {
		<-t.store.writer
	}
}
