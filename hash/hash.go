// Package hash provides striped advisory locks for logical names
package hash

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

type Hash struct {
	// create map of mutexes
	hashMap map[uint64]*sync.RWMutex
	size    uint64
}

func New(size uint64) *Hash {
	if size == 0 {
		size = 1
	}
	h := &Hash{
		hashMap: make(map[uint64]*sync.RWMutex, size),
		size:    size,
	}
	for i := uint64(0); i < size; i++ {
		h.hashMap[i] = &sync.RWMutex{}
	}
	return h
}

// Key returns lock key of a logical name
func Key(name string) uint64 {
	return xxhash.Sum64String(name)
}

func (h *Hash) Lock(key uint64) {
	h.hashMap[key%h.size].Lock()
}

func (h *Hash) Unlock(key uint64) {
	h.hashMap[key%h.size].Unlock()
}

func (h *Hash) RLock(key uint64) {
	h.hashMap[key%h.size].RLock()
}

func (h *Hash) RUnlock(key uint64) {
	h.hashMap[key%h.size].RUnlock()
}

// LockName takes exclusive stripe of name and returns its unlock func
func (h *Hash) LockName(name string) func() {
	key := Key(name)
	h.Lock(key)
	return func() { h.Unlock(key) }
}

// RLockName takes shared stripe of name and returns its unlock func
func (h *Hash) RLockName(name string) func() {
	key := Key(name)
	h.RLock(key)
	return func() { h.RUnlock(key) }
}
