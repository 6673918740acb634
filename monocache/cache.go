// Package monocache is a bounded in-memory cache with time to live. Items read
// less often than average are evicted first once the cache grows over its threshold.
package monocache

import (
	"errors"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"
)

var ErrKeyNotFound = errors.New("no such key")

type CacheTable struct {
	sync.Mutex
	table           map[string]*CacheItem
	threshold       int
	minSize         int
	ttl             time.Duration
	clock           timeutil.Clock
	cacheGeneration uint64
	stop            chan struct{}
	stopOnce        sync.Once
}

// NewCacheTable creates cache holding about threshold items for at most ttl.
// A sweep runs every interval until Stop, interval 0 leaves sweeping to the caller.
func NewCacheTable(threshold int, ttl, interval time.Duration, clock timeutil.Clock) *CacheTable {
	if clock == nil {
		clock = timeutil.RealClock()
	}
	ct := &CacheTable{
		table:     map[string]*CacheItem{},
		threshold: threshold,
		minSize:   int(float64(threshold) * 0.5),
		ttl:       ttl,
		clock:     clock,
		stop:      make(chan struct{}),
	}
	if interval > 0 {
		go ct.run(interval)
	}
	return ct
}

func (t *CacheTable) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.Sweep()
		case <-t.stop:
			return
		}
	}
}

// Add adds or replaces item of key
func (t *CacheTable) Add(key string, data []byte) {
	t.Lock()
	defer t.Unlock()
	t.table[key] = NewCacheItem(key, data, t.cacheGeneration, t.clock.Now())
}

// Get returns data of key, expired items are dropped
func (t *CacheTable) Get(key string) ([]byte, error) {
	t.Lock()
	defer t.Unlock()
	item, ok := t.table[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	if item.expired(t.clock.Now(), t.ttl) {
		delete(t.table, key)
		return nil, ErrKeyNotFound
	}
	item.AccessCount++
	return item.Data, nil
}

// Del removes item of key
func (t *CacheTable) Del(key string) {
	t.Lock()
	defer t.Unlock()
	delete(t.table, key)
}

// Len returns number of items in cache
func (t *CacheTable) Len() int {
	t.Lock()
	defer t.Unlock()
	return len(t.table)
}

// Sweep drops expired items. When the cache is over threshold, items of older
// generations read no more than average are dropped until minSize is reached.
func (t *CacheTable) Sweep() {
	t.Lock()
	defer t.Unlock()
	now := t.clock.Now()
	meanAccess := float64(0)
	oldGenerationCount := 0
	for key, item := range t.table {
		if item.expired(now, t.ttl) {
			delete(t.table, key)
			continue
		}
		if item.Generation != t.cacheGeneration {
			meanAccess += float64(item.AccessCount)
			oldGenerationCount++
		}
	}
	if len(t.table) > t.threshold && oldGenerationCount > 0 {
		meanAccess /= float64(oldGenerationCount)
		for key, item := range t.table {
			if len(t.table) <= t.minSize {
				break
			}
			if item.Generation != t.cacheGeneration && float64(item.AccessCount) <= meanAccess {
				delete(t.table, key)
			}
		}
	}
	// switch generation
	t.cacheGeneration++
	for _, item := range t.table {
		item.AccessCount = 0
	}
}

// Stop stops background sweeping
func (t *CacheTable) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *CacheTable) SetMinSize(size int) {
	t.Lock()
	defer t.Unlock()
	t.minSize = size
}

func (t *CacheTable) GetCacheGeneration() uint64 {
	t.Lock()
	defer t.Unlock()
	return t.cacheGeneration
}
