package monocache

import "time"

type CacheItem struct {
	// Key identifies item in cache
	Key string
	// Data stored in cache, never modified in place
	Data []byte
	// LastUpdate time when item was added
	LastUpdate time.Time
	// AccessCount number of reads since the last sweep
	AccessCount uint64
	// Generation sweep generation the item was added in
	Generation uint64
}

func NewCacheItem(key string, data []byte, generation uint64, now time.Time) *CacheItem {
	return &CacheItem{
		Key:        key,
		Data:       data,
		LastUpdate: now,
		Generation: generation,
	}
}

func (item *CacheItem) expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(item.LastUpdate) > ttl
}
