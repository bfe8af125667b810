package cache

import (
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/simplelru"
)

// DefaultCapacityBytes is the byte bound used when a non-positive capacity is given.
const DefaultCapacityBytes int64 = 4 << 20

// Sizer reports the cost of a cached value in bytes.
type Sizer func(value []byte) int64

// Option configures a ByteCache.
type Option func(*ByteCache)

// WithSizer overrides the default sizing function (raw byte length).
func WithSizer(sizer Sizer) Option {
	return func(c *ByteCache) {
		if sizer != nil {
			c.sizer = sizer
		}
	}
}

// ByteCache is a size-bounded LRU cache of raw byte payloads.
// It is safe for concurrent use; all operations are serialized by one mutex.
type ByteCache struct {
	mu       sync.Mutex
	lru      *simplelru.LRU
	sizer    Sizer
	size     int64
	capacity int64
}

// New creates a ByteCache holding at most capacityBytes, as measured by the sizer.
func New(capacityBytes int64, opts ...Option) *ByteCache {
	if capacityBytes <= 0 {
		capacityBytes = DefaultCapacityBytes
	}

	c := &ByteCache{
		capacity: capacityBytes,
		sizer:    func(value []byte) int64 { return int64(len(value)) },
	}
	for _, opt := range opts {
		opt(c)
	}

	// Entry count is unbounded here; the byte budget is enforced in Put.
	lru, err := simplelru.NewLRU(math.MaxInt32, c.onEvict)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	c.lru = lru

	return c
}

// onEvict runs under c.mu for every entry leaving the list.
func (c *ByteCache) onEvict(_ interface{}, value interface{}) {
	c.size -= c.sizer(value.([]byte))
}

// Get returns the cached bytes for key and marks the entry most recently used.
// The returned slice must not be modified.
func (c *ByteCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

// Contains reports whether key is cached without touching its recency.
func (c *ByteCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lru.Contains(key)
}

// Put stores a copy of value under key, replacing any previous entry, then
// evicts least recently used entries until the cache is back within capacity.
// A value larger than the whole capacity is not retained.
func (c *ByteCache) Put(key string, value []byte) {
	stored := make([]byte, len(value))
	copy(stored, value)
	cost := c.sizer(stored)

	c.mu.Lock()
	defer c.mu.Unlock()

	if cost > c.capacity {
		c.lru.Remove(key)
		return
	}

	if old, ok := c.lru.Peek(key); ok {
		// simplelru replaces in place without firing the eviction callback.
		c.size -= c.sizer(old.([]byte))
	}
	c.lru.Add(key, stored)
	c.size += cost

	for c.size > c.capacity {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
}

// Remove drops key from the cache and reports whether it was present.
func (c *ByteCache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lru.Remove(key)
}

// Purge empties the cache.
func (c *ByteCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Purge()
	c.size = 0
}

// Len returns the number of cached entries.
func (c *ByteCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lru.Len()
}

// Size returns the total resident cost of all entries.
func (c *ByteCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.size
}

// Capacity returns the configured byte bound.
func (c *ByteCache) Capacity() int64 {
	return c.capacity
}
