// Package hashcache keeps full-hash responses in memory for a bounded time.
package hashcache

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/haukened/sbguard/internal/sb/domain"
	"github.com/haukened/sbguard/internal/sb/repos/threatstore"
)

// hashCache is an expiring LRU implementation of threatstore.HashCache.
// It tracks hits, misses, and evictions.
type hashCache struct {
	lru       *expirable.LRU[domain.Prefix, []domain.FullHash]
	hits      uint64
	misses    uint64
	evictions uint64
}

// disabledCache is a no-op HashCache used when size <= 0.
type disabledCache struct{}

// New creates a HashCache holding up to size prefixes for ttl each. If size <= 0
// a disabled cache is returned that always misses. A ttl <= 0 never expires.
func New(size int, ttl time.Duration) threatstore.HashCache {
	if size <= 0 {
		return &disabledCache{}
	}
	if ttl < 0 {
		ttl = 0
	}
	var c hashCache
	c.lru = expirable.NewLRU(size, func(domain.Prefix, []domain.FullHash) {
		atomic.AddUint64(&c.evictions, 1)
	}, ttl)
	return &c
}

func (c *hashCache) Get(p domain.Prefix) ([]domain.FullHash, bool) {
	if v, ok := c.lru.Get(p); ok {
		atomic.AddUint64(&c.hits, 1)
		return v, true
	}
	atomic.AddUint64(&c.misses, 1)
	return nil, false
}

// Put stores a copy of hashes; an empty slice records a miss.
func (c *hashCache) Put(p domain.Prefix, hashes []domain.FullHash) {
	c.lru.Add(p, append([]domain.FullHash{}, hashes...))
}

func (c *hashCache) Len() int { return c.lru.Len() }

// Purge clears all entries. Evictions are counted via the eviction callback.
func (c *hashCache) Purge() { c.lru.Purge() }

func (c *hashCache) Stats() (hits, misses, evictions uint64) {
	return atomic.LoadUint64(&c.hits), atomic.LoadUint64(&c.misses), atomic.LoadUint64(&c.evictions)
}

func (*disabledCache) Get(domain.Prefix) ([]domain.FullHash, bool) { return nil, false }

func (*disabledCache) Put(domain.Prefix, []domain.FullHash) {}

func (*disabledCache) Len() int { return 0 }

func (*disabledCache) Purge() {}

func (*disabledCache) Stats() (uint64, uint64, uint64) { return 0, 0, 0 }

var _ threatstore.HashCache = (*hashCache)(nil)
var _ threatstore.HashCache = (*disabledCache)(nil)
