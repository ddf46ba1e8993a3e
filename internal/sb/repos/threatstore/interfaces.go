// Package threatstore holds the pieces of the persisted chunk database: the
// bbolt store itself, the in-memory prefix index consulted before any disk
// read, and the cache of full-hash responses.
package threatstore

import (
	"time"

	"github.com/haukened/sbguard/internal/sb/domain"
)

// PrefixIndex is the minimal interface the store needs from its in-memory
// prefix index. False positives are allowed, false negatives are not.
type PrefixIndex interface {
	Add(p domain.Prefix)
	MightContain(p domain.Prefix) bool
}

// IndexFactory builds a PrefixIndex sized for capacity at the target FP rate.
type IndexFactory interface {
	New(capacity uint64, fpRate float64) PrefixIndex
}

// HashCache remembers full-hash responses by prefix. A cached empty slice
// records that the prefix resolved to nothing.
type HashCache interface {
	Get(p domain.Prefix) ([]domain.FullHash, bool)
	Put(p domain.Prefix, hashes []domain.FullHash)
	Len() int
	Purge()
	Stats() (hits, misses, evictions uint64)
}

// StoreStats captures high-level counts for the persistent store.
type StoreStats struct {
	Lists        int
	AddChunks    int
	SubChunks    int
	Prefixes     int
	CachedHashes int
	CacheHits    uint64
	CacheMisses  uint64
	LastUpdate   time.Time
	LastCompact  time.Time
}
