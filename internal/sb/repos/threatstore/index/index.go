// Package index adapts bits-and-blooms bloom filters to threatstore.PrefixIndex.
package index

import (
	"sync"

	bitsbloom "github.com/bits-and-blooms/bloom/v3"

	"github.com/haukened/sbguard/internal/sb/domain"
	"github.com/haukened/sbguard/internal/sb/repos/bloom"
	"github.com/haukened/sbguard/internal/sb/repos/threatstore"
)

// factory implements threatstore.IndexFactory using the shared sizing formulas.
type factory struct {
	sizer bloom.Sizer
}

// NewFactory returns an IndexFactory that sizes filters from capacity and FP rate.
func NewFactory() threatstore.IndexFactory { return factory{} }

// New constructs an index sized for capacity prefixes at fpRate.
func (f factory) New(capacity uint64, fpRate float64) threatstore.PrefixIndex {
	m, k := f.sizer.Size(capacity, fpRate)
	return &filter{bf: bitsbloom.New(uint(m), uint(k))}
}

// filter wraps a bits-and-blooms filter with a mutex for writes.
// Reads are safe concurrently; Add is serialized.
type filter struct {
	mu sync.RWMutex
	bf *bitsbloom.BloomFilter
}

func (f *filter) Add(p domain.Prefix) {
	f.mu.Lock()
	f.bf.Add(p.Bytes())
	f.mu.Unlock()
}

func (f *filter) MightContain(p domain.Prefix) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.bf.Test(p.Bytes())
}

var _ threatstore.PrefixIndex = (*filter)(nil)
