// Package bloom implements the keyed prefix filter consulted before any threat
// store lookup. It answers "possibly listed" or "definitely not listed" for a
// 32-bit hash prefix without touching disk.
package bloom

import (
	"math"
	"math/rand/v2"

	"github.com/bits-and-blooms/bitset"
)

const (
	// SizeRatio is the number of filter bits allocated per expected prefix.
	SizeRatio = 9
	// NumHashKeys is the number of keyed hash functions, k = round(SizeRatio * ln 2).
	NumHashKeys = 6
	// MinBits floors the filter size for tiny or empty lists.
	MinBits = 8192
	// MaxHashKeys bounds the key count accepted from serialized data.
	MaxHashKeys = 32
)

// Filter is a fixed-size bit array indexed by NumHashKeys keyed mixing functions.
// It is filled once with Insert and then published read-only; readers may call
// Exists from any goroutine once the filter has been frozen.
type Filter struct {
	bits     *bitset.BitSet
	numBits  uint32
	hashKeys []uint32
	frozen   bool
}

// New allocates a zeroed filter for expected prefixes with freshly drawn hash keys.
func New(expected int) *Filter {
	keys := make([]uint32, NumHashKeys)
	for i := range keys {
		keys[i] = rand.Uint32()
	}
	return NewWithKeys(expected, keys)
}

// NewWithKeys allocates a zeroed filter using the given hash keys.
func NewWithKeys(expected int, keys []uint32) *Filter {
	n := bitsFor(expected)
	return &Filter{
		bits:     bitset.New(uint(n)),
		numBits:  n,
		hashKeys: append([]uint32(nil), keys...),
	}
}

// Build allocates a filter sized for prefixes, inserts them all, and freezes it.
func Build(prefixes []uint32) *Filter {
	f := New(len(prefixes))
	for _, p := range prefixes {
		f.Insert(p)
	}
	f.Freeze()
	return f
}

// bitsFor returns max(MinBits, expected*SizeRatio), saturating at the uint32 limit.
func bitsFor(expected int) uint32 {
	if expected < 0 {
		expected = 0
	}
	n := uint64(expected) * SizeRatio
	if n < MinBits {
		n = MinBits
	}
	if n > math.MaxUint32 {
		n = math.MaxUint32
	}
	return uint32(n)
}

// Insert sets the k bits derived from value. It panics once the filter is frozen:
// published filters are shared by readers and are rebuilt, never patched.
func (f *Filter) Insert(value uint32) {
	if f.frozen {
		panic("bloom: Insert on frozen filter")
	}
	for _, key := range f.hashKeys {
		f.bits.Set(uint(f.index(value, key)))
	}
}

// Exists reports whether value may have been inserted. Inserted values always return true.
func (f *Filter) Exists(value uint32) bool {
	for _, key := range f.hashKeys {
		if !f.bits.Test(uint(f.index(value, key))) {
			return false
		}
	}
	return true
}

// Freeze ends construction. Further Insert calls panic.
func (f *Filter) Freeze() { f.frozen = true }

// NumBits returns the size of the bit array.
func (f *Filter) NumBits() uint32 { return f.numBits }

func (f *Filter) index(value, key uint32) uint32 {
	return mix(value, key, 0x9e3779b9) % f.numBits
}

// mix is Bob Jenkins' 96-bit integer mix. Inputs are already content hashes,
// so a fast non-cryptographic mix is enough to decorrelate the k indexes.
func mix(a, b, c uint32) uint32 {
	a -= b
	a -= c
	a ^= c >> 13
	b -= c
	b -= a
	b ^= a << 8
	c -= a
	c -= b
	c ^= b >> 13
	a -= b
	a -= c
	a ^= c >> 12
	b -= c
	b -= a
	b ^= a << 16
	c -= a
	c -= b
	c ^= b >> 5
	a -= b
	a -= c
	a ^= c >> 3
	b -= c
	b -= a
	b ^= a << 10
	c -= a
	c -= b
	c ^= b >> 15
	return c
}

// Stats describes a filter's shape and load.
type Stats struct {
	Bits              uint32
	HashKeys          int
	SetBits           uint
	FalsePositiveRate float64 // estimated from the fraction of set bits
}

// Stats reports the current load of the filter.
func (f *Filter) Stats() Stats {
	set := f.bits.Count()
	fill := float64(set) / float64(f.numBits)
	return Stats{
		Bits:              f.numBits,
		HashKeys:          len(f.hashKeys),
		SetBits:           set,
		FalsePositiveRate: math.Pow(fill, float64(len(f.hashKeys))),
	}
}
