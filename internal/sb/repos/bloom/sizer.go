package bloom

import "math"

// Sizer computes Bloom filter parameters from capacity (n) and target FP rate (p)
// using the standard formulas:
//
//	m = - (n * ln p) / (ln 2)^2
//	k = (m / n) * ln 2
//
// Results are clamped to at least 1.
type Sizer struct{}

// Size returns m (number of bits) and k (number of hash functions).
func (Sizer) Size(n uint64, p float64) (uint64, uint8) {
	if n == 0 {
		n = 1
	}
	if !(p > 0 && p < 1) {
		p = 0.01
	}
	ln2 := math.Ln2
	m := uint64(math.Ceil(-float64(n) * math.Log(p) / (ln2 * ln2)))
	if m == 0 {
		m = 1
	}
	return m, HashCountFor(float64(m) / float64(n))
}

// HashCountFor returns the optimal k for a bits-per-element ratio.
func HashCountFor(bitsPerElement float64) uint8 {
	return uint8(math.Max(1, math.Round(bitsPerElement*math.Ln2)))
}
