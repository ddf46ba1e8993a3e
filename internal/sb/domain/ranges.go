package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ChunkRange is an inclusive run of chunk numbers.
type ChunkRange struct {
	Start uint32
	End   uint32
}

// Contains reports whether n falls inside the range.
func (r ChunkRange) Contains(n uint32) bool { return n >= r.Start && n <= r.End }

// String renders "start-end", or just "start" for a single chunk.
func (r ChunkRange) String() string {
	if r.Start == r.End {
		return strconv.FormatUint(uint64(r.Start), 10)
	}
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// RangesFromNumbers collapses chunk numbers into sorted, merged ranges.
func RangesFromNumbers(nums []uint32) []ChunkRange {
	if len(nums) == 0 {
		return nil
	}
	sorted := append([]uint32(nil), nums...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := []ChunkRange{{Start: sorted[0], End: sorted[0]}}
	for _, n := range sorted[1:] {
		last := &out[len(out)-1]
		switch {
		case n <= last.End:
			// duplicate
		case n == last.End+1:
			last.End = n
		default:
			out = append(out, ChunkRange{Start: n, End: n})
		}
	}
	return out
}

// FormatRanges renders ranges as "1-5,7,9-12".
func FormatRanges(ranges []ChunkRange) string {
	parts := make([]string, 0, len(ranges))
	for _, r := range ranges {
		parts = append(parts, r.String())
	}
	return strings.Join(parts, ",")
}

// ParseRanges parses the "1-5,7,9-12" form. An empty string yields no ranges.
func ParseRanges(s string) ([]ChunkRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var out []ChunkRange
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRange, part)
		}
		end := start
		if isRange {
			end, err = strconv.ParseUint(strings.TrimSpace(hi), 10, 32)
			if err != nil || end < start {
				return nil, fmt.Errorf("%w: %q", ErrInvalidRange, part)
			}
		}
		out = append(out, ChunkRange{Start: uint32(start), End: uint32(end)})
	}
	return out, nil
}

// RangesContain reports whether any range contains n.
func RangesContain(ranges []ChunkRange, n uint32) bool {
	for _, r := range ranges {
		if r.Contains(n) {
			return true
		}
	}
	return false
}
