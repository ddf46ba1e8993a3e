package domain

import (
	"errors"
	"reflect"
	"testing"
)

func TestRangesFromNumbers(t *testing.T) {
	got := RangesFromNumbers([]uint32{9, 1, 2, 3, 3, 7, 10, 11})
	want := []ChunkRange{{1, 3}, {7, 7}, {9, 11}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("RangesFromNumbers = %v, want %v", got, want)
	}
	if RangesFromNumbers(nil) != nil {
		t.Fatalf("nil input should give nil ranges")
	}
}

func TestFormatAndParseRanges(t *testing.T) {
	ranges := []ChunkRange{{1, 5}, {7, 7}, {9, 12}}
	s := FormatRanges(ranges)
	if s != "1-5,7,9-12" {
		t.Fatalf("FormatRanges = %q", s)
	}
	parsed, err := ParseRanges(s)
	if err != nil {
		t.Fatalf("ParseRanges: %v", err)
	}
	if !reflect.DeepEqual(parsed, ranges) {
		t.Fatalf("ParseRanges = %v, want %v", parsed, ranges)
	}
	if r, err := ParseRanges("  "); err != nil || r != nil {
		t.Fatalf("empty input: r=%v err=%v", r, err)
	}
}

func TestParseRanges_Invalid(t *testing.T) {
	for _, in := range []string{"a", "5-1", "1-", "1,,2"} {
		if _, err := ParseRanges(in); !errors.Is(err, ErrInvalidRange) {
			t.Errorf("ParseRanges(%q) err = %v, want ErrInvalidRange", in, err)
		}
	}
}

func TestRangesContain(t *testing.T) {
	ranges := []ChunkRange{{1, 3}, {10, 12}}
	for _, n := range []uint32{1, 2, 3, 10, 12} {
		if !RangesContain(ranges, n) {
			t.Errorf("expected %d to be contained", n)
		}
	}
	for _, n := range []uint32{0, 4, 9, 13} {
		if RangesContain(ranges, n) {
			t.Errorf("expected %d to be outside", n)
		}
	}
}
