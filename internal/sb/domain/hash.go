package domain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// PrefixSize is the number of leading hash bytes stored as a prefix.
const PrefixSize = 4

// Prefix is the first four bytes of a SHA-256 hash, read big endian.
type Prefix uint32

// String renders the prefix as eight lowercase hex digits.
func (p Prefix) String() string { return fmt.Sprintf("%08x", uint32(p)) }

// Bytes returns the big endian encoding of the prefix.
func (p Prefix) Bytes() []byte {
	b := make([]byte, PrefixSize)
	binary.BigEndian.PutUint32(b, uint32(p))
	return b
}

// ParsePrefix decodes an eight digit hex prefix.
func ParsePrefix(s string) (Prefix, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid prefix %q: %w", s, err)
	}
	if len(b) != PrefixSize {
		return 0, fmt.Errorf("invalid prefix %q: want %d bytes, got %d", s, PrefixSize, len(b))
	}
	return Prefix(binary.BigEndian.Uint32(b)), nil
}

// Hash256 is a complete SHA-256 hash of a URL expression.
type Hash256 [sha256.Size]byte

// HashExpression hashes a canonical host/path expression.
func HashExpression(expr string) Hash256 { return Hash256(sha256.Sum256([]byte(expr))) }

// Prefix returns the leading four bytes of the hash.
func (h Hash256) Prefix() Prefix { return Prefix(binary.BigEndian.Uint32(h[:PrefixSize])) }

// IsZero reports whether the hash is unset.
func (h Hash256) IsZero() bool { return h == Hash256{} }

// String renders the hash as lowercase hex.
func (h Hash256) String() string { return hex.EncodeToString(h[:]) }

// ParseHash256 decodes a 64 digit hex hash.
func ParseHash256(s string) (Hash256, error) {
	var h Hash256
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return h, fmt.Errorf("invalid full hash %q: %w", s, err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("invalid full hash %q: want %d bytes, got %d", s, len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// FullHash is a complete hash returned for a prefix, tagged with the list it belongs to.
// Pure value type.
type FullHash struct {
	ListName string
	Hash     Hash256
}

// Prefix returns the prefix the full hash disambiguates.
func (f FullHash) Prefix() Prefix { return f.Hash.Prefix() }

// MatchFullHashes returns the entries of hashes whose value is one of the candidate URL hashes.
func MatchFullHashes(candidates []Hash256, hashes []FullHash) []FullHash {
	if len(candidates) == 0 || len(hashes) == 0 {
		return nil
	}
	want := make(map[Hash256]struct{}, len(candidates))
	for _, c := range candidates {
		want[c] = struct{}{}
	}
	var out []FullHash
	for _, h := range hashes {
		if _, ok := want[h.Hash]; ok {
			out = append(out, h)
		}
	}
	return out
}

// VerdictForHits reduces a set of matching full hashes to a single verdict.
// Malware outranks phishing.
func VerdictForHits(hits []FullHash) Verdict {
	v := VerdictSafe
	for _, h := range hits {
		switch VerdictForList(h.ListName) {
		case VerdictMalware:
			return VerdictMalware
		case VerdictPhishing:
			v = VerdictPhishing
		}
	}
	return v
}
