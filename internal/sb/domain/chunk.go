package domain

import (
	"fmt"
	"strings"
	"time"
)

// ChunkType distinguishes add chunks from sub chunks.
type ChunkType uint8

const (
	// ChunkAdd adds prefixes or full hashes to a list.
	ChunkAdd ChunkType = iota
	// ChunkSub removes prefixes previously added by an add chunk.
	ChunkSub
)

// String returns a stable string representation of the chunk type.
func (t ChunkType) String() string {
	switch t {
	case ChunkAdd:
		return "add"
	case ChunkSub:
		return "sub"
	default:
		return fmt.Sprintf("ChunkType(%d)", t)
	}
}

// ParseChunkType converts "add" or "sub" (case-insensitive) into a ChunkType.
func ParseChunkType(s string) (ChunkType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "add", "a":
		return ChunkAdd, nil
	case "sub", "s":
		return ChunkSub, nil
	default:
		return 0, fmt.Errorf("unsupported chunk type: %q", s)
	}
}

// ChunkEntry is one record of a chunk.
//
// Notes:
// - FullHash is optional; a zero hash means the entry only carries a prefix.
// - AddChunk is only meaningful for sub chunks and names the add chunk being cancelled.
type ChunkEntry struct {
	Prefix   Prefix
	FullHash Hash256
	AddChunk uint32
}

// Chunk is a numbered batch of add or sub records for one list.
type Chunk struct {
	ListName string
	Number   uint32
	Type     ChunkType
	Entries  []ChunkEntry
}

// Validate checks the chunk for required fields and consistent entries.
func (c Chunk) Validate() error {
	if strings.TrimSpace(c.ListName) == "" {
		return fmt.Errorf("chunk list name must not be empty")
	}
	if c.Number == 0 {
		return fmt.Errorf("chunk number must be positive")
	}
	switch c.Type {
	case ChunkAdd, ChunkSub:
	default:
		return fmt.Errorf("unsupported ChunkType: %d", c.Type)
	}
	for i, e := range c.Entries {
		if !e.FullHash.IsZero() && e.FullHash.Prefix() != e.Prefix {
			return fmt.Errorf("entry %d: full hash %s does not start with prefix %s", i, e.FullHash, e.Prefix)
		}
		if c.Type == ChunkSub && e.AddChunk == 0 {
			return fmt.Errorf("entry %d: sub entry must reference an add chunk", i)
		}
	}
	return nil
}

// ChunkDelete drops whole chunks (adds or subs) of a list.
type ChunkDelete struct {
	ListName string
	Type     ChunkType
	Ranges   []ChunkRange
}

// ListDescriptor reports which chunks of a list the store holds.
type ListDescriptor struct {
	Name string
	Adds []ChunkRange
	Subs []ChunkRange
}

// UpdateBatch is one poll worth of chunk changes delivered by the update feed.
type UpdateBatch struct {
	Chunks   []Chunk
	Deletes  []ChunkDelete
	Reset    bool          // feed asks the client to wipe its database first
	NextPoll time.Duration // zero means use the configured interval
}

// Empty reports whether the batch carries no changes.
func (b UpdateBatch) Empty() bool { return len(b.Chunks) == 0 && len(b.Deletes) == 0 && !b.Reset }

// LookupResult is what an exact store lookup found for a URL.
type LookupResult struct {
	ListName   string
	PrefixHits []Prefix
	FullHits   []FullHash
}

// ExactMatch reports whether the lookup already resolved to a listed full hash.
func (r LookupResult) ExactMatch() bool { return len(r.FullHits) > 0 }
