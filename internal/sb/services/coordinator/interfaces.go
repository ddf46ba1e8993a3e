package coordinator

import (
	"context"
	"time"

	"github.com/haukened/sbguard/internal/sb/domain"
)

// ThreatStore is the persisted chunk database. The coordinator only ever calls it
// from its store goroutine, so implementations need no locking of their own.
type ThreatStore interface {
	// NeedsLookup is a fast in-memory pre-check: false means no list holds p.
	NeedsLookup(p domain.Prefix) bool
	// ExactLookup returns the prefix and full-hash hits for the URL's expressions.
	// Full hits come from listed full hashes or from cached full-hash responses.
	ExactLookup(url string) (domain.LookupResult, error)
	// InsertChunks stores chunks for one list. Chunks already present are skipped.
	InsertChunks(listName string, chunks []domain.Chunk) error
	// DeleteChunks drops whole chunk ranges.
	DeleteChunks(deletes []domain.ChunkDelete) error
	// CacheFullHashes remembers a full-hash response so later lookups of the same
	// prefixes resolve without the network. An empty hashes slice caches a miss.
	CacheFullHashes(prefixes []domain.Prefix, hashes []domain.FullHash) error
	// ListRanges reports the chunk ranges held per list.
	ListRanges() ([]domain.ListDescriptor, error)
	// Reset wipes every list and cached result.
	Reset() error

	// AddPrefixes returns every live add prefix, used to rebuild the bloom filter.
	AddPrefixes() ([]domain.Prefix, error)
	// LoadFilter returns the last saved bloom filter bytes, or nil if none.
	LoadFilter() ([]byte, error)
	// SaveFilter persists serialized bloom filter bytes.
	SaveFilter(data []byte) error
	// DeferCompaction postpones expensive disk maintenance for d.
	DeferCompaction(d time.Duration)
	Close() error
}

// UpdateFeed is the network side: chunk updates and full-hash resolution.
// Implementations own their timeouts and must eventually return.
type UpdateFeed interface {
	// FetchFullHash resolves prefixes to full hashes. cacheable reports whether the
	// answer may be stored for later lookups. An empty result means "not listed".
	FetchFullHash(ctx context.Context, prefixes []domain.Prefix) (hashes []domain.FullHash, cacheable bool, err error)
	// PollChunkUpdates asks for the chunks missing from lists.
	PollChunkUpdates(ctx context.Context, lists []domain.ListDescriptor) (domain.UpdateBatch, error)
}

// Client receives the verdict of an asynchronous check. Implementations must be
// comparable (typically a pointer) because CancelCheck matches clients by identity.
type Client interface {
	OnCheckResult(url string, verdict domain.Verdict)
}
