// Package bolt is the bbolt-backed chunk database behind the check coordinator.
package bolt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	bbolt "go.etcd.io/bbolt"
	bberrors "go.etcd.io/bbolt/errors"
	"go.uber.org/multierr"

	"github.com/haukened/sbguard/internal/sb/common/clock"
	"github.com/haukened/sbguard/internal/sb/common/log"
	"github.com/haukened/sbguard/internal/sb/common/urlutil"
	"github.com/haukened/sbguard/internal/sb/domain"
	"github.com/haukened/sbguard/internal/sb/repos/threatstore"
	"github.com/haukened/sbguard/internal/sb/repos/threatstore/hashcache"
	"github.com/haukened/sbguard/internal/sb/repos/threatstore/index"
	"github.com/haukened/sbguard/internal/sb/services/coordinator"
)

var (
	bucketLists    = []byte("lists")        // one nested bucket per list, holding adds and subs
	bucketPrefixes = []byte("prefixes")     // prefixKey -> 1, live add entries only
	bucketPending  = []byte("pending_subs") // prefixKey -> sub chunk, subs that arrived before their add
	bucketMeta     = []byte("meta")

	bucketAdds = []byte("adds")
	bucketSubs = []byte("subs")

	metaFilter  = []byte("filter")
	metaUpdated = []byte("updated")
)

const (
	defaultFPRate           = 0.001
	defaultCompactFreePages = 1024
)

// Options configures a Store.
type Options struct {
	Path             string
	IndexFactory     threatstore.IndexFactory
	IndexFPRate      float64
	Cache            threatstore.HashCache
	CompactFreePages int // compact once the freelist holds this many pages
	Clock            clock.Clock
	Logger           log.Logger
}

// Store implements coordinator.ThreatStore on a single bbolt file. Reads first
// consult an in-memory prefix index, then the prefixes bucket via cursor seeks.
type Store struct {
	path             string
	factory          threatstore.IndexFactory
	fpRate           float64
	cache            threatstore.HashCache
	compactFreePages int
	clock            clock.Clock
	logger           log.Logger

	// mu guards db against reopen during compaction, and index swaps.
	mu           sync.RWMutex
	db           *bbolt.DB
	index        threatstore.PrefixIndex
	compactAfter time.Time
	lastCompact  time.Time
}

// New opens (or creates) the database at opts.Path, ensures buckets exist, and
// builds the prefix index from what is stored.
func New(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("threat store path is required")
	}
	if opts.IndexFactory == nil {
		opts.IndexFactory = index.NewFactory()
	}
	if !(opts.IndexFPRate > 0 && opts.IndexFPRate < 1) {
		opts.IndexFPRate = defaultFPRate
	}
	if opts.Cache == nil {
		opts.Cache = hashcache.New(0, 0)
	}
	if opts.CompactFreePages <= 0 {
		opts.CompactFreePages = defaultCompactFreePages
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}

	db, err := open(opts.Path)
	if err != nil {
		return nil, err
	}
	s := &Store{
		path:             opts.Path,
		factory:          opts.IndexFactory,
		fpRate:           opts.IndexFPRate,
		cache:            opts.Cache,
		compactFreePages: opts.CompactFreePages,
		clock:            opts.Clock,
		logger:           opts.Logger,
		db:               db,
	}
	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func open(path string) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketLists, bucketPrefixes, bucketPending, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return db, nil
}

func (s *Store) view(fn func(tx *bbolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.View(fn)
}

func (s *Store) update(fn func(tx *bbolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Update(fn)
}

// NeedsLookup reports whether any list might hold p.
func (s *Store) NeedsLookup(p domain.Prefix) bool {
	s.mu.RLock()
	idx := s.index
	s.mu.RUnlock()
	if idx == nil {
		return true
	}
	return idx.MightContain(p)
}

// ExactLookup resolves the expressions of url against cached full-hash
// responses and the stored add entries.
func (s *Store) ExactLookup(url string) (domain.LookupResult, error) {
	hashes, err := urlutil.Hashes(url)
	if err != nil {
		return domain.LookupResult{}, err
	}
	var candidates []domain.Prefix
	for _, p := range urlutil.Prefixes(hashes) {
		if s.NeedsLookup(p) {
			candidates = append(candidates, p)
		}
	}
	var res domain.LookupResult
	if len(candidates) == 0 {
		return res, nil
	}
	err = s.view(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketPrefixes).Cursor()
		for _, p := range candidates {
			if cached, ok := s.cache.Get(p); ok {
				res.FullHits = append(res.FullHits, domain.MatchFullHashes(hashes, cached)...)
				continue
			}
			pb := p.Bytes()
			prefixOnly := ""
			for k, _ := c.Seek(pb); k != nil && bytes.HasPrefix(k, pb); k, _ = c.Next() {
				e, err := parsePrefixKey(k)
				if err != nil {
					return err
				}
				if e.hash.IsZero() {
					if prefixOnly == "" {
						prefixOnly = e.list
					}
					continue
				}
				res.FullHits = append(res.FullHits,
					domain.MatchFullHashes(hashes, []domain.FullHash{{ListName: e.list, Hash: e.hash}})...)
			}
			if prefixOnly != "" {
				res.PrefixHits = append(res.PrefixHits, p)
				if res.ListName == "" {
					res.ListName = prefixOnly
				}
			}
		}
		return nil
	})
	if err != nil {
		return domain.LookupResult{}, err
	}
	if len(res.FullHits) > 0 {
		res.ListName = res.FullHits[0].ListName
	}
	return res, nil
}

// InsertChunks stores chunks of one list in a single transaction. Chunks already
// present are skipped and reported through domain.ErrDuplicateChunk after the
// rest were written.
func (s *Store) InsertChunks(listName string, chunks []domain.Chunk) error {
	if listName == "" || strings.ContainsRune(listName, 0) {
		return fmt.Errorf("invalid list name %q", listName)
	}
	var added []domain.Prefix
	dups, removed := 0, false
	err := s.update(func(tx *bbolt.Tx) error {
		lb, err := tx.Bucket(bucketLists).CreateBucketIfNotExists([]byte(listName))
		if err != nil {
			return err
		}
		adds, err := lb.CreateBucketIfNotExists(bucketAdds)
		if err != nil {
			return err
		}
		subs, err := lb.CreateBucketIfNotExists(bucketSubs)
		if err != nil {
			return err
		}
		prefixes := tx.Bucket(bucketPrefixes)
		pending := tx.Bucket(bucketPending)

		for _, ch := range chunks {
			if err := ch.Validate(); err != nil {
				return fmt.Errorf("chunk %d: %w", ch.Number, err)
			}
			if ch.ListName != listName {
				return fmt.Errorf("chunk %d belongs to %s, not %s", ch.Number, ch.ListName, listName)
			}
			target := adds
			if ch.Type == domain.ChunkSub {
				target = subs
			}
			key := chunkKey(ch.Number)
			if has(target, key) {
				dups++
				continue
			}
			if err := target.Put(key, encodeEntries(ch.Entries)); err != nil {
				return err
			}

			if ch.Type == domain.ChunkAdd {
				for _, e := range ch.Entries {
					if cancelled(pending, e.Prefix, listName, ch.Number, e.FullHash) {
						continue
					}
					if err := prefixes.Put(prefixKey(e.Prefix, listName, ch.Number, e.FullHash), []byte{1}); err != nil {
						return err
					}
					added = append(added, e.Prefix)
				}
				continue
			}
			for _, e := range ch.Entries {
				n, err := deleteMatching(prefixes, prefixKey(e.Prefix, listName, e.AddChunk, e.FullHash), !e.FullHash.IsZero())
				if err != nil {
					return err
				}
				removed = removed || n > 0
				if err := pending.Put(prefixKey(e.Prefix, listName, e.AddChunk, e.FullHash), chunkKey(ch.Number)); err != nil {
					return err
				}
			}
		}
		return touch(tx, s.clock.Now())
	})
	if err != nil {
		return err
	}

	s.cache.Purge()
	if removed {
		if err := s.rebuildIndex(); err != nil {
			return err
		}
		s.maybeCompact()
	} else {
		s.mu.RLock()
		for _, p := range added {
			s.index.Add(p)
		}
		s.mu.RUnlock()
	}
	if dups > 0 {
		return fmt.Errorf("%w: %d chunk(s) of %s already stored", domain.ErrDuplicateChunk, dups, listName)
	}
	return nil
}

// has reports whether key exists, including keys stored with empty values.
func has(b *bbolt.Bucket, key []byte) bool {
	k, _ := b.Cursor().Seek(key)
	return bytes.Equal(k, key)
}

// cancelled reports whether a sub for (prefix, add chunk) arrived before the add.
func cancelled(pending *bbolt.Bucket, p domain.Prefix, list string, addChunk uint32, h domain.Hash256) bool {
	if pending.Get(prefixKey(p, list, addChunk, domain.Hash256{})) != nil {
		return true
	}
	return !h.IsZero() && pending.Get(prefixKey(p, list, addChunk, h)) != nil
}

// deleteMatching removes key, or every key starting with it unless exact is set.
func deleteMatching(b *bbolt.Bucket, key []byte, exact bool) (int, error) {
	if exact {
		if b.Get(key) == nil {
			return 0, nil
		}
		return 1, b.Delete(key)
	}
	var victims [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(key); k != nil && bytes.HasPrefix(k, key); k, _ = c.Next() {
		victims = append(victims, append([]byte(nil), k...))
	}
	for _, k := range victims {
		if err := b.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(victims), nil
}

// DeleteChunks drops whole chunk ranges. Deleting add chunks removes their live
// entries; deleting sub chunks forgets the cancellations they still held pending.
func (s *Store) DeleteChunks(deletes []domain.ChunkDelete) error {
	err := s.update(func(tx *bbolt.Tx) error {
		prefixes := tx.Bucket(bucketPrefixes)
		pending := tx.Bucket(bucketPending)
		for _, d := range deletes {
			lb := tx.Bucket(bucketLists).Bucket([]byte(d.ListName))
			if lb == nil {
				continue
			}
			name := bucketAdds
			if d.Type == domain.ChunkSub {
				name = bucketSubs
			}
			b := lb.Bucket(name)
			if b == nil {
				continue
			}

			type victim struct {
				key     []byte
				entries []domain.ChunkEntry
			}
			var victims []victim
			if err := b.ForEach(func(k, v []byte) error {
				if len(k) != 4 || !domain.RangesContain(d.Ranges, binary.BigEndian.Uint32(k)) {
					return nil
				}
				entries, err := decodeEntries(v)
				if err != nil {
					return fmt.Errorf("%s chunk %d: %w", d.ListName, binary.BigEndian.Uint32(k), err)
				}
				victims = append(victims, victim{key: append([]byte(nil), k...), entries: entries})
				return nil
			}); err != nil {
				return err
			}

			for _, v := range victims {
				num := binary.BigEndian.Uint32(v.key)
				for _, e := range v.entries {
					var err error
					if d.Type == domain.ChunkAdd {
						err = prefixes.Delete(prefixKey(e.Prefix, d.ListName, num, e.FullHash))
					} else {
						key := prefixKey(e.Prefix, d.ListName, e.AddChunk, e.FullHash)
						if bytes.Equal(pending.Get(key), v.key) {
							err = pending.Delete(key)
						}
					}
					if err != nil {
						return err
					}
				}
				if err := b.Delete(v.key); err != nil {
					return err
				}
			}
		}
		return touch(tx, s.clock.Now())
	})
	if err != nil {
		return err
	}
	s.cache.Purge()
	if err := s.rebuildIndex(); err != nil {
		return err
	}
	s.maybeCompact()
	return nil
}

// CacheFullHashes caches, per prefix, the hashes that start with it. A prefix
// with no matching hash is cached as a miss.
func (s *Store) CacheFullHashes(prefixes []domain.Prefix, hashes []domain.FullHash) error {
	for _, p := range prefixes {
		var matching []domain.FullHash
		for _, h := range hashes {
			if h.Prefix() == p {
				matching = append(matching, h)
			}
		}
		s.cache.Put(p, matching)
	}
	return nil
}

// ListRanges reports the add and sub chunk ranges held for every list.
func (s *Store) ListRanges() ([]domain.ListDescriptor, error) {
	var out []domain.ListDescriptor
	err := s.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketLists).ForEach(func(name, v []byte) error {
			if v != nil {
				return nil
			}
			lb := tx.Bucket(bucketLists).Bucket(name)
			out = append(out, domain.ListDescriptor{
				Name: string(name),
				Adds: chunkRanges(lb.Bucket(bucketAdds)),
				Subs: chunkRanges(lb.Bucket(bucketSubs)),
			})
			return nil
		})
	})
	return out, err
}

func chunkRanges(b *bbolt.Bucket) []domain.ChunkRange {
	if b == nil {
		return nil
	}
	var nums []uint32
	_ = b.ForEach(func(k, _ []byte) error {
		if len(k) == 4 {
			nums = append(nums, binary.BigEndian.Uint32(k))
		}
		return nil
	})
	return domain.RangesFromNumbers(nums)
}

// Reset wipes every list, pending sub, cached response, and the saved filter.
func (s *Store) Reset() error {
	err := s.update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketLists, bucketPrefixes, bucketPending, bucketMeta} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bberrors.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.cache.Purge()
	if err := s.rebuildIndex(); err != nil {
		return err
	}
	s.logger.Info(map[string]any{"path": s.path}, "Threat store reset")
	s.maybeCompact()
	return nil
}

// AddPrefixes returns every live add prefix once, in ascending order.
func (s *Store) AddPrefixes() ([]domain.Prefix, error) {
	var out []domain.Prefix
	err := s.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPrefixes).ForEach(func(k, _ []byte) error {
			if len(k) < 4 {
				return nil
			}
			p := domain.Prefix(binary.BigEndian.Uint32(k[:4]))
			if n := len(out); n == 0 || out[n-1] != p {
				out = append(out, p)
			}
			return nil
		})
	})
	return out, err
}

// LoadFilter returns the saved bloom filter bytes, or nil if none were saved.
func (s *Store) LoadFilter() ([]byte, error) {
	var out []byte
	err := s.view(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(bucketMeta).Get(metaFilter); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

// SaveFilter persists serialized bloom filter bytes.
func (s *Store) SaveFilter(data []byte) error {
	return s.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(metaFilter, data)
	})
}

// DeferCompaction keeps maybeCompact from running for d.
func (s *Store) DeferCompaction(d time.Duration) {
	until := s.clock.Now().Add(d)
	s.mu.Lock()
	if until.After(s.compactAfter) {
		s.compactAfter = until
	}
	s.mu.Unlock()
}

// Stats returns counts and metadata for the store.
func (s *Store) Stats() threatstore.StoreStats {
	st := threatstore.StoreStats{}
	_ = s.view(func(tx *bbolt.Tx) error {
		lists := tx.Bucket(bucketLists)
		_ = lists.ForEach(func(name, v []byte) error {
			if v != nil {
				return nil
			}
			st.Lists++
			lb := lists.Bucket(name)
			if b := lb.Bucket(bucketAdds); b != nil {
				st.AddChunks += b.Stats().KeyN
			}
			if b := lb.Bucket(bucketSubs); b != nil {
				st.SubChunks += b.Stats().KeyN
			}
			return nil
		})
		st.Prefixes = tx.Bucket(bucketPrefixes).Stats().KeyN
		if v := tx.Bucket(bucketMeta).Get(metaUpdated); len(v) == 8 {
			st.LastUpdate = time.Unix(int64(binary.BigEndian.Uint64(v)), 0)
		}
		return nil
	})
	st.CachedHashes = s.cache.Len()
	st.CacheHits, st.CacheMisses, _ = s.cache.Stats()
	s.mu.RLock()
	st.LastCompact = s.lastCompact
	s.mu.RUnlock()
	return st
}

// Close releases the database file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func touch(tx *bbolt.Tx, now time.Time) error {
	buf := binary.BigEndian.AppendUint64(nil, uint64(now.Unix()))
	return tx.Bucket(bucketMeta).Put(metaUpdated, buf)
}

// rebuildIndex sizes a fresh prefix index for the stored prefixes and swaps it in.
func (s *Store) rebuildIndex() error {
	prefixes, err := s.AddPrefixes()
	if err != nil {
		return err
	}
	idx := s.factory.New(uint64(len(prefixes)), s.fpRate)
	for _, p := range prefixes {
		idx.Add(p)
	}
	s.mu.Lock()
	s.index = idx
	s.mu.Unlock()
	return nil
}

// maybeCompact compacts when enough pages are free and compaction is not deferred.
func (s *Store) maybeCompact() {
	s.mu.RLock()
	deferred := s.clock.Now().Before(s.compactAfter)
	free := s.db.Stats().FreePageN
	s.mu.RUnlock()
	if deferred || free < s.compactFreePages {
		return
	}
	if err := s.Compact(); err != nil {
		s.logger.Warn(map[string]any{"path": s.path, "error": err}, "Threat store compaction failed")
	}
}

// Compact rewrites the database into a fresh file and swaps it in, returning
// freed pages to the filesystem.
func (s *Store) Compact() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".compact"
	_ = os.Remove(tmp)
	dst, err := bbolt.Open(tmp, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return err
	}
	if err := bbolt.Compact(dst, s.db, 0); err != nil {
		return multierr.Combine(err, dst.Close(), os.Remove(tmp))
	}
	if err := multierr.Append(dst.Close(), s.db.Close()); err != nil {
		return err
	}
	renameErr := os.Rename(tmp, s.path)
	db, openErr := open(s.path)
	if openErr != nil {
		return multierr.Append(renameErr, openErr)
	}
	s.db = db
	s.lastCompact = s.clock.Now()
	s.logger.Debug(map[string]any{"path": s.path}, "Threat store compacted")
	return renameErr
}

var _ coordinator.ThreatStore = (*Store)(nil)
