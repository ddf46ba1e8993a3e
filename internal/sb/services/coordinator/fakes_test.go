package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/haukened/sbguard/internal/sb/common/urlutil"
	"github.com/haukened/sbguard/internal/sb/domain"
)

type fakeStore struct {
	mu sync.Mutex

	results     map[string]domain.LookupResult
	lookupErr   error
	addPrefixes []domain.Prefix
	filterData  []byte
	loadErr     error
	lookups     int
	addCalls    int
	saved       [][]byte
	cached      []cacheReq
	inserted    []domain.Chunk
	deleted     []domain.ChunkDelete
	resets      int
	deferred    []time.Duration
	closed      bool
	lists       []domain.ListDescriptor
	needsLookup func(domain.Prefix) bool
	insertErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{results: make(map[string]domain.LookupResult)}
}

// listURL makes url look listed: its prefixes go into the bloom filter and the
// exact lookup returns result.
func (s *fakeStore) listURL(url string, result domain.LookupResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hashes, _ := urlutil.Hashes(url)
	s.addPrefixes = append(s.addPrefixes, urlutil.Prefixes(hashes)...)
	s.results[url] = result
}

func (s *fakeStore) NeedsLookup(p domain.Prefix) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.needsLookup != nil {
		return s.needsLookup(p)
	}
	return true
}

func (s *fakeStore) ExactLookup(url string) (domain.LookupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	return s.results[url], s.lookupErr
}

func (s *fakeStore) InsertChunks(listName string, chunks []domain.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, chunks...)
	for _, ch := range chunks {
		for _, e := range ch.Entries {
			s.addPrefixes = append(s.addPrefixes, e.Prefix)
		}
	}
	return s.insertErr
}

func (s *fakeStore) DeleteChunks(deletes []domain.ChunkDelete) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, deletes...)
	return nil
}

func (s *fakeStore) CacheFullHashes(prefixes []domain.Prefix, hashes []domain.FullHash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = append(s.cached, cacheReq{prefixes: prefixes, hashes: hashes})
	return nil
}

func (s *fakeStore) ListRanges() ([]domain.ListDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists, nil
}

func (s *fakeStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	s.addPrefixes = nil
	s.results = make(map[string]domain.LookupResult)
	return nil
}

func (s *fakeStore) AddPrefixes() ([]domain.Prefix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addCalls++
	return append([]domain.Prefix(nil), s.addPrefixes...), nil
}

func (s *fakeStore) LoadFilter() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterData, s.loadErr
}

func (s *fakeStore) SaveFilter(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, data)
	return nil
}

func (s *fakeStore) DeferCompaction(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deferred = append(s.deferred, d)
}

func (s *fakeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStore) snapshot(fn func(s *fakeStore)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

type fakeFeed struct {
	mu        sync.Mutex
	calls     [][]domain.Prefix
	hashes    []domain.FullHash
	cacheable bool
	err       error
	release   chan struct{} // nil: answer immediately
	batches   []domain.UpdateBatch
	polls     int
	pollErr   error
}

func (f *fakeFeed) FetchFullHash(ctx context.Context, prefixes []domain.Prefix) ([]domain.FullHash, bool, error) {
	f.mu.Lock()
	f.calls = append(f.calls, prefixes)
	release := f.release
	f.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hashes, f.cacheable, f.err
}

func (f *fakeFeed) PollChunkUpdates(ctx context.Context, lists []domain.ListDescriptor) (domain.UpdateBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.pollErr != nil {
		return domain.UpdateBatch{}, f.pollErr
	}
	if len(f.batches) == 0 {
		return domain.UpdateBatch{}, nil
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	return b, nil
}

func (f *fakeFeed) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func (f *fakeFeed) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type result struct {
	url     string
	verdict domain.Verdict
}

type recordingClient struct {
	results chan result
}

func newClient() *recordingClient { return &recordingClient{results: make(chan result, 16)} }

func (c *recordingClient) OnCheckResult(url string, v domain.Verdict) {
	c.results <- result{url: url, verdict: v}
}
