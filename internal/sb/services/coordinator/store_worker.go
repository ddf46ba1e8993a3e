package coordinator

import (
	"errors"
	"fmt"

	"github.com/haukened/sbguard/internal/sb/common/urlutil"
	"github.com/haukened/sbguard/internal/sb/domain"
	"github.com/haukened/sbguard/internal/sb/repos/bloom"
)

// storeLoop is the store goroutine, the only caller of the ThreatStore. Requests
// run strictly in the order they were posted, so chunk batches apply in feed order.
func (c *Coordinator) storeLoop() {
	defer close(c.storeDone)
	for range c.storeQueue.ready() {
		reqs, _ := c.storeQueue.take()
		for i, req := range reqs {
			if closeReq, ok := req.(closeStoreReq); ok {
				c.closeStore(closeReq, reqs[i+1:])
				return
			}
			c.handleStore(req)
		}
	}
}

func (c *Coordinator) handleStore(req any) {
	switch r := req.(type) {
	case initStoreReq:
		err := c.loadFilter()
		if err == nil {
			c.available.Store(true)
		}
		r.reply <- err
	case lookupReq:
		result, err := c.lookup(r.url)
		c.inbox.post(dbLookupDoneMsg{id: r.id, result: result, err: err})
	case cacheReq:
		if err := c.store.CacheFullHashes(r.prefixes, r.hashes); err != nil {
			c.logger.Warn(map[string]any{"prefixes": len(r.prefixes), "error": err}, "Caching full hashes failed")
		}
	case rangesReq:
		lists, err := c.store.ListRanges()
		r.reply <- rangesResult{lists: lists, err: err}
	case applyReq:
		r.reply <- c.applyBatch(r.batch)
	case resetReq:
		err := c.resetStore()
		if err == nil {
			c.available.Store(true)
		}
		r.reply <- err
	case deferCompactionReq:
		c.store.DeferCompaction(r.delay)
	default:
		c.logger.Error(map[string]any{"type": typeName(req)}, "Unknown store request")
	}
}

// lookup skips the disk when the store's in-memory index rules out every prefix.
func (c *Coordinator) lookup(url string) (domain.LookupResult, error) {
	hashes, err := urlutil.Hashes(url)
	if err != nil {
		return domain.LookupResult{}, err
	}
	needed := false
	for _, h := range hashes {
		if c.store.NeedsLookup(h.Prefix()) {
			needed = true
			break
		}
	}
	if !needed {
		return domain.LookupResult{}, nil
	}
	return c.store.ExactLookup(url)
}

// loadFilter publishes the persisted filter, rebuilding it from the store when
// the saved bytes are missing or malformed.
func (c *Coordinator) loadFilter() error {
	data, err := c.store.LoadFilter()
	if err != nil {
		return fmt.Errorf("load bloom filter: %w", err)
	}
	if len(data) > 0 {
		f, err := bloom.Deserialize(data)
		if err == nil {
			c.publishFilter(f)
			return nil
		}
		if !errors.Is(err, domain.ErrMalformedBloomFilter) {
			return err
		}
		c.logger.Warn(map[string]any{"error": err}, "Saved bloom filter is malformed, rebuilding from store")
	}
	return c.rebuildFilter()
}

// rebuildFilter builds a fresh filter from every add prefix, persists it, and publishes it.
func (c *Coordinator) rebuildFilter() error {
	prefixes, err := c.store.AddPrefixes()
	if err != nil {
		return fmt.Errorf("read add prefixes: %w", err)
	}
	values := make([]uint32, len(prefixes))
	for i, p := range prefixes {
		values[i] = uint32(p)
	}
	f := bloom.Build(values)
	if err := c.store.SaveFilter(f.Serialize()); err != nil {
		c.logger.Warn(map[string]any{"error": err}, "Persisting bloom filter failed")
	}
	c.publishFilter(f)
	c.logger.Info(map[string]any{"prefixes": len(prefixes), "bits": f.NumBits()}, "Bloom filter rebuilt")
	return nil
}

func (c *Coordinator) publishFilter(f *bloom.Filter) {
	c.filter.Store(f)
	c.metrics.filterBits.Set(float64(f.NumBits()))
}

// applyBatch applies one update: optional reset, then deletes, then chunks grouped
// by list in delivery order, then a filter rebuild.
func (c *Coordinator) applyBatch(b domain.UpdateBatch) error {
	if b.Reset {
		if err := c.store.Reset(); err != nil {
			return fmt.Errorf("reset store: %w", err)
		}
	}
	if len(b.Deletes) > 0 {
		if err := c.store.DeleteChunks(b.Deletes); err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
	}
	for _, group := range groupByList(b.Chunks) {
		err := c.store.InsertChunks(group[0].ListName, group)
		if err != nil && !errors.Is(err, domain.ErrDuplicateChunk) {
			return fmt.Errorf("insert chunks for %s: %w", group[0].ListName, err)
		}
	}
	if b.Empty() {
		return nil
	}
	return c.rebuildFilter()
}

// groupByList splits chunks into consecutive runs of the same list, keeping order.
func groupByList(chunks []domain.Chunk) [][]domain.Chunk {
	var groups [][]domain.Chunk
	for _, ch := range chunks {
		n := len(groups)
		if n > 0 && groups[n-1][0].ListName == ch.ListName {
			groups[n-1] = append(groups[n-1], ch)
			continue
		}
		groups = append(groups, []domain.Chunk{ch})
	}
	return groups
}

func (c *Coordinator) resetStore() error {
	if err := c.store.Reset(); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	return c.rebuildFilter()
}

// closeStore closes the store and answers requests that raced with the close.
func (c *Coordinator) closeStore(req closeStoreReq, rest []any) {
	c.storeQueue.close()
	late, _ := c.storeQueue.take()
	for _, r := range append(rest, late...) {
		switch r := r.(type) {
		case initStoreReq:
			r.reply <- domain.ErrCoordinatorStopped
		case rangesReq:
			r.reply <- rangesResult{err: domain.ErrCoordinatorStopped}
		case applyReq:
			r.reply <- domain.ErrCoordinatorStopped
		case resetReq:
			r.reply <- domain.ErrCoordinatorStopped
		}
	}
	req.reply <- c.store.Close()
}
