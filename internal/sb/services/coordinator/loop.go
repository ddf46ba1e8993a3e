package coordinator

import (
	"context"
	"fmt"
	"sort"

	"github.com/haukened/sbguard/internal/sb/domain"
)

// run is the coordinator goroutine. It is the only code that touches checks,
// waiting and whitelist.
func (c *Coordinator) run() {
	defer close(c.loopDone)
	for range c.inbox.ready() {
		msgs, _ := c.inbox.take()
		for _, msg := range msgs {
			if stop, ok := msg.(stopMsg); ok {
				c.shutdown(stop)
				return
			}
			c.handle(msg)
		}
	}
}

func (c *Coordinator) handle(msg any) {
	switch m := msg.(type) {
	case startCheckMsg:
		c.startCheck(m.check)
	case dbLookupDoneMsg:
		c.onDatabaseLookupComplete(m.id, m.result, m.err)
	case fullHashDoneMsg:
		c.onFullHashDone(m)
	case cancelMsg:
		c.cancelChecks(m.client)
	case whitelistQueryMsg:
		_, proceeded := c.whitelist[m.entry]
		m.reply <- !proceeded
	case whitelistAddMsg:
		c.whitelist[m.entry] = struct{}{}
	case forgetViewMsg:
		for e := range c.whitelist {
			if e.ViewID == m.viewID {
				delete(c.whitelist, e)
			}
		}
	case statsMsg:
		m.reply <- Stats{Pending: len(c.checks), WaitQueues: len(c.waiting), Whitelisted: len(c.whitelist)}
	default:
		c.logger.Error(map[string]any{"type": typeName(msg)}, "Unknown coordinator message")
	}
}

func (c *Coordinator) startCheck(check pendingCheck) {
	if !c.available.Load() {
		c.deliver(check, domain.VerdictSafe)
		return
	}
	c.checks[check.id] = check
	c.metrics.pending.Set(float64(len(c.checks)))
	if !c.storeQueue.post(lookupReq{id: check.id, url: check.url}) {
		c.resolve(check.id, domain.VerdictSafe)
	}
}

// onDatabaseLookupComplete moves a check out of AWAITING_DB_LOOKUP: resolved from
// full hits, resolved safe, or on to a full-hash request for its prefix hits.
func (c *Coordinator) onDatabaseLookupComplete(id CheckID, result domain.LookupResult, err error) {
	check, ok := c.checks[id]
	if !ok || !c.inState(check, stateAwaitingDBLookup) {
		return
	}
	if err != nil {
		c.logger.Warn(map[string]any{"url": check.url, "error": err}, "Exact lookup failed, treating URL as safe")
		c.resolve(id, domain.VerdictSafe)
		return
	}

	check.prefixHits = result.PrefixHits
	check.fullHits = domain.MatchFullHashes(check.hashes, result.FullHits)
	if len(check.fullHits) > 0 {
		c.checks[id] = check
		c.resolve(id, domain.VerdictForHits(check.fullHits))
		return
	}
	if len(check.prefixHits) == 0 {
		c.resolve(id, domain.VerdictSafe)
		return
	}

	check.state = stateAwaitingFullHash
	c.checks[id] = check

	if len(check.prefixHits) > 1 {
		// Several prefixes: no single wait queue clearly owns the check.
		c.requestFullHash(fullHashRequest{prefixes: check.prefixHits, checkID: id})
		return
	}

	prefix := check.prefixHits[0]
	if q, ok := c.waiting[prefix]; ok {
		q.push(id)
		c.metrics.coalesced.Inc()
		c.logger.Debug(map[string]any{"prefix": prefix.String(), "waiters": q.len()}, "Joined in-flight full-hash request")
		return
	}
	q := &waitQueue{}
	q.push(id)
	c.waiting[prefix] = q
	c.requestFullHash(fullHashRequest{prefixes: []domain.Prefix{prefix}, coalesced: true})
}

// requestFullHash runs FetchFullHash off the coordinator goroutine and posts the
// answer back as a fullHashDoneMsg.
func (c *Coordinator) requestFullHash(req fullHashRequest) {
	c.metrics.fullHashRequests.Inc()
	if c.feed == nil {
		c.inbox.post(fullHashDoneMsg{req: req, err: domain.ErrFeedUnavailable})
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.FullHashTimeout)
		defer cancel()
		hashes, cacheable, err := c.feed.FetchFullHash(ctx, req.prefixes)
		c.inbox.post(fullHashDoneMsg{req: req, hashes: hashes, cacheable: cacheable, err: err})
	}()
}

func (c *Coordinator) onFullHashDone(m fullHashDoneMsg) {
	if m.err != nil {
		c.metrics.feedErrors.Inc()
		c.logger.Warn(map[string]any{
			"prefixes": len(m.req.prefixes),
			"error":    m.err,
		}, "Full-hash request failed, treating waiting URLs as safe")
		m.hashes, m.cacheable = nil, false
	}
	if m.req.coalesced {
		c.onFullHashResult(m.req.prefixes[0], m.hashes, m.cacheable && m.err == nil)
		return
	}
	c.resolveWithFullHashes(m.req.checkID, m.hashes)
	if m.cacheable && m.err == nil {
		c.storeQueue.post(cacheReq{prefixes: m.req.prefixes, hashes: m.hashes})
	}
}

// onFullHashResult resolves every check waiting on prefix, first registered first,
// against the same full hashes, then caches the answer if allowed.
func (c *Coordinator) onFullHashResult(prefix domain.Prefix, hashes []domain.FullHash, cacheable bool) {
	q, ok := c.waiting[prefix]
	if !ok {
		return
	}
	delete(c.waiting, prefix)
	for _, id := range q.drain() {
		c.resolveWithFullHashes(id, hashes)
	}
	if cacheable {
		c.storeQueue.post(cacheReq{prefixes: []domain.Prefix{prefix}, hashes: hashes})
	}
}

func (c *Coordinator) resolveWithFullHashes(id CheckID, hashes []domain.FullHash) {
	check, ok := c.checks[id]
	if !ok || !c.inState(check, stateAwaitingFullHash) {
		return
	}
	check.fullHits = domain.MatchFullHashes(check.hashes, hashes)
	c.checks[id] = check
	c.resolve(id, domain.VerdictForHits(check.fullHits))
}

// cancelChecks nulls the client of its pending checks without removing them.
func (c *Coordinator) cancelChecks(client Client) {
	for id, check := range c.checks {
		if check.client == client {
			check.client = nil
			c.checks[id] = check
		}
	}
}

// resolve finalizes a check and, if someone still cares, queues its callback.
func (c *Coordinator) resolve(id CheckID, verdict domain.Verdict) {
	check, ok := c.checks[id]
	if !ok {
		return
	}
	delete(c.checks, id)
	c.metrics.pending.Set(float64(len(c.checks)))
	c.metrics.checkLatency.Observe(c.clock.Now().Sub(check.createdAt).Seconds())
	c.deliver(check, verdict)
}

// inState reports whether check is in want, logging a stray result otherwise.
func (c *Coordinator) inState(check pendingCheck, want checkState) bool {
	if check.state == want {
		return true
	}
	c.logger.Error(map[string]any{
		"check": uint64(check.id),
		"state": check.state.String(),
		"want":  want.String(),
	}, "Result arrived for a check in another state, ignoring")
	return false
}

func (c *Coordinator) deliver(check pendingCheck, verdict domain.Verdict) {
	c.metrics.verdicts.WithLabelValues(verdict.String()).Inc()
	if verdict.IsThreat() {
		c.logger.Info(map[string]any{"url": check.url, "verdict": verdict.String()}, "URL matched threat list")
	}
	if check.client == nil {
		return
	}
	c.deliveries.post(delivery{client: check.client, url: check.url, verdict: verdict})
}

// shutdown fails every outstanding check open and stops accepting messages.
// Checks posted after the stop message are drained and answered too.
func (c *Coordinator) shutdown(stop stopMsg) {
	c.inbox.close()
	late, _ := c.inbox.take()
	for _, msg := range late {
		if m, ok := msg.(startCheckMsg); ok {
			c.checks[m.check.id] = m.check
		}
		if m, ok := msg.(cancelMsg); ok {
			c.cancelChecks(m.client)
		}
	}

	ids := make([]CheckID, 0, len(c.checks))
	for id := range c.checks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		c.resolve(id, domain.VerdictSafe)
	}
	c.waiting = make(map[domain.Prefix]*waitQueue)
	c.whitelist = make(map[domain.WhitelistEntry]struct{})
	stop.reply <- len(ids)
}

// dispatchLoop is the caller context: it runs client callbacks in order.
func (c *Coordinator) dispatchLoop() {
	defer close(c.dispatched)
	for range c.deliveries.ready() {
		items, closed := c.deliveries.take()
		for _, d := range items {
			c.invoke(d)
		}
		if closed {
			return
		}
	}
}

func (c *Coordinator) invoke(d delivery) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(map[string]any{"url": d.url, "panic": r}, "Check callback panicked")
		}
	}()
	d.client.OnCheckResult(d.url, d.verdict)
}

func typeName(v any) string { return fmt.Sprintf("%T", v) }
