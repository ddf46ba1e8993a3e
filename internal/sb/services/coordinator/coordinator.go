// Package coordinator decides whether URLs are safe. It consults the bloom
// filter synchronously, runs exact lookups on a dedicated store goroutine,
// coalesces full-hash requests per prefix, and delivers verdicts to clients.
//
// Three goroutines own all mutable state and talk only through mailboxes:
// the coordinator loop (pending checks, wait queues, whitelist), the store
// loop (the ThreatStore), and the dispatcher (client callbacks).
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haukened/sbguard/internal/sb/common/clock"
	"github.com/haukened/sbguard/internal/sb/common/log"
	"github.com/haukened/sbguard/internal/sb/common/urlutil"
	"github.com/haukened/sbguard/internal/sb/domain"
	"github.com/haukened/sbguard/internal/sb/repos/bloom"
)

const (
	defaultUpdateInterval    = 30 * time.Minute
	defaultMinUpdateInterval = 1 * time.Minute
	defaultMaxUpdateInterval = 8 * time.Hour
	defaultFullHashTimeout   = 10 * time.Second
	defaultCompactionDelay   = 5 * time.Minute
)

// Options configures a Coordinator. Store is required; Feed may be nil, in which
// case prefix hits resolve safe and no updates are polled.
type Options struct {
	Store   ThreatStore
	Feed    UpdateFeed
	Logger  log.Logger
	Clock   clock.Clock
	Metrics *Metrics

	UpdateInterval     time.Duration // used when the feed does not ask for one
	MinUpdateInterval  time.Duration
	MaxUpdateInterval  time.Duration
	InitialUpdateDelay time.Duration
	FullHashTimeout    time.Duration
	CompactionDelay    time.Duration // how long Resume defers store compaction
	Disabled           bool
}

// Coordinator is the single authority on URL verdicts. Construct one at startup
// with New and share it; it has an explicit Start/Stop lifecycle.
type Coordinator struct {
	store   ThreatStore
	feed    UpdateFeed
	logger  log.Logger
	clock   clock.Clock
	metrics *Metrics
	opts    Options

	filter    atomic.Pointer[bloom.Filter]
	enabled   atomic.Bool
	available atomic.Bool
	suspended atomic.Bool
	nextID    atomic.Uint64

	pollNow    chan struct{}
	inbox      *mailbox[any]
	storeQueue *mailbox[any]
	deliveries *mailbox[delivery]

	// Owned by the coordinator goroutine.
	checks    map[CheckID]pendingCheck
	waiting   map[domain.Prefix]*waitQueue
	whitelist map[domain.WhitelistEntry]struct{}

	lifecycle  sync.Mutex
	started    bool
	stopped    bool
	cancel     context.CancelFunc
	loopDone   chan struct{}
	storeDone  chan struct{}
	dispatched chan struct{}
	background sync.WaitGroup
}

// New constructs a Coordinator. It does nothing until Start.
func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("threat store is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNoopLogger()
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = defaultUpdateInterval
	}
	if opts.MinUpdateInterval <= 0 {
		opts.MinUpdateInterval = defaultMinUpdateInterval
	}
	if opts.MaxUpdateInterval <= 0 {
		opts.MaxUpdateInterval = defaultMaxUpdateInterval
	}
	if opts.MaxUpdateInterval < opts.MinUpdateInterval {
		opts.MaxUpdateInterval = opts.MinUpdateInterval
	}
	if opts.FullHashTimeout <= 0 {
		opts.FullHashTimeout = defaultFullHashTimeout
	}
	if opts.CompactionDelay <= 0 {
		opts.CompactionDelay = defaultCompactionDelay
	}

	c := &Coordinator{
		store:      opts.Store,
		feed:       opts.Feed,
		logger:     opts.Logger,
		clock:      opts.Clock,
		metrics:    opts.Metrics,
		opts:       opts,
		pollNow:    make(chan struct{}, 1),
		inbox:      newMailbox[any](),
		storeQueue: newMailbox[any](),
		deliveries: newMailbox[delivery](),
		checks:     make(map[CheckID]pendingCheck),
		waiting:    make(map[domain.Prefix]*waitQueue),
		whitelist:  make(map[domain.WhitelistEntry]struct{}),
		loopDone:   make(chan struct{}),
		storeDone:  make(chan struct{}),
		dispatched: make(chan struct{}),
	}
	c.enabled.Store(!opts.Disabled)
	return c, nil
}

// CheckURL starts a check of rawURL for client. It returns true when the URL can
// be treated as safe right away (subsystem disabled, scheme not http/https, store
// unavailable, or the bloom filter rules every prefix out); no callback follows.
// It returns false when the verdict will be delivered to client.OnCheckResult.
func (c *Coordinator) CheckURL(rawURL string, client Client) bool {
	if !c.enabled.Load() || !urlutil.IsCheckableScheme(rawURL) {
		c.metrics.checks.WithLabelValues("skipped").Inc()
		return true
	}
	if !c.available.Load() {
		c.metrics.checks.WithLabelValues("store_unavailable").Inc()
		return true
	}
	hashes, err := urlutil.Hashes(rawURL)
	if err != nil {
		c.logger.Debug(map[string]any{"url": rawURL, "error": err}, "URL could not be canonicalized")
		c.metrics.checks.WithLabelValues("skipped").Inc()
		return true
	}
	if !c.mayBeListed(hashes) {
		c.metrics.checks.WithLabelValues("bloom_negative").Inc()
		return true
	}

	check := pendingCheck{
		id:        CheckID(c.nextID.Add(1)),
		url:       rawURL,
		client:    client,
		hashes:    hashes,
		state:     stateAwaitingDBLookup,
		createdAt: c.clock.Now(),
	}
	if !c.inbox.post(startCheckMsg{check: check}) {
		// Stopped between the availability check and the post.
		c.metrics.checks.WithLabelValues("store_unavailable").Inc()
		return true
	}
	c.metrics.checks.WithLabelValues("async").Inc()
	return false
}

// mayBeListed reports whether any prefix of hashes passes the published filter.
func (c *Coordinator) mayBeListed(hashes []domain.Hash256) bool {
	f := c.filter.Load()
	if f == nil {
		return true
	}
	for _, p := range urlutil.Prefixes(hashes) {
		if f.Exists(uint32(p)) {
			return true
		}
	}
	return false
}

// CancelCheck detaches client from all of its pending checks. The lookups keep
// running for other waiters and for caching; client just receives no callback.
// It never blocks and may be called any number of times.
func (c *Coordinator) CancelCheck(client Client) {
	if client == nil {
		return
	}
	c.inbox.post(cancelMsg{client: client})
}

// ShouldWarnUser reports whether a warning should be shown for verdict on domain
// in view. It returns false once the user proceeded past the same warning there.
// Domains are compared by their registrable part, so one decision covers a site.
func (c *Coordinator) ShouldWarnUser(viewID, domainName string, verdict domain.Verdict) bool {
	reply := make(chan bool, 1)
	msg := whitelistQueryMsg{entry: domain.NewWhitelistEntry(viewID, urlutil.ApexDomain(domainName), verdict), reply: reply}
	if !c.inbox.post(msg) {
		return true
	}
	select {
	case warn := <-reply:
		return warn
	case <-c.loopDone:
		return true
	}
}

// RecordUserProceeded whitelists (viewID, domain, verdict) for the life of the view.
func (c *Coordinator) RecordUserProceeded(viewID, domainName string, verdict domain.Verdict) {
	c.inbox.post(whitelistAddMsg{entry: domain.NewWhitelistEntry(viewID, urlutil.ApexDomain(domainName), verdict)})
}

// ForgetView drops the whitelist entries of a view that went away.
func (c *Coordinator) ForgetView(viewID string) {
	c.inbox.post(forgetViewMsg{viewID: viewID})
}

// SetEnabled turns checking on or off. While off, CheckURL reports every URL safe.
func (c *Coordinator) SetEnabled(enabled bool) { c.enabled.Store(enabled) }

// Stats is a snapshot of coordinator state.
type Stats struct {
	Enabled     bool
	Available   bool
	Suspended   bool
	Pending     int
	WaitQueues  int
	Whitelisted int
	Filter      *bloom.Stats
}

// Stats returns a snapshot taken on the coordinator goroutine.
func (c *Coordinator) Stats() Stats {
	reply := make(chan Stats, 1)
	st := Stats{}
	if c.inbox.post(statsMsg{reply: reply}) {
		select {
		case st = <-reply:
		case <-c.loopDone:
		}
	}
	st.Enabled = c.enabled.Load()
	st.Available = c.available.Load()
	st.Suspended = c.suspended.Load()
	if f := c.filter.Load(); f != nil {
		fs := f.Stats()
		st.Filter = &fs
	}
	return st
}

// Start opens the store, loads or rebuilds the bloom filter, and starts the
// goroutines. If the store cannot be initialized Start returns the error and the
// coordinator keeps running in fail-open mode: every check resolves safe.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.stopped {
		return domain.ErrCoordinatorStopped
	}
	if c.started {
		return fmt.Errorf("check coordinator already started")
	}
	c.started = true

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.storeLoop()
	go c.dispatchLoop()
	go c.run()

	reply := make(chan error, 1)
	c.storeQueue.post(initStoreReq{reply: reply})
	var initErr error
	select {
	case initErr = <-reply:
	case <-ctx.Done():
		initErr = ctx.Err()
	}

	// Polling starts even when the store is unavailable; it resumes once a later
	// init or ResetDatabase makes the store available.
	if c.feed != nil {
		c.background.Add(1)
		go func() {
			defer c.background.Done()
			c.runUpdates(runCtx)
		}()
	}
	if initErr != nil {
		c.logger.Error(map[string]any{"error": initErr}, "Threat store unavailable, checks fail open")
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, initErr)
	}
	c.logger.Info(map[string]any{"enabled": c.enabled.Load()}, "Check coordinator started")
	return nil
}

// Stop resolves every outstanding check as safe, stops polling, closes the store,
// and waits until all callbacks have run. It is safe to call more than once.
func (c *Coordinator) Stop() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.stopped {
		return nil
	}
	c.stopped = true
	if !c.started {
		return nil
	}

	c.available.Store(false)
	c.cancel()
	c.background.Wait()

	reply := make(chan int, 1)
	c.inbox.post(stopMsg{reply: reply})
	resolved := <-reply
	<-c.loopDone

	closeReply := make(chan error, 1)
	var closeErr error
	if c.storeQueue.post(closeStoreReq{reply: closeReply}) {
		closeErr = <-closeReply
	}
	<-c.storeDone

	c.deliveries.close()
	<-c.dispatched

	c.logger.Info(map[string]any{"resolved_safe": resolved}, "Check coordinator stopped")
	return closeErr
}

// ResetDatabase wipes the store and publishes an empty filter. Checks arriving
// meanwhile resolve safe. It returns once the store confirmed the reset, and
// asks the update loop to refill the store right away.
func (c *Coordinator) ResetDatabase(ctx context.Context) error {
	c.available.Store(false)
	reply := make(chan error, 1)
	if !c.storeQueue.post(resetReq{reply: reply}) {
		return domain.ErrCoordinatorStopped
	}
	select {
	case err := <-reply:
		if err != nil {
			c.logger.Error(map[string]any{"error": err}, "Threat store reset failed")
			return err
		}
		c.logger.Info(nil, "Threat store reset")
		c.TriggerUpdate()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TriggerUpdate asks the update loop to poll now instead of waiting for its timer.
func (c *Coordinator) TriggerUpdate() {
	select {
	case c.pollNow <- struct{}{}:
	default:
	}
}

// Suspend pauses update polling, e.g. while the host sleeps.
func (c *Coordinator) Suspend() {
	c.suspended.Store(true)
}

// Resume restarts update polling and asks the store to hold off compaction briefly.
func (c *Coordinator) Resume() {
	c.suspended.Store(false)
	c.storeQueue.post(deferCompactionReq{delay: c.opts.CompactionDelay})
}
