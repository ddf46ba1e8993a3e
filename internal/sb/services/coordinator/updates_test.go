package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haukened/sbguard/internal/sb/domain"
)

func chunk(list string, n uint32, prefixes ...domain.Prefix) domain.Chunk {
	ch := domain.Chunk{ListName: list, Number: n, Type: domain.ChunkAdd}
	for _, p := range prefixes {
		ch.Entries = append(ch.Entries, domain.ChunkEntry{Prefix: p})
	}
	return ch
}

func fastUpdates(o *Options) {
	o.InitialUpdateDelay = time.Millisecond
	o.UpdateInterval = time.Millisecond
	o.MinUpdateInterval = time.Millisecond
	o.MaxUpdateInterval = time.Millisecond
}

func TestUpdates_AppliedInFeedOrder(t *testing.T) {
	store := newFakeStore()
	feed := &fakeFeed{batches: []domain.UpdateBatch{
		{Chunks: []domain.Chunk{chunk("goog-malware-shavar", 1, evilRoot.Prefix())}},
		{Chunks: []domain.Chunk{chunk("goog-malware-shavar", 2), chunk("goog-phish-shavar", 1)}},
		{Chunks: []domain.Chunk{chunk("goog-malware-shavar", 3)}},
	}}
	c := startCoordinator(t, store, feed, fastUpdates)

	require.Eventually(t, func() bool {
		var n int
		store.snapshot(func(s *fakeStore) { n = len(s.inserted) })
		return n == 4
	}, 2*time.Second, 5*time.Millisecond)

	store.snapshot(func(s *fakeStore) {
		var got []string
		for _, ch := range s.inserted {
			got = append(got, ch.ListName+"/"+domain.ChunkRange{Start: ch.Number, End: ch.Number}.String())
		}
		assert.Equal(t, []string{
			"goog-malware-shavar/1",
			"goog-malware-shavar/2",
			"goog-phish-shavar/1",
			"goog-malware-shavar/3",
		}, got)
	})

	// The rebuilt filter admits the newly listed prefix.
	assert.False(t, c.CheckURL(evilA, newClient()))
}

func TestUpdates_ResetAndDeletes(t *testing.T) {
	store := newFakeStore()
	del := domain.ChunkDelete{ListName: "goog-malware-shavar", Type: domain.ChunkAdd, Ranges: []domain.ChunkRange{{Start: 1, End: 5}}}
	feed := &fakeFeed{batches: []domain.UpdateBatch{{Reset: true, Deletes: []domain.ChunkDelete{del}}}}
	startCoordinator(t, store, feed, fastUpdates)

	require.Eventually(t, func() bool {
		var resets, deletes int
		store.snapshot(func(s *fakeStore) { resets, deletes = s.resets, len(s.deleted) })
		return resets == 1 && deletes == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUpdates_DuplicateChunkIsNotAnError(t *testing.T) {
	store := newFakeStore()
	store.insertErr = domain.ErrDuplicateChunk
	feed := &fakeFeed{batches: []domain.UpdateBatch{{Chunks: []domain.Chunk{chunk("goog-malware-shavar", 1)}}}}
	metrics := NewMetrics(nil)
	startCoordinator(t, store, feed, func(o *Options) {
		fastUpdates(o)
		o.Metrics = metrics
	})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.updates.WithLabelValues("ok")) >= 1
	}, 2*time.Second, 5*time.Millisecond)
	store.snapshot(func(s *fakeStore) { assert.GreaterOrEqual(t, s.addCalls, 2) })
}

func TestUpdates_SuspendSkipsPolling(t *testing.T) {
	store := newFakeStore()
	feed := &fakeFeed{}
	c, err := New(Options{Store: store, Feed: feed})
	require.NoError(t, err)
	fastUpdates(&c.opts)
	c.Suspend()
	require.NoError(t, c.Start(t.Context()))
	t.Cleanup(func() { _ = c.Stop() })

	time.Sleep(30 * time.Millisecond)
	feed.mu.Lock()
	polls := feed.polls
	feed.mu.Unlock()
	assert.Zero(t, polls)
	assert.True(t, c.Stats().Suspended)

	c.Resume()
	assert.False(t, c.Stats().Suspended)
	require.Eventually(t, func() bool {
		feed.mu.Lock()
		defer feed.mu.Unlock()
		return feed.polls > 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUpdates_PollErrorKeepsRunning(t *testing.T) {
	store := newFakeStore()
	feed := &fakeFeed{pollErr: errors.New("network down")}
	c, err := New(Options{Store: store, Feed: feed, InitialUpdateDelay: time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, c.Start(t.Context()))

	require.Eventually(t, func() bool {
		feed.mu.Lock()
		defer feed.mu.Unlock()
		return feed.polls == 1
	}, 2*time.Second, 5*time.Millisecond)
	// The first retry is a minute out, so Stop must not wait for it.
	require.NoError(t, c.Stop())
}

func TestNextPoll(t *testing.T) {
	c, err := New(Options{
		Store:             newFakeStore(),
		UpdateInterval:    30 * time.Minute,
		MinUpdateInterval: time.Minute,
		MaxUpdateInterval: time.Hour,
	})
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, c.nextPoll(0))
	assert.Equal(t, time.Minute, c.nextPoll(time.Second))
	assert.Equal(t, 45*time.Minute, c.nextPoll(45*time.Minute))
	assert.Equal(t, time.Hour, c.nextPoll(3*time.Hour))
}

func TestBackoff(t *testing.T) {
	c, err := New(Options{Store: newFakeStore(), MaxUpdateInterval: 8 * time.Hour})
	require.NoError(t, err)

	assert.Equal(t, time.Minute, c.backoff(1))
	for i := 0; i < 20; i++ {
		d := c.backoff(2)
		assert.GreaterOrEqual(t, d, 30*time.Minute)
		assert.Less(t, d, 60*time.Minute)

		d = c.backoff(3)
		assert.GreaterOrEqual(t, d, 60*time.Minute)
		assert.Less(t, d, 120*time.Minute)
	}
	assert.Equal(t, 8*time.Hour, c.backoff(10))
}

func TestGroupByList(t *testing.T) {
	groups := groupByList([]domain.Chunk{
		chunk("a", 1), chunk("a", 2), chunk("b", 1), chunk("a", 3),
	})
	require.Len(t, groups, 3)
	assert.Len(t, groups[0], 2)
	assert.Equal(t, "b", groups[1][0].ListName)
	assert.Equal(t, uint32(3), groups[2][0].Number)
}

func TestTriggerUpdate_PollsEarly(t *testing.T) {
	store := newFakeStore()
	feed := &fakeFeed{}
	c := startCoordinator(t, store, feed, func(o *Options) {
		o.InitialUpdateDelay = time.Hour
	})

	c.TriggerUpdate()
	c.TriggerUpdate()
	require.Eventually(t, func() bool {
		feed.mu.Lock()
		defer feed.mu.Unlock()
		return feed.polls >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestUpdates_ResumeAfterDegradedStart(t *testing.T) {
	store := newFakeStore()
	store.loadErr = errors.New("permission denied")
	feed := &fakeFeed{}
	c, err := New(Options{
		Store:              store,
		Feed:               feed,
		InitialUpdateDelay: time.Millisecond,
		UpdateInterval:     time.Hour,
		MinUpdateInterval:  time.Hour,
		MaxUpdateInterval:  time.Hour,
	})
	require.NoError(t, err)
	require.ErrorIs(t, c.Start(context.Background()), domain.ErrStoreUnavailable)
	t.Cleanup(func() { _ = c.Stop() })

	// Nothing is polled while the store is unavailable.
	assert.Never(t, func() bool { return feed.pollCount() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	store.snapshot(func(s *fakeStore) { s.loadErr = nil })
	require.NoError(t, c.ResetDatabase(context.Background()))
	assert.True(t, c.Stats().Available)
	require.Eventually(t, func() bool { return feed.pollCount() >= 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestUpdates_SkippedWhileStoreUnavailable(t *testing.T) {
	store := newFakeStore()
	store.loadErr = errors.New("permission denied")
	feed := &fakeFeed{}
	c, err := New(Options{Store: store, Feed: feed, InitialUpdateDelay: time.Hour})
	require.NoError(t, err)
	require.Error(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop() })

	c.TriggerUpdate()
	assert.Never(t, func() bool { return feed.pollCount() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}
