package coordinator

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/haukened/sbguard/internal/sb/domain"
)

const (
	backoffFirst = 1 * time.Minute
	backoffBase  = 30 * time.Minute
)

// runUpdates polls the feed until ctx ends. Each batch is applied and confirmed
// by the store goroutine before the next poll is scheduled. Polls are skipped
// while suspended or while the store is unavailable.
func (c *Coordinator) runUpdates(ctx context.Context) {
	errCount := 0
	timer := time.NewTimer(c.opts.InitialUpdateDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-c.pollNow:
			timer.Stop()
		}

		var next time.Duration
		if c.suspended.Load() || !c.available.Load() {
			next = c.opts.MinUpdateInterval
		} else {
			batch, err := c.pollOnce(ctx)
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				errCount++
				next = c.backoff(errCount)
				c.metrics.updates.WithLabelValues("error").Inc()
				c.logger.Warn(map[string]any{
					"error":  err,
					"errors": errCount,
					"retry":  next.String(),
				}, "Chunk update failed")
			default:
				errCount = 0
				next = c.nextPoll(batch.NextPoll)
				c.metrics.updates.WithLabelValues("ok").Inc()
				c.logger.Debug(map[string]any{
					"chunks":  len(batch.Chunks),
					"deletes": len(batch.Deletes),
					"reset":   batch.Reset,
					"next":    next.String(),
				}, "Chunk update applied")
			}
		}
		timer.Reset(next)
	}
}

// pollOnce asks the store for its ranges, polls the feed, and applies the batch.
func (c *Coordinator) pollOnce(ctx context.Context) (domain.UpdateBatch, error) {
	rangesReply := make(chan rangesResult, 1)
	if !c.storeQueue.post(rangesReq{reply: rangesReply}) {
		return domain.UpdateBatch{}, domain.ErrCoordinatorStopped
	}
	var ranges rangesResult
	select {
	case ranges = <-rangesReply:
	case <-ctx.Done():
		return domain.UpdateBatch{}, ctx.Err()
	}
	if ranges.err != nil {
		return domain.UpdateBatch{}, ranges.err
	}

	batch, err := c.feed.PollChunkUpdates(ctx, ranges.lists)
	if err != nil {
		return domain.UpdateBatch{}, err
	}
	if batch.Empty() {
		return batch, nil
	}

	applyReply := make(chan error, 1)
	if !c.storeQueue.post(applyReq{batch: batch, reply: applyReply}) {
		return domain.UpdateBatch{}, domain.ErrCoordinatorStopped
	}
	// The apply must finish before the next poll even if ctx ends meanwhile,
	// otherwise a later batch could overtake it.
	if err := <-applyReply; err != nil {
		return domain.UpdateBatch{}, err
	}
	return batch, nil
}

// nextPoll clamps the feed's requested delay to the configured bounds.
func (c *Coordinator) nextPoll(requested time.Duration) time.Duration {
	if requested <= 0 {
		requested = c.opts.UpdateInterval
	}
	if requested < c.opts.MinUpdateInterval {
		return c.opts.MinUpdateInterval
	}
	if requested > c.opts.MaxUpdateInterval {
		return c.opts.MaxUpdateInterval
	}
	return requested
}

// backoff returns the wait after n consecutive errors: one minute after the
// first, then 30-60 minutes doubling per error, capped at the max interval.
func (c *Coordinator) backoff(n int) time.Duration {
	if n <= 1 {
		return backoffFirst
	}
	shift := n - 2
	if shift > 8 {
		shift = 8
	}
	d := backoffBase * time.Duration(1<<shift)
	d += time.Duration(rand.Int64N(int64(d)))
	if d > c.opts.MaxUpdateInterval {
		d = c.opts.MaxUpdateInterval
	}
	return d
}
