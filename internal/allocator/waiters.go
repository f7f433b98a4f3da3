package allocator

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/spot-allocator/internal/queue"
	"github.com/example/spot-allocator/internal/reservation"
	"github.com/example/spot-allocator/internal/spot"
)

type retryOutcome int

const (
	retrySkipped retryOutcome = iota // no longer waiting
	retryServed
	retryRequeued
	retryFailed
)

// RetryWaiters offers a freed spot to the waiters whose bucket it can serve,
// best first, until one of them takes it. A waiter may be served by a
// closer spot instead, in which case res is offered to the next one.
// Waiters that still find nothing go back to the queue in their original
// place. It returns the number of waiters served.
func (c *Coordinator) RetryWaiters(ctx context.Context, res spot.Resource) int {
	match := c.queue.Eligible(res)
	var requeue []queue.Waiter
	defer func() {
		for _, w := range requeue {
			c.requeue(context.WithoutCancel(ctx), w)
		}
	}()

	served := 0
	for budget := c.queue.Len(); budget > 0; budget-- {
		if ctx.Err() != nil {
			return served
		}
		w, ok := c.queue.PopEligible(match)
		if !ok {
			return served
		}
		outcome, held := c.retry(ctx, w)
		switch outcome {
		case retryServed:
			served++
			if held.ResourceID == res.ID {
				return served
			}
		case retryRequeued:
			requeue = append(requeue, w)
		}
	}
	return served
}

// retry re-runs allocation for one popped waiter. On retryServed it also
// returns the reservation as now held.
func (c *Coordinator) retry(ctx context.Context, w queue.Waiter) (retryOutcome, reservation.Reservation) {
	unlock := c.locks.lock(w.ReservationID)
	defer unlock()

	r, err := c.reservations.Get(ctx, w.ReservationID)
	if errors.Is(err, reservation.ErrNotFound) {
		return retrySkipped, r
	}
	if err != nil {
		log.Printf("allocator: waiter lookup failed reservation=%s err=%v", w.ReservationID, err)
		return retryRequeued, r
	}
	if r.State != reservation.StatePending {
		return retrySkipped, r
	}
	if c.clock.Now().Sub(r.CreatedAt) >= c.queueMaxWait {
		if _, err := c.fail(ctx, r, "queue wait exceeded"); err != nil {
			return retryRequeued, r
		}
		return retryFailed, r
	}

	held, ok, err := c.allocate(ctx, r)
	if err != nil {
		log.Printf("allocator: waiter retry interrupted reservation=%s err=%v", r.ID, err)
		return retryRequeued, r
	}
	if ok {
		return retryServed, held
	}

	next := r
	next.Requeues++
	next.UpdatedAt = c.clock.Now()
	if next.Requeues > c.maxRequeues {
		if _, err := c.fail(ctx, r, "retry budget exhausted"); err != nil {
			return retryRequeued, r
		}
		return retryFailed, r
	}
	if _, err := c.reservations.Update(ctx, next, r.Version); err != nil {
		log.Printf("allocator: requeue update failed reservation=%s err=%v", r.ID, err)
	}
	return retryRequeued, r
}

// requeue puts a popped waiter back unless it stopped waiting in the
// meantime, for instance because it was cancelled after its retry unlocked.
func (c *Coordinator) requeue(ctx context.Context, w queue.Waiter) {
	unlock := c.locks.lock(w.ReservationID)
	defer unlock()

	r, err := c.reservations.Get(ctx, w.ReservationID)
	switch {
	case errors.Is(err, reservation.ErrNotFound):
		return
	case err == nil && r.State != reservation.StatePending:
		return
	}
	if _, err := c.queue.Enqueue(w); err != nil {
		log.Printf("allocator: requeue failed reservation=%s err=%v", w.ReservationID, err)
	}
}

// ProcessWaiters fails waiters that exceeded the maximum wait. It retries
// the head of every bucket when a release notification was dropped or any
// spot was released since the previous sweep.
func (c *Coordinator) ProcessWaiters(ctx context.Context, now time.Time) {
	for _, w := range c.queue.ExpireOlderThan(now.Add(-c.queueMaxWait)) {
		c.failWaiter(ctx, w, "queue wait exceeded")
	}

	missed := c.missedKicks.Swap(0) > 0
	cur := c.releases.Load()
	released := c.sweptReleases.Swap(cur) != cur
	if c.queue.Len() == 0 || (!missed && !released) {
		return
	}
	c.RetryHeads(ctx)
}

// RetryHeads retries the best waiter of every bucket once.
func (c *Coordinator) RetryHeads(ctx context.Context) {
	for _, h := range c.queue.Heads() {
		if !c.queue.RemoveIfPresent(h.ReservationID) {
			continue
		}
		if outcome, _ := c.retry(ctx, h); outcome == retryRequeued {
			c.requeue(ctx, h)
		}
	}
}

func (c *Coordinator) failWaiter(ctx context.Context, w queue.Waiter, reason string) {
	unlock := c.locks.lock(w.ReservationID)
	defer unlock()
	r, err := c.reservations.Get(ctx, w.ReservationID)
	if err != nil || r.State != reservation.StatePending {
		return
	}
	if _, err := c.fail(ctx, r, reason); err != nil {
		log.Printf("allocator: fail waiter reservation=%s err=%v", r.ID, err)
	}
}

// Dispatch runs workers that serve release notifications until ctx ends.
func (c *Coordinator) Dispatch(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case res := <-c.kicks:
					c.RetryWaiters(ctx, res)
				}
			}
		})
	}
	return g.Wait()
}
