// Package allocator assigns parking spots to reservations: candidate search,
// CAS holds, conflict checks, confirmation, cancellation, expiry and the
// waiting queue.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/example/spot-allocator/internal/clock"
	"github.com/example/spot-allocator/internal/events"
	"github.com/example/spot-allocator/internal/geo"
	"github.com/example/spot-allocator/internal/interval"
	"github.com/example/spot-allocator/internal/queue"
	"github.com/example/spot-allocator/internal/reservation"
	"github.com/example/spot-allocator/internal/spatial"
	"github.com/example/spot-allocator/internal/spot"
)

// HoldTracker is told about every hold so its expiry can be swept.
type HoldTracker interface {
	Track(resourceID, reservationID string, expiresAt time.Time)
}

type nopTracker struct{}

func (nopTracker) Track(string, string, time.Time) {}

type nopEmitter struct{}

func (nopEmitter) Publish(events.Event) {}

type Coordinator struct {
	index        *spatial.Index
	spots        spot.Registry
	reservations reservation.Store
	queue        *queue.Queue
	emitter      events.Emitter
	clock        clock.Clock
	holds        HoldTracker

	candidates   int
	radiusStart  float64
	radiusMax    float64
	holdTTL      time.Duration
	casRetries   int
	maxRequeues  int
	queueMaxWait time.Duration
	kickBuffer   int

	locks       stripedLock
	kicks       chan spot.Resource
	missedKicks atomic.Int64

	// releases counts every kick; sweptReleases is its value at the last
	// waiter sweep.
	releases      atomic.Uint64
	sweptReleases atomic.Uint64
}

const (
	defaultCandidates   = 10
	defaultRadiusStart  = 250.0
	defaultRadiusMax    = 5000.0
	defaultHoldTTL      = 30 * time.Second
	defaultCASRetries   = 3
	defaultMaxRequeues  = 20
	defaultQueueMaxWait = 10 * time.Minute
	defaultKickBuffer   = 1024
)

type Option func(*Coordinator)

// WithCandidates sets K, the number of candidates tried per search.
func WithCandidates(k int) Option {
	return func(c *Coordinator) {
		if k > 0 {
			c.candidates = k
		}
	}
}

// WithSearchRadius sets the initial search radius and the cap it doubles up to.
func WithSearchRadius(start, limit float64) Option {
	return func(c *Coordinator) {
		if start > 0 {
			c.radiusStart = start
		}
		if limit >= c.radiusStart {
			c.radiusMax = limit
		}
	}
}

func WithHoldTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.holdTTL = d
		}
	}
}

// WithCASRetries bounds re-fetch-and-retry loops on version mismatches.
func WithCASRetries(n int) Option {
	return func(c *Coordinator) {
		if n >= 0 {
			c.casRetries = n
		}
	}
}

// WithQueuePolicy sets how long a reservation may wait and how many failed
// retries it may accumulate before it is marked failed.
func WithQueuePolicy(maxWait time.Duration, maxRequeues int) Option {
	return func(c *Coordinator) {
		if maxWait > 0 {
			c.queueMaxWait = maxWait
		}
		if maxRequeues >= 0 {
			c.maxRequeues = maxRequeues
		}
	}
}

func WithHoldTracker(t HoldTracker) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.holds = t
		}
	}
}

func WithEmitter(e events.Emitter) Option {
	return func(c *Coordinator) {
		if e != nil {
			c.emitter = e
		}
	}
}

// WithKickBuffer sizes the channel feeding release notifications to the
// dispatch workers.
func WithKickBuffer(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.kickBuffer = n
		}
	}
}

func New(index *spatial.Index, spots spot.Registry, reservations reservation.Store, q *queue.Queue, clk clock.Clock, opts ...Option) *Coordinator {
	c := &Coordinator{
		index:        index,
		spots:        spots,
		reservations: reservations,
		queue:        q,
		emitter:      nopEmitter{},
		clock:        clk,
		holds:        nopTracker{},
		candidates:   defaultCandidates,
		radiusStart:  defaultRadiusStart,
		radiusMax:    defaultRadiusMax,
		holdTTL:      defaultHoldTTL,
		casRetries:   defaultCASRetries,
		maxRequeues:  defaultMaxRequeues,
		queueMaxWait: defaultQueueMaxWait,
		kickBuffer:   defaultKickBuffer,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.kicks = make(chan spot.Resource, c.kickBuffer)
	return c
}

func (c *Coordinator) HoldTTL() time.Duration { return c.holdTTL }

// Request is an inbound allocation request.
type Request struct {
	RequesterID string
	Anchor      geo.Point
	Window      interval.Window
	Filter      spot.ClassSet
	Priority    int
}

// Result is the outcome of RequestAllocation. A PENDING reservation carries
// its queue position and a rough wait estimate.
type Result struct {
	Reservation reservation.Reservation
	Position    int
	WaitHint    time.Duration
}

func (r Result) Held() bool { return r.Reservation.State == reservation.StateHeld }

// RequestAllocation creates a reservation and tries to hold a spot for it.
// When nothing is free the reservation is queued and returned PENDING; the
// caller is never blocked waiting for a release.
func (c *Coordinator) RequestAllocation(ctx context.Context, req Request) (Result, error) {
	if err := req.Window.Validate(); err != nil {
		return Result{}, err
	}
	if err := req.Anchor.Validate(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.RequesterID == "" {
		return Result{}, fmt.Errorf("%w: requester id required", ErrInvalidRequest)
	}

	now := c.clock.Now()
	r, err := c.reservations.Create(ctx, reservation.Reservation{
		ID:          uuid.NewString(),
		RequesterID: req.RequesterID,
		Anchor:      req.Anchor,
		Window:      req.Window,
		Filter:      req.Filter,
		State:       reservation.StatePending,
		Priority:    req.Priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return Result{}, err
	}

	unlock := c.locks.lock(r.ID)
	defer unlock()

	gen := c.releases.Load()
	held, ok, err := c.allocate(ctx, r)
	if err != nil {
		// Keep the request alive; a later sweep retries it.
		log.Printf("allocator: search interrupted reservation=%s err=%v", r.ID, err)
		res, qerr := c.enqueue(context.WithoutCancel(ctx), r, now)
		if qerr != nil {
			return res, qerr
		}
		return res, err
	}
	if ok {
		return Result{Reservation: held}, nil
	}
	res, err := c.enqueue(ctx, r, now)
	if err != nil {
		return res, err
	}
	return c.recheck(ctx, res, gen)
}

// recheck searches again for a freshly queued reservation when spots were
// released since gen. Their notifications may have been served while the
// reservation was not yet in the queue. The reservation lock must be held.
func (c *Coordinator) recheck(ctx context.Context, res Result, gen uint64) (Result, error) {
	for attempt := 0; attempt <= c.casRetries; attempt++ {
		cur := c.releases.Load()
		if cur == gen {
			return res, nil
		}
		gen = cur
		// A dispatch worker that already popped it retries once we unlock.
		if !c.queue.RemoveIfPresent(res.Reservation.ID) {
			return res, nil
		}
		held, ok, err := c.allocate(ctx, res.Reservation)
		if err == nil && ok {
			return Result{Reservation: held}, nil
		}
		if err != nil {
			log.Printf("allocator: recheck interrupted reservation=%s err=%v", res.Reservation.ID, err)
		}
		out, qerr := c.enqueue(context.WithoutCancel(ctx), res.Reservation, c.clock.Now())
		if qerr != nil || err != nil {
			return out, qerr
		}
		res = out
	}
	return res, nil
}

// search collects up to K candidates, doubling the radius until enough are
// found or the cap is reached.
func (c *Coordinator) search(r reservation.Reservation) []spatial.Candidate {
	radius := c.radiusStart
	for {
		cands := c.index.Nearest(r.Anchor, r.Filter, c.candidates, radius).All()
		if len(cands) >= c.candidates || radius >= c.radiusMax {
			return cands
		}
		radius *= 2
		if radius > c.radiusMax {
			radius = c.radiusMax
		}
	}
}

// allocate walks the candidates in distance order and returns the
// reservation HELD on the first spot it wins. The reservation lock must be
// held. ok=false with a nil error means every candidate was unusable.
func (c *Coordinator) allocate(ctx context.Context, r reservation.Reservation) (reservation.Reservation, bool, error) {
	for _, cand := range c.search(r) {
		if err := ctx.Err(); err != nil {
			return r, false, err
		}
		now := c.clock.Now()
		expires := now.Add(c.holdTTL)

		held, ok, err := c.tryCandidate(ctx, r, cand.ID, expires, now)
		if err != nil {
			return r, false, err
		}
		if !ok {
			continue
		}

		if b, clash := held.Bookings.FirstConflict(r.Window); clash {
			log.Printf("allocator: conflict after hold reservation=%s spot=%s booking=%s", r.ID, held.ID, b.Ref)
			if _, _, err := c.releaseHold(ctx, held.ID, r.ID); err != nil {
				log.Printf("allocator: release after conflict failed spot=%s err=%v", held.ID, err)
			}
			continue
		}

		next := r
		next.State = reservation.StateHeld
		next.ResourceID = held.ID
		next.HoldExpiresAt = held.HoldExpiresAt
		next.UpdatedAt = now
		saved, err := c.reservations.Update(ctx, next, r.Version)
		if err != nil {
			if _, _, rerr := c.releaseHold(context.WithoutCancel(ctx), held.ID, r.ID); rerr != nil {
				log.Printf("allocator: release after failed update spot=%s err=%v", held.ID, rerr)
			}
			return r, false, err
		}

		c.holds.Track(held.ID, r.ID, held.HoldExpiresAt)
		c.emitter.Publish(events.New(events.ResourceHeld, r.ID, held.ID, now, map[string]any{
			"version":         held.Version,
			"distance_m":      cand.Distance,
			"hold_expires_at": held.HoldExpiresAt,
		}))
		log.Printf("allocator: held reservation=%s spot=%s distance=%.0fm expires=%s", r.ID, held.ID, cand.Distance, held.HoldExpiresAt.Format(time.RFC3339))
		return saved, true, nil
	}
	return r, false, nil
}

// tryCandidate tries to hold one spot. Races and unusable spots are reported
// as ok=false; only storage failures come back as errors.
func (c *Coordinator) tryCandidate(ctx context.Context, r reservation.Reservation, id string, expires, now time.Time) (spot.Resource, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		res, err := c.spots.Get(ctx, id)
		if errors.Is(err, spot.ErrNotFound) {
			return spot.Resource{}, false, nil
		}
		if err != nil {
			return spot.Resource{}, false, err
		}
		if !res.Holdable() || !res.Classes.Satisfies(r.Filter) || res.Bookings.Conflicts(r.Window) {
			return spot.Resource{}, false, nil
		}

		held, err := c.spots.TryHold(ctx, id, r.ID, res.Version, expires, now)
		switch {
		case err == nil:
			return held, true, nil
		case errors.Is(err, spot.ErrVersionMismatch):
			// Re-fetch once, then give the candidate up.
			continue
		case errors.Is(err, spot.ErrNotFree), errors.Is(err, spot.ErrNotFound):
			return spot.Resource{}, false, nil
		default:
			return spot.Resource{}, false, err
		}
	}
	return spot.Resource{}, false, nil
}

// releaseHold clears reservationID's hold on a spot, retrying version races.
// released is false when the spot was no longer held by it.
func (c *Coordinator) releaseHold(ctx context.Context, resourceID, reservationID string) (spot.Resource, bool, error) {
	for attempt := 0; ; attempt++ {
		res, err := c.spots.Get(ctx, resourceID)
		if err != nil {
			return spot.Resource{}, false, err
		}
		if !res.Held() || res.HeldBy != reservationID {
			return res, false, nil
		}
		out, err := c.spots.Release(ctx, resourceID, reservationID, res.Version, c.clock.Now())
		if errors.Is(err, spot.ErrVersionMismatch) && attempt < c.casRetries {
			continue
		}
		if err != nil {
			return spot.Resource{}, false, err
		}
		return out, true, nil
	}
}

// enqueue parks a reservation that found no spot. The reservation lock must
// be held.
func (c *Coordinator) enqueue(ctx context.Context, r reservation.Reservation, now time.Time) (Result, error) {
	if now.Sub(r.CreatedAt) >= c.queueMaxWait {
		failed, err := c.fail(ctx, r, "queue wait exceeded")
		if err != nil {
			return Result{Reservation: r}, err
		}
		return Result{Reservation: failed}, &ExhaustedError{ReservationID: r.ID, Reason: "queue wait exceeded", RetryAfter: c.holdTTL}
	}

	pos, err := c.queue.Enqueue(queue.Waiter{
		ReservationID: r.ID,
		Priority:      r.Priority,
		CreatedAt:     r.CreatedAt,
		Key:           c.queue.KeyFor(r.Anchor, r.Filter),
	})
	if errors.Is(err, queue.ErrFull) {
		failed, ferr := c.fail(ctx, r, "queue full")
		if ferr != nil {
			return Result{Reservation: r}, ferr
		}
		return Result{Reservation: failed}, &ExhaustedError{ReservationID: r.ID, Reason: "queue full", RetryAfter: c.holdTTL}
	}
	if err != nil {
		return Result{Reservation: r}, err
	}
	log.Printf("allocator: queued reservation=%s position=%d", r.ID, pos)
	return Result{Reservation: r, Position: pos, WaitHint: c.waitHint(pos)}, nil
}

// waitHint assumes each waiter ahead needs one hold turnover.
func (c *Coordinator) waitHint(position int) time.Duration {
	return time.Duration(position+1) * c.holdTTL
}

// fail marks r FAILED and reports it. The reservation lock must be held.
func (c *Coordinator) fail(ctx context.Context, r reservation.Reservation, reason string) (reservation.Reservation, error) {
	now := c.clock.Now()
	next := r
	next.State = reservation.StateFailed
	next.FailureReason = reason
	next.UpdatedAt = now
	saved, err := c.reservations.Update(ctx, next, r.Version)
	if err != nil {
		return r, err
	}
	c.emitter.Publish(events.New(events.ReservationFailed, r.ID, "", now, map[string]any{"reason": reason}))
	log.Printf("allocator: failed reservation=%s reason=%q", r.ID, reason)
	return saved, nil
}

// kick hands a freed spot to the dispatch workers. It never blocks; a full
// channel is counted and made up for by the next sweep.
func (c *Coordinator) kick(res spot.Resource) {
	c.releases.Add(1)
	select {
	case c.kicks <- res:
	default:
		c.missedKicks.Add(1)
	}
}
