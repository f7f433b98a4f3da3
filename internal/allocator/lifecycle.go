package allocator

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/example/spot-allocator/internal/events"
	"github.com/example/spot-allocator/internal/reservation"
	"github.com/example/spot-allocator/internal/spot"
)

// Confirm turns a live hold into a permanent booking. Confirming an already
// confirmed reservation returns it unchanged.
func (c *Coordinator) Confirm(ctx context.Context, id string) (reservation.Reservation, error) {
	var freed *spot.Resource
	out, err := func() (reservation.Reservation, error) {
		unlock := c.locks.lock(id)
		defer unlock()

		r, err := c.reservations.Get(ctx, id)
		if err != nil {
			return reservation.Reservation{}, err
		}
		switch r.State {
		case reservation.StateConfirmed:
			return r, nil
		case reservation.StateExpired:
			return r, ErrHoldExpired
		case reservation.StateHeld:
		default:
			return r, fmt.Errorf("%w: reservation %s is %s", ErrNotHeld, id, r.State)
		}

		// The sweeper may not have run yet; the deadline is authoritative.
		now := c.clock.Now()
		if !now.Before(r.HoldExpiresAt) {
			expired, res, err := c.expireLocked(ctx, r)
			if err != nil {
				return r, err
			}
			freed = res
			return expired, ErrHoldExpired
		}

		for attempt := 0; ; attempt++ {
			res, err := c.spots.Get(ctx, r.ResourceID)
			if err != nil {
				return r, err
			}
			if !res.Held() || res.HeldBy != r.ID {
				return r, fmt.Errorf("%w: spot %s no longer held by %s", ErrNotHeld, r.ResourceID, r.ID)
			}
			_, err = c.spots.Confirm(ctx, r.ResourceID, r.ID, r.Window, res.Version, now)
			if errors.Is(err, spot.ErrVersionMismatch) && attempt < c.casRetries {
				continue
			}
			if errors.Is(err, spot.ErrConflictDetected) {
				// Cannot happen while every booking goes through a hold; fail
				// loudly rather than double-book.
				released, _, rerr := c.releaseHold(ctx, r.ResourceID, r.ID)
				if rerr == nil {
					freed = &released
				}
				failed, ferr := c.fail(ctx, r, "window conflict at confirm")
				if ferr != nil {
					return r, ferr
				}
				return failed, err
			}
			if err != nil {
				return r, err
			}
			break
		}

		next := r
		next.State = reservation.StateConfirmed
		next.UpdatedAt = now
		saved, err := c.reservations.Update(ctx, next, r.Version)
		if err != nil {
			return r, err
		}
		c.emitter.Publish(events.New(events.ReservationConfirmed, r.ID, r.ResourceID, now, map[string]any{
			"window_start": r.Window.Start,
			"window_end":   r.Window.End,
		}))
		log.Printf("allocator: confirmed reservation=%s spot=%s window=%s", r.ID, r.ResourceID, r.Window)
		return saved, nil
	}()
	if freed != nil {
		c.kick(*freed)
	}
	return out, err
}

// Cancel withdraws a reservation in any non-terminal state. A waiting
// reservation leaves the queue, a held one releases its spot and a confirmed
// one gives its window back. Cancelling a terminal reservation is a no-op.
func (c *Coordinator) Cancel(ctx context.Context, id string) (reservation.Reservation, error) {
	var freed *spot.Resource
	out, err := func() (reservation.Reservation, error) {
		unlock := c.locks.lock(id)
		defer unlock()

		r, err := c.reservations.Get(ctx, id)
		if err != nil {
			return reservation.Reservation{}, err
		}
		if r.State.Terminal() {
			return r, nil
		}

		switch r.State {
		case reservation.StatePending:
			c.queue.RemoveIfPresent(r.ID)
		case reservation.StateHeld:
			res, released, err := c.releaseHold(ctx, r.ResourceID, r.ID)
			if err != nil {
				return r, err
			}
			if released {
				freed = &res
			}
		case reservation.StateConfirmed:
			res, err := c.cancelBooking(ctx, r)
			if err != nil {
				return r, err
			}
			freed = &res
		}

		now := c.clock.Now()
		next := r
		next.State = reservation.StateCancelled
		next.UpdatedAt = now
		saved, err := c.reservations.Update(ctx, next, r.Version)
		if err != nil {
			return r, err
		}
		c.emitter.Publish(events.New(events.ReservationCancelled, r.ID, r.ResourceID, now, map[string]any{"from": string(r.State)}))
		if freed != nil {
			c.emitter.Publish(events.New(events.ResourceReleased, r.ID, freed.ID, now, map[string]any{"reason": "cancelled", "version": freed.Version}))
		}
		log.Printf("allocator: cancelled reservation=%s from=%s", r.ID, r.State)
		return saved, nil
	}()
	if freed != nil {
		c.kick(*freed)
	}
	return out, err
}

func (c *Coordinator) cancelBooking(ctx context.Context, r reservation.Reservation) (spot.Resource, error) {
	for attempt := 0; ; attempt++ {
		res, err := c.spots.Get(ctx, r.ResourceID)
		if err != nil {
			return spot.Resource{}, err
		}
		out, err := c.spots.CancelBooking(ctx, r.ResourceID, r.ID, res.Version, c.clock.Now())
		if errors.Is(err, spot.ErrVersionMismatch) && attempt < c.casRetries {
			continue
		}
		return out, err
	}
}

// ExpireHold is the sweeper entry point for a hold deadline. It acts only
// once the deadline has been reached and only if the hold is still the
// reservation's.
func (c *Coordinator) ExpireHold(ctx context.Context, resourceID, reservationID string) error {
	var freed *spot.Resource
	err := func() error {
		unlock := c.locks.lock(reservationID)
		defer unlock()

		r, err := c.reservations.Get(ctx, reservationID)
		if errors.Is(err, reservation.ErrNotFound) {
			// Orphaned hold, e.g. the reservation row was lost.
			res, expired, err := spot.ExpireHold(ctx, c.spots, resourceID, c.clock.Now(), c.casRetries)
			if err == nil && expired {
				freed = &res
			}
			return err
		}
		if err != nil {
			return err
		}
		if r.State != reservation.StateHeld || r.ResourceID != resourceID {
			return nil
		}
		if c.clock.Now().Before(r.HoldExpiresAt) {
			return nil
		}
		_, res, err := c.expireLocked(ctx, r)
		freed = res
		return err
	}()
	if freed != nil {
		c.kick(*freed)
	}
	return err
}

// expireLocked releases r's hold and marks it EXPIRED. The reservation lock
// must be held.
func (c *Coordinator) expireLocked(ctx context.Context, r reservation.Reservation) (reservation.Reservation, *spot.Resource, error) {
	res, released, err := c.releaseHold(ctx, r.ResourceID, r.ID)
	if err != nil {
		return r, nil, err
	}
	now := c.clock.Now()
	next := r
	next.State = reservation.StateExpired
	next.UpdatedAt = now
	saved, err := c.reservations.Update(ctx, next, r.Version)
	if err != nil {
		return r, nil, err
	}

	c.emitter.Publish(events.New(events.ReservationExpired, r.ID, r.ResourceID, now, map[string]any{"hold_expires_at": r.HoldExpiresAt}))
	log.Printf("allocator: expired reservation=%s spot=%s", r.ID, r.ResourceID)
	if !released {
		return saved, nil, nil
	}
	c.emitter.Publish(events.New(events.ResourceReleased, r.ID, res.ID, now, map[string]any{"reason": "expired", "version": res.Version}))
	return saved, &res, nil
}
