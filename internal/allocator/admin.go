package allocator

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/example/spot-allocator/internal/queue"
	"github.com/example/spot-allocator/internal/reservation"
	"github.com/example/spot-allocator/internal/spot"
)

func (c *Coordinator) GetResourceState(ctx context.Context, id string) (spot.Resource, error) {
	return c.spots.Get(ctx, id)
}

func (c *Coordinator) GetReservationState(ctx context.Context, id string) (reservation.Reservation, error) {
	return c.reservations.Get(ctx, id)
}

// QueuePosition reports how many waiters are ahead of a PENDING reservation.
func (c *Coordinator) QueuePosition(id string) (int, bool) {
	return c.queue.Position(id)
}

// UpsertSpot creates or changes a spot and keeps the spatial index in step.
// A spot that can take a hold afterwards is offered to waiters.
func (c *Coordinator) UpsertSpot(ctx context.Context, spec spot.Spec) (spot.Resource, error) {
	res, err := c.spots.Upsert(ctx, spec, c.clock.Now())
	if err != nil {
		return spot.Resource{}, err
	}
	if res.State == spot.StateOutOfService {
		c.index.Remove(res.ID)
		return res, nil
	}
	if err := c.index.Upsert(res.ID, res.Location, res.Classes); err != nil {
		return res, fmt.Errorf("index spot %s: %w", res.ID, err)
	}
	if res.Holdable() {
		c.kick(res)
	}
	return res, nil
}

// Recover rebuilds process state from the stores: the spatial index, the
// hold deadlines and the waiting queue. It returns the number of spots
// indexed.
func (c *Coordinator) Recover(ctx context.Context) (int, error) {
	spots, err := c.spots.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list spots: %w", err)
	}
	indexed, holds := 0, 0
	for _, res := range spots {
		if res.State == spot.StateOutOfService {
			continue
		}
		if err := c.index.Upsert(res.ID, res.Location, res.Classes); err != nil {
			log.Printf("allocator: skipping spot=%s err=%v", res.ID, err)
			continue
		}
		indexed++
		if res.Held() {
			c.holds.Track(res.ID, res.HeldBy, res.HoldExpiresAt)
			holds++
		}
	}

	pending, err := c.reservations.ListByState(ctx, reservation.StatePending)
	if err != nil {
		return indexed, fmt.Errorf("list pending reservations: %w", err)
	}
	for _, r := range pending {
		_, err := c.queue.Enqueue(queue.Waiter{
			ReservationID: r.ID,
			Priority:      r.Priority,
			CreatedAt:     r.CreatedAt,
			Key:           c.queue.KeyFor(r.Anchor, r.Filter),
		})
		if errors.Is(err, queue.ErrFull) {
			unlock := c.locks.lock(r.ID)
			_, _ = c.fail(ctx, r, "queue full")
			unlock()
			continue
		}
		if err != nil {
			return indexed, err
		}
	}
	log.Printf("allocator: recovered spots=%d holds=%d waiters=%d", indexed, holds, len(pending))
	return indexed, nil
}

// CompactBookings drops finished bookings and moves spots between FREE and
// BOOKED according to the booking active now. Changed spots are offered to
// waiters. It returns the number of spots changed.
func (c *Coordinator) CompactBookings(ctx context.Context) (int, error) {
	spots, err := c.spots.List(ctx)
	if err != nil {
		return 0, err
	}
	changed := 0
	for _, res := range spots {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		out, err := c.settle(ctx, res)
		if err != nil {
			log.Printf("allocator: settle failed spot=%s err=%v", res.ID, err)
			continue
		}
		if out.Version == res.Version {
			continue
		}
		changed++
		if out.Holdable() {
			c.kick(out)
		}
	}
	return changed, nil
}

func (c *Coordinator) settle(ctx context.Context, res spot.Resource) (spot.Resource, error) {
	for attempt := 0; ; attempt++ {
		out, err := c.spots.Settle(ctx, res.ID, res.Version, c.clock.Now())
		if errors.Is(err, spot.ErrVersionMismatch) && attempt < c.casRetries {
			if res, err = c.spots.Get(ctx, res.ID); err != nil {
				return spot.Resource{}, err
			}
			continue
		}
		return out, err
	}
}

type Stats struct {
	Waiting     int   `json:"waiting"`
	Indexed     int   `json:"indexed"`
	PendingKick int   `json:"pending_kicks"`
	MissedKicks int64 `json:"missed_kicks"`
}

func (c *Coordinator) Stats() Stats {
	return Stats{
		Waiting:     c.queue.Len(),
		Indexed:     c.index.Len(),
		PendingKick: len(c.kicks),
		MissedKicks: c.missedKicks.Load(),
	}
}
