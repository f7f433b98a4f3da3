package spot

import (
	"context"
	"errors"
	"time"

	"github.com/example/spot-allocator/internal/geo"
	"github.com/example/spot-allocator/internal/interval"
)

var (
	ErrNotFound         = errors.New("spot not found")
	ErrVersionMismatch  = errors.New("spot version mismatch")
	ErrNotFree          = errors.New("spot is not free")
	ErrNotHeld          = errors.New("spot is not held by this reservation")
	ErrConflictDetected = errors.New("window conflicts with a confirmed booking")
	ErrInvalidSpot      = errors.New("invalid spot")
)

// State is the lifecycle state of a parking spot.
type State string

const (
	StateFree         State = "free"
	StateHeld         State = "held"
	StateBooked       State = "booked"
	StateOutOfService State = "out_of_service"
)

func (s State) Valid() bool {
	switch s {
	case StateFree, StateHeld, StateBooked, StateOutOfService:
		return true
	}
	return false
}

// Resource is a single bookable parking spot.
//
// A HELD resource has exactly one outstanding hold (HeldBy, HoldExpiresAt).
// Bookings holds the confirmed windows, sorted and non-overlapping.
type Resource struct {
	ID            string            `json:"id"`
	Location      geo.Point         `json:"location"`
	Classes       ClassSet          `json:"-"`
	State         State             `json:"state"`
	Version       int64             `json:"version"`
	HeldBy        string            `json:"held_by,omitempty"`
	HoldExpiresAt time.Time         `json:"hold_expires_at,omitempty"`
	Bookings      interval.Bookings `json:"bookings"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

func (r Resource) Clone() Resource {
	r.Bookings = r.Bookings.Clone()
	return r
}

// Holdable reports whether a new hold may be placed. BOOKED spots qualify;
// whether the requested window fits is up to the booking list.
func (r Resource) Holdable() bool { return r.State == StateFree || r.State == StateBooked }

func (r Resource) Held() bool { return r.State == StateHeld && r.HeldBy != "" }

// HoldExpired reports whether the hold deadline has been reached at now.
func (r Resource) HoldExpired(now time.Time) bool {
	return r.Held() && !now.Before(r.HoldExpiresAt)
}

// settledState is the state a non-held, in-service resource should be in at now.
func settledState(b interval.Bookings, now time.Time) State {
	if _, ok := b.ActiveAt(now); ok {
		return StateBooked
	}
	return StateFree
}

// Spec is the administrative description of a spot used by Upsert.
type Spec struct {
	ID           string
	Location     geo.Point
	Classes      ClassSet
	OutOfService bool
}

func (s Spec) Validate() error {
	if s.ID == "" {
		return errors.Join(ErrInvalidSpot, errors.New("id required"))
	}
	if err := s.Location.Validate(); err != nil {
		return errors.Join(ErrInvalidSpot, err)
	}
	return nil
}

// Registry is the authoritative, versioned store of spot state. Every
// mutation is a compare-and-swap on Version; a successful mutation bumps
// Version by exactly one.
type Registry interface {
	Get(ctx context.Context, id string) (Resource, error)
	List(ctx context.Context) ([]Resource, error)

	// Upsert creates a spot or updates its location, classes and service
	// flag. Taking a spot out of service is refused while it is held.
	Upsert(ctx context.Context, spec Spec, now time.Time) (Resource, error)

	// TryHold succeeds only if the spot is FREE or BOOKED and at
	// expectedVersion. It does not look at the bookings.
	TryHold(ctx context.Context, id, reservationID string, expectedVersion int64, holdExpiresAt, now time.Time) (Resource, error)

	// Confirm records w for the holding reservation and clears the hold.
	Confirm(ctx context.Context, id, reservationID string, w interval.Window, expectedVersion int64, now time.Time) (Resource, error)

	// Release clears a hold. Releasing a hold that is no longer owned by
	// reservationID is a no-op returning the current state.
	Release(ctx context.Context, id, reservationID string, expectedVersion int64, now time.Time) (Resource, error)

	// CancelBooking removes the confirmed window owned by reservationID.
	CancelBooking(ctx context.Context, id, reservationID string, expectedVersion int64, now time.Time) (Resource, error)

	// Settle compacts bookings that ended before now and moves the spot
	// between FREE and BOOKED according to the booking active at now.
	Settle(ctx context.Context, id string, expectedVersion int64, now time.Time) (Resource, error)
}

// ExpireHold releases the hold on id if its deadline has passed. It goes
// through Release so a sweep and a caller race on the same CAS.
func ExpireHold(ctx context.Context, reg Registry, id string, now time.Time, retries int) (Resource, bool, error) {
	for attempt := 0; ; attempt++ {
		res, err := reg.Get(ctx, id)
		if err != nil {
			return Resource{}, false, err
		}
		if !res.HoldExpired(now) {
			return res, false, nil
		}
		out, err := reg.Release(ctx, id, res.HeldBy, res.Version, now)
		if errors.Is(err, ErrVersionMismatch) && attempt < retries {
			continue
		}
		if err != nil {
			return Resource{}, false, err
		}
		return out, true, nil
	}
}
