package spot

import (
	"errors"
	"fmt"
	"time"

	"github.com/example/spot-allocator/internal/interval"
)

// The apply* functions are the single definition of every state transition.
// Both registries run them against the current row and persist the result
// only if the version is still the one they read.

func checkVersion(r Resource, expected int64) error {
	if r.Version != expected {
		return fmt.Errorf("%w: spot %s at version %d, expected %d", ErrVersionMismatch, r.ID, r.Version, expected)
	}
	return nil
}

func applySpec(r Resource, spec Spec, now time.Time, created bool) (Resource, error) {
	next := r.Clone()
	next.Location = spec.Location
	next.Classes = spec.Classes
	switch {
	case spec.OutOfService:
		if r.Held() {
			return Resource{}, fmt.Errorf("%w: spot %s is held by %s", ErrNotFree, r.ID, r.HeldBy)
		}
		next.State = StateOutOfService
	case r.State == StateOutOfService || created:
		next.State = settledState(next.Bookings, now)
	}

	if !created && next.Location == r.Location && next.Classes == r.Classes && next.State == r.State {
		return r.Clone(), nil
	}
	next.Version = r.Version + 1
	next.UpdatedAt = now
	return next, nil
}

// applyHold accepts a BOOKED spot: the booking active now does not stop a
// hold for a later window, and the caller checks the window itself.
func applyHold(r Resource, reservationID string, expected int64, expiresAt, now time.Time) (Resource, bool, error) {
	if reservationID == "" || expiresAt.IsZero() {
		return Resource{}, false, errors.New("hold requires a reservation id and expiry")
	}
	if !r.Holdable() {
		return Resource{}, false, fmt.Errorf("%w: spot %s is %s", ErrNotFree, r.ID, r.State)
	}
	if err := checkVersion(r, expected); err != nil {
		return Resource{}, false, err
	}
	r.State = StateHeld
	r.HeldBy = reservationID
	r.HoldExpiresAt = expiresAt.UTC()
	r.UpdatedAt = now
	return r, true, nil
}

func applyConfirm(r Resource, reservationID string, w interval.Window, expected int64, now time.Time) (Resource, bool, error) {
	if !r.Held() || r.HeldBy != reservationID {
		return Resource{}, false, fmt.Errorf("%w: spot %s", ErrNotHeld, r.ID)
	}
	if err := checkVersion(r, expected); err != nil {
		return Resource{}, false, err
	}
	bookings, err := r.Bookings.Insert(interval.Booking{Ref: reservationID, Window: w})
	if errors.Is(err, interval.ErrOverlap) {
		return Resource{}, false, fmt.Errorf("%w: spot %s window %s", ErrConflictDetected, r.ID, w)
	}
	if err != nil {
		return Resource{}, false, err
	}
	r.Bookings = bookings
	r.HeldBy = ""
	r.HoldExpiresAt = time.Time{}
	r.State = settledState(r.Bookings, now)
	r.UpdatedAt = now
	return r, true, nil
}

func applyRelease(r Resource, reservationID string, expected int64, now time.Time) (Resource, bool, error) {
	if !r.Held() || r.HeldBy != reservationID {
		return r, false, nil
	}
	if err := checkVersion(r, expected); err != nil {
		return Resource{}, false, err
	}
	r.HeldBy = ""
	r.HoldExpiresAt = time.Time{}
	r.State = settledState(r.Bookings, now)
	r.UpdatedAt = now
	return r, true, nil
}

func applyCancelBooking(r Resource, reservationID string, expected int64, now time.Time) (Resource, bool, error) {
	if err := checkVersion(r, expected); err != nil {
		return Resource{}, false, err
	}
	bookings, removed := r.Bookings.Remove(reservationID)
	if !removed {
		return r, false, nil
	}
	r.Bookings = bookings
	if r.State == StateBooked || r.State == StateFree {
		r.State = settledState(r.Bookings, now)
	}
	r.UpdatedAt = now
	return r, true, nil
}

func applySettle(r Resource, expected int64, now time.Time) (Resource, bool, error) {
	if err := checkVersion(r, expected); err != nil {
		return Resource{}, false, err
	}
	bookings := r.Bookings.Compact(now)
	state := r.State
	if state == StateBooked || state == StateFree {
		state = settledState(bookings, now)
	}
	if len(bookings) == len(r.Bookings) && state == r.State {
		return r, false, nil
	}
	r.Bookings = bookings
	r.State = state
	r.UpdatedAt = now
	return r, true, nil
}
