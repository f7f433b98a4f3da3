package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/example/spot-allocator/internal/geo"
	"github.com/example/spot-allocator/internal/interval"
	"github.com/example/spot-allocator/internal/spot"
)

var (
	ErrNotFound        = errors.New("reservation not found")
	ErrExists          = errors.New("reservation already exists")
	ErrVersionMismatch = errors.New("reservation version mismatch")
)

type State string

const (
	StatePending   State = "pending"
	StateHeld      State = "held"
	StateConfirmed State = "confirmed"
	StateExpired   State = "expired"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is possible. A confirmed
// reservation can still be cancelled.
func (s State) Terminal() bool {
	switch s {
	case StateExpired, StateCancelled, StateFailed:
		return true
	}
	return false
}

// Reservation is a request for a spot over Window near Anchor.
type Reservation struct {
	ID            string          `json:"id"`
	RequesterID   string          `json:"requester_id"`
	Anchor        geo.Point       `json:"anchor"`
	Window        interval.Window `json:"window"`
	Filter        spot.ClassSet   `json:"-"`
	State         State           `json:"state"`
	ResourceID    string          `json:"resource_id,omitempty"`
	Priority      int             `json:"priority"`
	CreatedAt     time.Time       `json:"created_at"`
	HoldExpiresAt time.Time       `json:"hold_expires_at,omitempty"`
	Requeues      int             `json:"requeues"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Version       int64           `json:"version"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Store persists reservations. Update is a compare-and-swap on Version and
// bumps it by one.
type Store interface {
	Create(ctx context.Context, r Reservation) (Reservation, error)
	Get(ctx context.Context, id string) (Reservation, error)
	Update(ctx context.Context, r Reservation, expectedVersion int64) (Reservation, error)
	ListByState(ctx context.Context, state State) ([]Reservation, error)
}
