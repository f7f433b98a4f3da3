package allocator

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrHoldExpired         = errors.New("hold expired")
	ErrNotHeld             = errors.New("reservation is not held")
	ErrAllocationExhausted = errors.New("allocation exhausted")
	ErrInvalidRequest      = errors.New("invalid allocation request")
)

// ExhaustedError is returned when no spot could be held and the reservation
// cannot wait any longer. It matches ErrAllocationExhausted.
type ExhaustedError struct {
	ReservationID string
	Reason        string
	RetryAfter    time.Duration
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("allocation exhausted for %s: %s (retry after %s)", e.ReservationID, e.Reason, e.RetryAfter)
}

func (e *ExhaustedError) Unwrap() error { return ErrAllocationExhausted }
