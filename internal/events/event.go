// Package events fans allocation state changes out to external consumers.
// Delivery is buffered and at-least-once; consumers deduplicate on
// (reservation id, type).
package events

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	ResourceHeld         Type = "resource.held"
	ResourceReleased     Type = "resource.released"
	ReservationConfirmed Type = "reservation.confirmed"
	ReservationExpired   Type = "reservation.expired"
	ReservationCancelled Type = "reservation.cancelled"
	ReservationFailed    Type = "reservation.failed"
)

type Event struct {
	ID            string         `json:"id"`
	Type          Type           `json:"type"`
	ReservationID string         `json:"reservation_id"`
	ResourceID    string         `json:"resource_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload,omitempty"`
}

func New(t Type, reservationID, resourceID string, at time.Time, payload map[string]any) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          t,
		ReservationID: reservationID,
		ResourceID:    resourceID,
		Timestamp:     at.UTC(),
		Payload:       payload,
	}
}

// DedupKey is the idempotency key consumers should use.
func (e Event) DedupKey() string { return e.ReservationID + "/" + string(e.Type) }
