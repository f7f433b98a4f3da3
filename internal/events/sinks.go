package events

import (
	"context"
	"log"
)

// LogSink writes every event to the standard logger.
type LogSink struct{}

func (LogSink) Deliver(_ context.Context, ev Event) error {
	log.Printf("events: type=%s reservation=%s resource=%s id=%s", ev.Type, ev.ReservationID, ev.ResourceID, ev.ID)
	return nil
}
