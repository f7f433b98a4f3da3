package interval

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidWindow = errors.New("invalid window: end must be after start")
	ErrOverlap       = errors.New("window overlaps an existing booking")
)

// Window is the half-open interval [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func New(start, end time.Time) (Window, error) {
	w := Window{Start: start.UTC(), End: end.UTC()}
	if err := w.Validate(); err != nil {
		return Window{}, err
	}
	return w, nil
}

func (w Window) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() || !w.End.After(w.Start) {
		return fmt.Errorf("%w (start=%s end=%s)", ErrInvalidWindow, w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}
	return nil
}

// Overlaps uses max(aStart,bStart) < min(aEnd,bEnd); touching windows do not
// overlap.
func (w Window) Overlaps(o Window) bool {
	start := w.Start
	if o.Start.After(start) {
		start = o.Start
	}
	end := w.End
	if o.End.Before(end) {
		end = o.End
	}
	return start.Before(end)
}

// Contains reports whether t falls inside [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w Window) String() string {
	return "[" + w.Start.Format(time.RFC3339) + "," + w.End.Format(time.RFC3339) + ")"
}
