package interval

import (
	"sort"
	"time"
)

// Booking is a confirmed window recorded against a resource. Ref is the
// reservation that owns it.
type Booking struct {
	Ref string `json:"reservation_id"`
	Window
}

// Bookings is kept sorted by Start and pairwise non-overlapping.
type Bookings []Booking

// search returns the index of the first booking whose Start is not before t.
func (b Bookings) search(t time.Time) int {
	return sort.Search(len(b), func(i int) bool { return !b[i].Start.Before(t) })
}

// Conflicts reports whether w overlaps any booking. Because the slice is
// sorted and non-overlapping, only the predecessor of the insertion point and
// the bookings starting inside w need checking.
func (b Bookings) Conflicts(w Window) bool {
	_, ok := b.FirstConflict(w)
	return ok
}

// FirstConflict returns the earliest booking that overlaps w.
func (b Bookings) FirstConflict(w Window) (Booking, bool) {
	i := b.search(w.Start)
	if i > 0 && b[i-1].End.After(w.Start) {
		return b[i-1], true
	}
	if i < len(b) && b[i].Start.Before(w.End) {
		return b[i], true
	}
	return Booking{}, false
}

// Insert returns a copy of b with bk placed in order, or ErrOverlap.
func (b Bookings) Insert(bk Booking) (Bookings, error) {
	if err := bk.Validate(); err != nil {
		return b, err
	}
	if b.Conflicts(bk.Window) {
		return b, ErrOverlap
	}
	i := b.search(bk.Start)
	out := make(Bookings, 0, len(b)+1)
	out = append(out, b[:i]...)
	out = append(out, bk)
	out = append(out, b[i:]...)
	return out, nil
}

// Remove drops every booking owned by ref.
func (b Bookings) Remove(ref string) (Bookings, bool) {
	out := make(Bookings, 0, len(b))
	removed := false
	for _, bk := range b {
		if bk.Ref == ref {
			removed = true
			continue
		}
		out = append(out, bk)
	}
	return out, removed
}

// Compact drops bookings that ended at or before now.
func (b Bookings) Compact(now time.Time) Bookings {
	i := 0
	for i < len(b) && !b[i].End.After(now) {
		i++
	}
	if i == 0 {
		return b
	}
	out := make(Bookings, len(b)-i)
	copy(out, b[i:])
	return out
}

// ActiveAt returns the booking containing t, if any.
func (b Bookings) ActiveAt(t time.Time) (Booking, bool) {
	i := b.search(t)
	if i < len(b) && b[i].Start.Equal(t) {
		return b[i], true
	}
	if i > 0 && b[i-1].Contains(t) {
		return b[i-1], true
	}
	return Booking{}, false
}

func (b Bookings) Clone() Bookings {
	if b == nil {
		return nil
	}
	out := make(Bookings, len(b))
	copy(out, b)
	return out
}

// Sorted returns b ordered by Start without checking for overlaps. Storage
// layers use it when loading rows.
func Sorted(b Bookings) Bookings {
	out := b.Clone()
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}
