package scheduler

import (
	"container/heap"
	"sync"
	"time"
)

// Deadline is a hold that must be looked at no earlier than At.
type Deadline struct {
	ResourceID    string
	ReservationID string
	At            time.Time
}

// Deadlines is a min-heap of hold deadlines. Entries are hints: the
// allocator re-checks the hold before expiring it, so stale entries for holds
// that were confirmed or released are harmless.
type Deadlines struct {
	mu sync.Mutex
	h  deadlineHeap
}

func NewDeadlines() *Deadlines {
	return &Deadlines{}
}

// Track records a hold deadline.
func (d *Deadlines) Track(resourceID, reservationID string, expiresAt time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	heap.Push(&d.h, Deadline{ResourceID: resourceID, ReservationID: reservationID, At: expiresAt})
}

// PopDue removes and returns every deadline at or before now, earliest first.
func (d *Deadlines) PopDue(now time.Time) []Deadline {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Deadline
	for d.h.Len() > 0 && !d.h[0].At.After(now) {
		out = append(out, heap.Pop(&d.h).(Deadline))
	}
	return out
}

// Next reports the earliest pending deadline.
func (d *Deadlines) Next() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.h.Len() == 0 {
		return time.Time{}, false
	}
	return d.h[0].At, true
}

func (d *Deadlines) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.h.Len()
}

type deadlineHeap []Deadline

func (h deadlineHeap) Len() int { return len(h) }
func (h deadlineHeap) Less(i, j int) bool {
	if !h[i].At.Equal(h[j].At) {
		return h[i].At.Before(h[j].At)
	}
	return h[i].ReservationID < h[j].ReservationID
}
func (h deadlineHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *deadlineHeap) Push(x any) { *h = append(*h, x.(Deadline)) }

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
