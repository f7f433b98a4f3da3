// Package queue holds reservations waiting for a spot, one priority queue
// per (class filter, area) bucket.
package queue

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/spot-allocator/internal/geo"
	"github.com/example/spot-allocator/internal/spot"
)

var ErrFull = errors.New("queue bucket is full")

// Key identifies a bucket: the requested class filter and the coarse grid
// cell of the anchor.
type Key struct {
	Filter spot.ClassSet
	Cell   geo.Cell
}

func (k Key) String() string { return fmt.Sprintf("%s@%s", k.Filter, k.Cell) }

// Waiter is a queued reservation. Ordering is (Priority, CreatedAt,
// ReservationID) ascending, so requeueing a waiter keeps its place.
type Waiter struct {
	ReservationID string
	Priority      int
	CreatedAt     time.Time
	Key           Key
}

func less(a, b Waiter) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ReservationID < b.ReservationID
}

type Queue struct {
	grid         geo.Grid
	maxPerBucket int

	mu      sync.Mutex
	buckets map[Key]*bucket
	index   map[string]Key
}

// New returns a queue bucketing anchors into cells of cellSizeDeg degrees.
// maxPerBucket <= 0 means unbounded.
func New(cellSizeDeg float64, maxPerBucket int) *Queue {
	if cellSizeDeg <= 0 {
		cellSizeDeg = 0.05
	}
	return &Queue{
		grid:         geo.Grid{Size: cellSizeDeg},
		maxPerBucket: maxPerBucket,
		buckets:      make(map[Key]*bucket),
		index:        make(map[string]Key),
	}
}

func (q *Queue) KeyFor(anchor geo.Point, filter spot.ClassSet) Key {
	return Key{Filter: filter, Cell: q.grid.CellOf(anchor)}
}

// Eligible returns a predicate selecting the buckets a freed resource can
// serve: buckets whose filter the resource satisfies, in the resource's
// cell or a neighbouring one.
func (q *Queue) Eligible(res spot.Resource) func(Key) bool {
	cell := q.grid.CellOf(res.Location)
	return func(k Key) bool {
		return res.Classes.Satisfies(k.Filter) && geo.Adjacent(k.Cell, cell)
	}
}

// Enqueue adds w and returns the number of waiters ahead of it. Enqueueing
// a reservation that is already waiting is a no-op.
func (q *Queue) Enqueue(w Waiter) (int, error) {
	if w.ReservationID == "" {
		return 0, errors.New("queue: empty reservation id")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if k, ok := q.index[w.ReservationID]; ok {
		return q.buckets[k].ahead(w.ReservationID), nil
	}
	b := q.buckets[w.Key]
	if b == nil {
		b = &bucket{pos: make(map[string]int)}
		q.buckets[w.Key] = b
	}
	if q.maxPerBucket > 0 && b.Len() >= q.maxPerBucket {
		return 0, fmt.Errorf("%w: %s holds %d waiters", ErrFull, w.Key, b.Len())
	}
	heap.Push(b, w)
	q.index[w.ReservationID] = w.Key
	return b.ahead(w.ReservationID), nil
}

// DequeueNext pops the head of the bucket for key.
func (q *Queue) DequeueNext(key Key) (Waiter, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	b := q.buckets[key]
	if b == nil || b.Len() == 0 {
		return Waiter{}, false
	}
	return q.popLocked(key, b), true
}

// PopEligible pops the best-ordered head across every bucket match accepts.
func (q *Queue) PopEligible(match func(Key) bool) (Waiter, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		best    Waiter
		bestKey Key
		found   bool
	)
	for k, b := range q.buckets {
		if b.Len() == 0 || !match(k) {
			continue
		}
		if head := b.items[0]; !found || less(head, best) {
			best, bestKey, found = head, k, true
		}
	}
	if !found {
		return Waiter{}, false
	}
	return q.popLocked(bestKey, q.buckets[bestKey]), true
}

func (q *Queue) popLocked(key Key, b *bucket) Waiter {
	w := heap.Pop(b).(Waiter)
	delete(q.index, w.ReservationID)
	if b.Len() == 0 {
		delete(q.buckets, key)
	}
	return w
}

// RemoveIfPresent drops a waiting reservation, reporting whether it was queued.
func (q *Queue) RemoveIfPresent(reservationID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	k, ok := q.index[reservationID]
	if !ok {
		return false
	}
	b := q.buckets[k]
	heap.Remove(b, b.pos[reservationID])
	delete(q.index, reservationID)
	if b.Len() == 0 {
		delete(q.buckets, k)
	}
	return true
}

// Position reports how many waiters are ahead of reservationID in its bucket.
func (q *Queue) Position(reservationID string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	k, ok := q.index[reservationID]
	if !ok {
		return 0, false
	}
	return q.buckets[k].ahead(reservationID), true
}

func (q *Queue) Contains(reservationID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[reservationID]
	return ok
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// Heads returns the head waiter of every bucket without removing them,
// ordered best first.
func (q *Queue) Heads() []Waiter {
	q.mu.Lock()
	out := make([]Waiter, 0, len(q.buckets))
	for _, b := range q.buckets {
		if b.Len() > 0 {
			out = append(out, b.items[0])
		}
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// ExpireOlderThan removes and returns every waiter created before cutoff.
func (q *Queue) ExpireOlderThan(cutoff time.Time) []Waiter {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Waiter
	for k, b := range q.buckets {
		var keep []Waiter
		for _, w := range b.items {
			if w.CreatedAt.Before(cutoff) {
				out = append(out, w)
				delete(q.index, w.ReservationID)
				continue
			}
			keep = append(keep, w)
		}
		if len(keep) == 0 {
			delete(q.buckets, k)
			continue
		}
		if len(keep) != len(b.items) {
			b.items = keep
			b.reindex()
			heap.Init(b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// bucket is a min-heap of waiters that tracks each waiter's slot so it
// can be removed by id.
type bucket struct {
	items []Waiter
	pos   map[string]int
}

func (b *bucket) Len() int           { return len(b.items) }
func (b *bucket) Less(i, j int) bool { return less(b.items[i], b.items[j]) }
func (b *bucket) Swap(i, j int) {
	b.items[i], b.items[j] = b.items[j], b.items[i]
	b.pos[b.items[i].ReservationID] = i
	b.pos[b.items[j].ReservationID] = j
}
func (b *bucket) Push(v any) {
	w := v.(Waiter)
	b.pos[w.ReservationID] = len(b.items)
	b.items = append(b.items, w)
}
func (b *bucket) Pop() any {
	n := len(b.items)
	w := b.items[n-1]
	b.items = b.items[:n-1]
	delete(b.pos, w.ReservationID)
	return w
}

func (b *bucket) reindex() {
	b.pos = make(map[string]int, len(b.items))
	for i, w := range b.items {
		b.pos[w.ReservationID] = i
	}
}

func (b *bucket) ahead(reservationID string) int {
	self := b.items[b.pos[reservationID]]
	n := 0
	for _, w := range b.items {
		if less(w, self) {
			n++
		}
	}
	return n
}
