// Package spatial answers nearest-resource queries over a dynamic set of
// parking spots using a fixed lat/lon grid.
package spatial

import (
	"container/heap"
	"fmt"
	"sync"

	"github.com/example/spot-allocator/internal/geo"
	"github.com/example/spot-allocator/internal/spot"
)

// Candidate is a resource returned by a nearest query.
type Candidate struct {
	ID       string
	Location geo.Point
	Distance float64
}

type entry struct {
	point   geo.Point
	classes spot.ClassSet
	cell    geo.Cell
}

// Index buckets resources by grid cell. Mutations touch one or two cells;
// queries copy the ids out of each cell they visit and never hold the lock
// across a whole search.
type Index struct {
	grid geo.Grid

	mu      sync.RWMutex
	entries map[string]entry
	cells   map[geo.Cell]map[string]struct{}
}

func NewIndex(cellSizeDeg float64) *Index {
	if cellSizeDeg <= 0 {
		cellSizeDeg = 0.0025
	}
	return &Index{
		grid:    geo.Grid{Size: cellSizeDeg},
		entries: make(map[string]entry),
		cells:   make(map[geo.Cell]map[string]struct{}),
	}
}

// Upsert inserts or moves a resource.
func (x *Index) Upsert(id string, p geo.Point, classes spot.ClassSet) error {
	if id == "" {
		return fmt.Errorf("spatial: empty id")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	cell := x.grid.CellOf(p)

	x.mu.Lock()
	defer x.mu.Unlock()
	if old, ok := x.entries[id]; ok && old.cell != cell {
		x.unlink(id, old.cell)
	}
	bucket := x.cells[cell]
	if bucket == nil {
		bucket = make(map[string]struct{})
		x.cells[cell] = bucket
	}
	bucket[id] = struct{}{}
	x.entries[id] = entry{point: p, classes: classes, cell: cell}
	return nil
}

// Remove drops a resource; it reports whether the id was indexed.
func (x *Index) Remove(id string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	e, ok := x.entries[id]
	if !ok {
		return false
	}
	x.unlink(id, e.cell)
	delete(x.entries, id)
	return true
}

func (x *Index) unlink(id string, cell geo.Cell) {
	bucket := x.cells[cell]
	delete(bucket, id)
	if len(bucket) == 0 {
		delete(x.cells, cell)
	}
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Nearest returns a cursor over resources satisfying filter within maxRadius
// metres of anchor, ordered by distance then id. limit <= 0 means no limit.
func (x *Index) Nearest(anchor geo.Point, filter spot.ClassSet, limit int, maxRadius float64) *Cursor {
	c := &Cursor{
		idx:       x,
		anchor:    anchor,
		filter:    filter,
		limit:     limit,
		maxRadius: maxRadius,
		center:    x.grid.CellOf(anchor),
		maxRings:  x.grid.MaxRings(anchor, maxRadius),
	}
	c.Reset()
	return c
}

// scan appends the matching entries of one cell to dst.
func (x *Index) scan(dst []Candidate, cell geo.Cell, anchor geo.Point, filter spot.ClassSet, maxRadius float64) []Candidate {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for id := range x.cells[cell] {
		e := x.entries[id]
		if !e.classes.Satisfies(filter) {
			continue
		}
		d := geo.Distance(anchor, e.point)
		if d > maxRadius {
			continue
		}
		dst = append(dst, Candidate{ID: id, Location: e.point, Distance: d})
	}
	return dst
}

// scanAll appends every matching entry to dst.
func (x *Index) scanAll(dst []Candidate, anchor geo.Point, filter spot.ClassSet, maxRadius float64) []Candidate {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for id, e := range x.entries {
		if !e.classes.Satisfies(filter) {
			continue
		}
		d := geo.Distance(anchor, e.point)
		if d > maxRadius {
			continue
		}
		dst = append(dst, Candidate{ID: id, Location: e.point, Distance: d})
	}
	return dst
}

// Cursor is a lazy, finite, restartable nearest-first sequence. Rings of
// cells are visited outward from the anchor cell; a candidate is emitted once
// nothing in an unvisited ring can be closer. When the rings left to visit
// hold more cells than the index has entries, as near the poles or over a
// sparse index, the cursor scans every entry once instead. A Cursor is not
// safe for concurrent use.
type Cursor struct {
	idx       *Index
	anchor    geo.Point
	filter    spot.ClassSet
	limit     int
	maxRadius float64
	center    geo.Cell
	maxRings  int

	ring    int
	pending candidateHeap
	seen    map[string]struct{}
	emitted int
}

// Reset rewinds the cursor to the start. Results reflect the index as it is
// when the rings are revisited.
func (c *Cursor) Reset() {
	c.ring = 0
	c.pending = c.pending[:0]
	c.seen = make(map[string]struct{})
	c.emitted = 0
}

// Next returns the next closest candidate, or false when the sequence ends.
func (c *Cursor) Next() (Candidate, bool) {
	if c.limit > 0 && c.emitted >= c.limit {
		return Candidate{}, false
	}
	for {
		exhausted := c.exhausted()
		if len(c.pending) > 0 {
			top := c.pending[0]
			if exhausted || top.Distance < c.idx.grid.RingLowerBound(c.anchor, c.ring) {
				heap.Pop(&c.pending)
				c.emitted++
				return top, true
			}
		} else if exhausted {
			return Candidate{}, false
		}
		c.scanRing()
	}
}

// All drains the cursor.
func (c *Cursor) All() []Candidate {
	var out []Candidate
	for {
		cand, ok := c.Next()
		if !ok {
			return out
		}
		out = append(out, cand)
	}
}

func (c *Cursor) exhausted() bool {
	return c.ring > c.maxRings || c.idx.grid.RingLowerBound(c.anchor, c.ring) > c.maxRadius
}

func (c *Cursor) scanRing() {
	var found []Candidate
	if c.cellsLeft() > int64(c.idx.Len()) {
		found = c.idx.scanAll(found, c.anchor, c.filter, c.maxRadius)
		c.ring = c.maxRings
	} else {
		for _, cell := range c.idx.grid.Ring(c.center, c.ring) {
			found = c.idx.scan(found, cell, c.anchor, c.filter, c.maxRadius)
		}
	}
	for _, cand := range found {
		// A concurrent move can put a resource in a later ring too.
		if _, dup := c.seen[cand.ID]; dup {
			continue
		}
		c.seen[cand.ID] = struct{}{}
		heap.Push(&c.pending, cand)
	}
	c.ring++
}

// cellsLeft bounds the number of cells in rings ring through maxRings.
func (c *Cursor) cellsLeft() int64 {
	lo, hi := int64(c.ring), int64(c.maxRings)
	if lo > hi {
		return 0
	}
	n := 4 * (hi*(hi+1) - lo*(lo-1))
	if lo == 0 {
		n++
	}
	return n
}

type candidateHeap []Candidate

func (h candidateHeap) Len() int { return len(h) }
func (h candidateHeap) Less(i, j int) bool {
	if h[i].Distance != h[j].Distance {
		return h[i].Distance < h[j].Distance
	}
	return h[i].ID < h[j].ID
}
func (h candidateHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(v any)   { *h = append(*h, v.(Candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}
