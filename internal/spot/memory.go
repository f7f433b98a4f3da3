package spot

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/spot-allocator/internal/interval"
)

// MemoryRegistry keeps spots in process. Each spot has its own mutex, so a
// CAS on one spot never waits on another.
type MemoryRegistry struct {
	mu    sync.RWMutex
	spots map[string]*memEntry
}

type memEntry struct {
	mu  sync.Mutex
	res Resource
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{spots: make(map[string]*memEntry)}
}

func (m *MemoryRegistry) entry(id string) (*memEntry, error) {
	m.mu.RLock()
	e, ok := m.spots[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (m *MemoryRegistry) Get(_ context.Context, id string) (Resource, error) {
	e, err := m.entry(id)
	if err != nil {
		return Resource{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.res.Clone(), nil
}

func (m *MemoryRegistry) List(_ context.Context) ([]Resource, error) {
	m.mu.RLock()
	entries := make([]*memEntry, 0, len(m.spots))
	for _, e := range m.spots {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]Resource, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.res.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRegistry) Upsert(_ context.Context, spec Spec, now time.Time) (Resource, error) {
	if err := spec.Validate(); err != nil {
		return Resource{}, err
	}

	m.mu.Lock()
	e, ok := m.spots[spec.ID]
	if !ok {
		e = &memEntry{res: Resource{ID: spec.ID, State: StateFree}}
		m.spots[spec.ID] = e
	}
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	next, err := applySpec(e.res, spec, now, e.res.Version == 0)
	if err != nil {
		return Resource{}, err
	}
	e.res = next
	return next.Clone(), nil
}

// mutate runs fn against the spot under its lock. fn receives a copy and
// returns the new state plus whether anything changed; changed states get a
// version bump.
func (m *MemoryRegistry) mutate(id string, fn func(Resource) (Resource, bool, error)) (Resource, error) {
	e, err := m.entry(id)
	if err != nil {
		return Resource{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next, changed, err := fn(e.res.Clone())
	if err != nil {
		return Resource{}, err
	}
	if !changed {
		return e.res.Clone(), nil
	}
	next.Version = e.res.Version + 1
	e.res = next
	return next.Clone(), nil
}

func (m *MemoryRegistry) TryHold(_ context.Context, id, reservationID string, expectedVersion int64, holdExpiresAt, now time.Time) (Resource, error) {
	return m.mutate(id, func(r Resource) (Resource, bool, error) {
		return applyHold(r, reservationID, expectedVersion, holdExpiresAt, now)
	})
}

func (m *MemoryRegistry) Confirm(_ context.Context, id, reservationID string, w interval.Window, expectedVersion int64, now time.Time) (Resource, error) {
	return m.mutate(id, func(r Resource) (Resource, bool, error) {
		return applyConfirm(r, reservationID, w, expectedVersion, now)
	})
}

func (m *MemoryRegistry) Release(_ context.Context, id, reservationID string, expectedVersion int64, now time.Time) (Resource, error) {
	return m.mutate(id, func(r Resource) (Resource, bool, error) {
		return applyRelease(r, reservationID, expectedVersion, now)
	})
}

func (m *MemoryRegistry) CancelBooking(_ context.Context, id, reservationID string, expectedVersion int64, now time.Time) (Resource, error) {
	return m.mutate(id, func(r Resource) (Resource, bool, error) {
		return applyCancelBooking(r, reservationID, expectedVersion, now)
	})
}

func (m *MemoryRegistry) Settle(_ context.Context, id string, expectedVersion int64, now time.Time) (Resource, error) {
	return m.mutate(id, func(r Resource) (Resource, bool, error) {
		return applySettle(r, expectedVersion, now)
	})
}
