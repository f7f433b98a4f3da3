package reservation

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]Reservation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Reservation)}
}

func (m *MemoryStore) Create(_ context.Context, r Reservation) (Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[r.ID]; ok {
		return Reservation{}, fmt.Errorf("%w: %s", ErrExists, r.ID)
	}
	r.Version = 1
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	m.rows[r.ID] = r
	return r, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rows[id]
	if !ok {
		return Reservation{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) Update(_ context.Context, r Reservation, expectedVersion int64) (Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[r.ID]
	if !ok {
		return Reservation{}, ErrNotFound
	}
	if cur.Version != expectedVersion {
		return Reservation{}, fmt.Errorf("%w: %s at %d, expected %d", ErrVersionMismatch, r.ID, cur.Version, expectedVersion)
	}
	r.Version = expectedVersion + 1
	m.rows[r.ID] = r
	return r, nil
}

func (m *MemoryStore) ListByState(_ context.Context, state State) ([]Reservation, error) {
	m.mu.RLock()
	out := make([]Reservation, 0)
	for _, r := range m.rows {
		if r.State == state {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
