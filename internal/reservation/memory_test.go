package reservation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/spot-allocator/internal/geo"
	"github.com/example/spot-allocator/internal/interval"
	"github.com/example/spot-allocator/internal/spot"
)

func sample(t *testing.T, id string) Reservation {
	t.Helper()
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	w, err := interval.New(now.Add(time.Hour), now.Add(3*time.Hour))
	require.NoError(t, err)
	return Reservation{
		ID:          id,
		RequesterID: "user-1",
		Anchor:      geo.Point{Lat: 47.37, Lon: 8.54},
		Window:      w,
		Filter:      spot.NewClassSet(spot.ClassElectric),
		State:       StatePending,
		CreatedAt:   now,
	}
}

func TestMemoryStoreCreateGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	created, err := s.Create(ctx, sample(t, "r1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	_, err = s.Create(ctx, sample(t, "r1"))
	assert.ErrorIs(t, err, ErrExists)

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, created, got)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreUpdateIsCAS(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r, err := s.Create(ctx, sample(t, "r1"))
	require.NoError(t, err)

	held := r
	held.State = StateHeld
	held.ResourceID = "spot-1"
	out, err := s.Update(ctx, held, r.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(2), out.Version)

	stale := r
	stale.State = StateCancelled
	_, err = s.Update(ctx, stale, r.Version)
	assert.ErrorIs(t, err, ErrVersionMismatch)

	got, _ := s.Get(ctx, "r1")
	assert.Equal(t, StateHeld, got.State)

	_, err = s.Update(ctx, sample(t, "ghost"), 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreListByState(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, id := range []string{"b", "a", "c"} {
		_, err := s.Create(ctx, sample(t, id))
		require.NoError(t, err)
	}
	c, _ := s.Get(ctx, "c")
	c.State = StateFailed
	_, err := s.Update(ctx, c, c.Version)
	require.NoError(t, err)

	pending, err := s.ListByState(ctx, StatePending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].ID)
	assert.Equal(t, "b", pending[1].ID)
}

func TestTerminalStates(t *testing.T) {
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateHeld.Terminal())
	assert.False(t, StateConfirmed.Terminal())
	assert.True(t, StateExpired.Terminal())
	assert.True(t, StateCancelled.Terminal())
	assert.True(t, StateFailed.Terminal())
}
