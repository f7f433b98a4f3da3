package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/spot-allocator/internal/geo"
	"github.com/example/spot-allocator/internal/spot"
)

var (
	base   = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	anchor = geo.Point{Lat: 47.37, Lon: 8.54}
)

func waiter(q *Queue, id string, prio int, age time.Duration, filter spot.ClassSet) Waiter {
	return Waiter{ReservationID: id, Priority: prio, CreatedAt: base.Add(age), Key: q.KeyFor(anchor, filter)}
}

func TestDequeueOrdersByPriorityThenAge(t *testing.T) {
	q := New(0.05, 0)
	key := q.KeyFor(anchor, 0)
	for _, w := range []Waiter{
		waiter(q, "late", 1, 2*time.Second, 0),
		waiter(q, "urgent", 0, 5*time.Second, 0),
		waiter(q, "early", 1, time.Second, 0),
	} {
		_, err := q.Enqueue(w)
		require.NoError(t, err)
	}

	var got []string
	for {
		w, ok := q.DequeueNext(key)
		if !ok {
			break
		}
		got = append(got, w.ReservationID)
	}
	assert.Equal(t, []string{"urgent", "early", "late"}, got)
	assert.Zero(t, q.Len())
}

func TestEnqueueIsIdempotentAndReportsPosition(t *testing.T) {
	q := New(0.05, 0)
	pos, err := q.Enqueue(waiter(q, "a", 0, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, 0, pos)

	pos, err = q.Enqueue(waiter(q, "b", 0, time.Second, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	pos, err = q.Enqueue(waiter(q, "b", 0, time.Second, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, pos)
	assert.Equal(t, 2, q.Len())

	p, ok := q.Position("b")
	assert.True(t, ok)
	assert.Equal(t, 1, p)
}

func TestRequeueKeepsOriginalPlace(t *testing.T) {
	q := New(0.05, 0)
	key := q.KeyFor(anchor, 0)
	first := waiter(q, "first", 0, 0, 0)
	_, _ = q.Enqueue(first)
	_, _ = q.Enqueue(waiter(q, "second", 0, time.Second, 0))

	w, ok := q.DequeueNext(key)
	require.True(t, ok)
	require.Equal(t, "first", w.ReservationID)
	_, _ = q.Enqueue(waiter(q, "third", 0, 2*time.Second, 0))

	// The retry failed; put it back.
	_, err := q.Enqueue(w)
	require.NoError(t, err)
	w, _ = q.DequeueNext(key)
	assert.Equal(t, "first", w.ReservationID)
}

func TestBucketCapacity(t *testing.T) {
	q := New(0.05, 2)
	_, err := q.Enqueue(waiter(q, "a", 0, 0, 0))
	require.NoError(t, err)
	_, err = q.Enqueue(waiter(q, "b", 0, 0, 0))
	require.NoError(t, err)
	_, err = q.Enqueue(waiter(q, "c", 0, 0, 0))
	assert.ErrorIs(t, err, ErrFull)

	// A different filter is a different bucket.
	_, err = q.Enqueue(waiter(q, "d", 0, 0, spot.NewClassSet(spot.ClassElectric)))
	assert.NoError(t, err)
}

func TestRemoveIfPresent(t *testing.T) {
	q := New(0.05, 0)
	key := q.KeyFor(anchor, 0)
	for i, id := range []string{"a", "b", "c", "d"} {
		_, _ = q.Enqueue(waiter(q, id, 0, time.Duration(i)*time.Second, 0))
	}
	assert.True(t, q.RemoveIfPresent("b"))
	assert.False(t, q.RemoveIfPresent("b"))
	assert.False(t, q.Contains("b"))

	var got []string
	for {
		w, ok := q.DequeueNext(key)
		if !ok {
			break
		}
		got = append(got, w.ReservationID)
	}
	assert.Equal(t, []string{"a", "c", "d"}, got)
}

func TestPopEligibleMatchesClassAndArea(t *testing.T) {
	q := New(0.05, 0)
	ev := spot.NewClassSet(spot.ClassElectric)
	acc := spot.NewClassSet(spot.ClassAccessible)
	_, _ = q.Enqueue(waiter(q, "wants-ev", 1, 0, ev))
	_, _ = q.Enqueue(waiter(q, "wants-acc", 0, 0, acc))
	_, _ = q.Enqueue(waiter(q, "anything", 2, 0, 0))
	far := Waiter{ReservationID: "far-away", CreatedAt: base, Key: q.KeyFor(geo.Point{Lat: 10, Lon: 10}, 0)}
	_, _ = q.Enqueue(far)

	freed := spot.Resource{ID: "s1", Location: anchor, Classes: spot.NewClassSet(spot.ClassElectric, spot.ClassRegular)}
	match := q.Eligible(freed)

	w, ok := q.PopEligible(match)
	require.True(t, ok)
	assert.Equal(t, "wants-ev", w.ReservationID)

	w, ok = q.PopEligible(match)
	require.True(t, ok)
	assert.Equal(t, "anything", w.ReservationID)

	_, ok = q.PopEligible(match)
	assert.False(t, ok)
	assert.True(t, q.Contains("wants-acc"))
	assert.True(t, q.Contains("far-away"))
}

func TestEligibleIncludesNeighbourCells(t *testing.T) {
	q := New(0.05, 0)
	_, _ = q.Enqueue(Waiter{ReservationID: "w", CreatedAt: base, Key: q.KeyFor(anchor, 0)})
	neighbour := spot.Resource{Location: geo.Point{Lat: anchor.Lat + 0.05, Lon: anchor.Lon}}
	w, ok := q.PopEligible(q.Eligible(neighbour))
	require.True(t, ok)
	assert.Equal(t, "w", w.ReservationID)
}

func TestExpireOlderThan(t *testing.T) {
	q := New(0.05, 0)
	key := q.KeyFor(anchor, 0)
	_, _ = q.Enqueue(waiter(q, "old", 5, 0, 0))
	_, _ = q.Enqueue(waiter(q, "new", 0, time.Minute, 0))
	_, _ = q.Enqueue(waiter(q, "mid", 0, 10*time.Second, 0))

	expired := q.ExpireOlderThan(base.Add(30 * time.Second))
	require.Len(t, expired, 2)
	assert.Equal(t, "mid", expired[0].ReservationID)
	assert.Equal(t, "old", expired[1].ReservationID)

	w, ok := q.DequeueNext(key)
	require.True(t, ok)
	assert.Equal(t, "new", w.ReservationID)
	assert.Zero(t, q.Len())
}

func TestHeads(t *testing.T) {
	q := New(0.05, 0)
	_, _ = q.Enqueue(waiter(q, "a2", 0, time.Second, 0))
	_, _ = q.Enqueue(waiter(q, "a1", 0, 0, 0))
	_, _ = q.Enqueue(waiter(q, "b1", 1, 0, spot.NewClassSet(spot.ClassCompact)))

	heads := q.Heads()
	require.Len(t, heads, 2)
	assert.Equal(t, "a1", heads[0].ReservationID)
	assert.Equal(t, "b1", heads[1].ReservationID)
	assert.Equal(t, 3, q.Len())
}
