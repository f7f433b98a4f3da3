package allocator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/spot-allocator/internal/clock"
	"github.com/example/spot-allocator/internal/events"
	"github.com/example/spot-allocator/internal/geo"
	"github.com/example/spot-allocator/internal/interval"
	"github.com/example/spot-allocator/internal/queue"
	"github.com/example/spot-allocator/internal/reservation"
	"github.com/example/spot-allocator/internal/spatial"
	"github.com/example/spot-allocator/internal/spot"
)

var day = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func at(h int) time.Time { return day.Add(time.Duration(h) * time.Hour) }

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *recorder) has(t events.Type, reservationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.evs {
		if ev.Type == t && ev.ReservationID == reservationID {
			return true
		}
	}
	return false
}

type trackCall struct {
	resourceID, reservationID string
	at                        time.Time
}

type tracker struct {
	mu    sync.Mutex
	calls []trackCall
}

func (t *tracker) Track(resourceID, reservationID string, expiresAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, trackCall{resourceID, reservationID, expiresAt})
}

type env struct {
	c       *Coordinator
	spots   *spot.MemoryRegistry
	store   *reservation.MemoryStore
	queue   *queue.Queue
	index   *spatial.Index
	clock   *clock.Manual
	events  *recorder
	tracker *tracker
}

func newEnv(t *testing.T, now time.Time, opts ...Option) *env {
	t.Helper()
	e := &env{
		spots:   spot.NewMemoryRegistry(),
		store:   reservation.NewMemoryStore(),
		queue:   queue.New(0.05, 0),
		index:   spatial.NewIndex(0.0025),
		clock:   clock.NewManual(now),
		events:  &recorder{},
		tracker: &tracker{},
	}
	opts = append([]Option{WithEmitter(e.events), WithHoldTracker(e.tracker)}, opts...)
	e.c = New(e.index, e.spots, e.store, e.queue, e.clock, opts...)
	return e
}

func (e *env) addSpot(t *testing.T, id string, p geo.Point, classes ...spot.Class) spot.Resource {
	t.Helper()
	res, err := e.c.UpsertSpot(context.Background(), spot.Spec{ID: id, Location: p, Classes: spot.NewClassSet(classes...)})
	require.NoError(t, err)
	return res
}

func (e *env) request(t *testing.T, from, to int, filter ...spot.Class) (Result, error) {
	t.Helper()
	return e.c.RequestAllocation(context.Background(), Request{
		RequesterID: "user",
		Anchor:      geo.Point{},
		Window:      interval.Window{Start: at(from), End: at(to)},
		Filter:      spot.NewClassSet(filter...),
	})
}

func (e *env) spot(t *testing.T, id string) spot.Resource {
	t.Helper()
	res, err := e.spots.Get(context.Background(), id)
	require.NoError(t, err)
	return res
}

func (e *env) reservation(t *testing.T, id string) reservation.Reservation {
	t.Helper()
	r, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

func TestHoldThenConfirmActiveWindow(t *testing.T) {
	e := newEnv(t, at(10))
	e.addSpot(t, "R", geo.Point{})

	res, err := e.request(t, 10, 12)
	require.NoError(t, err)
	require.True(t, res.Held())
	assert.Equal(t, "R", res.Reservation.ResourceID)
	assert.Equal(t, at(10).Add(30*time.Second), res.Reservation.HoldExpiresAt)

	r := e.spot(t, "R")
	assert.Equal(t, spot.StateHeld, r.State)
	assert.Equal(t, int64(2), r.Version)
	assert.True(t, e.events.has(events.ResourceHeld, res.Reservation.ID))
	require.Len(t, e.tracker.calls, 1)
	assert.Equal(t, "R", e.tracker.calls[0].resourceID)

	confirmed, err := e.c.Confirm(context.Background(), res.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StateConfirmed, confirmed.State)

	r = e.spot(t, "R")
	assert.Equal(t, spot.StateBooked, r.State)
	assert.Equal(t, int64(3), r.Version)
	require.Len(t, r.Bookings, 1)
	assert.Equal(t, interval.Window{Start: at(10), End: at(12)}, r.Bookings[0].Window)
	assert.True(t, e.events.has(events.ReservationConfirmed, res.Reservation.ID))

	again, err := e.c.Confirm(context.Background(), res.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, confirmed.Version, again.Version)
}

func TestOverlapMovesToNextCandidateAndBackToBackFits(t *testing.T) {
	e := newEnv(t, at(9))
	e.addSpot(t, "R", geo.Point{})
	e.addSpot(t, "R2", geo.Point{Lat: 0.001})

	first, err := e.request(t, 10, 12)
	require.NoError(t, err)
	require.Equal(t, "R", first.Reservation.ResourceID)
	_, err = e.c.Confirm(context.Background(), first.Reservation.ID)
	require.NoError(t, err)
	require.Equal(t, spot.StateFree, e.spot(t, "R").State, "future booking leaves the spot free")

	overlap, err := e.request(t, 11, 13)
	require.NoError(t, err)
	require.True(t, overlap.Held())
	assert.Equal(t, "R2", overlap.Reservation.ResourceID)

	backToBack, err := e.request(t, 12, 14)
	require.NoError(t, err)
	require.True(t, backToBack.Held())
	assert.Equal(t, "R", backToBack.Reservation.ResourceID)
}

func TestBookedSpotTakesBackToBackWindow(t *testing.T) {
	e := newEnv(t, at(10))
	e.addSpot(t, "R", geo.Point{})
	e.addSpot(t, "R2", geo.Point{Lat: 0.001})

	first, err := e.request(t, 10, 12)
	require.NoError(t, err)
	require.Equal(t, "R", first.Reservation.ResourceID)
	_, err = e.c.Confirm(context.Background(), first.Reservation.ID)
	require.NoError(t, err)
	require.Equal(t, spot.StateBooked, e.spot(t, "R").State)

	overlap, err := e.request(t, 11, 13)
	require.NoError(t, err)
	require.True(t, overlap.Held())
	assert.Equal(t, "R2", overlap.Reservation.ResourceID)

	backToBack, err := e.request(t, 12, 14)
	require.NoError(t, err)
	require.True(t, backToBack.Held(), "state=%s", backToBack.Reservation.State)
	assert.Equal(t, "R", backToBack.Reservation.ResourceID)

	_, err = e.c.Confirm(context.Background(), backToBack.Reservation.ID)
	require.NoError(t, err)
	r := e.spot(t, "R")
	assert.Equal(t, spot.StateBooked, r.State)
	assert.Len(t, r.Bookings, 2)
}

func TestReleasedHoldOnBookedSpotStaysBooked(t *testing.T) {
	e := newEnv(t, at(10))
	e.addSpot(t, "R", geo.Point{})
	first, _ := e.request(t, 10, 12)
	_, err := e.c.Confirm(context.Background(), first.Reservation.ID)
	require.NoError(t, err)

	later, err := e.request(t, 12, 13)
	require.NoError(t, err)
	require.True(t, later.Held())
	_, err = e.c.Cancel(context.Background(), later.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, spot.StateBooked, e.spot(t, "R").State)
}

func TestConcurrentRequestsForOneSpot(t *testing.T) {
	e := newEnv(t, at(9))
	e.addSpot(t, "R", geo.Point{})

	const n = 40
	var wg sync.WaitGroup
	results := make([]Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.request(t, 10, 12)
		}(i)
	}
	wg.Wait()

	held := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		switch results[i].Reservation.State {
		case reservation.StateHeld:
			held++
		case reservation.StatePending:
			assert.True(t, e.queue.Contains(results[i].Reservation.ID))
		default:
			t.Fatalf("unexpected state %s", results[i].Reservation.State)
		}
	}
	assert.Equal(t, 1, held)
	assert.Equal(t, n-1, e.queue.Len())
	assert.Equal(t, int64(2), e.spot(t, "R").Version)
}

func TestNoDoubleBookingUnderContention(t *testing.T) {
	e := newEnv(t, at(8))
	for i := 0; i < 3; i++ {
		e.addSpot(t, fmt.Sprintf("S%d", i), geo.Point{Lat: float64(i) * 0.0005})
	}

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := 9 + i%4
			res, err := e.request(t, start, start+2)
			if err != nil || !res.Held() {
				return
			}
			_, _ = e.c.Confirm(context.Background(), res.Reservation.ID)
		}(i)
	}
	wg.Wait()

	list, err := e.spots.List(context.Background())
	require.NoError(t, err)
	for _, r := range list {
		for i := 0; i < len(r.Bookings); i++ {
			for j := i + 1; j < len(r.Bookings); j++ {
				assert.False(t, r.Bookings[i].Overlaps(r.Bookings[j].Window), "spot %s double-booked", r.ID)
			}
		}
	}
}

func TestConfirmAfterTTLReportsExpired(t *testing.T) {
	e := newEnv(t, at(10), WithHoldTTL(30*time.Second))
	e.addSpot(t, "R", geo.Point{})

	res, err := e.request(t, 10, 12)
	require.NoError(t, err)
	require.True(t, res.Held())

	e.clock.Advance(31 * time.Second)
	_, err = e.c.Confirm(context.Background(), res.Reservation.ID)
	assert.ErrorIs(t, err, ErrHoldExpired)

	assert.Equal(t, reservation.StateExpired, e.reservation(t, res.Reservation.ID).State)
	assert.Equal(t, spot.StateFree, e.spot(t, "R").State)
	assert.True(t, e.events.has(events.ReservationExpired, res.Reservation.ID))
	assert.True(t, e.events.has(events.ResourceReleased, res.Reservation.ID))

	_, err = e.c.Confirm(context.Background(), res.Reservation.ID)
	assert.ErrorIs(t, err, ErrHoldExpired)
}

func TestExpireHoldHonoursDeadline(t *testing.T) {
	e := newEnv(t, at(10), WithHoldTTL(30*time.Second))
	e.addSpot(t, "R", geo.Point{})
	res, err := e.request(t, 10, 12)
	require.NoError(t, err)
	id := res.Reservation.ID

	e.clock.Advance(29 * time.Second)
	require.NoError(t, e.c.ExpireHold(context.Background(), "R", id))
	assert.Equal(t, reservation.StateHeld, e.reservation(t, id).State)

	e.clock.Advance(time.Second)
	require.NoError(t, e.c.ExpireHold(context.Background(), "R", id))
	assert.Equal(t, reservation.StateExpired, e.reservation(t, id).State)
	assert.Equal(t, spot.StateFree, e.spot(t, "R").State)

	// A second sweep of the same deadline changes nothing.
	v := e.spot(t, "R").Version
	require.NoError(t, e.c.ExpireHold(context.Background(), "R", id))
	assert.Equal(t, v, e.spot(t, "R").Version)
}

func TestExpireHoldIgnoresConfirmed(t *testing.T) {
	e := newEnv(t, at(10))
	e.addSpot(t, "R", geo.Point{})
	res, _ := e.request(t, 10, 12)
	_, err := e.c.Confirm(context.Background(), res.Reservation.ID)
	require.NoError(t, err)

	e.clock.Advance(time.Hour)
	require.NoError(t, e.c.ExpireHold(context.Background(), "R", res.Reservation.ID))
	assert.Equal(t, reservation.StateConfirmed, e.reservation(t, res.Reservation.ID).State)
}

func TestConfirmRequiresHeld(t *testing.T) {
	e := newEnv(t, at(10))
	res, err := e.request(t, 10, 12)
	require.NoError(t, err)
	require.Equal(t, reservation.StatePending, res.Reservation.State)

	_, err = e.c.Confirm(context.Background(), res.Reservation.ID)
	assert.ErrorIs(t, err, ErrNotHeld)

	_, err = e.c.Confirm(context.Background(), "missing")
	assert.ErrorIs(t, err, reservation.ErrNotFound)
}

func TestRequestValidation(t *testing.T) {
	e := newEnv(t, at(10))
	_, err := e.request(t, 12, 12)
	assert.ErrorIs(t, err, interval.ErrInvalidWindow)
	_, err = e.request(t, 12, 10)
	assert.ErrorIs(t, err, interval.ErrInvalidWindow)

	_, err = e.c.RequestAllocation(context.Background(), Request{
		RequesterID: "user",
		Anchor:      geo.Point{Lat: 120},
		Window:      interval.Window{Start: at(10), End: at(11)},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestClassFilterSkipsUnsuitableSpots(t *testing.T) {
	e := newEnv(t, at(9))
	e.addSpot(t, "plain", geo.Point{}, spot.ClassRegular)
	e.addSpot(t, "charger", geo.Point{Lat: 0.001}, spot.ClassRegular, spot.ClassElectric)

	res, err := e.request(t, 10, 12, spot.ClassElectric)
	require.NoError(t, err)
	require.True(t, res.Held())
	assert.Equal(t, "charger", res.Reservation.ResourceID)
}

func TestSearchRadiusExpands(t *testing.T) {
	e := newEnv(t, at(9), WithSearchRadius(250, 5000))
	e.addSpot(t, "far", geo.Point{Lat: 0.02}) // about 2.2 km

	res, err := e.request(t, 10, 12)
	require.NoError(t, err)
	require.True(t, res.Held())
	assert.Equal(t, "far", res.Reservation.ResourceID)

	e2 := newEnv(t, at(9), WithSearchRadius(250, 1000))
	e2.addSpot(t, "far", geo.Point{Lat: 0.02})
	res, err = e2.request(t, 10, 12)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatePending, res.Reservation.State)
}

func TestOutOfServiceSpotsAreNeverCandidates(t *testing.T) {
	e := newEnv(t, at(9))
	e.addSpot(t, "R", geo.Point{})
	_, err := e.c.UpsertSpot(context.Background(), spot.Spec{ID: "R", Location: geo.Point{}, OutOfService: true})
	require.NoError(t, err)

	res, err := e.request(t, 10, 12)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatePending, res.Reservation.State)
	assert.Zero(t, e.index.Len())
}

func TestQueuedReservationGetsWaitHint(t *testing.T) {
	e := newEnv(t, at(9), WithHoldTTL(30*time.Second))
	first, err := e.request(t, 10, 12)
	require.NoError(t, err)
	assert.Equal(t, 0, first.Position)
	assert.Equal(t, 30*time.Second, first.WaitHint)

	e.clock.Advance(time.Second)
	second, err := e.request(t, 10, 12)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Position)
	assert.Equal(t, time.Minute, second.WaitHint)
}

func TestQueueFullIsExhausted(t *testing.T) {
	e := newEnv(t, at(9))
	e.queue = queue.New(0.05, 1)
	e.c = New(e.index, e.spots, e.store, e.queue, e.clock, WithEmitter(e.events))

	_, err := e.request(t, 10, 12)
	require.NoError(t, err)

	res, err := e.request(t, 10, 12)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllocationExhausted)
	var ex *ExhaustedError
	require.True(t, errors.As(err, &ex))
	assert.Positive(t, ex.RetryAfter)
	assert.Equal(t, reservation.StateFailed, res.Reservation.State)
	assert.True(t, e.events.has(events.ReservationFailed, res.Reservation.ID))
}

func TestCancelPendingLeavesQueue(t *testing.T) {
	e := newEnv(t, at(9))
	res, err := e.request(t, 10, 12)
	require.NoError(t, err)
	require.True(t, e.queue.Contains(res.Reservation.ID))

	out, err := e.c.Cancel(context.Background(), res.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StateCancelled, out.State)
	assert.False(t, e.queue.Contains(res.Reservation.ID))
	assert.True(t, e.events.has(events.ReservationCancelled, res.Reservation.ID))

	again, err := e.c.Cancel(context.Background(), res.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, out.Version, again.Version)

	_, err = e.c.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, reservation.ErrNotFound)
}

func TestCancelHeldServesNextWaiter(t *testing.T) {
	e := newEnv(t, at(9))
	e.addSpot(t, "R", geo.Point{})

	holder, err := e.request(t, 10, 12)
	require.NoError(t, err)
	require.True(t, holder.Held())
	waiter, err := e.request(t, 10, 12)
	require.NoError(t, err)
	require.Equal(t, reservation.StatePending, waiter.Reservation.State)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.c.Dispatch(ctx, 2) }()

	_, err = e.c.Cancel(context.Background(), holder.Reservation.ID)
	require.NoError(t, err)
	assert.True(t, e.events.has(events.ResourceReleased, holder.Reservation.ID))

	require.Eventually(t, func() bool {
		r, err := e.store.Get(context.Background(), waiter.Reservation.ID)
		return err == nil && r.State == reservation.StateHeld
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "R", e.reservation(t, waiter.Reservation.ID).ResourceID)
	assert.Equal(t, waiter.Reservation.ID, e.spot(t, "R").HeldBy)
}

func TestCancelConfirmedReturnsWindow(t *testing.T) {
	e := newEnv(t, at(10))
	e.addSpot(t, "R", geo.Point{})
	res, _ := e.request(t, 10, 12)
	_, err := e.c.Confirm(context.Background(), res.Reservation.ID)
	require.NoError(t, err)
	require.Equal(t, spot.StateBooked, e.spot(t, "R").State)

	out, err := e.c.Cancel(context.Background(), res.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, reservation.StateCancelled, out.State)

	r := e.spot(t, "R")
	assert.Equal(t, spot.StateFree, r.State)
	assert.Empty(t, r.Bookings)
	assert.True(t, e.events.has(events.ResourceReleased, res.Reservation.ID))
}

func TestRetryBudgetExhaustedFails(t *testing.T) {
	e := newEnv(t, at(9), WithQueuePolicy(time.Hour, 0))
	e.addSpot(t, "R", geo.Point{})
	_, err := e.request(t, 10, 12)
	require.NoError(t, err)
	waiter, err := e.request(t, 10, 12)
	require.NoError(t, err)

	// The spot is still held, so the retry finds nothing.
	served := e.c.RetryWaiters(context.Background(), e.spot(t, "R"))
	assert.Zero(t, served)
	assert.Equal(t, reservation.StateFailed, e.reservation(t, waiter.Reservation.ID).State)
	assert.False(t, e.queue.Contains(waiter.Reservation.ID))
	assert.True(t, e.events.has(events.ReservationFailed, waiter.Reservation.ID))
}

func TestFailedRetryKeepsQueuePlace(t *testing.T) {
	e := newEnv(t, at(9))
	e.addSpot(t, "R", geo.Point{})
	_, _ = e.request(t, 10, 12)
	first, _ := e.request(t, 10, 12)
	e.clock.Advance(time.Second)
	second, _ := e.request(t, 10, 12)

	assert.Zero(t, e.c.RetryWaiters(context.Background(), e.spot(t, "R")))
	pos, ok := e.queue.Position(first.Reservation.ID)
	require.True(t, ok)
	assert.Equal(t, 0, pos)
	pos, _ = e.queue.Position(second.Reservation.ID)
	assert.Equal(t, 1, pos)
	assert.Equal(t, 1, e.reservation(t, first.Reservation.ID).Requeues)
}

func TestProcessWaitersFailsStaleWaiters(t *testing.T) {
	e := newEnv(t, at(9), WithQueuePolicy(time.Minute, 20))
	res, err := e.request(t, 10, 12)
	require.NoError(t, err)

	e.c.ProcessWaiters(context.Background(), e.clock.Advance(30*time.Second))
	assert.Equal(t, reservation.StatePending, e.reservation(t, res.Reservation.ID).State)

	e.c.ProcessWaiters(context.Background(), e.clock.Advance(31*time.Second))
	r := e.reservation(t, res.Reservation.ID)
	assert.Equal(t, reservation.StateFailed, r.State)
	assert.Equal(t, "queue wait exceeded", r.FailureReason)
	assert.Zero(t, e.queue.Len())
}

func TestMissedKickIsRecoveredBySweep(t *testing.T) {
	e := newEnv(t, at(9), WithKickBuffer(1))
	e.addSpot(t, "R", geo.Point{}) // fills the kick channel

	holder, _ := e.request(t, 10, 12)
	waiter, _ := e.request(t, 10, 12)
	_, err := e.c.Cancel(context.Background(), holder.Reservation.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.c.Stats().MissedKicks)

	e.c.ProcessWaiters(context.Background(), e.clock.Now())
	assert.Equal(t, reservation.StateHeld, e.reservation(t, waiter.Reservation.ID).State)
	assert.Zero(t, e.c.Stats().MissedKicks)
}

func TestCompactBookingsSettlesSpots(t *testing.T) {
	e := newEnv(t, at(9))
	e.addSpot(t, "R", geo.Point{})
	res, _ := e.request(t, 10, 12)
	_, err := e.c.Confirm(context.Background(), res.Reservation.ID)
	require.NoError(t, err)
	require.Equal(t, spot.StateFree, e.spot(t, "R").State)

	e.clock.Set(at(10).Add(30 * time.Minute))
	n, err := e.c.CompactBookings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, spot.StateBooked, e.spot(t, "R").State)

	e.clock.Set(at(12))
	_, err = e.c.CompactBookings(context.Background())
	require.NoError(t, err)
	r := e.spot(t, "R")
	assert.Equal(t, spot.StateFree, r.State)
	assert.Empty(t, r.Bookings)
}

func TestRecoverRebuildsProcessState(t *testing.T) {
	e := newEnv(t, at(9))
	e.addSpot(t, "R", geo.Point{})
	e.addSpot(t, "gone", geo.Point{Lat: 0.001})
	_, err := e.c.UpsertSpot(context.Background(), spot.Spec{ID: "gone", Location: geo.Point{Lat: 0.001}, OutOfService: true})
	require.NoError(t, err)
	held, _ := e.request(t, 10, 12)
	waiting, _ := e.request(t, 10, 12)

	// A fresh process over the same stores.
	idx := spatial.NewIndex(0.0025)
	q := queue.New(0.05, 0)
	tr := &tracker{}
	c := New(idx, e.spots, e.store, q, e.clock, WithHoldTracker(tr))
	n, err := c.Recover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, n)
	assert.Equal(t, 1, idx.Len())
	require.Len(t, tr.calls, 1)
	assert.Equal(t, held.Reservation.ID, tr.calls[0].reservationID)
	assert.True(t, q.Contains(waiting.Reservation.ID))
}

func TestCancelledContextStillQueues(t *testing.T) {
	e := newEnv(t, at(9))
	e.addSpot(t, "R", geo.Point{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := e.c.RequestAllocation(ctx, Request{
		RequesterID: "user",
		Window:      interval.Window{Start: at(10), End: at(11)},
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, reservation.StatePending, res.Reservation.State)
	assert.True(t, e.queue.Contains(res.Reservation.ID))
}
