package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/example/spot-allocator/internal/clock"
)

// Target is the part of the allocator the sweeper drives.
type Target interface {
	ExpireHold(ctx context.Context, resourceID, reservationID string) error
	ProcessWaiters(ctx context.Context, now time.Time)
	CompactBookings(ctx context.Context) (int, error)
}

// Sweeper expires due holds, ages out stale waiters and periodically
// compacts finished bookings.
type Sweeper struct {
	Holds        *Deadlines
	Target       Target
	Clock        clock.Clock
	Interval     time.Duration
	CompactEvery time.Duration

	mu          sync.Mutex
	wg          sync.WaitGroup
	lastCompact time.Time
}

func (s *Sweeper) Run(ctx context.Context) error {
	if s.Clock == nil {
		s.Clock = clock.NewSystem()
	}
	interval := s.Interval
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	// kick immediately
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one sweep. Holds are expired concurrently; stale waiters and
// compaction run after them so freed spots are visible.
func (s *Sweeper) Tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Clock.Now()
	due := s.Holds.PopDue(now)

	var batch sync.WaitGroup
	for _, d := range due {
		d := d
		batch.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer batch.Done()
			if err := s.Target.ExpireHold(ctx, d.ResourceID, d.ReservationID); err != nil {
				log.Printf("sweeper: expire hold reservation=%s spot=%s failed: %v", d.ReservationID, d.ResourceID, err)
				if ctx.Err() == nil {
					s.Holds.Track(d.ResourceID, d.ReservationID, now.Add(s.retryDelay()))
				}
			}
		}()
	}
	batch.Wait()

	s.Target.ProcessWaiters(ctx, now)

	if s.CompactEvery > 0 && now.Sub(s.lastCompact) >= s.CompactEvery {
		s.lastCompact = now
		n, err := s.Target.CompactBookings(ctx)
		if err != nil {
			log.Printf("sweeper: compact bookings failed: %v", err)
		} else if n > 0 {
			log.Printf("sweeper: compacted %d spots", n)
		}
	}
}

func (s *Sweeper) retryDelay() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return time.Second
}
