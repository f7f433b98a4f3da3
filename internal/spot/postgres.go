package spot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/spot-allocator/internal/db"
	"github.com/example/spot-allocator/internal/interval"
)

// PgRegistry stores spots in Postgres. TryHold is a single conditional
// UPDATE on (state, version); the other transitions lock the row, run the
// shared apply* logic and write back under the same version predicate.
type PgRegistry struct{ db *db.DB }

func NewPgRegistry(d *db.DB) *PgRegistry { return &PgRegistry{db: d} }

const spotColumns = `id, lat, lon, classes, state, version, COALESCE(held_by, ''), hold_expires_at, updated_at`

func scanSpot(row db.Row) (Resource, error) {
	var r Resource
	var classes int64
	var expires *time.Time
	if err := row.Scan(&r.ID, &r.Location.Lat, &r.Location.Lon, &classes, &r.State, &r.Version, &r.HeldBy, &expires, &r.UpdatedAt); err != nil {
		return Resource{}, err
	}
	r.Classes = ClassSet(classes)
	if expires != nil {
		r.HoldExpiresAt = expires.UTC()
	}
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func (p *PgRegistry) loadBookings(ctx context.Context, id string) (interval.Bookings, error) {
	rows, err := p.db.Query(ctx, `
SELECT reservation_id, starts_at, ends_at
FROM spot_bookings
WHERE spot_id=$1
ORDER BY starts_at ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("load bookings: %w", err)
	}
	defer rows.Close()

	var out interval.Bookings
	for rows.Next() {
		var b interval.Booking
		if err := rows.Scan(&b.Ref, &b.Start, &b.End); err != nil {
			return nil, err
		}
		b.Start = b.Start.UTC()
		b.End = b.End.UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PgRegistry) get(ctx context.Context, id string, forUpdate bool) (Resource, error) {
	q := `SELECT ` + spotColumns + ` FROM spots WHERE id=$1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	r, err := scanSpot(p.db.QueryRow(ctx, q, id))
	if err := db.WrapNotFound(err); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return Resource{}, ErrNotFound
		}
		return Resource{}, fmt.Errorf("get spot: %w", err)
	}
	r.Bookings, err = p.loadBookings(ctx, id)
	if err != nil {
		return Resource{}, err
	}
	return r, nil
}

func (p *PgRegistry) Get(ctx context.Context, id string) (Resource, error) {
	return p.get(ctx, id, false)
}

func (p *PgRegistry) List(ctx context.Context) ([]Resource, error) {
	rows, err := p.db.Query(ctx, `SELECT `+spotColumns+` FROM spots ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list spots: %w", err)
	}
	var out []Resource
	for rows.Next() {
		r, err := scanSpot(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		out[i].Bookings, err = p.loadBookings(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *PgRegistry) Upsert(ctx context.Context, spec Spec, now time.Time) (Resource, error) {
	if err := spec.Validate(); err != nil {
		return Resource{}, err
	}
	var out Resource
	err := p.db.WithTx(ctx, func(ctx context.Context) error {
		if _, err := p.db.Exec(ctx, `
INSERT INTO spots (id, lat, lon, classes, state, version, updated_at)
VALUES ($1, $2, $3, $4, 'free', 0, $5)
ON CONFLICT (id) DO NOTHING`,
			spec.ID, spec.Location.Lat, spec.Location.Lon, int64(spec.Classes), now); err != nil {
			return fmt.Errorf("insert spot: %w", err)
		}
		cur, err := p.get(ctx, spec.ID, true)
		if err != nil {
			return err
		}
		next, err := applySpec(cur, spec, now, cur.Version == 0)
		if err != nil {
			return err
		}
		if next.Version == cur.Version {
			out = cur
			return nil
		}
		if err := p.write(ctx, cur, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func (p *PgRegistry) TryHold(ctx context.Context, id, reservationID string, expectedVersion int64, holdExpiresAt, now time.Time) (Resource, error) {
	if reservationID == "" || holdExpiresAt.IsZero() {
		return Resource{}, errors.New("hold requires a reservation id and expiry")
	}
	r, err := scanSpot(p.db.QueryRow(ctx, `
UPDATE spots
SET state='held', held_by=$2, hold_expires_at=$3, version=version+1, updated_at=$5
WHERE id=$1 AND version=$4 AND state IN ('free', 'booked')
RETURNING `+spotColumns,
		id, reservationID, holdExpiresAt.UTC(), expectedVersion, now.UTC()))
	if err == nil {
		r.Bookings, err = p.loadBookings(ctx, id)
		return r, err
	}
	if !db.IsNotFound(err) {
		return Resource{}, fmt.Errorf("hold spot: %w", err)
	}

	// Nothing matched: work out which precondition failed.
	cur, err := p.Get(ctx, id)
	if err != nil {
		return Resource{}, err
	}
	if _, _, err := applyHold(cur, reservationID, expectedVersion, holdExpiresAt, now); err != nil {
		return Resource{}, err
	}
	return Resource{}, fmt.Errorf("%w: spot %s changed concurrently", ErrVersionMismatch, id)
}

// mutate locks the row, applies fn and persists the result.
func (p *PgRegistry) mutate(ctx context.Context, id string, fn func(Resource) (Resource, bool, error)) (Resource, error) {
	var out Resource
	err := p.db.WithTx(ctx, func(ctx context.Context) error {
		cur, err := p.get(ctx, id, true)
		if err != nil {
			return err
		}
		next, changed, err := fn(cur.Clone())
		if err != nil {
			return err
		}
		if !changed {
			out = cur
			return nil
		}
		next.Version = cur.Version + 1
		if err := p.write(ctx, cur, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return Resource{}, err
	}
	return out, nil
}

// write persists next over cur. The version predicate keeps this a CAS even
// for callers that did not take the row lock.
func (p *PgRegistry) write(ctx context.Context, cur, next Resource) error {
	var heldBy *string
	var expires *time.Time
	if next.HeldBy != "" {
		heldBy = &next.HeldBy
		t := next.HoldExpiresAt
		expires = &t
	}
	n, err := p.db.Exec(ctx, `
UPDATE spots
SET lat=$3, lon=$4, classes=$5, state=$6, version=$7, held_by=$8, hold_expires_at=$9, updated_at=$10
WHERE id=$1 AND version=$2`,
		cur.ID, cur.Version, next.Location.Lat, next.Location.Lon, int64(next.Classes), next.State, next.Version, heldBy, expires, next.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update spot: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: spot %s changed concurrently", ErrVersionMismatch, cur.ID)
	}

	added, removed := diffBookings(cur.Bookings, next.Bookings)
	for _, ref := range removed {
		if _, err := p.db.Exec(ctx, `DELETE FROM spot_bookings WHERE spot_id=$1 AND reservation_id=$2`, cur.ID, ref); err != nil {
			return fmt.Errorf("delete booking: %w", err)
		}
	}
	for _, b := range added {
		if _, err := p.db.Exec(ctx, `
INSERT INTO spot_bookings (spot_id, reservation_id, starts_at, ends_at)
VALUES ($1, $2, $3, $4)`, cur.ID, b.Ref, b.Start, b.End); err != nil {
			if db.IsUniqueViolation(err) {
				return fmt.Errorf("%w: spot %s already has a booking for %s", ErrConflictDetected, cur.ID, b.Ref)
			}
			return fmt.Errorf("insert booking: %w", err)
		}
	}
	return nil
}

func diffBookings(before, after interval.Bookings) (added interval.Bookings, removed []string) {
	old := make(map[string]interval.Booking, len(before))
	for _, b := range before {
		old[b.Ref] = b
	}
	seen := make(map[string]struct{}, len(after))
	for _, b := range after {
		seen[b.Ref] = struct{}{}
		if prev, ok := old[b.Ref]; !ok || prev.Window != b.Window {
			if ok {
				removed = append(removed, b.Ref)
			}
			added = append(added, b)
		}
	}
	for _, b := range before {
		if _, ok := seen[b.Ref]; !ok {
			removed = append(removed, b.Ref)
		}
	}
	return added, removed
}

func (p *PgRegistry) Confirm(ctx context.Context, id, reservationID string, w interval.Window, expectedVersion int64, now time.Time) (Resource, error) {
	return p.mutate(ctx, id, func(r Resource) (Resource, bool, error) {
		return applyConfirm(r, reservationID, w, expectedVersion, now)
	})
}

func (p *PgRegistry) Release(ctx context.Context, id, reservationID string, expectedVersion int64, now time.Time) (Resource, error) {
	return p.mutate(ctx, id, func(r Resource) (Resource, bool, error) {
		return applyRelease(r, reservationID, expectedVersion, now)
	})
}

func (p *PgRegistry) CancelBooking(ctx context.Context, id, reservationID string, expectedVersion int64, now time.Time) (Resource, error) {
	return p.mutate(ctx, id, func(r Resource) (Resource, bool, error) {
		return applyCancelBooking(r, reservationID, expectedVersion, now)
	})
}

func (p *PgRegistry) Settle(ctx context.Context, id string, expectedVersion int64, now time.Time) (Resource, error) {
	return p.mutate(ctx, id, func(r Resource) (Resource, bool, error) {
		return applySettle(r, expectedVersion, now)
	})
}
