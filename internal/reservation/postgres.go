package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/spot-allocator/internal/db"
	"github.com/example/spot-allocator/internal/spot"
)

type PgStore struct{ db *db.DB }

func NewPgStore(d *db.DB) *PgStore { return &PgStore{db: d} }

const columns = `id,requester_id,anchor_lat,anchor_lon,starts_at,ends_at,class_filter,state,COALESCE(spot_id,''),priority,hold_expires_at,requeues,failure_reason,version,created_at,updated_at`

func scan(row db.Row) (Reservation, error) {
	var r Reservation
	var filter int64
	var holdExpires *time.Time
	if err := row.Scan(
		&r.ID, &r.RequesterID, &r.Anchor.Lat, &r.Anchor.Lon, &r.Window.Start, &r.Window.End, &filter, &r.State,
		&r.ResourceID, &r.Priority, &holdExpires, &r.Requeues, &r.FailureReason, &r.Version, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return Reservation{}, err
	}
	r.Filter = spot.ClassSet(filter)
	r.Window.Start = r.Window.Start.UTC()
	r.Window.End = r.Window.End.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	if holdExpires != nil {
		r.HoldExpiresAt = holdExpires.UTC()
	}
	return r, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (p *PgStore) Create(ctx context.Context, r Reservation) (Reservation, error) {
	r.Version = 1
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	_, err := p.db.Exec(ctx, `
INSERT INTO reservations(id,requester_id,anchor_lat,anchor_lon,starts_at,ends_at,class_filter,state,spot_id,priority,hold_expires_at,requeues,failure_reason,version,created_at,updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		r.ID, r.RequesterID, r.Anchor.Lat, r.Anchor.Lon, r.Window.Start, r.Window.End, int64(r.Filter), r.State,
		nullable(r.ResourceID), r.Priority, nullableTime(r.HoldExpiresAt), r.Requeues, r.FailureReason, r.Version, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Reservation{}, fmt.Errorf("%w: %s", ErrExists, r.ID)
		}
		return Reservation{}, fmt.Errorf("create reservation: %w", err)
	}
	return r, nil
}

func (p *PgStore) Get(ctx context.Context, id string) (Reservation, error) {
	r, err := scan(p.db.QueryRow(ctx, `SELECT `+columns+` FROM reservations WHERE id=$1`, id))
	if err := db.WrapNotFound(err); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return Reservation{}, ErrNotFound
		}
		return Reservation{}, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}

// Update writes every mutable column, guarded by the version predicate.
func (p *PgStore) Update(ctx context.Context, r Reservation, expectedVersion int64) (Reservation, error) {
	r.Version = expectedVersion + 1
	n, err := p.db.Exec(ctx, `
UPDATE reservations
SET state=$3, spot_id=$4, hold_expires_at=$5, requeues=$6, failure_reason=$7, version=$8, updated_at=$9
WHERE id=$1 AND version=$2`,
		r.ID, expectedVersion, r.State, nullable(r.ResourceID), nullableTime(r.HoldExpiresAt), r.Requeues, r.FailureReason, r.Version, r.UpdatedAt)
	if err != nil {
		return Reservation{}, fmt.Errorf("update reservation: %w", err)
	}
	if n == 0 {
		if _, err := p.Get(ctx, r.ID); err != nil {
			return Reservation{}, err
		}
		return Reservation{}, fmt.Errorf("%w: %s expected %d", ErrVersionMismatch, r.ID, expectedVersion)
	}
	return r, nil
}

func (p *PgStore) ListByState(ctx context.Context, state State) ([]Reservation, error) {
	rows, err := p.db.Query(ctx, `SELECT `+columns+` FROM reservations WHERE state=$1 ORDER BY created_at, id`, state)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
