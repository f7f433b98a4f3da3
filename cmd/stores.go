package cmd

import (
	"context"
	"fmt"
	"log"

	"github.com/example/spot-allocator/internal/config"
	"github.com/example/spot-allocator/internal/db"
	"github.com/example/spot-allocator/internal/migrate"
	"github.com/example/spot-allocator/internal/reservation"
	"github.com/example/spot-allocator/internal/spot"
)

type stores struct {
	spots        spot.Registry
	reservations reservation.Store
	db           *db.DB
}

func (s stores) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

func (s stores) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.Ping(ctx)
}

// openStores connects to Postgres when DATABASE_URL is set and falls back to
// process memory otherwise.
func openStores(ctx context.Context, cfg config.Config, migrateUp bool) (stores, error) {
	if cfg.DatabaseURL == "" {
		log.Printf("server: DATABASE_URL not set, using in-memory stores")
		return stores{spots: spot.NewMemoryRegistry(), reservations: reservation.NewMemoryStore()}, nil
	}

	d, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return stores{}, err
	}
	if err := d.Ping(ctx); err != nil {
		d.Close()
		return stores{}, fmt.Errorf("db ping: %w", err)
	}
	if migrateUp {
		if err := migrate.Up(ctx, d); err != nil {
			d.Close()
			return stores{}, err
		}
	}
	return stores{spots: spot.NewPgRegistry(d), reservations: reservation.NewPgStore(d), db: d}, nil
}

func requireDatabase(cfg config.Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}
