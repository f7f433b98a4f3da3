package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/spot-allocator/internal/config"
	"github.com/example/spot-allocator/internal/geo"
	"github.com/example/spot-allocator/internal/spot"
)

func newSpotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spot",
		Short: "Manage parking spots in the database (a running server picks changes up on restart; use PUT /v1/spots/{id} for live changes)",
	}
	cmd.AddCommand(newSpotAddCmd())
	cmd.AddCommand(newSpotListCmd())
	return cmd
}

func newSpotAddCmd() *cobra.Command {
	var (
		id           string
		lat, lon     float64
		classes      string
		outOfService bool
	)

	c := &cobra.Command{
		Use:   "add",
		Short: "Create or update a spot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := requireDatabase(cfg); err != nil {
				return err
			}
			cs, err := spot.ParseClassSet(classes)
			if err != nil {
				return fmt.Errorf("invalid --classes: %w", err)
			}

			ctx := context.Background()
			st, err := openStores(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer st.Close()

			res, err := st.spots.Upsert(ctx, spot.Spec{
				ID:           id,
				Location:     geo.Point{Lat: lat, Lon: lon},
				Classes:      cs,
				OutOfService: outOfService,
			}, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "spot id=%s state=%s version=%d\n", res.ID, res.State, res.Version)
			return nil
		},
	}

	c.Flags().StringVar(&id, "id", "", "spot id")
	c.Flags().Float64Var(&lat, "lat", 0, "latitude in degrees")
	c.Flags().Float64Var(&lon, "lon", 0, "longitude in degrees")
	c.Flags().StringVar(&classes, "classes", "regular", "comma-separated classes (regular, electric, accessible, compact, motorcycle, oversize)")
	c.Flags().BoolVar(&outOfService, "out-of-service", false, "take the spot out of service")

	_ = c.MarkFlagRequired("id")
	_ = c.MarkFlagRequired("lat")
	_ = c.MarkFlagRequired("lon")
	return c
}

func newSpotListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List spots",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := requireDatabase(cfg); err != nil {
				return err
			}
			ctx := context.Background()
			st, err := openStores(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer st.Close()

			rs, err := st.spots.List(ctx)
			if err != nil {
				return err
			}
			for _, r := range rs {
				fmt.Fprintf(os.Stdout, "id=%s state=%s lat=%.6f lon=%.6f classes=%s version=%d bookings=%d\n",
					r.ID, r.State, r.Location.Lat, r.Location.Lon, r.Classes, r.Version, len(r.Bookings))
			}
			return nil
		},
	}
}
