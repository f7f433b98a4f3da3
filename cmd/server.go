package cmd

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/spot-allocator/internal/allocator"
	"github.com/example/spot-allocator/internal/clock"
	"github.com/example/spot-allocator/internal/config"
	"github.com/example/spot-allocator/internal/events"
	"github.com/example/spot-allocator/internal/holdtoken"
	"github.com/example/spot-allocator/internal/queue"
	"github.com/example/spot-allocator/internal/scheduler"
	"github.com/example/spot-allocator/internal/spatial"
	"github.com/example/spot-allocator/internal/web"
)

func newServerCmd() *cobra.Command {
	var migrateUp bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the allocation API, sweeper and event publisher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			st, err := openStores(ctx, cfg, migrateUp)
			if err != nil {
				return err
			}
			defer st.Close()

			// events
			pub := events.NewPublisher(events.Options{Buffer: cfg.EventBuffer})
			if err := pub.Subscribe("log", events.LogSink{}); err != nil {
				return err
			}
			if cfg.AMQPURL != "" {
				sink, err := events.NewAMQPSink(cfg.AMQPURL, cfg.AMQPExchange)
				if err != nil {
					return err
				}
				defer sink.Close()
				if err := pub.Subscribe("amqp", sink); err != nil {
					return err
				}
			}
			stream := web.NewEventStream()
			defer stream.Close()
			if err := pub.Subscribe("websocket", stream); err != nil {
				return err
			}

			// allocator
			clk := clock.NewSystem()
			holds := scheduler.NewDeadlines()
			coord := allocator.New(
				spatial.NewIndex(cfg.IndexCellDeg),
				st.spots,
				st.reservations,
				queue.New(cfg.QueueCellDeg, cfg.QueueMaxPerBucket),
				clk,
				allocator.WithCandidates(cfg.Candidates),
				allocator.WithSearchRadius(cfg.SearchRadiusStart, cfg.SearchRadiusMax),
				allocator.WithHoldTTL(cfg.HoldTTL),
				allocator.WithQueuePolicy(cfg.QueueMaxWait, cfg.QueueMaxRequeues),
				allocator.WithHoldTracker(holds),
				allocator.WithEmitter(pub),
			)
			n, err := coord.Recover(ctx)
			if err != nil {
				return err
			}
			log.Printf("server: recovered spots=%d held=%d waiting=%d", n, holds.Len(), coord.Stats().Waiting)

			sweeper := &scheduler.Sweeper{
				Holds:        holds,
				Target:       coord,
				Clock:        clk,
				Interval:     cfg.SweepInterval,
				CompactEvery: cfg.CompactInterval,
			}

			tokens := holdtoken.New(cfg.HoldTokenHashKey, cfg.HoldTokenBlockKey, cfg.HoldTTL)
			if !tokens.Enabled() {
				log.Printf("server: hold tokens disabled")
			}
			ws := &web.Server{Allocator: coord, Tokens: tokens, Stream: stream, Publisher: pub, Ready: st.Ping}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return pub.Run(gctx) })
			g.Go(func() error { return coord.Dispatch(gctx, cfg.Workers) })
			g.Go(func() error {
				if err := sweeper.Run(gctx); !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				err := web.Start(gctx, cfg.ListenAddr, ws.Routes())
				// a failed listener takes the rest of the process down with it
				cancel()
				return err
			})
			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")

	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}
