package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-cdaiqa/internal/client"
)

var (
	listenAddr    string
	flightAddr    string
	serverAddr    string
	datasetName   string
	maxConcurrent int64
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve image scoring over HTTP and/or Arrow Flight",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "listen",
				Usage:       "address of the HTTP server (e.g. :8080)",
				Destination: &listenAddr,
			},
			&cli.StringFlag{
				Name:        "flight",
				Usage:       "address of the Flight server (e.g. :9090)",
				Destination: &flightAddr,
			},
			&cli.StringFlag{
				Name:        "server",
				Usage:       "Flight server to forward scores to (e.g. localhost:3000)",
				Destination: &serverAddr,
			},
			&cli.StringFlag{
				Name:        "dataset",
				Usage:       "default dataset name for caching and forwarding",
				Value:       "cdaiqa_scores",
				Destination: &datasetName,
			},
			&cli.Int64Flag{
				Name:        "max-concurrent",
				Usage:       "maximum number of images scored concurrently",
				Value:       256,
				Destination: &maxConcurrent,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, cleanup, err := setup(ctx, c)
			if err != nil {
				return err
			}
			defer cleanup()
			applyServeConfig(c, cfg)

			if listenAddr == "" && flightAddr == "" {
				return fmt.Errorf("nothing to serve: set --listen and/or --flight")
			}

			scorer, err := newScorer(cfg)
			if err != nil {
				return err
			}

			var fc FlightClientInterface
			if serverAddr != "" {
				flightClient, err := client.NewFlightClient(serverAddr)
				if err != nil {
					return fmt.Errorf("failed to create flight client: %w", err)
				}
				defer func() { _ = flightClient.Close() }()
				log.Info().Str("addr", serverAddr).Msg("Connected to Flight server")
				fc = flightClient
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			if listenAddr != "" {
				srv := NewServer(scorer, fc, datasetName, int(maxConcurrent))
				g.Go(func() error { return startServer(ctx, listenAddr, srv) })
			}
			if flightAddr != "" {
				srv := NewCdaiqaFlightServer(scorer, fc, datasetName, int(maxConcurrent))
				g.Go(func() error { return StartFlightServer(ctx, flightAddr, srv) })
			}
			return g.Wait()
		},
	}
}
