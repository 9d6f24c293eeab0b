package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-cdaiqa/internal/client"
	"github.com/23skdu/longbow-cdaiqa/internal/iqa"
)

func scoreCmd() *cli.Command {
	var (
		synthetic   int64
		duration    time.Duration
		remoteAddr  string
		forwardAddr string
		dataset     string
	)

	return &cli.Command{
		Name:      "score",
		Usage:     "Score image files and write an Arrow IPC stream (id, score) to stdout",
		ArgsUsage: "[images...]",
		Flags: []cli.Flag{
			&cli.Int64Flag{
				Name:        "synthetic",
				Usage:       "score N generated test images instead of files",
				Destination: &synthetic,
			},
			&cli.DurationFlag{
				Name:        "duration",
				Usage:       "run a soak test for the given duration (e.g. 10s, 20m)",
				Destination: &duration,
			},
			&cli.StringFlag{
				Name:        "remote",
				Usage:       "score on a remote cdaiqa Flight server instead of locally",
				Destination: &remoteAddr,
			},
			&cli.StringFlag{
				Name:        "server",
				Usage:       "Flight server to send the scores to instead of stdout",
				Destination: &forwardAddr,
			},
			&cli.StringFlag{
				Name:        "dataset",
				Usage:       "target dataset name on the Flight server",
				Value:       "cdaiqa_scores",
				Destination: &dataset,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, cleanup, err := setup(ctx, c)
			if err != nil {
				return err
			}
			defer cleanup()

			ids, images, err := loadImages(c.Args().Slice(), int(synthetic), cfg.Model.ImageSize)
			if err != nil {
				return err
			}
			if len(images) == 0 {
				return fmt.Errorf("no images given (pass files or --synthetic N)")
			}
			ctx = iqa.WithDatasetID(ctx, dataset)

			var scores []float32
			start := time.Now()
			if remoteAddr != "" {
				scores, err = scoreRemote(ctx, remoteAddr, dataset, ids, images)
			} else {
				var scorer *iqa.Scorer
				scorer, err = newScorer(cfg)
				if err != nil {
					return err
				}
				if duration > 0 {
					return soak(ctx, scorer, images, duration)
				}
				scores, err = scorer.ProxyScoreBatch(ctx, images)
			}
			if err != nil {
				return err
			}
			elapsed := time.Since(start)
			log.Info().
				Int("count", len(images)).
				Dur("elapsed", elapsed).
				Float64("ips", float64(len(images))/elapsed.Seconds()).
				Msg("Scored images")

			rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildScoreRecord(ids, scores)
			if err != nil {
				return err
			}
			defer rec.Release()

			if forwardAddr != "" {
				return sendToFlight(ctx, forwardAddr, dataset, rec)
			}
			return writeArrowStream(os.Stdout, rec)
		},
	}
}

// loadImages reads image files, or generates n synthetic images when n > 0.
func loadImages(paths []string, n, size int) ([]string, [][]byte, error) {
	if n > 0 {
		images, err := iqa.GenerateImages(n, size, time.Now().UnixNano())
		if err != nil {
			return nil, nil, err
		}
		ids := make([]string, n)
		for i := range ids {
			ids[i] = fmt.Sprintf("synthetic-%d", i)
		}
		return ids, images, nil
	}

	images := make([][]byte, len(paths))
	for i, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, nil, fmt.Errorf("read image: %w", err)
		}
		images[i] = data
	}
	return paths, images, nil
}

func scoreRemote(ctx context.Context, addr, dataset string, ids []string, images [][]byte) ([]float32, error) {
	fc, err := client.NewFlightClient(addr)
	if err != nil {
		return nil, err
	}
	defer func() { _ = fc.Close() }()

	in, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildImageRecord(ids, images)
	if err != nil {
		return nil, err
	}
	defer in.Release()

	out, err := fc.Exchange(ctx, dataset, in)
	if err != nil {
		return nil, fmt.Errorf("remote scoring: %w", err)
	}
	scores := make([]float32, 0, len(images))
	for _, rec := range out {
		idx := rec.Schema().FieldIndices(client.ColumnScore)
		if len(idx) > 0 {
			if col, ok := rec.Column(idx[0]).(*array.Float32); ok {
				scores = append(scores, col.Float32Values()...)
			}
		}
		rec.Release()
	}
	if len(scores) != len(images) {
		return nil, fmt.Errorf("remote returned %d scores for %d images", len(scores), len(images))
	}
	return scores, nil
}

func sendToFlight(ctx context.Context, addr, dataset string, rec arrow.RecordBatch) error {
	log.Info().Int64("count", rec.NumRows()).Str("server", addr).Str("dataset", dataset).Msg("Sending scores to Flight server")
	fc, err := client.NewFlightClient(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to Flight server: %w", err)
	}
	defer func() {
		if err := fc.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close flight client")
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if err := fc.DoPut(ctx, dataset, rec); err != nil {
		return fmt.Errorf("flight DoPut failed: %w", err)
	}
	log.Info().Msg("Successfully sent scores")
	return nil
}

func soak(ctx context.Context, scorer *iqa.Scorer, images [][]byte, duration time.Duration) error {
	log.Info().Str("duration", duration.String()).Int("images", len(images)).Msg("Starting soak test")

	startTime := time.Now()
	endTime := startTime.Add(duration)
	var total int64
	var iter int
	for time.Now().Before(endTime) {
		if _, err := scorer.ProxyScoreBatch(ctx, images); err != nil {
			return err
		}
		total += int64(len(images))
		iter++

		if iter%10 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int64("total_images", total).
				Float64("ips", float64(total)/elapsed.Seconds()).
				Msg("Soak test progress")
		}
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int64("total_images", total).
		Dur("total_time", totalElapsed).
		Float64("avg_ips", float64(total)/totalElapsed.Seconds()).
		Msg("Soak test complete")
	return nil
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}
