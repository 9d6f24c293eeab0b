package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-cdaiqa/internal/iqa"
)

var (
	configPath  string
	weightsPath string
	backend     string
	workers     int64
	batchSize   int64
	cacheSize   int64
	seed        int64
	strict      bool
	logLevel    string
	enableOTel  bool
)

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to a YAML config file",
			Destination: &configPath,
		},
		&cli.StringFlag{
			Name:        "weights",
			Aliases:     []string{"w"},
			Usage:       "path to a safetensors checkpoint (random initialization when empty)",
			Destination: &weightsPath,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "execution backend (auto, cpu)",
			Value:       "auto",
			Destination: &backend,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Usage:       "number of scoring workers (0 = number of CPUs, at most 8)",
			Destination: &workers,
		},
		&cli.Int64Flag{
			Name:        "batch-size",
			Usage:       "images per forward pass",
			Value:       8,
			Destination: &batchSize,
		},
		&cli.Int64Flag{
			Name:        "cache-size",
			Usage:       "number of cached image scores (0 disables the cache)",
			Destination: &cacheSize,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "seed for random weight initialization",
			Value:       42,
			Destination: &seed,
		},
		&cli.BoolFlag{
			Name:        "strict",
			Usage:       "fail when the checkpoint lacks a model tensor",
			Value:       true,
			Destination: &strict,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.BoolFlag{
			Name:        "otel",
			Usage:       "enable OpenTelemetry tracing (stdout)",
			Destination: &enableOTel,
		},
	}
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	app := &cli.Command{
		Name:  "cdaiqa",
		Usage: "No-reference image quality scoring with cross-dimension attention",
		Flags: commonFlags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			scoreCmd(),
			serveCmd(),
			inspectCmd(),
			exportCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the config file, applies it to unset flags and configures
// logging and tracing. The returned function flushes the tracer.
func setup(ctx context.Context, cmd *cli.Command) (FileConfig, func(), error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return cfg, nil, err
	}
	applyCommonConfig(cmd, cfg)

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return cfg, nil, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	zerolog.SetGlobalLevel(level)

	cleanup := func() {}
	if enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			return cfg, nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		cleanup = func() {
			if err := shutdown(ctx); err != nil {
				log.Warn().Err(err).Msg("Tracer shutdown failed")
			}
		}
	}
	return cfg, cleanup, nil
}

func newScorer(cfg FileConfig) (*iqa.Scorer, error) {
	return iqa.NewScorer(iqa.Options{
		Config:      cfg.Model,
		WeightsPath: weightsPath,
		Strict:      strict,
		Backend:     backend,
		Workers:     int(workers),
		BatchSize:   int(batchSize),
		Seed:        seed,
		CacheSize:   int(cacheSize),
	})
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("cdaiqa"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
