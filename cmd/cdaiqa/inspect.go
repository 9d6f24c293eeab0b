package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-cdaiqa/internal/device"
	"github.com/23skdu/longbow-cdaiqa/internal/iqa/model"
	"github.com/23skdu/longbow-cdaiqa/internal/iqa/weights"
)

func inspectCmd() *cli.Command {
	var (
		opts inspectOptions
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "List model parameters and check a checkpoint against them",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "params", Usage: "list every parameter with its shape", Destination: &opts.params},
			&cli.StringFlag{Name: "filter", Usage: "only list parameters containing this substring", Destination: &opts.filter},
			&cli.BoolFlag{Name: "stats", Usage: "print value statistics for every checkpoint tensor", Destination: &opts.stats},
			&cli.BoolFlag{Name: "json", Usage: "print statistics as JSON", Destination: &opts.json},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, cleanup, err := setup(ctx, c)
			if err != nil {
				return err
			}
			defer cleanup()

			m, err := model.NewModel(cfg.Model, device.NewCPUBackend(), seed)
			if err != nil {
				return err
			}
			return inspect(os.Stdout, m, weightsPath, opts)
		},
	}
}

type inspectOptions struct {
	params bool
	filter string
	stats  bool
	json   bool
}

func inspect(w io.Writer, m *model.Model, path string, opts inspectOptions) error {
	params := m.Parameters()
	total := 0
	for _, p := range params {
		total += p.Size()
	}
	cfg := m.Config
	ws, shift := cfg.Window()
	fmt.Fprintf(w, "image: %d  patch: %d  grid: %d  window: %d (shift %d)\n", cfg.ImageSize, cfg.PatchSize, cfg.Grid(), ws, shift)
	fmt.Fprintf(w, "feature layers: %v  embed dim: %d  parameters: %d tensors, %d values\n", cfg.FeatureLayers, cfg.EmbedDim, len(params), total)

	if opts.params {
		for _, p := range params {
			if opts.filter != "" && !strings.Contains(p.Name, opts.filter) {
				continue
			}
			fmt.Fprintf(w, "  %-72s %v\n", p.Name, p.Shape)
		}
	}

	if path == "" {
		return nil
	}
	f, err := weights.Open(path)
	if err != nil {
		return err
	}
	report, err := weights.NewLoader(m).Inspect(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "checkpoint %s: %d tensors, %d matched, %d missing, %d unused\n",
		path, len(f.Tensors), len(report.Loaded), len(report.Missing), len(report.Unused))
	keys := make([]string, 0, len(f.Metadata))
	for k := range f.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  metadata %s = %s\n", k, f.Metadata[k])
	}
	for _, name := range report.Missing {
		fmt.Fprintf(w, "  missing %s\n", name)
	}
	for _, name := range report.Unused {
		fmt.Fprintf(w, "  unused  %s\n", name)
	}

	if opts.stats {
		return writeStats(w, f, opts.json)
	}
	return nil
}

func writeStats(w io.Writer, f *weights.File, asJSON bool) error {
	stats, err := f.Stats()
	if err != nil {
		return err
	}
	var problematic []string
	for _, s := range stats {
		if s.Problematic() {
			problematic = append(problematic, s.Name)
		}
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"problematic": problematic,
			"details":     stats,
		})
	}

	for _, s := range stats {
		fmt.Fprintf(w, "  %-64s %-4s min %10.4g max %10.4g mean %10.4g nan %d inf %d f16-range %.2f%%\n",
			s.Name, s.DType, s.Min, s.Max, s.Mean, s.NaNCount, s.InfCount, 100*s.OutOfRangeRatio)
	}
	if len(problematic) > 0 {
		fmt.Fprintf(w, "problematic tensors: %s\n", strings.Join(problematic, ", "))
	}
	return nil
}
