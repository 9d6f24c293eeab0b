package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-cdaiqa/internal/device"
	"github.com/23skdu/longbow-cdaiqa/internal/iqa/model"
	"github.com/23skdu/longbow-cdaiqa/internal/iqa/weights"
)

func exportCmd() *cli.Command {
	var (
		output string
		dtype  string
	)

	return &cli.Command{
		Name:  "export",
		Usage: "Write the model weights (loaded or randomly initialized) as safetensors",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "destination .safetensors file",
				Destination: &output,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "dtype",
				Usage:       "storage dtype (F32, F16, BF16)",
				Value:       weights.DTypeF32,
				Destination: &dtype,
			},
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
			if weightsPath != "" {
				loader := weights.NewLoader(m)
				loader.Strict = strict
				if _, err := loader.LoadSafetensors(weightsPath); err != nil {
					return fmt.Errorf("failed to load weights: %w", err)
				}
			}
			return weights.SaveSafetensors(output, m, strings.ToUpper(dtype))
		},
	}
}
