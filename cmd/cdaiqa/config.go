package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-cdaiqa/internal/iqa/model"
)

// FileConfig is the YAML configuration file given with --config. Fields left
// out keep their defaults; command-line flags win over the file.
type FileConfig struct {
	Model model.Config `yaml:"model"`

	Weights   string `yaml:"weights"`
	Backend   string `yaml:"backend"`
	Workers   *int   `yaml:"workers"`
	BatchSize *int   `yaml:"batch_size"`
	CacheSize *int   `yaml:"cache_size"`
	Seed      *int64 `yaml:"seed"`
	LogLevel  string `yaml:"log_level"`

	Listen        string `yaml:"listen"`
	Flight        string `yaml:"flight"`
	Server        string `yaml:"server"`
	Dataset       string `yaml:"dataset"`
	MaxConcurrent *int   `yaml:"max_concurrent"`
}

// LoadConfig reads path on top of the default model configuration. An empty
// path returns the defaults.
func LoadConfig(path string) (FileConfig, error) {
	cfg := FileConfig{Model: model.DefaultConfig()}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyCommonConfig applies config file values to the common flags that were
// not explicitly set.
func applyCommonConfig(c *cli.Command, cfg FileConfig) {
	if cfg.Weights != "" && !c.IsSet("weights") {
		weightsPath = cfg.Weights
	}
	if cfg.Backend != "" && !c.IsSet("backend") {
		backend = cfg.Backend
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = int64(*cfg.Workers)
	}
	if cfg.BatchSize != nil && !c.IsSet("batch-size") {
		batchSize = int64(*cfg.BatchSize)
	}
	if cfg.CacheSize != nil && !c.IsSet("cache-size") {
		cacheSize = int64(*cfg.CacheSize)
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg FileConfig) {
	if cfg.Listen != "" && !c.IsSet("listen") {
		listenAddr = cfg.Listen
	}
	if cfg.Flight != "" && !c.IsSet("flight") {
		flightAddr = cfg.Flight
	}
	if cfg.Server != "" && !c.IsSet("server") {
		serverAddr = cfg.Server
	}
	if cfg.Dataset != "" && !c.IsSet("dataset") {
		datasetName = cfg.Dataset
	}
	if cfg.MaxConcurrent != nil && !c.IsSet("max-concurrent") {
		maxConcurrent = int64(*cfg.MaxConcurrent)
	}
}
