package model

import (
	"errors"
	"fmt"
)

var (
	// ErrShape reports an activation or input whose dimensions do not match the network.
	ErrShape = errors.New("shape mismatch")
	// ErrConfig reports a configuration that cannot build a network.
	ErrConfig = errors.New("invalid model config")
	// ErrMissingLayer reports a feature layer that was not captured during the forward pass.
	ErrMissingLayer = errors.New("feature layer not captured")
)

// Config holds the configuration for the quality model.
type Config struct {
	// Backbone (ViT)
	ImageSize     int `yaml:"image_size"`
	PatchSize     int `yaml:"patch_size"`
	InChannels    int `yaml:"in_channels"`
	BackboneDim   int `yaml:"backbone_dim"`
	BackboneDepth int `yaml:"backbone_depth"`
	BackboneHeads int `yaml:"backbone_heads"`
	BackboneMLP   int `yaml:"backbone_mlp"`
	NumClasses    int `yaml:"num_classes"`

	// Token selection is spliced in right after block SelectAfter.
	SelectAfter int     `yaml:"select_after"`
	KeepRatio   float64 `yaml:"keep_ratio"`

	// FeatureLayers are the block indices whose outputs feed the refinement stages.
	FeatureLayers []int `yaml:"feature_layers"`

	// Refinement stages
	EmbedDim   int     `yaml:"embed_dim"`
	NumTab     int     `yaml:"num_tab"`
	NoSpatial  bool    `yaml:"no_spatial"`
	Depths     []int   `yaml:"depths"`
	NumHeads   []int   `yaml:"num_heads"`
	WindowSize int     `yaml:"window_size"`
	DimMLP     int     `yaml:"dim_mlp"`
	Scale      float32 `yaml:"scale"`

	// Score head
	NumOutputs    int     `yaml:"num_outputs"`
	Drop          float64 `yaml:"drop"`
	WeightEpsilon float32 `yaml:"weight_epsilon"`
}

// DefaultConfig returns the vit_base_patch8_224 configuration.
func DefaultConfig() Config {
	return Config{
		ImageSize:     224,
		PatchSize:     8,
		InChannels:    3,
		BackboneDim:   768,
		BackboneDepth: 12,
		BackboneHeads: 12,
		BackboneMLP:   3072,
		NumClasses:    1000,
		SelectAfter:   1,
		KeepRatio:     1,
		FeatureLayers: []int{6, 7, 8, 9},
		EmbedDim:      768,
		NumTab:        2,
		Depths:        []int{2, 2},
		NumHeads:      []int{4, 4},
		WindowSize:    4,
		DimMLP:        768,
		Scale:         0.8,
		NumOutputs:    1,
		Drop:          0.1,
		WeightEpsilon: 1e-8,
	}
}

// Grid returns the side of the spatial token grid (image_size / patch_size).
func (c Config) Grid() int {
	if c.PatchSize <= 0 {
		return 0
	}
	return c.ImageSize / c.PatchSize
}

// Window returns the effective attention window of the refinement stages and
// the cyclic shift used by odd blocks. A grid that fits in one window disables shifting.
func (c Config) Window() (size, shift int) {
	g := c.Grid()
	if g <= c.WindowSize {
		return g, 0
	}
	return c.WindowSize, c.WindowSize / 2
}

// Validate checks that the configuration describes a buildable network.
func (c Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"image_size", c.ImageSize},
		{"patch_size", c.PatchSize},
		{"in_channels", c.InChannels},
		{"backbone_dim", c.BackboneDim},
		{"backbone_depth", c.BackboneDepth},
		{"backbone_heads", c.BackboneHeads},
		{"backbone_mlp", c.BackboneMLP},
		{"num_classes", c.NumClasses},
		{"embed_dim", c.EmbedDim},
		{"window_size", c.WindowSize},
		{"dim_mlp", c.DimMLP},
		{"num_outputs", c.NumOutputs},
	}
	for _, f := range positive {
		if f.value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %d", ErrConfig, f.name, f.value)
		}
	}

	if c.ImageSize%c.PatchSize != 0 {
		return fmt.Errorf("%w: image_size %d is not a multiple of patch_size %d", ErrConfig, c.ImageSize, c.PatchSize)
	}
	if c.BackboneDim%c.BackboneHeads != 0 {
		return fmt.Errorf("%w: backbone_dim %d not divisible by %d heads", ErrConfig, c.BackboneDim, c.BackboneHeads)
	}
	if c.SelectAfter < 0 || c.SelectAfter >= c.BackboneDepth {
		return fmt.Errorf("%w: select_after %d out of range for backbone depth %d", ErrConfig, c.SelectAfter, c.BackboneDepth)
	}
	if c.KeepRatio <= 0 || c.KeepRatio > 1 {
		return fmt.Errorf("%w: keep_ratio must be in (0, 1], got %g", ErrConfig, c.KeepRatio)
	}

	if len(c.FeatureLayers) == 0 {
		return fmt.Errorf("%w: feature_layers is empty", ErrConfig)
	}
	for _, l := range c.FeatureLayers {
		if l < 0 || l >= c.BackboneDepth {
			return fmt.Errorf("%w: feature layer %d out of range for backbone depth %d", ErrConfig, l, c.BackboneDepth)
		}
	}

	if c.NumTab < 0 {
		return fmt.Errorf("%w: num_tab must not be negative", ErrConfig)
	}
	if c.EmbedDim%2 != 0 {
		return fmt.Errorf("%w: embed_dim %d must be even", ErrConfig, c.EmbedDim)
	}
	if len(c.Depths) == 0 || len(c.Depths) != len(c.NumHeads) {
		return fmt.Errorf("%w: depths (%d) and num_heads (%d) must be non-empty and the same length", ErrConfig, len(c.Depths), len(c.NumHeads))
	}
	for i, h := range c.NumHeads {
		if c.Depths[i] <= 0 || h <= 0 {
			return fmt.Errorf("%w: layer %d needs positive depth and heads", ErrConfig, i)
		}
		if c.EmbedDim%h != 0 || (c.EmbedDim/2)%h != 0 {
			return fmt.Errorf("%w: embed_dim %d and %d not divisible by %d heads", ErrConfig, c.EmbedDim, c.EmbedDim/2, h)
		}
	}

	ws, _ := c.Window()
	if c.Grid()%ws != 0 {
		return fmt.Errorf("%w: grid %d is not a multiple of window_size %d", ErrConfig, c.Grid(), ws)
	}

	if c.WeightEpsilon <= 0 {
		return fmt.Errorf("%w: weight_epsilon must be positive", ErrConfig)
	}
	if c.Drop < 0 || c.Drop >= 1 {
		return fmt.Errorf("%w: drop must be in [0, 1)", ErrConfig)
	}
	return nil
}
