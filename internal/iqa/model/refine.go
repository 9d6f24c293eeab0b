package model

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-cdaiqa/internal/device"
)

// RefinementStage runs cross-dimension blocks, a 1×1 channel projection and a
// windowed attention network over the (B·G², C) token grid.
type RefinementStage struct {
	Backend device.Backend
	Name    string
	Grid    int
	Blocks  []*MultiDimensional
	Proj    *Conv2D
	Swin    *SwinNetwork
}

// NewRefinementStage builds a stage projecting in channels to out channels.
// Every stage owns its own blocks.
func NewRefinementStage(name string, config Config, in, out int, backend device.Backend) *RefinementStage {
	g := config.Grid()
	blocks := make([]*MultiDimensional, config.NumTab)
	for i := range blocks {
		blocks[i] = NewMultiDimensional(g, config.NoSpatial, backend)
	}
	return &RefinementStage{
		Backend: backend,
		Name:    name,
		Grid:    g,
		Blocks:  blocks,
		Proj:    NewConv2D(in, out, 1, 1, 0, true, backend),
		Swin:    NewSwinNetwork(config, out, backend),
	}
}

// Forward maps (B·G², in) tokens to (B·G², out) tokens. x is not modified.
func (s *RefinementStage) Forward(x device.Tensor, batch int) (device.Tensor, error) {
	start := time.Now()
	v, err := VolumeFromTokens(x, batch)
	if err != nil {
		return nil, err
	}
	for i, blk := range s.Blocks {
		if v, err = blk.Forward(v); err != nil {
			return nil, fmt.Errorf("%s block %d: %w", s.Name, i, err)
		}
	}
	LayerDuration.WithLabelValues("cross_dimension", s.Backend.Name()).Observe(time.Since(start).Seconds())

	tokens, err := v.Tokens(s.Backend)
	if err != nil {
		return nil, err
	}
	projected, err := s.Proj.ForwardTokens(tokens, batch, s.Grid, s.Grid)
	s.Backend.PutTensor(tokens)
	if err != nil {
		return nil, fmt.Errorf("%s projection: %w", s.Name, err)
	}

	out, err := s.Swin.Forward(projected, batch)
	if err != nil {
		return nil, fmt.Errorf("%s windowed attention: %w", s.Name, err)
	}
	return out, nil
}

func (s *RefinementStage) parameters(tabPrefix, projPrefix, swinPrefix string) []Parameter {
	var params []Parameter
	for i, blk := range s.Blocks {
		params = append(params, blk.parameters(fmt.Sprintf("%s.%d", tabPrefix, i))...)
	}
	params = append(params, s.Proj.parameters(projPrefix)...)
	return append(params, s.Swin.parameters(swinPrefix)...)
}
