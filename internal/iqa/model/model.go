package model

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-cdaiqa/internal/device"
)

// Model is the full quality network: backbone, feature aggregation, two
// refinement stages and the score head.
type Model struct {
	Config     Config
	Backend    device.Backend
	Backbone   *Backbone
	Aggregator *FeatureAggregator
	Stage1     *RefinementStage
	Stage2     *RefinementStage
	Head       *ScoreHead
}

// NewModel validates config and builds a model with weights drawn from seed.
// Load a checkpoint over it for meaningful scores.
func NewModel(config Config, backend device.Backend, seed int64) (*Model, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if backend == nil {
		backend = device.NewCPUBackend()
	}

	e := config.EmbedDim
	m := &Model{
		Config:     config,
		Backend:    backend,
		Backbone:   NewBackbone(config, backend),
		Aggregator: NewFeatureAggregator(config.FeatureLayers, backend),
		Stage1:     NewRefinementStage("stage1", config, len(config.FeatureLayers)*config.BackboneDim, e, backend),
		Stage2:     NewRefinementStage("stage2", config, e, e/2, backend),
		Head:       NewScoreHead(e/2, config.NumOutputs, config.Drop, config.WeightEpsilon, backend),
	}
	initParameters(m.Parameters(), rand.New(rand.NewSource(seed)))

	log.Debug().
		Int("grid", config.Grid()).
		Ints("feature_layers", config.FeatureLayers).
		Int("parameters", len(m.Parameters())).
		Str("backend", backend.Name()).
		Msg("Quality model initialized")
	return m, nil
}

// Forward scores a batch of NCHW images (batch·3·S·S values) and returns one score per image.
// Each call collects intermediate features in its own capture, so calls may run concurrently.
func (m *Model) Forward(ctx context.Context, images []float32, batch int) ([]float32, error) {
	capture := NewCapture(m.Config.FeatureLayers...)
	defer capture.Release(m.Backend)

	if err := m.Backbone.Features(ctx, images, batch, capture); err != nil {
		return nil, fmt.Errorf("backbone: %w", err)
	}

	features, tokens, err := m.Aggregator.Forward(capture, batch)
	if err != nil {
		return nil, fmt.Errorf("aggregate features: %w", err)
	}
	capture.Release(m.Backend)

	scores, err := m.refineAndScore(ctx, features, tokens, batch)
	m.Backend.PutTensor(features)
	return scores, err
}

func (m *Model) refineAndScore(ctx context.Context, features device.Tensor, tokens, batch int) ([]float32, error) {
	g := m.Config.Grid()
	if tokens != g*g {
		return nil, fmt.Errorf("%w: %d patch tokens per image, grid needs %d", ErrShape, tokens, g*g)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	x, err := m.Stage1.Forward(features, batch)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		m.Backend.PutTensor(x)
		return nil, err
	}
	y, err := m.Stage2.Forward(x, batch)
	m.Backend.PutTensor(x)
	if err != nil {
		return nil, err
	}
	defer m.Backend.PutTensor(y)

	start := time.Now()
	scores, err := m.Head.Forward(y, batch)
	LayerDuration.WithLabelValues("head", m.Backend.Name()).Observe(time.Since(start).Seconds())
	return scores, err
}

// Parameters lists every checkpoint tensor of the model, named after the
// PyTorch module tree.
func (m *Model) Parameters() []Parameter {
	params := m.Backbone.parameters("vit.base_model.")
	params = append(params, m.Stage1.parameters("tablock1", "conv1", "swintransformer1")...)
	params = append(params, m.Stage2.parameters("tablock2", "conv2", "swintransformer2")...)
	return append(params, m.Head.parameters()...)
}
