package model

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-cdaiqa/internal/device"
)

// testConfig is a miniature network: 16x16 images, 4x4 patches, a 4x4 token
// grid and shifted 2x2 windows.
func testConfig() Config {
	return Config{
		ImageSize:     16,
		PatchSize:     4,
		InChannels:    3,
		BackboneDim:   8,
		BackboneDepth: 10,
		BackboneHeads: 2,
		BackboneMLP:   16,
		NumClasses:    5,
		SelectAfter:   1,
		KeepRatio:     1,
		FeatureLayers: []int{6, 7, 8, 9},
		EmbedDim:      8,
		NumTab:        2,
		Depths:        []int{2, 2},
		NumHeads:      []int{2, 2},
		WindowSize:    2,
		DimMLP:        8,
		Scale:         0.8,
		NumOutputs:    1,
		Drop:          0.1,
		WeightEpsilon: 1e-8,
	}
}

func randomImages(rng *rand.Rand, cfg Config, batch int) []float32 {
	data := make([]float32, batch*cfg.InChannels*cfg.ImageSize*cfg.ImageSize)
	for i := range data {
		data[i] = float32(rng.Float64()*2 - 1)
	}
	return data
}

func newTestModel(t *testing.T, cfg Config) *Model {
	t.Helper()
	m, err := NewModel(cfg, device.NewCPUBackend(), 42)
	require.NoError(t, err)
	return m
}

func setParam(t *testing.T, m *Model, name string, data []float32) {
	t.Helper()
	for _, p := range m.Parameters() {
		if p.Name == name {
			require.Len(t, data, p.Size(), "size of %s", name)
			p.Load(data)
			return
		}
	}
	t.Fatalf("parameter %s not found", name)
}

func TestModelForward_OutputShape(t *testing.T) {
	cfg := testConfig()
	m := newTestModel(t, cfg)
	rng := rand.New(rand.NewSource(1))

	for _, batch := range []int{1, 3} {
		scores, err := m.Forward(context.Background(), randomImages(rng, cfg, batch), batch)
		require.NoError(t, err)
		require.Len(t, scores, batch)
		for _, s := range scores {
			assert.False(t, math.IsNaN(float64(s)))
			assert.GreaterOrEqual(t, s, float32(0), "relu scores weighted by sigmoid weights are non-negative")
		}
	}
}

func TestModelForward_Deterministic(t *testing.T) {
	cfg := testConfig()
	images := randomImages(rand.New(rand.NewSource(7)), cfg, 2)

	a := newTestModel(t, cfg)
	b := newTestModel(t, cfg)

	first, err := a.Forward(context.Background(), images, 2)
	require.NoError(t, err)
	second, err := a.Forward(context.Background(), images, 2)
	require.NoError(t, err)
	fresh, err := b.Forward(context.Background(), images, 2)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, first, fresh, "same seed builds the same model")
}

func TestModelForward_NoLeakageBetweenCalls(t *testing.T) {
	cfg := testConfig()
	m := newTestModel(t, cfg)
	rng := rand.New(rand.NewSource(3))
	imgA := randomImages(rng, cfg, 1)
	imgB := randomImages(rng, cfg, 1)

	before, err := m.Forward(context.Background(), imgB, 1)
	require.NoError(t, err)
	other, err := m.Forward(context.Background(), imgA, 1)
	require.NoError(t, err)
	after, err := m.Forward(context.Background(), imgB, 1)
	require.NoError(t, err)

	assert.Equal(t, before, after)
	assert.NotEqual(t, before, other)
}

func TestModelForward_Concurrent(t *testing.T) {
	cfg := testConfig()
	m := newTestModel(t, cfg)
	images := randomImages(rand.New(rand.NewSource(5)), cfg, 1)
	want, err := m.Forward(context.Background(), images, 1)
	require.NoError(t, err)

	errs := make(chan error, 4)
	results := make(chan []float32, 4)
	for i := 0; i < 4; i++ {
		go func() {
			s, err := m.Forward(context.Background(), images, 1)
			errs <- err
			results <- s
		}()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-errs)
		assert.Equal(t, want, <-results)
	}
}

// With every parameter zero the backbone emits zeros, each cross-dimension
// block halves its input (sigmoid(0) = 0.5 in every branch) and each windowed
// attention layer is an identity, so the score follows from the projection
// and head parameters alone.
func TestModelForward_AnalyticScore(t *testing.T) {
	cfg := testConfig()
	m := newTestModel(t, cfg)
	for _, p := range m.Parameters() {
		p.Load(make([]float32, p.Size()))
	}

	e := cfg.EmbedDim
	half := e / 2

	c1 := make([]float32, e)
	for i := range c1 {
		c1[i] = 0.1 * float32(i+1)
	}
	setParam(t, m, "conv1.bias", c1)

	w2 := make([]float32, half*e) // (out, in, 1, 1)
	for o := 0; o < half; o++ {
		for i := 0; i < e; i++ {
			w2[o*e+i] = 0.05*float32(o+1) - 0.01*float32(i)
		}
	}
	b2 := []float32{-0.1, 0, 0.1, 0.2}
	setParam(t, m, "conv2.weight", w2)
	setParam(t, m, "conv2.bias", b2)

	eye := make([]float32, half*half)
	for i := 0; i < half; i++ {
		eye[i*half+i] = 1
	}
	setParam(t, m, "fc_score.0.weight", eye)
	v := []float32{1, 0.5, -0.25, 2}
	setParam(t, m, "fc_score.3.weight", v)
	setParam(t, m, "fc_score.3.bias", []float32{0.05})

	// Two cross-dimension blocks scale the stage-2 input by 0.25.
	var want float64 = 0.05
	for o := 0; o < half; o++ {
		t2 := float64(b2[o])
		for i := 0; i < e; i++ {
			t2 += float64(w2[o*e+i]) * 0.25 * float64(c1[i])
		}
		want += float64(v[o]) * math.Max(t2, 0)
	}
	want = math.Max(want, 0)

	ones := make([]float32, cfg.InChannels*cfg.ImageSize*cfg.ImageSize)
	for i := range ones {
		ones[i] = 1
	}
	scores, err := m.Forward(context.Background(), ones, 1)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.InDelta(t, want, scores[0], 1e-5)
}

// dropLastSelector removes the final token of every sequence.
type dropLastSelector struct{}

func (dropLastSelector) Select(x device.Tensor, batch, seqLen int) (device.Tensor, int, error) {
	rows := make([]int, 0, batch*(seqLen-1))
	for b := 0; b < batch; b++ {
		for i := 0; i < seqLen-1; i++ {
			rows = append(rows, b*seqLen+i)
		}
	}
	return x.Gather(rows), seqLen - 1, nil
}

func TestModelForward_TokenCountMustMatchGrid(t *testing.T) {
	cfg := testConfig()
	m := newTestModel(t, cfg)
	m.Backbone.Selector = dropLastSelector{}

	_, err := m.Forward(context.Background(), randomImages(rand.New(rand.NewSource(1)), cfg, 2), 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShape), "got %v", err)
}

func TestModelForward_BadInput(t *testing.T) {
	cfg := testConfig()
	m := newTestModel(t, cfg)

	_, err := m.Forward(context.Background(), make([]float32, 10), 1)
	assert.ErrorIs(t, err, ErrShape)

	_, err = m.Forward(context.Background(), nil, 0)
	assert.ErrorIs(t, err, ErrShape)
}

func TestModelForward_Cancelled(t *testing.T) {
	cfg := testConfig()
	m := newTestModel(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Forward(ctx, randomImages(rand.New(rand.NewSource(1)), cfg, 1), 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewModel_ShallowBackbone(t *testing.T) {
	cfg := testConfig()
	cfg.BackboneDepth = 8

	_, err := NewModel(cfg, nil, 1)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestModelParameters(t *testing.T) {
	cfg := testConfig()
	m := newTestModel(t, cfg)

	seen := make(map[string]bool)
	for _, p := range m.Parameters() {
		assert.False(t, seen[p.Name], "duplicate parameter %s", p.Name)
		seen[p.Name] = true
		assert.Positive(t, p.Size(), p.Name)
	}

	for _, name := range []string{
		"vit.base_model.patch_embed.proj.weight",
		"vit.base_model.cls_token",
		"vit.base_model.blocks.9.attn.qkv.weight",
		"vit.base_model.head.bias",
		"tablock1.0.cw.conv.conv.weight",
		"tablock1.1.hw.conv.bn.running_var",
		"tablock2.0.hc.conv.bn.weight",
		"conv1.weight",
		"swintransformer1.layers.0.blocks.1.attn.relative_position_bias_table",
		"swintransformer2.layers.1.conv.bias",
		"fc_score.3.bias",
		"fc_weight.0.weight",
	} {
		assert.True(t, seen[name], "missing %s", name)
	}
}

func TestBackboneForward_Logits(t *testing.T) {
	cfg := testConfig()
	m := newTestModel(t, cfg)
	capture := NewCapture()

	logits, err := m.Backbone.Forward(context.Background(), randomImages(rand.New(rand.NewSource(2)), cfg, 2), 2, capture)
	require.NoError(t, err)
	r, c := logits.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, cfg.NumClasses, c)

	// Capturing with no indices records every block.
	assert.Equal(t, cfg.BackboneDepth, capture.Len())
	out, ok := capture.Output(9)
	require.True(t, ok)
	rows, _ := out.Dims()
	assert.Equal(t, 2*(cfg.Grid()*cfg.Grid()+1), rows)

	capture.Reset()
	assert.Equal(t, 0, capture.Len())
}

func TestMaskSelector_KeepsTokenCount(t *testing.T) {
	cfg := testConfig()
	cfg.KeepRatio = 0.5
	m := newTestModel(t, cfg)
	_, ok := m.Backbone.Selector.(*MaskSelector)
	require.True(t, ok)

	scores, err := m.Forward(context.Background(), randomImages(rand.New(rand.NewSource(9)), cfg, 2), 2)
	require.NoError(t, err)
	assert.Len(t, scores, 2)
}

func TestMaskSelector_FusesDroppedTokens(t *testing.T) {
	backend := device.NewCPUBackend()
	// one sequence: CLS + 4 patches
	x := backend.NewTensor(5, 2, []float32{
		1, 0, // cls
		2, 0, // aligned with cls
		0, 1,
		0, 3,
		1, 0.1, // nearly aligned
	})
	sel := NewMaskSelector(0.5, backend)
	out, n, err := sel.Select(x, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	got := out.ToHost()
	assert.Equal(t, []float32{1, 0, 2, 0}, got[:4])
	assert.Equal(t, []float32{1, 0.1}, got[8:10])
	// tokens 2 and 3 are replaced by their mean
	assert.Equal(t, []float32{0, 2, 0, 2}, got[4:8])
}

func TestModel_DefaultConfigFullGrid(t *testing.T) {
	if testing.Short() {
		t.Skip("full ViT-B/8 forward at 224x224 takes tens of seconds")
	}
	cfg := DefaultConfig()
	require.Equal(t, 28, cfg.Grid())
	m := newTestModel(t, cfg)

	scores, err := m.Forward(context.Background(), randomImages(rand.New(rand.NewSource(7)), cfg, 1), 1)
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.False(t, math.IsNaN(float64(scores[0])))
	assert.False(t, math.IsInf(float64(scores[0]), 0))
}
