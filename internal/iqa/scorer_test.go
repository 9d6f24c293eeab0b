package iqa

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-cdaiqa/internal/cache"
	"github.com/23skdu/longbow-cdaiqa/internal/iqa/model"
	"github.com/23skdu/longbow-cdaiqa/internal/iqa/weights"
)

func testConfig() model.Config {
	cfg := model.DefaultConfig()
	cfg.ImageSize = 16
	cfg.PatchSize = 4
	cfg.BackboneDim = 8
	cfg.BackboneDepth = 10
	cfg.BackboneHeads = 2
	cfg.BackboneMLP = 16
	cfg.NumClasses = 5
	cfg.EmbedDim = 8
	cfg.WindowSize = 2
	cfg.NumHeads = []int{2, 2}
	cfg.DimMLP = 8
	return cfg
}

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return metric.Counter.GetValue()
	}
	if metric.Gauge != nil {
		return metric.Gauge.GetValue()
	}
	return 0
}

func newTestScorer(t *testing.T, workers, batchSize int, c cache.ScoreCache) (*Scorer, *model.Model) {
	t.Helper()
	m, err := model.NewModel(testConfig(), nil, 7)
	require.NoError(t, err)
	return NewScorerWithModels([]*model.Model{m}, workers, batchSize, c), m
}

func testImages(t *testing.T, n int) [][]byte {
	t.Helper()
	images, err := GenerateImages(n, 24, 3)
	require.NoError(t, err)
	return images
}

func TestScorer_MatchesModel(t *testing.T) {
	s, m := newTestScorer(t, 3, 2, nil)
	images := testImages(t, 5)

	got, err := s.ProxyScoreBatch(context.Background(), images)
	require.NoError(t, err)
	require.Len(t, got, 5)

	pixels, err := PreprocessBatch(images, 16)
	require.NoError(t, err)
	want, err := m.Forward(context.Background(), pixels, 5)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, got, 1e-4)
}

func TestScorer_ChunksCoverInput(t *testing.T) {
	s, _ := newTestScorer(t, 2, 2, nil)
	images := testImages(t, 7)

	var results []StreamResult
	for res := range s.ScoreBatch(context.Background(), images) {
		require.NoError(t, res.Err)
		assert.Len(t, res.Scores, res.Count)
		results = append(results, res)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Offset < results[j].Offset })

	require.Len(t, results, 4)
	next := 0
	for _, r := range results {
		assert.Equal(t, next, r.Offset)
		next += r.Count
	}
	assert.Equal(t, 7, next)
	assert.Equal(t, 1, results[3].Count)
}

func TestScorer_Empty(t *testing.T) {
	s, _ := newTestScorer(t, 1, 1, nil)
	count := 0
	for range s.ScoreBatch(context.Background(), nil) {
		count++
	}
	assert.Zero(t, count)

	scores, err := s.ProxyScoreBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, scores)
}

func TestScorer_Caching(t *testing.T) {
	s, _ := newTestScorer(t, 1, 4, cache.NewLRUCache(16))
	images := testImages(t, 2)
	hello, world := images[0], images[1]

	startHits := getMetricValue(cacheHits)
	startMisses := getMetricValue(cacheMisses)

	ctx := WithDatasetID(context.Background(), "ds-123")
	res1, err := s.ProxyScoreBatch(ctx, [][]byte{hello})
	require.NoError(t, err)
	assert.Equal(t, 1.0, getMetricValue(cacheMisses)-startMisses)

	res2, err := s.ProxyScoreBatch(ctx, [][]byte{hello, world})
	require.NoError(t, err)
	assert.Equal(t, 1.0, getMetricValue(cacheHits)-startHits)
	assert.Equal(t, 2.0, getMetricValue(cacheMisses)-startMisses)
	assert.Equal(t, res1[0], res2[0])

	ctx2 := WithDatasetID(context.Background(), "ds-456")
	_, err = s.ProxyScoreBatch(ctx2, [][]byte{hello})
	require.NoError(t, err)
	assert.Equal(t, 3.0, getMetricValue(cacheMisses)-startMisses)
}

func TestScorer_Cancellation(t *testing.T) {
	s, _ := newTestScorer(t, 1, 1, nil)
	images := testImages(t, 20)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	count := 0
	for res := range s.ScoreBatch(ctx, images) {
		if res.Err == nil {
			count++
		}
	}
	assert.Less(t, count, 20)

	_, err := s.ProxyScoreBatch(ctx, images)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestScorer_BadImage(t *testing.T) {
	s, _ := newTestScorer(t, 2, 1, nil)
	images := testImages(t, 3)
	images[1] = []byte("not an image")

	var failed, ok int
	for res := range s.ScoreBatch(context.Background(), images) {
		if res.Err != nil {
			assert.Equal(t, 1, res.Offset)
			failed++
			continue
		}
		ok++
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 2, ok)

	_, err := s.ProxyScoreBatch(context.Background(), images)
	assert.Error(t, err)
}

func TestNewScorer_LoadsWeights(t *testing.T) {
	src, err := model.NewModel(testConfig(), nil, 11)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "w.safetensors")
	require.NoError(t, weights.SaveSafetensors(path, src, weights.DTypeF32))

	s, err := NewScorer(Options{
		Config:      testConfig(),
		WeightsPath: path,
		Strict:      true,
		Workers:     2,
		BatchSize:   2,
		Seed:        99,
		CacheSize:   8,
	})
	require.NoError(t, err)
	assert.Equal(t, 16, s.ImageSize())

	images := testImages(t, 3)
	got, err := s.ProxyScoreBatch(context.Background(), images)
	require.NoError(t, err)

	pixels, err := PreprocessBatch(images, 16)
	require.NoError(t, err)
	want, err := src.Forward(context.Background(), pixels, 3)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, got, 1e-4)
}

func TestNewScorer_Errors(t *testing.T) {
	_, err := NewScorer(Options{Config: testConfig(), Backend: "tpu"})
	assert.Error(t, err)

	bad := testConfig()
	bad.FeatureLayers = []int{42}
	_, err = NewScorer(Options{Config: bad})
	assert.ErrorIs(t, err, model.ErrConfig)

	_, err = NewScorer(Options{Config: testConfig(), WeightsPath: filepath.Join(t.TempDir(), "missing.safetensors")})
	assert.Error(t, err)
}
