package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-cdaiqa/internal/client"
	"github.com/23skdu/longbow-cdaiqa/internal/iqa"
	"github.com/23skdu/longbow-cdaiqa/internal/iqa/model"
	"github.com/23skdu/longbow-cdaiqa/internal/iqa/weights"
)

type mockFlightClient struct {
	mock.Mock
}

func (m *mockFlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	args := m.Called(ctx, datasetName, record)
	return args.Error(0)
}

func (m *mockFlightClient) Close() error {
	return nil
}

// failingScorer reports an error for every chunk.
type failingScorer struct{}

func (failingScorer) ScoreBatch(ctx context.Context, images [][]byte) <-chan iqa.StreamResult {
	ch := make(chan iqa.StreamResult, 1)
	ch <- iqa.StreamResult{Offset: 0, Count: len(images), Err: errors.New("decode failed")}
	close(ch)
	return ch
}

func (failingScorer) ProxyScoreBatch(ctx context.Context, images [][]byte) ([]float32, error) {
	return nil, errors.New("decode failed")
}

func testModelConfig() model.Config {
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

func newTestScorer(t *testing.T) *iqa.Scorer {
	t.Helper()
	s, err := iqa.NewScorer(iqa.Options{Config: testModelConfig(), Workers: 2, BatchSize: 2, Seed: 1})
	require.NoError(t, err)
	return s
}

func testImages(t *testing.T, n int) [][]byte {
	t.Helper()
	images, err := iqa.GenerateImages(n, 20, 5)
	require.NoError(t, err)
	return images
}

func imageStream(t *testing.T, ids []string, images [][]byte) *bytes.Buffer {
	t.Helper()
	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildImageRecord(ids, images)
	require.NoError(t, err)
	defer rec.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(rec.Schema()))
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())
	return &buf
}

func TestServer_Full(t *testing.T) {
	scorer := newTestScorer(t)
	mfc := &mockFlightClient{}
	srv := NewServer(scorer, mfc, "test-dataset", 4)
	handler := srv.Handler()
	images := testImages(t, 3)

	want, err := scorer.ProxyScoreBatch(context.Background(), images)
	require.NoError(t, err)

	t.Run("Score with forwarding", func(t *testing.T) {
		data, err := cbor.Marshal(images)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/score", bytes.NewReader(data))
		rr := httptest.NewRecorder()

		mfc.On("DoPut", mock.Anything, "test-dataset", mock.Anything).Return(nil)

		handler.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, contentTypeCBOR, rr.Header().Get("Content-Type"))
		assert.NotEmpty(t, rr.Header().Get(headerRequestID))

		var got []float32
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &got))
		assert.InDeltaSlice(t, want, got, 1e-5)
		mfc.AssertExpectations(t)
	})

	t.Run("Score empty", func(t *testing.T) {
		data, _ := cbor.Marshal([][]byte{})
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/score", bytes.NewReader(data)))
		require.Equal(t, http.StatusOK, rr.Code)

		var got []float32
		require.NoError(t, cbor.Unmarshal(rr.Body.Bytes(), &got))
		assert.Empty(t, got)
	})

	t.Run("Bad CBOR", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/score", bytes.NewReader([]byte{0xff})))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Wrong method", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/score", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})

	t.Run("Score arrow", func(t *testing.T) {
		body := imageStream(t, []string{"a", "b", "c"}, images)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/score/arrow", body))
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, contentTypeArrow, rr.Header().Get("Content-Type"))

		reader, err := ipc.NewReader(bytes.NewReader(rr.Body.Bytes()))
		require.NoError(t, err)
		defer reader.Release()
		require.True(t, reader.Next())
		rec := reader.Record()
		assert.Equal(t, []string{"a", "b", "c"}, []string{
			rec.Column(0).(*array.String).Value(0),
			rec.Column(0).(*array.String).Value(1),
			rec.Column(0).(*array.String).Value(2),
		})
		assert.InDeltaSlice(t, want, rec.Column(1).(*array.Float32).Float32Values(), 1e-5)
		assert.False(t, reader.Next())
	})

	t.Run("Arrow without image column", func(t *testing.T) {
		rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildScoreRecord([]string{"a"}, []float32{1})
		require.NoError(t, err)
		var buf bytes.Buffer
		w := ipc.NewWriter(&buf, ipc.WithSchema(rec.Schema()))
		require.NoError(t, w.Write(rec))
		require.NoError(t, w.Close())
		rec.Release()

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/score/arrow", &buf))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("Health Check", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "OK", rr.Body.String())
	})

	t.Run("Metrics", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Body.String(), "cdaiqa_images_processed_total")
	})
}

func TestServer_ScoringError(t *testing.T) {
	srv := NewServer(failingScorer{}, nil, "ds", 2)
	handler := srv.Handler()

	data, _ := cbor.Marshal([][]byte{{1, 2, 3}})
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/score", bytes.NewReader(data)))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/score/arrow", imageStream(t, []string{"x"}, [][]byte{{1}})))
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestFlightServer_DoExchange(t *testing.T) {
	scorer := newTestScorer(t)
	images := testImages(t, 2)
	want, err := scorer.ProxyScoreBatch(context.Background(), images)
	require.NoError(t, err)

	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewCdaiqaFlightServer(scorer, nil, "ds", 4))
	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	defer server.Shutdown()

	fc, err := client.NewFlightClient(server.Addr().String())
	require.NoError(t, err)
	defer fc.Close()

	scores, err := scoreRemote(context.Background(), server.Addr().String(), "ds", []string{"p", "q"}, images)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, scores, 1e-5)

	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildImageRecord([]string{"p", "q"}, images)
	require.NoError(t, err)
	defer rec.Release()
	require.NoError(t, fc.DoPut(context.Background(), "ds", rec))
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultConfig(), cfg.Model)

	path := filepath.Join(t.TempDir(), "cdaiqa.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
model:
  image_size: 32
  feature_layers: [1, 2]
workers: 3
listen: ":8080"
`), 0o644))

	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Model.ImageSize)
	assert.Equal(t, []int{1, 2}, cfg.Model.FeatureLayers)
	assert.Equal(t, 8, cfg.Model.PatchSize)
	require.NotNil(t, cfg.Workers)
	assert.Equal(t, 3, *cfg.Workers)
	assert.Equal(t, ":8080", cfg.Listen)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestInspect(t *testing.T) {
	m, err := model.NewModel(testModelConfig(), nil, 1)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, inspect(&buf, m, "", inspectOptions{params: true, filter: "fc_score"}))
	out := buf.String()
	assert.Contains(t, out, "grid: 4")
	assert.Contains(t, out, "fc_score.3.bias")
	assert.NotContains(t, out, "fc_weight")

	path := filepath.Join(t.TempDir(), "m.safetensors")
	require.NoError(t, weights.SaveSafetensors(path, m, weights.DTypeF32))

	buf.Reset()
	require.NoError(t, inspect(&buf, m, path, inspectOptions{stats: true, json: true}))
	out = buf.String()
	assert.Contains(t, out, "0 missing, 0 unused")
	keys := []string{"metadata feature_layers", "metadata format", "metadata image_size", "metadata patch_size"}
	for i, k := range keys {
		assert.Contains(t, out, k)
		if i > 0 {
			assert.Less(t, strings.Index(out, keys[i-1]), strings.Index(out, k))
		}
	}
	assert.Contains(t, out, `"details"`)
	assert.Contains(t, out, `"fc_score.3.bias"`)
}
