package iqa

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/23skdu/longbow-cdaiqa/internal/cache"
	"github.com/23skdu/longbow-cdaiqa/internal/device"
	"github.com/23skdu/longbow-cdaiqa/internal/iqa/model"
	"github.com/23skdu/longbow-cdaiqa/internal/iqa/weights"
)

// ErrNaN reports a forward pass that produced a NaN score.
var ErrNaN = errors.New("NaN detected in scores")

var tracer = otel.Tracer("cdaiqa-scorer")

type datasetKey struct{}

// WithDatasetID scopes score caching to a dataset.
func WithDatasetID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, datasetKey{}, id)
}

func datasetID(ctx context.Context) string {
	id, _ := ctx.Value(datasetKey{}).(string)
	return id
}

// Options configures NewScorer.
type Options struct {
	Config      model.Config
	WeightsPath string
	// Strict fails when the checkpoint lacks a model parameter.
	Strict    bool
	Backend   string
	Workers   int
	BatchSize int
	Seed      int64
	// CacheSize bounds the score cache; zero disables caching.
	CacheSize int
}

// StreamResult carries the scores of images [Offset, Offset+Count).
type StreamResult struct {
	Offset int
	Count  int
	Scores []float32
	Err    error
}

// Scorer decodes images and scores them with a pool of workers.
type Scorer struct {
	models    []*model.Model
	workers   int
	batchSize int
	cache     cache.ScoreCache
	namespace string
}

// NewScorer builds the model, loads weights when a path is given and
// prepares the worker pool.
func NewScorer(opts Options) (*Scorer, error) {
	backend, err := device.NewBackend(opts.Backend)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModel(opts.Config, backend, opts.Seed)
	if err != nil {
		return nil, fmt.Errorf("failed to build model: %w", err)
	}

	namespace := "seed:" + strconv.FormatInt(opts.Seed, 10)
	if opts.WeightsPath != "" {
		loader := weights.NewLoader(m)
		loader.Strict = opts.Strict
		if _, err := loader.LoadSafetensors(opts.WeightsPath); err != nil {
			return nil, fmt.Errorf("failed to load weights: %w", err)
		}
		namespace = opts.WeightsPath
	} else {
		log.Warn().Int64("seed", opts.Seed).Msg("No weights given, using random initialization")
	}

	var c cache.ScoreCache
	if opts.CacheSize > 0 {
		c = cache.NewLRUCache(opts.CacheSize)
	}

	s := NewScorerWithModels([]*model.Model{m}, opts.Workers, opts.BatchSize, c)
	s.namespace = namespace
	log.Info().
		Int("workers", s.workers).
		Int("batch_size", s.batchSize).
		Int("cache_size", opts.CacheSize).
		Str("backend", backend.Name()).
		Msg("Initialized scorer")
	return s, nil
}

// NewScorerWithModels creates a scorer over existing models. Worker w runs
// on models[w % len(models)]; models are safe for concurrent forward calls.
func NewScorerWithModels(models []*model.Model, workers, batchSize int, c cache.ScoreCache) *Scorer {
	if workers <= 0 {
		workers = runtime.NumCPU()
		if workers > 8 {
			workers = 8
		}
	}
	if batchSize <= 0 {
		batchSize = 8
	}
	return &Scorer{
		models:    models,
		workers:   workers,
		batchSize: batchSize,
		cache:     c,
	}
}

// ImageSize returns the side length images are resized to.
func (s *Scorer) ImageSize() int {
	return s.models[0].Config.ImageSize
}

type chunk struct {
	offset, end int
}

// ScoreBatch scores encoded images and streams results per chunk of at most
// batchSize images. Chunks may arrive out of order. The channel is closed once
// all chunks are done or ctx is cancelled.
func (s *Scorer) ScoreBatch(ctx context.Context, images [][]byte) <-chan StreamResult {
	out := make(chan StreamResult, s.workers)
	if len(images) == 0 {
		close(out)
		return out
	}

	jobs := make(chan chunk)
	go func() {
		defer close(jobs)
		for off := 0; off < len(images); off += s.batchSize {
			end := off + s.batchSize
			if end > len(images) {
				end = len(images)
			}
			select {
			case jobs <- chunk{offset: off, end: end}:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < s.workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for c := range jobs {
				if ctx.Err() != nil {
					continue
				}
				res := s.scoreChunk(ctx, worker, images, c)
				select {
				case out <- res:
				case <-ctx.Done():
				}
			}
		}(w)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// ProxyScoreBatch scores all images and returns the scores in input order.
func (s *Scorer) ProxyScoreBatch(ctx context.Context, images [][]byte) ([]float32, error) {
	scores := make([]float32, len(images))
	done := 0
	var firstErr error
	for res := range s.ScoreBatch(ctx, images) {
		if res.Err != nil {
			if firstErr == nil {
				firstErr = res.Err
			}
			continue
		}
		copy(scores[res.Offset:], res.Scores)
		done += res.Count
	}
	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if done != len(images) {
		return nil, fmt.Errorf("scored %d of %d images", done, len(images))
	}
	return scores, nil
}

func (s *Scorer) scoreChunk(ctx context.Context, worker int, images [][]byte, c chunk) StreamResult {
	ctx, span := tracer.Start(ctx, "scoreChunk")
	defer span.End()
	span.SetAttributes(
		attribute.Int("offset", c.offset),
		attribute.Int("count", c.end-c.offset),
		attribute.Int("worker", worker),
	)

	res := StreamResult{Offset: c.offset, Count: c.end - c.offset}
	res.Scores = make([]float32, res.Count)

	var keys []uint64
	var miss []int
	if s.cache != nil {
		ns := s.namespace + "/" + datasetID(ctx)
		keys = make([]uint64, res.Count)
		for i := range res.Scores {
			keys[i] = cache.Key(ns, images[c.offset+i])
			if v, ok := s.cache.Get(keys[i]); ok && len(v) == 1 {
				res.Scores[i] = v[0]
				cacheHits.Inc()
				continue
			}
			cacheMisses.Inc()
			miss = append(miss, i)
		}
	} else {
		miss = make([]int, res.Count)
		for i := range miss {
			miss[i] = i
		}
	}
	if len(miss) == 0 {
		return res
	}

	fail := func(reason string, err error) StreamResult {
		scoreErrors.WithLabelValues(reason).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		return StreamResult{Offset: res.Offset, Count: res.Count, Err: err}
	}

	batch := make([][]byte, len(miss))
	for j, i := range miss {
		batch[j] = images[c.offset+i]
	}
	pixels, err := PreprocessBatch(batch, s.ImageSize())
	if err != nil {
		return fail("decode", fmt.Errorf("chunk at %d: %w", c.offset, err))
	}

	m := s.models[worker%len(s.models)]
	label := strconv.Itoa(worker)
	start := time.Now()
	scores, err := m.Forward(ctx, pixels, len(miss))
	elapsed := time.Since(start)
	if err != nil {
		return fail("forward", fmt.Errorf("chunk at %d: %w", c.offset, err))
	}
	batchDuration.WithLabelValues(label).Observe(elapsed.Seconds())
	batchCount.WithLabelValues(label).Inc()
	if elapsed > 0 {
		workerThroughput.WithLabelValues(label).Set(float64(len(miss)) / elapsed.Seconds())
	}
	imagesScored.Add(float64(len(miss)))

	for j, i := range miss {
		v := scores[j]
		if v != v {
			return fail("nan", fmt.Errorf("image %d: %w", c.offset+i, ErrNaN))
		}
		res.Scores[i] = v
		if s.cache != nil {
			s.cache.Put(keys[i], []float32{v})
		}
	}
	return res
}
