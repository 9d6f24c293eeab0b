package iqa

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	imagesScored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdaiqa_images_scored_total",
		Help: "Total number of images scored by the model",
	})

	batchCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdaiqa_batch_count_total",
		Help: "Total number of batches processed per worker",
	}, []string{"worker"})

	batchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cdaiqa_batch_duration_seconds",
		Help:    "Model forward time per batch",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"worker"})

	workerThroughput = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cdaiqa_worker_throughput",
		Help: "Last measured worker throughput in images per second",
	}, []string{"worker"})

	preprocessDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cdaiqa_preprocess_duration_seconds",
		Help:    "Time spent decoding and resizing one image",
		Buckets: prometheus.DefBuckets,
	})

	scoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cdaiqa_score_errors_total",
		Help: "Total number of failed score chunks by reason",
	}, []string{"reason"})

	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdaiqa_cache_hits_total",
		Help: "Total number of images answered from the score cache",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cdaiqa_cache_misses_total",
		Help: "Total number of images that needed a model forward pass",
	})
)
