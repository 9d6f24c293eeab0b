package model

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LayerDuration tracks time spent in the stages of the quality model
	LayerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cdaiqa_layer_duration_seconds",
		Help:    "Time spent in specific model stages",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"layer_type", "device"})
)
