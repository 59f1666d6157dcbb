// Package metrics exposes Prometheus instruments for encoder passes and the
// workspace arena.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	passTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "encoder_pass_total",
		Help: "Total number of forward and backward passes",
	}, []string{"kind", "pass"})

	passFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "encoder_pass_failed_total",
		Help: "Total number of passes that returned an error",
	}, []string{"kind", "pass"})

	passDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "encoder_pass_duration_seconds",
		Help:    "Duration of forward and backward passes",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
	}, []string{"kind", "pass"})

	recomputeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "encoder_recompute_total",
		Help: "Total number of checkpointed tensors recomputed during backward",
	}, []string{"tensor"})

	workspaceBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "encoder_workspace_bytes",
		Help: "Current size of the shared workspace arena",
	})

	layersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "encoder_layers_created_total",
		Help: "Total number of layers created, by kind and precision",
	}, []string{"kind", "dtype"})
)

// ObservePass records one pass of kind that started at start.
func ObservePass(kind, pass string, start time.Time, err error) {
	passTotal.WithLabelValues(kind, pass).Inc()
	passDuration.WithLabelValues(kind, pass).Observe(time.Since(start).Seconds())
	if err != nil {
		passFailed.WithLabelValues(kind, pass).Inc()
	}
}

// Recompute counts one recomputation of a checkpointed tensor.
func Recompute(tensor string) {
	recomputeTotal.WithLabelValues(tensor).Inc()
}

// SetWorkspaceBytes records the arena size.
func SetWorkspaceBytes(n int) {
	workspaceBytes.Set(float64(n))
}

// LayerCreated counts a layer construction.
func LayerCreated(kind, dtype string) {
	layersCreated.WithLabelValues(kind, dtype).Inc()
}
