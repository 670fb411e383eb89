// Package metrics exposes batch processing counters as Prometheus metrics.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/soma-tiles/rma/internal/matrix"
)

// Collector records phase timings and matrix cache activity on a private
// registry.
type Collector struct {
	registry      *prometheus.Registry
	phaseDuration *prometheus.HistogramVec
	cacheOps      *prometheus.CounterVec
	runs          *prometheus.CounterVec
	probesets     prometheus.Counter
}

// New creates a collector with its own registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rma_phase_duration_seconds",
			Help:    "Duration of pipeline phases",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"phase"}),
		cacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rma_matrix_cache_ops_total",
			Help: "Matrix cache activity by operation",
		}, []string{"phase", "op"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rma_runs_total",
			Help: "Finished batch runs by status",
		}, []string{"status"}),
		probesets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rma_probesets_summarized_total",
			Help: "Probesets summarized across all runs",
		}),
	}
	c.registry.MustRegister(c.phaseDuration, c.cacheOps, c.runs, c.probesets)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// ObservePhase records one finished phase and the cache activity during it.
func (c *Collector) ObservePhase(phase string, elapsed time.Duration, delta matrix.Stats) {
	c.phaseDuration.WithLabelValues(phase).Observe(elapsed.Seconds())
	for op, v := range map[string]uint64{
		"hit":         delta.Hits,
		"miss":        delta.Misses,
		"load":        delta.Loads,
		"flush":       delta.Flushes,
		"eviction":    delta.Evictions,
		"clash":       delta.Clashes,
		"window_move": delta.WindowMoves,
	} {
		c.cacheOps.WithLabelValues(phase, op).Add(float64(v))
	}
}

// ObserveProbesets counts summarized probesets.
func (c *Collector) ObserveProbesets(n int) {
	c.probesets.Add(float64(n))
}

// RunFinished counts a run by final status.
func (c *Collector) RunFinished(status string) {
	c.runs.WithLabelValues(status).Inc()
}

// WriteTextfile writes the current metrics in text exposition format.
func (c *Collector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
