// File: internal/metrics/metrics.go
// Description: Prometheus instrumentation for flow executions. A run is a
// short-lived process, so metrics go to a node_exporter textfile at exit
// rather than to a scrape endpoint.

package metrics

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xkilldash9x/passup/api/schemas"
)

const namespace = "passup"

// Collector owns a private registry so several collectors can coexist in tests.
type Collector struct {
	registry   *prometheus.Registry
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	steps      *prometheus.CounterVec
	lastRun    prometheus.Gauge
}

// New creates a Collector with its metrics registered.
func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Collector{
		registry: reg,
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Flow executions by site, terminal status and error kind.",
		}, []string{"site", "status", "error_kind"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of a flow execution.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 40, 80, 160, 320},
		}, []string{"site", "status"}),
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Steps attempted by the executor, by kind and outcome.",
		}, []string{"site", "kind", "outcome"}),
		lastRun: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the metrics were last written.",
		}),
	}
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Record counts a finished execution. It satisfies the runner's Recorder.
func (c *Collector) Record(_ context.Context, res schemas.ExecutionResult) error {
	c.executions.WithLabelValues(res.SiteKey, string(res.Status), string(res.ErrorKind)).Inc()
	c.duration.WithLabelValues(res.SiteKey, string(res.Status)).Observe(res.Elapsed.Seconds())
	return nil
}

// StepFinished counts one attempted step. It satisfies the executor's StepObserver.
func (c *Collector) StepFinished(siteKey string, _ int, step schemas.Step, _ time.Duration, err error) {
	outcome := "completed"
	if err != nil {
		outcome = "failed"
	}
	c.steps.WithLabelValues(siteKey, string(step.Kind), outcome).Inc()
}

// WriteTextfile writes every metric to path in the Prometheus text format.
// The write is atomic, so a collector never reads a partial file.
func (c *Collector) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create metrics folder: %w", err)
	}
	c.lastRun.SetToCurrentTime()
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile %s: %w", path, err)
	}
	return nil
}
