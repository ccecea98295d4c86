package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "oubliette"

// Rejection stages
const (
	StageSecurity = "security"
	StagePath     = "path"
	StageDataset  = "dataset"
)

// Collector records run outcomes.
type Collector struct {
	registry *prometheus.Registry
	logger   *zap.Logger

	runsTotal       *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	gateRejections  *prometheus.CounterVec
	workersInFlight prometheus.Gauge
}

// NewCollector creates a Collector with a fresh registry.
func NewCollector(logger *zap.Logger) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of runs by mode and final status",
			},
			[]string{"mode", "outcome"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of runs in seconds",
				Buckets:   []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 7200, 21600, 86400},
			},
			[]string{"mode"},
		),
		gateRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gate_rejections_total",
				Help:      "Runs rejected before execution, by stage",
			},
			[]string{"stage"},
		),
		workersInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_in_flight",
				Help:      "Worker processes currently running",
			},
		),
	}
}

// RecordRun counts a finished run.
func (c *Collector) RecordRun(mode, status string, duration time.Duration) {
	c.runsTotal.WithLabelValues(mode, status).Inc()
	c.runDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordRejection counts a run stopped before a worker was spawned.
func (c *Collector) RecordRejection(stage string) {
	c.gateRejections.WithLabelValues(stage).Inc()
}

// WorkerStarted marks a worker as running; call the returned func when it ends.
func (c *Collector) WorkerStarted() func() {
	c.workersInFlight.Inc()
	return c.workersInFlight.Dec
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// WriteTextfile writes the registry to path for the node exporter's textfile
// collector.
func (c *Collector) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, c.registry)
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		c.logger.Info("serving metrics", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
