// ABOUTME: Prometheus instruments for sync cycles, tasks, and persisted records
// ABOUTME: Uses a private registry and an optional /metrics HTTP server

package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "thoth"

// Metrics groups every instrument thoth exports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	tasks         *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	records       *prometheus.CounterVec
	modeChanges   *prometheus.CounterVec
	channelMode   *prometheus.GaugeVec
	selectorGen   prometheus.Gauge
}

// New creates the instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Sync cycles by outcome status.",
		}, []string{"status"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of a sync cycle.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Executed tasks by kind and result.",
		}, []string{"kind", "result"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time of a task.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"kind"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Message observations by source and what the store did with them.",
		}, []string{"source", "result"}),
		modeChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_changes_total",
			Help:      "Sync mode transitions by target mode.",
		}, []string{"to"}),
		channelMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channels",
			Help:      "Channels synced in the last cycle by mode.",
		}, []string{"mode"}),
		selectorGen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "selector_generation",
			Help:      "Generation of the loaded selector profile set.",
		}),
	}

	reg.MustRegister(
		m.cycles, m.cycleDuration, m.tasks, m.taskDuration,
		m.records, m.modeChanges, m.channelMode, m.selectorGen,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for tests and custom handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) CycleFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(status).Inc()
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) TaskFinished(kind, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(kind, result).Inc()
	m.taskDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// Records adds n observations with result (inserted, edited, unchanged,
// duplicate, conflict).
func (m *Metrics) Records(source, result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.records.WithLabelValues(source, result).Add(float64(n))
}

func (m *Metrics) ModeChanged(to string) {
	if m == nil {
		return
	}
	m.modeChanges.WithLabelValues(to).Inc()
}

// SetChannelModes replaces the per-mode channel gauge.
func (m *Metrics) SetChannelModes(counts map[string]int) {
	if m == nil {
		return
	}
	m.channelMode.Reset()
	for mode, n := range counts {
		m.channelMode.WithLabelValues(mode).Set(float64(n))
	}
}

func (m *Metrics) SetSelectorGeneration(gen uint64) {
	if m == nil {
		return
	}
	m.selectorGen.Set(float64(gen))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes the metrics on addr at path until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr, path string) error {
	logger := slog.Default().With("component", "metrics")

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "addr", ln.Addr().String(), "path", path)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving metrics: %w", err)
	}
	return nil
}
